package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:-|:\?)([^}]*))?\}`)

// Legacy variables read by earlier deployments of the bot.
const (
	EnvRoleContext = "BOT_ROLE_CONTEXT"
	EnvClientAlias = "CLIENT_ALIAS"
)

// apiKeyEnvVars are consulted in order; the first one set wins over the file.
var apiKeyEnvVars = []string{"PACEBOT_API_KEY", "GEMINI_API_KEY", "OPENAI_API_KEY"}

// Find returns the first config file present in the standard locations,
// or "" when there is none.
func Find() string {
	for _, path := range []string{
		"config.yaml",
		"config.yml",
		"pacebot.yaml",
		"configs/config.yaml",
	} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads the config at path. An empty path yields the defaults, still
// overlaid with .env files and environment secrets.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	var data []byte
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		data = raw
		checkFilePermissions(path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	resolveSecrets(cfg)
	return cfg, nil
}

// Parse expands environment references in data and decodes it over the
// defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	applyLegacyEnv(cfg)

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(expanded) == "" {
		return cfg, nil
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML with owner-only permissions. An API key that came
// from an environment variable is written back as a reference.
func Save(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.LLM.APIKey = sanitizeSecret(cfg.LLM.APIKey)

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		// Existing variables are not overwritten.
		_ = godotenv.Load(f)
	}
}

// expandEnvVars substitutes environment references. Unset variables expand
// to "" unless a default or a required message is given.
func expandEnvVars(input string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		name, op, arg := m[1], m[2], m[3]

		val, ok := os.LookupEnv(name)
		if ok && val != "" {
			return val
		}
		switch op {
		case ":-":
			return arg
		case ":?":
			if arg == "" {
				arg = "not set"
			}
			missing = append(missing, name+": "+arg)
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("required environment variables: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

// applyLegacyEnv seeds defaults from the variables older deployments used.
// Values in the config file still take precedence.
func applyLegacyEnv(cfg *Config) {
	if v := os.Getenv(EnvRoleContext); v != "" {
		cfg.Persona.Default = v
	}
	if v := os.Getenv(EnvClientAlias); v != "" {
		cfg.Business.OperatorAlias = v
	}
}

// resolveSecrets prefers the API key environment variables over a value
// written in the file.
func resolveSecrets(cfg *Config) {
	for _, name := range apiKeyEnvVars {
		if v := os.Getenv(name); v != "" {
			cfg.LLM.APIKey = v
			return
		}
	}
}

func sanitizeSecret(value string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	for _, name := range apiKeyEnvVars {
		if os.Getenv(name) == value {
			return "${" + name + "}"
		}
	}
	return value
}

// IsEnvReference reports whether s is a ${VAR} reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}

func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file is readable by others",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", "chmod 600 "+path,
		)
	}
}
