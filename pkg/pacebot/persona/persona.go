// Package persona maps conversation identifiers to the persona text that
// opens every generation request.
package persona

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
)

// DefaultSuffixes are the network suffixes stripped when normalizing ids.
var DefaultSuffixes = []string{"@s.whatsapp.net", "@c.us", "@lid", "@g.us"}

// Config describes where personas come from.
type Config struct {
	// Default is used when no override matches.
	Default string `yaml:"default"`

	// File is an optional JSON object of identifier -> persona text.
	File string `yaml:"file"`

	// Overrides are inline entries; they win over File.
	Overrides map[string]string `yaml:"overrides"`

	// Suffixes replaces DefaultSuffixes when set.
	Suffixes []string `yaml:"suffixes"`
}

// Resolver is read-only after construction and safe for concurrent use.
type Resolver struct {
	def      string
	suffixes []string
	table    map[string]string

	// raw holds keys written verbatim by any source.
	raw map[string]struct{}
}

// New builds a resolver. A missing or malformed override file is logged and
// treated as empty.
func New(cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "persona")

	r := &Resolver{
		def:      cfg.Default,
		suffixes: cfg.Suffixes,
		table:    make(map[string]string),
		raw:      make(map[string]struct{}),
	}
	if len(r.suffixes) == 0 {
		r.suffixes = DefaultSuffixes
	}

	if cfg.File != "" {
		entries, err := readFile(cfg.File)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Info("persona file not found, using defaults", "path", cfg.File)
		case err != nil:
			logger.Warn("persona file unreadable, ignoring", "path", cfg.File, "error", err)
		default:
			r.add(entries)
		}
	}
	r.add(cfg.Overrides)

	logger.Debug("personas loaded", "entries", len(r.table))
	return r
}

// Resolve returns the persona for conversationID: an exact match first, then
// a match on the id with its network suffix removed, then the default.
func (r *Resolver) Resolve(conversationID string) string {
	if p, ok := r.table[conversationID]; ok {
		return p
	}
	if p, ok := r.table[r.Normalize(conversationID)]; ok {
		return p
	}
	return r.def
}

// Normalize strips a known network suffix from id.
func (r *Resolver) Normalize(id string) string {
	for _, s := range r.suffixes {
		if trimmed, ok := strings.CutSuffix(id, s); ok {
			return trimmed
		}
	}
	return id
}

// Default returns the fallback persona.
func (r *Resolver) Default() string { return r.def }

// Len returns the number of indexed keys.
func (r *Resolver) Len() int { return len(r.table) }

// add indexes every entry under both its raw and normalized key. A raw key
// from any source always wins over a normalized alias.
func (r *Resolver) add(entries map[string]string) {
	for k, v := range entries {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		r.table[k] = v
		r.raw[k] = struct{}{}
	}
	for k, v := range entries {
		norm := r.Normalize(strings.TrimSpace(k))
		if _, exists := r.raw[norm]; exists {
			continue
		}
		r.table[norm] = v
	}
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
