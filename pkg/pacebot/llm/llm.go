// Package llm is the generation backend: an OpenAI-compatible chat
// completions client. Gemini, OpenAI, OpenRouter, Groq and local servers
// such as Ollama all speak this protocol.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a generation request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Reply is the outcome of a generation call.
type Reply struct {
	// Text is the trimmed reply. It may still carry %token% tags when the
	// backend did not honour the structured contract.
	Text string

	// Reaction and Business are only meaningful when Structured is true.
	Reaction string
	Business bool

	// Structured reports that Text, Reaction and Business came from a
	// parsed JSON payload.
	Structured bool
}

// Config configures the client.
type Config struct {
	// BaseURL is the API root; "/chat/completions" is appended.
	BaseURL string `yaml:"base_url"`

	// APIKey is resolved by the config package (keyring, env, file).
	APIKey string `yaml:"api_key"`

	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is how many times a transient failure is retried.
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// StructuredReplies asks the model for a JSON object carrying the reply
	// text and its directives instead of inline tags.
	StructuredReplies bool `yaml:"structured_replies"`
}

// DefaultConfig targets Gemini's OpenAI-compatible endpoint.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://generativelanguage.googleapis.com/v1beta/openai",
		Model:             "gemini-2.5-flash",
		Timeout:           60 * time.Second,
		MaxRetries:        2,
		InitialBackoff:    time.Second,
		StructuredReplies: true,
	}
}

// Client talks to the chat completions endpoint.
type Client struct {
	cfg        Config
	baseURL    string
	provider   string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	provider := DetectProvider(baseURL)

	return &Client{
		cfg:      cfg,
		baseURL:  baseURL,
		provider: provider,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
		logger: logger.With("component", "llm", "provider", provider),
	}
}

// Provider returns the provider detected from the base URL.
func (c *Client) Provider() string { return c.provider }

// DetectProvider infers the provider from the base URL.
func DetectProvider(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "generativelanguage.googleapis.com"):
		return "google"
	case strings.Contains(baseURL, "openai.com"):
		return "openai"
	case strings.Contains(baseURL, "openrouter.ai"):
		return "openrouter"
	case strings.Contains(baseURL, "api.groq.com"):
		return "groq"
	case strings.Contains(baseURL, "localhost:11434"),
		strings.Contains(baseURL, "127.0.0.1:11434"),
		strings.Contains(baseURL, "ollama"):
		return "ollama"
	default:
		return "openai"
	}
}

// structuredInstruction is appended to the system message in structured mode.
const structuredInstruction = `

Always answer with a single JSON object and nothing else:
{"text": "<your reply>", "reaction": "<optional emoji or reaction name, empty if none>", "business": <true if this looks like a business enquiry the owner should see, otherwise false>}`

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends messages and returns the reply. Transient failures (rate
// limits, 5xx, timeouts) are retried with exponential backoff.
func (c *Client) Generate(ctx context.Context, messages []Message) (Reply, error) {
	if c.cfg.APIKey == "" && c.provider != "ollama" {
		return Reply{}, ErrNoAPIKey
	}

	req := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
	}
	if c.cfg.MaxTokens > 0 {
		req.MaxTokens = &c.cfg.MaxTokens
	}
	if c.cfg.StructuredReplies {
		req.Messages = withStructuredInstruction(messages)
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	backoff := c.cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff
			var apierr *APIError
			if errors.As(lastErr, &apierr) && apierr.RetryAfter > 0 {
				wait = apierr.RetryAfter
			}
			c.logger.Warn("retrying generation", "attempt", attempt, "wait", wait, "error", lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return Reply{}, ctx.Err()
			}
			backoff *= 2
		}

		content, err := c.completeOnce(ctx, req)
		if err == nil {
			return c.parse(content)
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return Reply{}, lastErr
}

func (c *Client) completeOnce(ctx context.Context, body chatRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	c.logger.Debug("sending chat completion", "model", body.Model, "messages", len(body.Messages))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apierr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
				apierr.RetryAfter = time.Duration(sec) * time.Second
			}
		}
		c.logger.Error("API error", "model", body.Model, "status", resp.StatusCode, "body", truncate(apierr.Body, 500))
		return "", apierr
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no response from model")
	}

	choice := chatResp.Choices[0]
	c.logger.Info("chat completion done",
		"model", body.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
	)
	return strings.TrimSpace(choice.Message.Content), nil
}

// parse decodes a structured payload when one was requested. Prose is
// returned as is. A JSON payload without a usable text field is an error,
// so the raw object never reaches the user.
func (c *Client) parse(content string) (Reply, error) {
	if !c.cfg.StructuredReplies {
		return Reply{Text: content}, nil
	}
	payload := stripCodeFence(content)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		if looksLikeJSON(payload) {
			return Reply{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
		}
		c.logger.Warn("structured reply not JSON, using raw text")
		return Reply{Text: content}, nil
	}

	var text string
	raw, ok := fields["text"]
	if !ok || json.Unmarshal(raw, &text) != nil {
		return Reply{}, fmt.Errorf("%w: missing text field", ErrMalformedReply)
	}
	return Reply{
		Text:       strings.TrimSpace(text),
		Reaction:   strings.TrimSpace(lenientString(fields["reaction"])),
		Business:   lenientBool(fields["business"]),
		Structured: true,
	}, nil
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

// lenientString returns raw as a string, or "" for null and other types.
func lenientString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// lenientBool accepts true/false as a boolean or a string.
func lenientBool(raw json.RawMessage) bool {
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	v, err := strconv.ParseBool(strings.TrimSpace(lenientString(raw)))
	return err == nil && v
}

func withStructuredInstruction(messages []Message) []Message {
	out := make([]Message, len(messages))
	copy(out, messages)
	if len(out) > 0 && out[0].Role == RoleSystem {
		out[0].Content += structuredInstruction
		return out
	}
	return append([]Message{{Role: RoleSystem, Content: strings.TrimSpace(structuredInstruction)}}, out...)
}

// stripCodeFence removes a ```json ... ``` wrapper some models add.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
