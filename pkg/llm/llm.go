// Package llm provides the text-completion capability consumed by the
// pipeline. Cloud (Anthropic) and local (Ollama) backends implement the same
// Client interface and are selected by a mode flag rather than wired as two
// separate services.
package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Mode selects the completion backend.
type Mode string

const (
	ModeCloud Mode = "cloud"
	ModeLocal Mode = "local"
)

// Client is the interface for interacting with an LLM.
type Client interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error)
}

// CompleteOptions holds options for a single completion call.
type CompleteOptions struct {
	CacheSystemPrompt bool    // Enable prompt caching for the system prompt
	MaxTokens         int64   // Override the client default when > 0
	Temperature       float64 // Sampling temperature, 0 means backend default
	ModelHint         string  // Override the configured model when set
}

// CompleteOption is a functional option for Complete.
type CompleteOption func(*CompleteOptions)

// WithCacheControl enables prompt caching for the system prompt. This marks
// the system prompt as cacheable, reducing costs for repeated calls with the
// same system prompt prefix.
func WithCacheControl() CompleteOption {
	return func(o *CompleteOptions) {
		o.CacheSystemPrompt = true
	}
}

// WithMaxTokens overrides the response token cap for this call.
func WithMaxTokens(n int64) CompleteOption {
	return func(o *CompleteOptions) {
		o.MaxTokens = n
	}
}

// WithTemperature sets the sampling temperature for this call.
func WithTemperature(t float64) CompleteOption {
	return func(o *CompleteOptions) {
		o.Temperature = t
	}
}

// WithModelHint overrides the configured model for this call.
func WithModelHint(model string) CompleteOption {
	return func(o *CompleteOptions) {
		o.ModelHint = model
	}
}

func applyOptions(opts []CompleteOption) CompleteOptions {
	var o CompleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Config holds the configuration for constructing a Client.
type Config struct {
	Logger *slog.Logger
	Mode   Mode

	// Cloud backend
	AnthropicModel string

	// Local backend
	OllamaBaseURL string
	OllamaModel   string

	MaxTokens int64
	Timeout   time.Duration

	// Retry bounds for transient completion failures.
	MaxRetries uint
}

// Validate applies defaults and checks required fields.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Mode == "" {
		c.Mode = ModeCloud
	}
	if c.Mode != ModeCloud && c.Mode != ModeLocal {
		return errors.New("mode must be cloud or local")
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Mode == ModeLocal && c.OllamaBaseURL == "" {
		return errors.New("ollama base URL is required in local mode")
	}
	return nil
}

// New constructs a retrying Client for the configured mode.
func New(cfg *Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var inner Client
	switch cfg.Mode {
	case ModeLocal:
		inner = NewOllamaClient(cfg.Logger, cfg.OllamaBaseURL, cfg.OllamaModel, cfg.MaxTokens, cfg.Timeout)
	default:
		inner = NewAnthropicClient(cfg.Logger, cfg.AnthropicModel, cfg.MaxTokens)
	}

	return NewRetryClient(cfg.Logger, inner, cfg.MaxRetries), nil
}
