package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// AnthropicClient implements Client using the Anthropic API.
type AnthropicClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	log       *slog.Logger
}

// NewAnthropicClient creates a new Anthropic-based completion client.
// The API key is read from the environment by the SDK.
func NewAnthropicClient(log *slog.Logger, model string, maxTokens int64) *AnthropicClient {
	if model == "" {
		model = string(anthropic.ModelClaude3_5Haiku20241022)
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(),
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
		log:       log,
	}
}

// Complete sends a prompt to Claude and returns the response text.
func (c *AnthropicClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	o := applyOptions(opts)

	model := c.model
	if o.ModelHint != "" {
		model = anthropic.Model(o.ModelHint)
	}
	maxTokens := c.maxTokens
	if o.MaxTokens > 0 {
		maxTokens = o.MaxTokens
	}

	system := anthropic.TextBlockParam{Text: systemPrompt}
	if o.CacheSystemPrompt {
		// Cacheable system prompts cut cost and latency for repeated calls
		// with the same prefix (5-minute TTL, min ~1K tokens to qualify).
		system.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{system},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}
	if o.Temperature > 0 {
		params.Temperature = anthropic.Float(o.Temperature)
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	duration := time.Since(start)
	if err != nil {
		c.log.Error("anthropic API call failed", "model", model, "duration", duration, "error", err)
		return "", fmt.Errorf("anthropic API error: %w", err)
	}
	c.log.Debug("anthropic API call completed", "model", model, "duration", duration, "stopReason", msg.StopReason)

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}

	return "", fmt.Errorf("no text content in response")
}
