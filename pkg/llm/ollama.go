package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// OllamaClient implements Client against a local Ollama server.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	model      string
	maxTokens  int64
	log        *slog.Logger
}

// NewOllamaClient creates a new Ollama-based completion client.
func NewOllamaClient(log *slog.Logger, baseURL, model string, maxTokens int64, timeout time.Duration) *OllamaClient {
	return &OllamaClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		model:      model,
		maxTokens:  maxTokens,
		log:        log,
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Complete sends a prompt to Ollama and returns the response text.
func (c *OllamaClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	o := applyOptions(opts)

	model := c.model
	if o.ModelHint != "" {
		model = o.ModelHint
	}
	maxTokens := c.maxTokens
	if o.MaxTokens > 0 {
		maxTokens = o.MaxTokens
	}
	options := map[string]any{"num_predict": maxTokens}
	if o.Temperature > 0 {
		options["temperature"] = o.Temperature
	}

	req := ollamaChatRequest{
		Model: model,
		Messages: []ollamaMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Stream:  false,
		Options: options,
	}

	b, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("json marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return "", fmt.Errorf("ollama chat http %d: %s", resp.StatusCode, string(body))
	}

	// Ollama may return newline-delimited JSON chunks even with stream=false.
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	var content bytes.Buffer
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", fmt.Errorf("stream decode: %w (line=%q)", err, string(line))
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("ollama error: %s", chunk.Error)
		}
		content.WriteString(chunk.Message.Content)
		if chunk.Done {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("scan: %w", err)
	}

	if content.Len() == 0 {
		return "", fmt.Errorf("no text content in response")
	}
	return content.String(), nil
}
