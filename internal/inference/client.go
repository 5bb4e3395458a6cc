package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/core-coin/tributum/internal/config"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

const (
	apiKeyHeader  = "I3-API-Key"
	fallbackModel = "I3-Generic-Foundation-LLM"
	maxPromptLen  = 8000
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type choice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Usage map[string]interface{} `json:"usage,omitempty"`
}

type completionResponse struct {
	Choices []choice               `json:"choices"`
	Usage   map[string]interface{} `json:"usage"`
	Output  string                 `json:"output"`
	Result  string                 `json:"result"`
	Data    *struct {
		Choices []choice               `json:"choices"`
		Usage   map[string]interface{} `json:"usage"`
	} `json:"data"`
}

// Client calls an OpenAI-style chat completions endpoint.
type Client struct {
	logger      *logger.Logger
	url         string
	apiKey      string
	maxTokens   int
	temperature float64
	client      *http.Client
}

var _ models.InferenceBackend = (*Client)(nil)

func NewClient(logger *logger.Logger, cfg *config.Config) *Client {
	timeout := cfg.ChatTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		logger:      logger,
		url:         cfg.ChatCompletionsURL,
		apiKey:      cfg.ChatCompletionsAPIKey,
		maxTokens:   cfg.ChatMaxTokens,
		temperature: cfg.ChatTemperature,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Complete runs one completion. Failures are reported in the result so the
// caller can still close out a paid request.
func (c *Client) Complete(ctx context.Context, req models.ChatRequest) models.ChatResult {
	prompt := sanitizePrompt(req.Prompt)
	if prompt == "" {
		return models.ChatResult{Warning: "Prompt is empty; skipping model invocation."}
	}
	if c.url == "" {
		return models.ChatResult{Model: req.Model, Warning: "Inference backend is not configured."}
	}

	model := req.Model
	if model == "" {
		model = fallbackModel
	}

	text, usage, err := c.call(ctx, model, prompt)
	if err != nil {
		c.logger.Warn("Chat completion failed", "model", model, "error", err)
		return models.ChatResult{Model: model, Error: err.Error()}
	}
	return models.ChatResult{Output: text, Model: model, Usage: usage}
}

func (c *Client) call(ctx context.Context, model, prompt string) (string, map[string]interface{}, error) {
	body, err := json.Marshal(completionRequest{
		Model: model,
		Messages: []message{
			{Role: "system", Content: fmt.Sprintf("You are %s. Respond as the model would, staying concise and helpful.", model)},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set(apiKeyHeader, c.apiKey)
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("failed to reach model service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", nil, fmt.Errorf("model service responded with %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, fmt.Errorf("failed to decode completion response: %w", err)
	}
	return out.text(), out.usage(), nil
}

func (r *completionResponse) text() string {
	switch {
	case len(r.Choices) > 0 && r.Choices[0].Message.Content != "":
		return r.Choices[0].Message.Content
	case r.Data != nil && len(r.Data.Choices) > 0:
		return r.Data.Choices[0].Message.Content
	case r.Output != "":
		return r.Output
	}
	return r.Result
}

func (r *completionResponse) usage() map[string]interface{} {
	switch {
	case r.Usage != nil:
		return r.Usage
	case len(r.Choices) > 0 && r.Choices[0].Usage != nil:
		return r.Choices[0].Usage
	case r.Data != nil:
		return r.Data.Usage
	}
	return nil
}

func sanitizePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if len(prompt) > maxPromptLen {
		prompt = prompt[:maxPromptLen]
	}
	return prompt
}
