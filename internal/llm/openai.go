package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxResponseSize = 4 << 20

// ClientConfig configures an OpenAI-compatible chat completions client
// (OpenAI, OpenRouter, Ollama, vLLM).
type ClientConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature *float64
	MaxTokens   int
	// MaxAttempts bounds retries of transient failures. Zero means 3.
	MaxAttempts int
	BackoffBase time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Client implements Service over HTTP.
type Client struct {
	cfg    ClientConfig
	url    string
	http   *http.Client
	logger *slog.Logger
}

// NewClient builds a client. No request timeout is imposed unless the
// supplied http.Client sets one.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, url: buildURL(cfg.BaseURL), http: httpClient, logger: logger}
}

func buildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

type chatRequest struct {
	Model       string     `json:"model"`
	Messages    []Message  `json:"messages"`
	Temperature *float64   `json:"temperature,omitempty"`
	MaxTokens   *int       `json:"max_tokens,omitempty"`
	Tools       []wireTool `json:"tools,omitempty"`
	ToolChoice  string     `json:"tool_choice,omitempty"`
}

type wireTool struct {
	Type     string         `json:"type"`
	Function wireToolSchema `json:"function"`
}

type wireToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string         `json:"role"`
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Chat returns the completion text.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.complete(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	return resp.Completion, nil
}

// ChatWithTools offers tools to the model and returns its text plus any
// requested tool calls.
func (c *Client) ChatWithTools(ctx context.Context, messages []Message, tools []ToolDefinition) (*ToolResponse, error) {
	return c.complete(ctx, messages, tools)
}

func (c *Client) complete(ctx context.Context, messages []Message, tools []ToolDefinition) (*ToolResponse, error) {
	body, err := c.buildRequestBody(messages, tools)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == c.cfg.MaxAttempts {
			break
		}
		backoff := c.cfg.BackoffBase * time.Duration(1<<(attempt-1))
		c.logger.Warn("model request failed, retrying",
			"attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, NewFatalError(ctx.Err())
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (c *Client) buildRequestBody(messages []Message, tools []ToolDefinition) ([]byte, error) {
	req := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
	}
	if c.cfg.MaxTokens > 0 {
		maxTokens := c.cfg.MaxTokens
		req.MaxTokens = &maxTokens
	}
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		req.Tools = append(req.Tools, wireTool{
			Type:     "function",
			Function: wireToolSchema{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = "auto"
	}
	return json.Marshal(req)
}

func (c *Client) doRequest(ctx context.Context, body []byte) (*ToolResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	c.logger.Debug("sending model request", "model", c.cfg.Model, "url", c.url)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}
	return parseResponse(respBody)
}

func parseResponse(body []byte) (*ToolResponse, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewFatalError(fmt.Errorf("parse model response: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, NewFatalError(fmt.Errorf("no choices in model response"))
	}

	msg := resp.Choices[0].Message
	out := &ToolResponse{Completion: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				// Keep the raw text so the tool reports a usable error.
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}

// classifyHTTPError maps a non-200 status to a transient or fatal error.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}
	err := fmt.Errorf("model API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		return NewTransientError(err)
	default:
		return NewFatalError(err)
	}
}

var _ Service = (*Client)(nil)
