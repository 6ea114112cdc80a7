// Package llm is a minimal OpenAI-compatible chat completion client used by
// the research agents for reasoning and synthesis.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marketscope/orchestrator/internal/protocol"
)

// Message is one chat turn in OpenAI format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	Temperature    float64   `json:"temperature,omitempty"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	ResponseFormat any       `json:"response_format,omitempty"`
}

type chatChoice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	logger  *zap.Logger
}

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewClient builds a client; zero Timeout defaults to 120s.
func NewClient(opts Options, logger *zap.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	model := opts.Model
	if model == "" {
		model = "gpt-4o"
	}
	return &Client{
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		model:   model,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Complete runs one chat completion and returns the assistant reply text.
func (c *Client) Complete(ctx context.Context, messages []Message, temperature float64) (string, error) {
	body := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   4096,
	}
	return c.call(ctx, body)
}

// CompleteJSON requests a JSON-object response and parses it into a payload.
// A reply that is not valid JSON comes back under "raw_response" rather than
// failing the stage.
func (c *Client) CompleteJSON(ctx context.Context, messages []Message, temperature float64) (protocol.Payload, error) {
	body := chatRequest{
		Model:          c.model,
		Messages:       messages,
		Temperature:    temperature,
		MaxTokens:      4096,
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	raw, err := c.call(ctx, body)
	if err != nil {
		return nil, err
	}

	var out protocol.Payload
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		c.logger.Warn("LLM reply was not valid JSON", zap.Int("len", len(raw)))
		return protocol.Payload{"raw_response": raw}, nil
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, body chatRequest) (string, error) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", buf)
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("chat completion status %d: %s", res.StatusCode, string(b))
	}

	var cr chatResponse
	if err := json.NewDecoder(res.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return cr.Choices[0].Message.Content, nil
}
