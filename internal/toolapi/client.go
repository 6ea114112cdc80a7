// Package toolapi is the client for the research tool server, which hosts
// the web-search and scraping tools (validate_company, identify_competitors,
// financial_data, ...) the agents call.
package toolapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marketscope/orchestrator/internal/breaker"
	"github.com/marketscope/orchestrator/internal/protocol"
	"github.com/marketscope/orchestrator/internal/tracing"
)

// Client invokes named tools over the tool server's HTTP call endpoint.
type Client struct {
	baseURL string
	http    *breaker.HTTPWrapper
	logger  *zap.Logger
}

// NewClient builds a client; zero timeout defaults to 120s, matching the
// long-running scraping tools.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    breaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "toolapi", logger),
		logger:  logger,
	}
}

type callEnvelope struct {
	Name      string           `json:"name"`
	Arguments protocol.Payload `json:"arguments"`
}

type resultEnvelope struct {
	Status string           `json:"status,omitempty"`
	Error  string           `json:"error,omitempty"`
	Result protocol.Payload `json:"result,omitempty"`
}

// CallTool invokes the named tool and returns its result payload. Transport
// failures and tool-level error envelopes both surface as errors; the agent
// decides what a failed tool call means for its stage.
func (c *Client) CallTool(ctx context.Context, name string, args protocol.Payload) (protocol.Payload, error) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(callEnvelope{Name: name, Arguments: args}); err != nil {
		return nil, fmt.Errorf("encode tool call %s: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mcp/tools/call", buf)
	if err != nil {
		return nil, fmt.Errorf("build tool call %s: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		c.logger.Error("Tool call failed",
			zap.String("tool", name),
			zap.Int("status", res.StatusCode),
		)
		return nil, fmt.Errorf("tool %s: HTTP %d: %s", name, res.StatusCode, string(b))
	}

	var envelope resultEnvelope
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode tool %s response: %w", name, err)
	}
	if envelope.Error != "" || envelope.Status == "error" {
		msg := envelope.Error
		if msg == "" {
			msg = "unknown tool error"
		}
		return nil, fmt.Errorf("tool %s: %s", name, msg)
	}
	if envelope.Result == nil {
		return protocol.Payload{}, nil
	}
	return envelope.Result, nil
}
