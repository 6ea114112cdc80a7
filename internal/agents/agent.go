// Package agents contains the research workers that execute pipeline stages.
// Each agent combines tool server calls with LLM reasoning and returns a
// structured payload that downstream stages consume through the task context.
package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/marketscope/orchestrator/internal/llm"
	"github.com/marketscope/orchestrator/internal/protocol"
)

// Agent is the contract every research worker implements. Execute receives
// the task input and the accumulated results of earlier stages; it returns a
// payload of findings or an error when the stage cannot produce one.
type Agent interface {
	Name() string
	Description() string
	Capabilities() []string
	Tools() []string
	Execute(ctx context.Context, input, taskCtx protocol.Payload) (protocol.Payload, error)
}

// ToolCaller invokes a named tool on the tool server.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args protocol.Payload) (protocol.Payload, error)
}

// LLMClient exposes the completion surface agents use for reasoning.
type LLMClient interface {
	Complete(ctx context.Context, messages []llm.Message, temperature float64) (string, error)
	CompleteJSON(ctx context.Context, messages []llm.Message, temperature float64) (protocol.Payload, error)
}

// Base carries the shared clients and helpers embedded by every agent.
type Base struct {
	tools  ToolCaller
	llm    LLMClient
	logger *zap.Logger
}

// NewBase wires the shared dependencies for an agent.
func NewBase(tools ToolCaller, llmClient LLMClient, logger *zap.Logger) Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Base{tools: tools, llm: llmClient, logger: logger}
}

// callToolText invokes a tool and flattens its result into display text.
// Tool failures degrade to an error marker rather than failing the stage;
// the LLM step still runs with whatever context survived.
func (b Base) callToolText(ctx context.Context, tool string, args protocol.Payload) (string, bool) {
	result, err := b.tools.CallTool(ctx, tool, args)
	if err != nil {
		b.logger.Warn("tool call failed",
			zap.String("tool", tool),
			zap.Error(err))
		return fmt.Sprintf("[tool %s unavailable: %v]", tool, err), false
	}
	return flattenToolResult(result), true
}

// flattenToolResult extracts readable text from a tool result, which may be
// a bare map, a {"text": ...} block, or a {"content": [...]} envelope.
func flattenToolResult(result protocol.Payload) string {
	if result == nil {
		return ""
	}
	if content, ok := result["content"]; ok {
		switch c := content.(type) {
		case []interface{}:
			if len(c) > 0 {
				if block, ok := c[0].(map[string]interface{}); ok {
					if text, ok := block["text"].(string); ok {
						return text
					}
				}
			}
			return marshalFallback(c)
		case map[string]interface{}:
			if text, ok := c["text"].(string); ok {
				return text
			}
			return marshalFallback(c)
		case string:
			return c
		}
	}
	if text, ok := result["text"].(string); ok {
		return text
	}
	return marshalFallback(result)
}

func marshalFallback(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

// completeJSON runs a JSON-mode completion, falling back to an empty payload
// when the model is unreachable so agents can apply their defaults.
func (b Base) completeJSON(ctx context.Context, messages []llm.Message, temperature float64) protocol.Payload {
	result, err := b.llm.CompleteJSON(ctx, messages, temperature)
	if err != nil {
		b.logger.Warn("llm completion failed", zap.Error(err))
		return protocol.Payload{}
	}
	return result
}

// truncate caps a string for prompt budgets.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// compactJSON renders a value as JSON capped at n bytes for prompt context.
func compactJSON(v interface{}, n int) string {
	return truncate(marshalFallback(v), n)
}
