package agents

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/marketscope/orchestrator/internal/llm"
	"github.com/marketscope/orchestrator/internal/protocol"
)

// ValidationAgent verifies that the requested company name resolves to a
// real, identifiable entity before the rest of the pipeline spends effort
// on it.
type ValidationAgent struct {
	Base
}

func NewValidationAgent(tools ToolCaller, llmClient LLMClient, logger *zap.Logger) *ValidationAgent {
	return &ValidationAgent{Base: NewBase(tools, llmClient, logger)}
}

func (a *ValidationAgent) Name() string        { return "validation_agent" }
func (a *ValidationAgent) Description() string {
	return "Validates company names by cross-referencing tool lookups and LLM reasoning to ensure the target entity is a real, identifiable company."
}
func (a *ValidationAgent) Capabilities() []string {
	return []string{"company_name_validation", "entity_resolution", "confidence_scoring"}
}
func (a *ValidationAgent) Tools() []string { return []string{"validate_company"} }

func (a *ValidationAgent) Execute(ctx context.Context, input, taskCtx protocol.Payload) (protocol.Payload, error) {
	companyName := input.GetString("company_name", "")
	if companyName == "" {
		return protocol.Payload{
			"valid":      false,
			"details":    "No company name provided.",
			"confidence": 0.0,
		}, nil
	}

	toolValid := true
	toolText := ""
	result, err := a.tools.CallTool(ctx, "validate_company", protocol.Payload{
		"company_name": companyName,
	})
	if err != nil {
		a.logger.Warn("validate_company tool failed", zap.Error(err))
		toolValid = false
		toolText = err.Error()
	} else {
		if !result.GetBool("is_valid", true) {
			toolValid = false
		}
		toolText = flattenToolResult(result)
	}

	llmResult := a.completeJSON(ctx, []llm.Message{
		{
			Role: "system",
			Content: "You are a company validation assistant. Given a company name " +
				"and optional tool output, determine whether the company is a real, " +
				"identifiable entity. Respond in JSON with keys: " +
				`"valid" (bool), "details" (str), "confidence" (float 0-1), ` +
				`"canonical_name" (str).`,
		},
		{
			Role: "user",
			Content: fmt.Sprintf(
				"Company name: %s\nTool output: %s\nTool succeeded: %t\n\nPlease validate this company and provide your assessment.",
				companyName, toolText, toolValid),
		},
	}, 0.2)

	defaultConfidence := 0.2
	if toolValid {
		defaultConfidence = 0.5
	}
	return protocol.Payload{
		"valid":          llmResult.GetBool("valid", toolValid),
		"details":        llmResult.GetString("details", toolText),
		"confidence":     llmResult.GetFloat("confidence", defaultConfidence),
		"canonical_name": llmResult.GetString("canonical_name", companyName),
		"tool_raw":       toolText,
	}, nil
}
