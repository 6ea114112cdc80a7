package agents

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/marketscope/orchestrator/internal/llm"
	"github.com/marketscope/orchestrator/internal/protocol"
)

// SectorAgent classifies the target company into an industry sector and
// sub-sectors.
type SectorAgent struct {
	Base
}

func NewSectorAgent(tools ToolCaller, llmClient LLMClient, logger *zap.Logger) *SectorAgent {
	return &SectorAgent{Base: NewBase(tools, llmClient, logger)}
}

func (a *SectorAgent) Name() string { return "sector_agent" }
func (a *SectorAgent) Description() string {
	return "Identifies the industry sector and sub-sectors for a given company using tool lookups and LLM-based classification."
}
func (a *SectorAgent) Capabilities() []string {
	return []string{"sector_identification", "industry_classification", "sub_sector_analysis"}
}
func (a *SectorAgent) Tools() []string { return []string{"identify_sector"} }

func (a *SectorAgent) Execute(ctx context.Context, input, taskCtx protocol.Payload) (protocol.Payload, error) {
	companyName := input.GetString("company_name", taskCtx.GetString("company_name", ""))
	canonicalName := taskCtx.GetMap("validation").GetString("canonical_name", companyName)

	toolText, _ := a.callToolText(ctx, "identify_sector", protocol.Payload{
		"company_name": canonicalName,
	})

	llmResult := a.completeJSON(ctx, []llm.Message{
		{
			Role: "system",
			Content: "You are an industry classification expert. Given a company " +
				"name and optional sector tool output, identify the primary sector, " +
				"sub-sectors, and SIC/NAICS-style classification. Respond in JSON " +
				`with keys: "sector" (str), "sub_sectors" (list[str]), ` +
				`"sic_code" (str or null), "naics_code" (str or null), ` +
				`"confidence" (float 0-1), "reasoning" (str).`,
		},
		{
			Role: "user",
			Content: fmt.Sprintf(
				"Company: %s\nSector tool output: %s\n\nIdentify the sector and sub-sectors for this company.",
				canonicalName, toolText),
		},
	}, 0.2)

	return protocol.Payload{
		"sector":      llmResult.GetString("sector", "Unknown"),
		"sub_sectors": llmResult.GetStringSlice("sub_sectors"),
		"sic_code":    llmResult["sic_code"],
		"naics_code":  llmResult["naics_code"],
		"confidence":  llmResult.GetFloat("confidence", 0.5),
		"reasoning":   llmResult.GetString("reasoning", ""),
		"tool_raw":    toolText,
	}, nil
}
