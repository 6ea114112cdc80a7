package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/marketscope/orchestrator/internal/llm"
	"github.com/marketscope/orchestrator/internal/protocol"
)

// TrendAgent identifies emerging and declining market trends and their
// strategic implications for the target company.
type TrendAgent struct {
	Base
}

func NewTrendAgent(tools ToolCaller, llmClient LLMClient, logger *zap.Logger) *TrendAgent {
	return &TrendAgent{Base: NewBase(tools, llmClient, logger)}
}

func (a *TrendAgent) Name() string { return "trend_agent" }
func (a *TrendAgent) Description() string {
	return "Analyses market trends using tool lookups and LLM reasoning to identify emerging opportunities, declining trends, and strategic implications."
}
func (a *TrendAgent) Capabilities() []string {
	return []string{"trend_analysis", "opportunity_identification", "market_forecasting", "technology_trend_tracking"}
}
func (a *TrendAgent) Tools() []string { return []string{"trend_analysis"} }

func (a *TrendAgent) Execute(ctx context.Context, input, taskCtx protocol.Payload) (protocol.Payload, error) {
	companyName := input.GetString("company_name", taskCtx.GetString("company_name", ""))
	canonicalName := taskCtx.GetMap("validation").GetString("canonical_name", companyName)
	sectorData := taskCtx.GetMap("sector_identification")
	sector := sectorData.GetString("sector", input.GetString("sector", "Unknown"))
	subSectors := sectorData.GetStringSlice("sub_sectors")

	toolText, _ := a.callToolText(ctx, "trend_analysis", protocol.Payload{
		"sector":       sector,
		"company_name": canonicalName,
	})

	marketData := taskCtx.GetMap("deep_research").GetMap("market_data")

	llmResult := a.completeJSON(ctx, []llm.Message{
		{
			Role: "system",
			Content: "You are a market trend analyst and futurist. Given sector " +
				"information, trend tool data, and market research, identify and " +
				"classify trends. Respond in JSON with keys: " +
				`"emerging_trends" (list of {"trend": str, "impact": str high/medium/low, ` +
				`"timeline": str, "description": str}), ` +
				`"declining_trends" (list of same structure), ` +
				`"opportunities" (list of {"opportunity": str, "potential_value": str, ` +
				`"difficulty": str, "description": str}), ` +
				`"threats" (list of {"threat": str, "severity": str, "likelihood": str, ` +
				`"description": str}), "technology_shifts" (list[str]), ` +
				`"market_outlook" (str), "five_year_forecast" (str).`,
		},
		{
			Role: "user",
			Content: fmt.Sprintf(
				"Company: %s\nSector: %s\nSub-sectors: %s\nTrend tool data: %s\nMarket data: %s\n\n"+
					"Provide comprehensive trend analysis for this sector and company.",
				canonicalName, sector, strings.Join(subSectors, ", "),
				toolText, compactJSON(marketData, 2000)),
		},
	}, 0.2)

	return protocol.Payload{
		"emerging_trends":    llmResult["emerging_trends"],
		"declining_trends":   llmResult["declining_trends"],
		"opportunities":      llmResult["opportunities"],
		"threats":            llmResult["threats"],
		"technology_shifts":  llmResult.GetStringSlice("technology_shifts"),
		"market_outlook":     llmResult.GetString("market_outlook", ""),
		"five_year_forecast": llmResult.GetString("five_year_forecast", ""),
		"tool_raw":           toolText,
	}, nil
}
