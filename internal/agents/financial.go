package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/marketscope/orchestrator/internal/llm"
	"github.com/marketscope/orchestrator/internal/protocol"
)

// FinancialAgent gathers financial metrics for the target company and its
// competitors and produces a structured comparison.
type FinancialAgent struct {
	Base
}

func NewFinancialAgent(tools ToolCaller, llmClient LLMClient, logger *zap.Logger) *FinancialAgent {
	return &FinancialAgent{Base: NewBase(tools, llmClient, logger)}
}

func (a *FinancialAgent) Name() string { return "financial_agent" }
func (a *FinancialAgent) Description() string {
	return "Gathers and analyses financial data for the target company and its competitors using tool lookups and LLM interpretation."
}
func (a *FinancialAgent) Capabilities() []string {
	return []string{"financial_data_gathering", "financial_comparison", "revenue_analysis", "growth_metrics"}
}
func (a *FinancialAgent) Tools() []string { return []string{"financial_data"} }

func (a *FinancialAgent) fetchFinancial(ctx context.Context, company string) protocol.Payload {
	text, ok := a.callToolText(ctx, "financial_data", protocol.Payload{"company_name": company})
	if !ok {
		return protocol.Payload{"company": company, "error": text}
	}
	return protocol.Payload{"company": company, "raw": text}
}

func (a *FinancialAgent) Execute(ctx context.Context, input, taskCtx protocol.Payload) (protocol.Payload, error) {
	companyName := input.GetString("company_name", taskCtx.GetString("company_name", ""))
	canonicalName := taskCtx.GetMap("validation").GetString("canonical_name", companyName)

	discovery := taskCtx.GetMap("competitor_discovery")
	names := competitorNames(discovery, 5)

	companyFin := a.fetchFinancial(ctx, canonicalName)
	competitorFins := make([]protocol.Payload, 0, len(names))
	for _, name := range names {
		competitorFins = append(competitorFins, a.fetchFinancial(ctx, name))
	}

	sectorData := taskCtx.GetMap("sector_identification")
	sector := sectorData.GetString("sector", "")
	supplemental := fmt.Sprintf(
		"Sector: %s\nSub-sectors: %s\nSector reasoning: %s\nCompetitors: %s\n",
		sector,
		strings.Join(sectorData.GetStringSlice("sub_sectors"), ", "),
		sectorData.GetString("reasoning", ""),
		compactJSON(names, 1000))

	llmResult := a.completeJSON(ctx, []llm.Message{
		{
			Role: "system",
			Content: "You are a financial analyst. Given raw financial data for a " +
				"company and its competitors, plus supplemental research context, " +
				"produce a structured financial comparison. Use your knowledge of " +
				"these companies to provide realistic financial figures even if the " +
				"raw search data is limited. Respond in JSON with keys: " +
				`"company_financials" (object with "revenue", "revenue_growth", ` +
				`"profit_margin", "market_cap", "employees", "founded", ` +
				`"headquarters", "key_metrics" dict), ` +
				`"competitor_financials" (list of objects each with "company" str ` +
				"plus same fields as company_financials), " +
				`"financial_comparison" (str summary), ` +
				`"financial_health_score" (float 0-10).`,
		},
		{
			Role: "user",
			Content: fmt.Sprintf(
				"Target company: %s\nSector: %s\nCompetitors: %s\n\n"+
					"Company financial data: %s\n\nCompetitor financial data: %s\n\n"+
					"Supplemental research context:\n%s\n\n"+
					"Analyze and compare the financial positions. If raw search data is sparse, "+
					"use the supplemental context and your knowledge to provide informed financial estimates.",
				canonicalName, sector, strings.Join(names, ", "),
				compactJSON(companyFin, 2000), compactJSON(competitorFins, 4000),
				supplemental),
		},
	}, 0.2)

	return protocol.Payload{
		"company_financials":     llmResult.GetMap("company_financials"),
		"competitor_financials":  llmResult["competitor_financials"],
		"financial_comparison":   llmResult.GetString("financial_comparison", ""),
		"financial_health_score": llmResult.GetFloat("financial_health_score", 0),
		"raw_company_data":       companyFin,
	}, nil
}
