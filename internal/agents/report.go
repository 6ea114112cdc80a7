package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/marketscope/orchestrator/internal/llm"
	"github.com/marketscope/orchestrator/internal/protocol"
)

// ReportAgent synthesises every earlier stage into the final research report.
type ReportAgent struct {
	Base
}

func NewReportAgent(tools ToolCaller, llmClient LLMClient, logger *zap.Logger) *ReportAgent {
	return &ReportAgent{Base: NewBase(tools, llmClient, logger)}
}

func (a *ReportAgent) Name() string { return "report_agent" }
func (a *ReportAgent) Description() string {
	return "Generates a comprehensive market research report by synthesising all collected data from the pipeline into a structured Markdown document with executive summary, SWOT analysis, and strategic recommendations."
}
func (a *ReportAgent) Capabilities() []string {
	return []string{"report_generation", "data_synthesis", "executive_summary", "swot_analysis", "strategic_recommendations"}
}
func (a *ReportAgent) Tools() []string { return []string{"generate_report"} }

// buildReportContext flattens every pipeline result into a textual summary
// the LLM can work from.
func buildReportContext(taskCtx protocol.Payload) string {
	var sections []string

	validation := taskCtx.GetMap("validation")
	validity := "unverified"
	if validation.GetBool("valid", false) {
		validity = "valid"
	}
	sections = append(sections, fmt.Sprintf(
		"VALIDATION: Company is %s. Canonical name: %s. Details: %s",
		validity,
		validation.GetString("canonical_name", "N/A"),
		validation.GetString("details", "N/A")))

	sector := taskCtx.GetMap("sector_identification")
	sections = append(sections, fmt.Sprintf(
		"SECTOR: %s. Sub-sectors: %s. Reasoning: %s",
		sector.GetString("sector", "N/A"),
		strings.Join(sector.GetStringSlice("sub_sectors"), ", "),
		sector.GetString("reasoning", "N/A")))

	competitors := taskCtx.GetMap("competitor_discovery")
	sections = append(sections, fmt.Sprintf(
		"COMPETITORS: %s. Competitive intensity: %s.",
		strings.Join(competitorNames(competitors, 0), ", "),
		competitors.GetString("competitive_intensity", "N/A")))

	financials := taskCtx.GetMap("financial_research")
	sections = append(sections,
		"FINANCIALS: "+compactJSON(financials.GetMap("company_financials"), 1500),
		"COMPETITOR FINANCIALS: "+compactJSON(financials["competitor_financials"], 1500))

	research := taskCtx.GetMap("deep_research")
	sections = append(sections,
		"COMPANY RESEARCH: "+compactJSON(research.GetMap("company_data"), 2000),
		"MARKET DATA: "+compactJSON(research.GetMap("market_data"), 1500))

	sentiment := taskCtx.GetMap("sentiment_analysis")
	sections = append(sections, fmt.Sprintf(
		"SENTIMENT: Market mood: %s. Company: %s. Comparison: %s",
		sentiment.GetString("market_mood", "N/A"),
		compactJSON(sentiment.GetMap("company_sentiment"), 800),
		sentiment.GetString("sentiment_comparison", "N/A")))

	trends := taskCtx.GetMap("trend_analysis")
	sections = append(sections, fmt.Sprintf(
		"TRENDS: Outlook: %s. Emerging: %s. Opportunities: %s",
		trends.GetString("market_outlook", "N/A"),
		compactJSON(trends["emerging_trends"], 800),
		compactJSON(trends["opportunities"], 800)))

	return strings.Join(sections, "\n\n")
}

func (a *ReportAgent) Execute(ctx context.Context, input, taskCtx protocol.Payload) (protocol.Payload, error) {
	companyName := input.GetString("company_name", taskCtx.GetString("company_name", ""))
	canonicalName := taskCtx.GetMap("validation").GetString("canonical_name", companyName)

	reportContext := buildReportContext(taskCtx)

	toolReport, _ := a.callToolText(ctx, "generate_report", protocol.Payload{
		"company_name": canonicalName,
		"data":         compactJSON(taskCtx, 8000),
	})

	reportMD, err := a.llm.Complete(ctx, []llm.Message{
		{
			Role: "system",
			Content: "You are a senior market research analyst producing a comprehensive " +
				"research report. Using ALL the data provided, generate a detailed " +
				"Markdown report. The report MUST include these sections:\n\n" +
				"1. **Executive Summary** - 2-3 paragraph overview\n" +
				"2. **Company Overview** - detailed profile of the target company\n" +
				"3. **Sector Analysis** - industry context and dynamics\n" +
				"4. **Competitor Comparison** - markdown table comparing key metrics\n" +
				"5. **Financial Analysis** - key financial metrics and comparison\n" +
				"6. **Market Sentiment Analysis** - brand perception and media coverage\n" +
				"7. **Trend Analysis** - emerging and declining trends\n" +
				"8. **SWOT Analysis** - Strengths, Weaknesses, Opportunities, Threats\n" +
				"9. **Strategic Recommendations** - numbered actionable recommendations\n" +
				"10. **Actionable Insights** - immediate next steps\n\n" +
				"Use proper Markdown formatting with headers, tables, bullet points, " +
				"and bold text. Be specific and data-driven.",
		},
		{
			Role: "user",
			Content: fmt.Sprintf(
				"Generate a comprehensive market research report for: %s\n\n"+
					"--- COLLECTED DATA ---\n%s\n\n--- REPORT BASELINE ---\n%s\n\n"+
					"Produce the full Markdown report now.",
				canonicalName, reportContext, truncate(toolReport, 3000)),
		},
	}, 0.4)
	if err != nil {
		a.logger.Warn("report generation failed", zap.Error(err))
		reportMD = ""
	}

	structured := a.completeJSON(ctx, []llm.Message{
		{
			Role: "system",
			Content: "Extract structured data from the research context. Respond in " +
				`JSON with keys: "executive_summary" (str - 2-3 sentences), ` +
				`"swot" (object with "strengths" list[str], "weaknesses" list[str], ` +
				`"opportunities" list[str], "threats" list[str]), ` +
				`"recommendations" (list of {"title": str, "description": str, ` +
				`"priority": str high/medium/low, "timeframe": str}), ` +
				`"key_metrics" (object with important numerical metrics), ` +
				`"risk_score" (float 0-10), "opportunity_score" (float 0-10).`,
		},
		{
			Role: "user",
			Content: fmt.Sprintf(
				"Company: %s\n\nResearch data:\n%s\n\nExtract structured insights.",
				canonicalName, truncate(reportContext, 6000)),
		},
	}, 0.2)

	return protocol.Payload{
		"report_markdown":   reportMD,
		"executive_summary": structured.GetString("executive_summary", ""),
		"swot":              structured.GetMap("swot"),
		"recommendations":   structured["recommendations"],
		"key_metrics":       structured.GetMap("key_metrics"),
		"risk_score":        structured.GetFloat("risk_score", 0),
		"opportunity_score": structured.GetFloat("opportunity_score", 0),
	}, nil
}
