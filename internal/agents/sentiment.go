package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/marketscope/orchestrator/internal/llm"
	"github.com/marketscope/orchestrator/internal/protocol"
)

// SentimentAgent scores market sentiment for the target company and its
// competitors.
type SentimentAgent struct {
	Base
}

func NewSentimentAgent(tools ToolCaller, llmClient LLMClient, logger *zap.Logger) *SentimentAgent {
	return &SentimentAgent{Base: NewBase(tools, llmClient, logger)}
}

func (a *SentimentAgent) Name() string { return "sentiment_agent" }
func (a *SentimentAgent) Description() string {
	return "Analyses market sentiment for the target company and its competitors using sentiment tools and LLM-based interpretation."
}
func (a *SentimentAgent) Capabilities() []string {
	return []string{"sentiment_analysis", "brand_perception", "social_listening", "reputation_scoring"}
}
func (a *SentimentAgent) Tools() []string { return []string{"sentiment_analysis"} }

func (a *SentimentAgent) analyzeSentiment(ctx context.Context, company string) protocol.Payload {
	text, ok := a.callToolText(ctx, "sentiment_analysis", protocol.Payload{"company_name": company})
	if !ok {
		return protocol.Payload{"company": company, "error": text}
	}
	return protocol.Payload{"company": company, "raw": text}
}

func (a *SentimentAgent) Execute(ctx context.Context, input, taskCtx protocol.Payload) (protocol.Payload, error) {
	companyName := input.GetString("company_name", taskCtx.GetString("company_name", ""))
	canonicalName := taskCtx.GetMap("validation").GetString("canonical_name", companyName)
	names := competitorNames(taskCtx.GetMap("competitor_discovery"), 5)

	companyRaw := a.analyzeSentiment(ctx, canonicalName)
	competitorRaw := make([]protocol.Payload, 0, len(names))
	for _, name := range names {
		competitorRaw = append(competitorRaw, a.analyzeSentiment(ctx, name))
	}

	researchData := taskCtx.GetMap("deep_research")
	financialData := taskCtx.GetMap("financial_research")
	sector := taskCtx.GetMap("sector_identification").GetString("sector", "")
	supplemental := fmt.Sprintf(
		"Sector: %s\nCompany research: %s\nMarket data: %s\nFinancial comparison: %s\n",
		sector,
		compactJSON(researchData.GetMap("company_data"), 2000),
		compactJSON(researchData.GetMap("market_data"), 1000),
		truncate(financialData.GetString("financial_comparison", ""), 1000))

	llmResult := a.completeJSON(ctx, []llm.Message{
		{
			Role: "system",
			Content: "You are a market sentiment analyst. Given raw sentiment data " +
				"for a company and its competitors, plus supplemental research " +
				"context, produce structured sentiment analysis. Use your knowledge " +
				"of these companies to provide realistic sentiment scores even if " +
				"the raw search data is limited. Respond in JSON with keys: " +
				`"company_sentiment" (object with "overall_score" float -1 to 1, ` +
				`"label" str positive/neutral/negative, "key_positive_factors" list[str], ` +
				`"key_negative_factors" list[str], "brand_strength" str, "media_coverage" str), ` +
				`"competitor_sentiments" (dict mapping company name to same structure), ` +
				`"market_mood" (str: bullish/bearish/neutral), ` +
				`"sentiment_comparison" (str summary), ` +
				`"reputation_ranking" (list of company names best to worst).`,
		},
		{
			Role: "user",
			Content: fmt.Sprintf(
				"Target company: %s\nSector: %s\nCompetitors: %s\n\n"+
					"Company sentiment data: %s\n\nCompetitor sentiment data: %s\n\n"+
					"Supplemental research context:\n%s\n\n"+
					"Provide comprehensive sentiment analysis. If raw search data is sparse, "+
					"use the supplemental context and your knowledge of these companies to provide informed estimates.",
				canonicalName, sector, strings.Join(names, ", "),
				compactJSON(companyRaw, 2000), compactJSON(competitorRaw, 4000),
				supplemental),
		},
	}, 0.2)

	return protocol.Payload{
		"company_sentiment":     llmResult.GetMap("company_sentiment"),
		"competitor_sentiments": llmResult.GetMap("competitor_sentiments"),
		"market_mood":           llmResult.GetString("market_mood", "neutral"),
		"sentiment_comparison":  llmResult.GetString("sentiment_comparison", ""),
		"reputation_ranking":    llmResult.GetStringSlice("reputation_ranking"),
	}, nil
}
