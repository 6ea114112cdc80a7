package agents

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/marketscope/orchestrator/internal/llm"
	"github.com/marketscope/orchestrator/internal/protocol"
)

// ResearchAgent performs deep web research to gather pricing, product, and
// positioning intelligence on the target company and its competitors.
type ResearchAgent struct {
	Base
}

func NewResearchAgent(tools ToolCaller, llmClient LLMClient, logger *zap.Logger) *ResearchAgent {
	return &ResearchAgent{Base: NewBase(tools, llmClient, logger)}
}

func (a *ResearchAgent) Name() string { return "research_agent" }
func (a *ResearchAgent) Description() string {
	return "Performs deep web research to gather pricing strategies, product offerings, recent news, and market positioning for a company and its competitors."
}
func (a *ResearchAgent) Capabilities() []string {
	return []string{"web_research", "pricing_analysis", "product_research", "news_gathering", "market_positioning"}
}
func (a *ResearchAgent) Tools() []string { return []string{"browse_page"} }

func (a *ResearchAgent) browse(ctx context.Context, pageURL, instructions string) string {
	text, ok := a.callToolText(ctx, "browse_page", protocol.Payload{
		"url":          pageURL,
		"instructions": instructions,
	})
	if !ok {
		return fmt.Sprintf("[error browsing %s: %s]", pageURL, text)
	}
	return text
}

func (a *ResearchAgent) researchEntity(ctx context.Context, entity, sector string) protocol.Payload {
	query := func(terms string) string {
		return "https://www.google.com/search?q=" + url.QueryEscape(terms)
	}
	overview := a.browse(ctx, query(entity+" "+sector+" company overview"),
		fmt.Sprintf("Extract company overview, products, and market position for %s", entity))
	news := a.browse(ctx, query(entity+" latest news"),
		fmt.Sprintf("Extract latest news and announcements about %s", entity))
	pricing := a.browse(ctx, query(entity+" pricing strategy"),
		fmt.Sprintf("Extract pricing strategy and business model for %s", entity))

	return a.completeJSON(ctx, []llm.Message{
		{
			Role: "system",
			Content: "You are a market research analyst. Given raw web content " +
				"about a company, extract structured intelligence. Respond in JSON " +
				`with keys: "overview" (str), "products_services" (list[str]), ` +
				`"pricing_strategy" (str), "recent_news" (list of ` +
				`{"headline": str, "summary": str}), "market_position" (str), ` +
				`"key_differentiators" (list[str]), "target_market" (str).`,
		},
		{
			Role: "user",
			Content: fmt.Sprintf(
				"Company: %s (Sector: %s)\n\n--- Overview content ---\n%s\n\n"+
					"--- News content ---\n%s\n\n--- Pricing content ---\n%s\n\n"+
					"Extract structured market intelligence.",
				entity, sector, truncate(overview, 3000), truncate(news, 2000), truncate(pricing, 2000)),
		},
	}, 0.2)
}

func (a *ResearchAgent) Execute(ctx context.Context, input, taskCtx protocol.Payload) (protocol.Payload, error) {
	companyName := input.GetString("company_name", taskCtx.GetString("company_name", ""))
	canonicalName := taskCtx.GetMap("validation").GetString("canonical_name", companyName)
	sector := taskCtx.GetMap("sector_identification").GetString("sector", input.GetString("sector", "Unknown"))
	names := competitorNames(taskCtx.GetMap("competitor_discovery"), 5)

	companyResearch := a.researchEntity(ctx, canonicalName, sector)

	competitorResearch := protocol.Payload{}
	for _, name := range names {
		competitorResearch[name] = a.researchEntity(ctx, name, sector)
	}

	marketData := a.completeJSON(ctx, []llm.Message{
		{
			Role: "system",
			Content: "You are a market analyst. Based on the sector and companies " +
				"provided, produce a market-level overview. Respond in JSON with " +
				`keys: "market_size" (str), "growth_rate" (str), ` +
				`"key_drivers" (list[str]), "barriers_to_entry" (list[str]), ` +
				`"regulatory_landscape" (str), "technology_trends" (list[str]).`,
		},
		{
			Role: "user",
			Content: fmt.Sprintf(
				"Sector: %s\nTarget company: %s\nCompetitors: %s\n\nProvide a market-level overview for this sector.",
				sector, canonicalName, strings.Join(names, ", ")),
		},
	}, 0.2)

	return protocol.Payload{
		"company_data":    companyResearch,
		"competitor_data": competitorResearch,
		"market_data":     marketData,
	}, nil
}
