package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/marketscope/orchestrator/internal/llm"
	"github.com/marketscope/orchestrator/internal/protocol"
)

// CompetitorAgent maps the competitive landscape around the target company.
type CompetitorAgent struct {
	Base
}

func NewCompetitorAgent(tools ToolCaller, llmClient LLMClient, logger *zap.Logger) *CompetitorAgent {
	return &CompetitorAgent{Base: NewBase(tools, llmClient, logger)}
}

func (a *CompetitorAgent) Name() string { return "competitor_agent" }
func (a *CompetitorAgent) Description() string {
	return "Discovers and profiles key competitors for a target company within its identified sector using tool lookups and LLM analysis."
}
func (a *CompetitorAgent) Capabilities() []string {
	return []string{"competitor_identification", "competitive_landscape_mapping", "market_share_estimation"}
}
func (a *CompetitorAgent) Tools() []string { return []string{"identify_competitors"} }

func (a *CompetitorAgent) Execute(ctx context.Context, input, taskCtx protocol.Payload) (protocol.Payload, error) {
	companyName := input.GetString("company_name", taskCtx.GetString("company_name", ""))
	sectorData := taskCtx.GetMap("sector_identification")
	sector := sectorData.GetString("sector", input.GetString("sector", "Unknown"))
	canonicalName := taskCtx.GetMap("validation").GetString("canonical_name", companyName)

	toolText, _ := a.callToolText(ctx, "identify_competitors", protocol.Payload{
		"company_name": canonicalName,
		"sector":       sector,
	})

	llmResult := a.completeJSON(ctx, []llm.Message{
		{
			Role: "system",
			Content: "You are a competitive intelligence analyst. Given a company, " +
				"its sector, and raw competitor data, produce a structured competitor " +
				`list. Respond in JSON with keys: "competitors" (list of objects with ` +
				`"name", "description", "estimated_market_share", "key_strengths"), ` +
				`"sector" (str), "total_market_players" (int), ` +
				`"competitive_intensity" (str: low/medium/high).`,
		},
		{
			Role: "user",
			Content: fmt.Sprintf(
				"Company: %s\nSector: %s\nSub-sectors: %s\nCompetitor tool data: %s\n\nIdentify the top competitors and map the competitive landscape.",
				canonicalName, sector,
				strings.Join(sectorData.GetStringSlice("sub_sectors"), ", "),
				toolText),
		},
	}, 0.2)

	normalized := normalizeCompetitors(llmResult["competitors"])

	return protocol.Payload{
		"competitors":           normalized,
		"sector":                llmResult.GetString("sector", sector),
		"total_market_players":  llmResult.GetFloat("total_market_players", 0),
		"competitive_intensity": llmResult.GetString("competitive_intensity", "medium"),
		"tool_raw":              toolText,
	}, nil
}

// normalizeCompetitors guarantees the downstream stages see every expected
// field on each competitor entry.
func normalizeCompetitors(raw interface{}) []protocol.Payload {
	items, ok := raw.([]interface{})
	if !ok {
		return []protocol.Payload{}
	}
	normalized := make([]protocol.Payload, 0, len(items))
	for _, item := range items {
		comp, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		p := protocol.Payload(comp)
		strengths := p.GetStringSlice("key_strengths")
		normalized = append(normalized, protocol.Payload{
			"name":                   p.GetString("name", "Unknown"),
			"description":            p.GetString("description", ""),
			"estimated_market_share": p.GetString("estimated_market_share", "N/A"),
			"key_strengths":          strengths,
		})
	}
	return normalized
}

// competitorNames extracts the names from a competitor_discovery result.
func competitorNames(discovery protocol.Payload, limit int) []string {
	items, ok := discovery["competitors"].([]interface{})
	if !ok {
		if typed, ok := discovery["competitors"].([]protocol.Payload); ok {
			names := make([]string, 0, len(typed))
			for _, c := range typed {
				if name := c.GetString("name", ""); name != "" {
					names = append(names, name)
				}
				if limit > 0 && len(names) == limit {
					break
				}
			}
			return names
		}
		return nil
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		comp, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if name := protocol.Payload(comp).GetString("name", ""); name != "" {
			names = append(names, name)
		}
		if limit > 0 && len(names) == limit {
			break
		}
	}
	return names
}
