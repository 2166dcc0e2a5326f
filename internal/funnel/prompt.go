package funnel

import (
	"fmt"
	"strings"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
)

// maxResponseChars caps how much of one response goes into a batch prompt.
const maxResponseChars = 1500

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary.
	for n > 0 && n < len(s) && (s[n]&0xC0) == 0x80 {
		n--
	}
	return s[:n] + "..."
}

func formatResponses(batch []model.Response) string {
	var sb strings.Builder
	sb.WriteString("Responses:\n")
	for i, r := range batch {
		fmt.Fprintf(&sb, "\n[%d] provider=%s", i+1, r.Provider)
		if m := r.Metrics; m != nil {
			fmt.Fprintf(&sb, " brand_mentioned=%t position=%.0f sentiment=%s", m.BrandMentioned, m.MentionPosition, m.Sentiment)
			if len(m.CompetitorMentions) > 0 {
				fmt.Fprintf(&sb, " competitors=%s", strings.Join(m.CompetitorMentions, ","))
			}
		}
		sb.WriteString("\n")
		sb.WriteString(truncate(r.Text, maxResponseChars))
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatItems(items []model.InsightItem) string {
	if len(items) == 0 {
		return "Findings: none"
	}
	var sb strings.Builder
	sb.WriteString("Findings:\n")
	for _, it := range items {
		fmt.Fprintf(&sb, "- %s (score %.0f", it.Title, it.Score)
		if it.Impact != "" {
			fmt.Fprintf(&sb, ", impact %s", it.Impact)
		}
		if len(it.Categories) > 0 {
			fmt.Fprintf(&sb, ", stages %s", strings.Join(it.Categories, "/"))
		}
		sb.WriteString(")")
		if it.Detail != "" {
			sb.WriteString(": ")
			sb.WriteString(it.Detail)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatPriorities(ps []model.StrategicPriority) string {
	var sb strings.Builder
	sb.WriteString("Strategic priorities:\n")
	for _, p := range ps {
		fmt.Fprintf(&sb, "\n## %s\n", p.Type)
		if p.Reasoning != "" {
			sb.WriteString(p.Reasoning)
			sb.WriteString("\n")
		}
		sb.WriteString(formatItems(p.Items))
	}
	return sb.String()
}

func formatCategories(cs []model.CategoryInsight) string {
	var sb strings.Builder
	sb.WriteString("Category findings:\n")
	for _, c := range cs {
		fmt.Fprintf(&sb, "\n## %s / %s\n", c.Category, c.Type)
		sb.WriteString(formatItems(c.Items))
	}
	return sb.String()
}
