// Package report renders a finished audit as markdown, HTML or an xlsx
// workbook.
package report

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store"
)

// Document is everything a report needs about one audit.
type Document struct {
	Audit      *model.Audit
	Company    *model.Company
	Summary    *model.ExecutiveSummary
	Priorities []model.StrategicPriority
	Categories []model.CategoryInsight
}

// Load reads the audit and its funnel outputs. A missing summary is not an
// error; failed audits render without one.
func Load(ctx context.Context, st store.Store, auditID string) (*Document, error) {
	a, err := st.GetAudit(ctx, auditID)
	if err != nil {
		return nil, err
	}
	c, err := st.GetCompany(ctx, a.CompanyID)
	if err != nil {
		return nil, err
	}
	sum, err := st.GetExecutiveSummary(ctx, auditID)
	if err != nil {
		return nil, err
	}
	pri, err := st.ListStrategicPriorities(ctx, auditID)
	if err != nil {
		return nil, err
	}
	cats, err := st.ListCategoryInsights(ctx, auditID)
	if err != nil {
		return nil, err
	}
	return &Document{Audit: a, Company: c, Summary: sum, Priorities: pri, Categories: cats}, nil
}

var titler = cases.Title(language.English)

// TypeTitle turns an extraction type into a heading.
func TypeTitle(t model.ExtractionType) string {
	return titler.String(strings.ReplaceAll(string(t), "_", " "))
}

// Markdown renders the document as GitHub-flavoured markdown.
func (d *Document) Markdown() string {
	var b strings.Builder
	a := d.Audit

	title := d.Company.Name
	if d.Summary != nil && d.Summary.Headline != "" {
		title += ": " + d.Summary.Headline
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "**State:** %s", a.State)
	if a.DataQualityStatus != "" {
		fmt.Fprintf(&b, " | **Data quality:** %s", a.DataQualityStatus)
		if a.DataQualityScore != nil {
			fmt.Fprintf(&b, " (%.0f)", *a.DataQualityScore)
		}
	}
	b.WriteString("\n\n")

	if a.State.Is(model.StateFailed) {
		fmt.Fprintf(&b, "> %s\n\n", a.ErrorMessage)
	}

	b.WriteString("| Metric | Score |\n|---|---|\n")
	for _, row := range scoreRows(a) {
		fmt.Fprintf(&b, "| %s | %s |\n", row.label, row.value)
	}
	b.WriteString("\n")

	if s := d.Summary; s != nil {
		b.WriteString("## Summary\n\n")
		if s.Persona != "" {
			fmt.Fprintf(&b, "_Prepared for the %s._\n\n", s.Persona)
		}
		b.WriteString(strings.TrimSpace(s.Summary))
		b.WriteString("\n\n")
		if len(s.KeyFindings) > 0 {
			b.WriteString("### Key findings\n\n")
			for _, f := range s.KeyFindings {
				fmt.Fprintf(&b, "- %s\n", f)
			}
			b.WriteString("\n")
		}
	}

	if len(d.Priorities) > 0 {
		b.WriteString("## Strategic priorities\n\n")
		for _, p := range d.Priorities {
			fmt.Fprintf(&b, "### %s\n\n", TypeTitle(p.Type))
			for i, it := range p.Items {
				fmt.Fprintf(&b, "%d. **%s**", i+1, it.Title)
				if it.Impact != "" {
					fmt.Fprintf(&b, " (%s impact)", it.Impact)
				}
				if it.Detail != "" {
					b.WriteString(": " + it.Detail)
				}
				b.WriteString("\n")
			}
			if p.Reasoning != "" {
				fmt.Fprintf(&b, "\n%s\n", p.Reasoning)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// HTML renders Markdown through goldmark with the GFM extension set.
func (d *Document) HTML() ([]byte, error) {
	var body bytes.Buffer
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(d.Markdown()), &body); err != nil {
		return nil, eris.Wrap(err, "report: markdown convert")
	}

	var out bytes.Buffer
	out.WriteString("<!doctype html><html><head><meta charset='utf-8'><title>")
	out.WriteString(html.EscapeString(d.Company.Name))
	out.WriteString(" visibility audit</title></head><body>")
	out.Write(body.Bytes())
	out.WriteString("</body></html>")
	return out.Bytes(), nil
}

type scoreRow struct {
	label string
	value string
}

func scoreRows(a *model.Audit) []scoreRow {
	f := func(v *float64) string {
		if v == nil {
			return "n/a"
		}
		return fmt.Sprintf("%.2f", *v)
	}
	return []scoreRow{
		{"Overall", f(a.OverallScore)},
		{"Visibility", f(a.VisibilityRate)},
		{"GEO", f(a.GEOScore)},
		{"Share of voice", f(a.SOVScore)},
	}
}

