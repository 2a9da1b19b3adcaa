package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Formatter renders a report in one output format.
type Formatter interface {
	Name() string
	Ext() string
	Format(r Report) ([]byte, error)
}

// Formatters resolves format names. Unknown names are ErrInvalidInput.
func Formatters(names []string) ([]Formatter, error) {
	var out []Formatter
	seen := make(map[string]bool)
	for _, n := range names {
		var f Formatter
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "markdown", "md":
			f = MarkdownFormatter{}
		case "html":
			f = NewHTMLFormatter()
		case "json":
			f = JSONFormatter{}
		default:
			return nil, fmt.Errorf("%w: unknown report format %q", apperrors.ErrInvalidInput, n)
		}
		if !seen[f.Name()] {
			seen[f.Name()] = true
			out = append(out, f)
		}
	}
	return out, nil
}

var printer = message.NewPrinter(language.English)

func money(v float64) string { return printer.Sprintf("%.2f", v) }

// MarkdownFormatter renders the report as GitHub-flavored markdown.
type MarkdownFormatter struct{}

func (MarkdownFormatter) Name() string { return "markdown" }
func (MarkdownFormatter) Ext() string  { return "md" }

func (MarkdownFormatter) Format(r Report) ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Weekly funnel report: %s\n\n", r.BatchID)
	fmt.Fprintf(&b, "- Run: `%s`\n", r.RunID)
	fmt.Fprintf(&b, "- Generated: %s\n", r.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Status: %s\n", r.Status)
	if r.Rejected > 0 {
		fmt.Fprintf(&b, "- Rejected rows: %d\n", r.Rejected)
	}
	if r.Degraded {
		reason := r.Reason
		if reason == "" {
			reason = "analysis unavailable"
		}
		fmt.Fprintf(&b, "\n> **Degraded report:** %s. Funnel figures below are complete; the analysis section is missing.\n", reason)
	}

	b.WriteString("\n## Funnel\n\n| Metric | Value |\n|---|---:|\n")
	fmt.Fprintf(&b, "| Opportunities | %d |\n", r.Summary.Rows)
	fmt.Fprintf(&b, "| Total value | %s |\n", money(r.Summary.TotalValue))
	fmt.Fprintf(&b, "| Weighted value | %s |\n", money(r.Summary.WeightedValue))

	if len(r.Summary.ByStatus) > 0 {
		statuses := make([]string, 0, len(r.Summary.ByStatus))
		for s := range r.Summary.ByStatus {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)
		b.WriteString("\n### By status\n\n| Status | Count |\n|---|---:|\n")
		for _, s := range statuses {
			name := s
			if name == "" {
				name = "(none)"
			}
			fmt.Fprintf(&b, "| %s | %d |\n", cell(name), r.Summary.ByStatus[s])
		}
	}

	if r.Degraded {
		return b.Bytes(), nil
	}

	b.WriteString("\n## Analysis\n\n")
	a := r.Analysis
	if a == nil {
		a, _ = ParseAnalysis(r.Payload)
	}
	if a == nil {
		b.WriteString("```\n")
		b.WriteString(strings.TrimRight(r.Payload, "\n"))
		b.WriteString("\n```\n")
		return b.Bytes(), nil
	}
	b.WriteString(strings.TrimSpace(a.Summary))
	b.WriteString("\n")
	list(&b, "Highlights", a.Highlights)
	list(&b, "Risks", a.Risks)
	list(&b, "Recommendations", a.Recommendations)
	return b.Bytes(), nil
}

func list(b *bytes.Buffer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n### %s\n\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", strings.TrimSpace(it))
	}
}

func cell(s string) string { return strings.ReplaceAll(s, "|", `\|`) }

// HTMLFormatter renders the markdown report to a standalone HTML page.
type HTMLFormatter struct {
	md goldmark.Markdown
}

// NewHTMLFormatter returns a formatter using GFM tables.
func NewHTMLFormatter() HTMLFormatter {
	return HTMLFormatter{md: goldmark.New(goldmark.WithExtensions(extension.GFM))}
}

func (HTMLFormatter) Name() string { return "html" }
func (HTMLFormatter) Ext() string  { return "html" }

func (f HTMLFormatter) Format(r Report) ([]byte, error) {
	src, err := MarkdownFormatter{}.Format(r)
	if err != nil {
		return nil, err
	}
	md := f.md
	if md == nil {
		md = NewHTMLFormatter().md
	}
	var body bytes.Buffer
	if err := md.Convert(src, &body); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}

	var b bytes.Buffer
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>Weekly funnel report: %s</title>\n", html.EscapeString(r.BatchID))
	b.WriteString("<style>body{font-family:sans-serif;max-width:48rem;margin:2rem auto}table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:.25rem .5rem}</style>\n")
	b.WriteString("</head>\n<body>\n")
	b.Write(body.Bytes())
	b.WriteString("</body>\n</html>\n")
	return b.Bytes(), nil
}

// JSONFormatter renders the report as indented JSON, with the parsed
// analysis alongside the raw payload.
type JSONFormatter struct{}

func (JSONFormatter) Name() string { return "json" }
func (JSONFormatter) Ext() string  { return "json" }

func (JSONFormatter) Format(r Report) ([]byte, error) {
	if r.Analysis == nil && !r.Degraded {
		r.Analysis, _ = ParseAnalysis(r.Payload)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
