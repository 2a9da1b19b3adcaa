package export

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
	"github.com/duynguyendang/weeklyanalytics/pkg/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payload = `{"summary":"Pipeline held steady.","highlights":["Acme moved to High"],"risks":["Zeta stalled"],"recommendations":["Call Zeta"]}`

func sampleReport() Report {
	return Report{
		BatchID:    "2024-W20",
		RunID:      "0190a1b2-0000-7000-8000-000000000001",
		Status:     StatusOK,
		TemplateID: "weekly_funnel_v1",
		Payload:    payload,
		Summary: table.Summary{
			Rows:          2,
			TotalValue:    150000,
			WeightedValue: 75000,
			ByStatus:      map[string]int{schema.StatusHigh: 1, schema.StatusLow: 1},
		},
		Rejected:    1,
		GeneratedAt: time.Date(2024, 5, 17, 9, 0, 0, 0, time.UTC),
	}
}

func TestParseAnalysis(t *testing.T) {
	a, ok := ParseAnalysis(payload)
	require.True(t, ok)
	assert.Equal(t, "Pipeline held steady.", a.Summary)
	assert.Equal(t, []string{"Call Zeta"}, a.Recommendations)

	a, ok = ParseAnalysis("```json\n{\"summary\":\"fenced\"}\n```")
	require.True(t, ok)
	assert.Equal(t, "fenced", a.Summary)

	_, ok = ParseAnalysis("plain prose")
	assert.False(t, ok)
	_, ok = ParseAnalysis(`{"highlights":[]}`)
	assert.False(t, ok)
}

func TestMarkdownFormatter(t *testing.T) {
	out, err := MarkdownFormatter{}.Format(sampleReport())
	require.NoError(t, err)
	md := string(out)

	assert.True(t, strings.HasPrefix(md, "# Weekly funnel report: 2024-W20\n"))
	assert.Contains(t, md, "- Generated: 2024-05-17T09:00:00Z")
	assert.Contains(t, md, "| Total value | 150,000.00 |")
	assert.Contains(t, md, "| Weighted value | 75,000.00 |")
	assert.Contains(t, md, "- Rejected rows: 1")
	assert.Less(t, strings.Index(md, "| High | 1 |"), strings.Index(md, "| Low | 1 |"))
	assert.Contains(t, md, "## Analysis\n\nPipeline held steady.")
	assert.Contains(t, md, "### Risks\n\n- Zeta stalled")
	assert.NotContains(t, md, "Degraded")
}

func TestMarkdownFormatterRawPayload(t *testing.T) {
	r := sampleReport()
	r.Payload = "The funnel looks fine."
	out, err := MarkdownFormatter{}.Format(r)
	require.NoError(t, err)
	assert.Contains(t, string(out), "```\nThe funnel looks fine.\n```")
}

func TestMarkdownFormatterDegraded(t *testing.T) {
	r := sampleReport()
	r.Status = StatusDegraded
	r.Degraded = true
	r.Payload = ""
	r.Reason = "analysis retries exhausted"

	out, err := MarkdownFormatter{}.Format(r)
	require.NoError(t, err)
	md := string(out)
	assert.Contains(t, md, "**Degraded report:** analysis retries exhausted")
	assert.Contains(t, md, "| Opportunities | 2 |")
	assert.NotContains(t, md, "## Analysis")
}

func TestHTMLFormatter(t *testing.T) {
	out, err := NewHTMLFormatter().Format(sampleReport())
	require.NoError(t, err)
	page := string(out)
	assert.Contains(t, page, "<title>Weekly funnel report: 2024-W20</title>")
	assert.Contains(t, page, "<h1>Weekly funnel report: 2024-W20</h1>")
	assert.Contains(t, page, "<table>")
	assert.Contains(t, page, "<li>Acme moved to High</li>")

	// zero value still renders
	_, err = HTMLFormatter{}.Format(sampleReport())
	assert.NoError(t, err)
}

func TestJSONFormatter(t *testing.T) {
	out, err := JSONFormatter{}.Format(sampleReport())
	require.NoError(t, err)

	var got Report
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "2024-W20", got.BatchID)
	require.NotNil(t, got.Analysis)
	assert.Equal(t, []string{"Acme moved to High"}, got.Analysis.Highlights)
	assert.Equal(t, payload, got.Payload)
	assert.InDelta(t, 75000, got.Summary.WeightedValue, 1e-9)
	assert.False(t, got.Degraded)
}

func TestFormatters(t *testing.T) {
	fs, err := Formatters([]string{"markdown", "md", "HTML", "json"})
	require.NoError(t, err)
	require.Len(t, fs, 3)
	assert.Equal(t, "md", fs[0].Ext())
	assert.Equal(t, "html", fs[1].Ext())

	_, err = Formatters([]string{"pdf"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestWriteReports(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	fs, err := Formatters([]string{"markdown", "json"})
	require.NoError(t, err)

	paths, err := WriteReports(dir, sampleReport(), fs)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "2024-W20.md"), filepath.Join(dir, "2024-W20.json")}, paths)

	// rewrite replaces in place and leaves no temp files behind
	r := sampleReport()
	r.RunID = "second"
	_, err = WriteReports(dir, r, fs)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "`second`")
}
