package export

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/duynguyendang/weeklyanalytics/pkg/table"
)

// Report statuses beyond the analysis client's.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Analysis is the structured form of an analysis payload.
type Analysis struct {
	Summary         string   `json:"summary"`
	Highlights      []string `json:"highlights,omitempty"`
	Risks           []string `json:"risks,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Report is everything a formatter renders for one batch.
type Report struct {
	BatchID     string        `json:"batch_id"`
	RunID       string        `json:"run_id"`
	Status      string        `json:"status"`
	TemplateID  string        `json:"template_id,omitempty"`
	Payload     string        `json:"payload,omitempty"`
	Analysis    *Analysis     `json:"analysis,omitempty"`
	Summary     table.Summary `json:"summary"`
	Rejected    int           `json:"rejected_rows"`
	GeneratedAt time.Time     `json:"generated_at"`
	Degraded    bool          `json:"degraded"`
	// Reason says why a degraded report carries no analysis.
	Reason string `json:"reason,omitempty"`
}

// ParseAnalysis decodes a payload as an Analysis, tolerating a fenced
// ```json block around it. It reports false when the payload is not a
// JSON object with a summary.
func ParseAnalysis(payload string) (*Analysis, bool) {
	s := strings.TrimSpace(payload)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	var a Analysis
	if err := json.Unmarshal([]byte(s), &a); err != nil || a.Summary == "" {
		return nil, false
	}
	return &a, true
}
