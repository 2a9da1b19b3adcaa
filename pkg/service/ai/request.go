package ai

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/duynguyendang/weeklyanalytics/pkg/prompts"
	"github.com/duynguyendang/weeklyanalytics/pkg/table"
)

// Request is one immutable analysis call. Retries resend it unchanged.
type Request struct {
	ID         string               `json:"id"`
	BatchID    string               `json:"batch_id"`
	TemplateID string               `json:"template_id"`
	Table      string               `json:"-"`
	Prompt     string               `json:"-"`
	Config     prompts.PromptConfig `json:"-"`
	Rows       int                  `json:"rows"`
	TotalRows  int                  `json:"total_rows"`
	Truncated  bool                 `json:"truncated"`
}

// RequestID is the sha256 of the template id and the serialized table.
func RequestID(templateID string, tableCSV []byte) string {
	h := sha256.New()
	h.Write([]byte(templateID))
	h.Write([]byte{0})
	h.Write(tableCSV)
	return hex.EncodeToString(h.Sum(nil))
}

// NewRequest renders templateID over t, windowed to maxRows rows when
// maxRows > 0.
func NewRequest(reg *prompts.Registry, batchID, templateID string, t *table.Table, maxRows int) (Request, error) {
	if templateID == "" {
		templateID = prompts.DefaultTemplate
	}
	p, err := reg.Get(templateID)
	if err != nil {
		return Request{}, err
	}

	w := t.Window(maxRows)
	csv := w.CSV()
	data := prompts.Data{
		BatchID:   batchID,
		Table:     string(csv),
		Columns:   w.Header(),
		Rows:      w.Len(),
		TotalRows: t.Len(),
		Truncated: w.Len() < t.Len(),
		Summary:   t.Summary(),
	}
	text, err := p.Execute(data)
	if err != nil {
		return Request{}, fmt.Errorf("render %s for %s: %w", templateID, batchID, err)
	}

	return Request{
		ID:         RequestID(templateID, csv),
		BatchID:    batchID,
		TemplateID: templateID,
		Table:      data.Table,
		Prompt:     text,
		Config:     p.Config,
		Rows:       data.Rows,
		TotalRows:  data.TotalRows,
		Truncated:  data.Truncated,
	}, nil
}
