package table

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
)

// Fixed columns around the schema fields.
const (
	ColumnKey        = "key"
	ColumnSourceFile = "source_file"
	ColumnSourceRow  = "source_row"
)

// Column kinds.
const (
	KindMeta  = "meta"
	KindField = "field"
	KindExtra = "extra"
)

// Column is one table column.
type Column struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Table is a read-only, deterministic view of one stored batch.
type Table struct {
	BatchID string
	Columns []Column
	Rows    [][]schema.Value
}

// RecordSource is what the materializer reads from.
type RecordSource interface {
	ReadBatch(ctx context.Context, batchID string) ([]schema.Record, error)
}

// Materializer rebuilds tables from the storage gateway.
type Materializer struct {
	src    RecordSource
	schema *schema.Schema
}

// NewMaterializer returns a materializer laying out columns by s.
func NewMaterializer(src RecordSource, s *schema.Schema) *Materializer {
	return &Materializer{src: src, schema: s}
}

// Materialize reads the stored batch and lays it out as a table. It never
// writes. A batch whose collection exists but holds no records is
// apperrors.ErrEmptyBatch.
func (m *Materializer) Materialize(ctx context.Context, batchID string) (*Table, error) {
	recs, err := m.src.ReadBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrEmptyBatch, batchID)
	}
	return Build(batchID, m.schema, recs), nil
}

// Build lays out records: rows by natural key; columns key, schema fields
// in declared order, extras by name, then source file and row. An extra
// that shadows a fixed or schema column is renamed extra_<name>, suffixed
// until unique.
func Build(batchID string, s *schema.Schema, recs []schema.Record) *Table {
	sorted := make([]schema.Record, len(recs))
	copy(sorted, recs)
	schema.SortRecords(sorted)

	reserved := map[string]bool{ColumnKey: true, ColumnSourceFile: true, ColumnSourceRow: true}
	fields := s.FieldNames()
	for _, f := range fields {
		reserved[f] = true
	}

	extraSet := make(map[string]bool)
	for _, r := range sorted {
		for name := range r.Extras {
			extraSet[name] = true
		}
	}
	extras := make([]string, 0, len(extraSet))
	for name := range extraSet {
		extras = append(extras, name)
	}
	sort.Strings(extras)

	t := &Table{BatchID: batchID}
	t.Columns = append(t.Columns, Column{Name: ColumnKey, Kind: KindMeta})
	for _, f := range fields {
		t.Columns = append(t.Columns, Column{Name: f, Kind: KindField})
	}
	taken := make(map[string]bool, len(reserved)+len(extraSet))
	for name := range reserved {
		taken[name] = true
	}
	for name := range extraSet {
		taken[name] = true
	}
	for _, e := range extras {
		name := e
		if reserved[e] {
			name = "extra_" + e
			for n := 2; taken[name]; n++ {
				name = fmt.Sprintf("extra_%s_%d", e, n)
			}
			taken[name] = true
		}
		t.Columns = append(t.Columns, Column{Name: name, Kind: KindExtra})
	}
	t.Columns = append(t.Columns,
		Column{Name: ColumnSourceFile, Kind: KindMeta},
		Column{Name: ColumnSourceRow, Kind: KindMeta},
	)

	t.Rows = make([][]schema.Value, len(sorted))
	for i, r := range sorted {
		row := make([]schema.Value, 0, len(t.Columns))
		row = append(row, schema.String(r.Key))
		for _, f := range fields {
			row = append(row, r.Payload[f])
		}
		for _, e := range extras {
			row = append(row, r.Extras[e])
		}
		row = append(row, schema.String(r.Provenance.SourceFile), schema.Number(float64(r.Provenance.Row)))
		t.Rows[i] = row
	}
	return t
}

// Len is the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// ColumnIndex returns the position of a named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Header returns the column names.
func (t *Table) Header() []string {
	h := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		h[i] = c.Name
	}
	return h
}

// WriteCSV writes the table with a header row. Null cells are empty.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header()); err != nil {
		return err
	}
	rec := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, v := range row {
			rec[i] = v.String()
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSV is the stable serialization of the table.
func (t *Table) CSV() []byte {
	var buf bytes.Buffer
	_ = t.WriteCSV(&buf)
	return buf.Bytes()
}

// Digest is the sha256 of the table's CSV serialization.
func (t *Table) Digest() string {
	sum := sha256.Sum256(t.CSV())
	return hex.EncodeToString(sum[:])
}

// Window returns a table holding at most the first limit rows. A limit of
// zero or less returns t unchanged.
func (t *Table) Window(limit int) *Table {
	if limit <= 0 || limit >= len(t.Rows) {
		return t
	}
	return &Table{BatchID: t.BatchID, Columns: t.Columns, Rows: t.Rows[:limit]}
}

// Summary is the headline numbers of a funnel table.
type Summary struct {
	Rows          int            `json:"rows"`
	TotalValue    float64        `json:"total_value"`
	WeightedValue float64        `json:"weighted_value"`
	ByStatus      map[string]int `json:"by_status"`
}

// Summary totals value, probability-weighted value and rows per status.
// Rows without a probability add nothing to the weighted value; rows
// without a status count under "".
func (t *Table) Summary() Summary {
	s := Summary{Rows: len(t.Rows), ByStatus: make(map[string]int)}
	vi, pi, si := t.ColumnIndex("value"), t.ColumnIndex("probability"), t.ColumnIndex("status")
	for _, row := range t.Rows {
		var value float64
		if vi >= 0 && row[vi].Kind == schema.KindNumber {
			value = row[vi].Num
			s.TotalValue += value
		}
		if pi >= 0 && row[pi].Kind == schema.KindNumber {
			s.WeightedValue += value * row[pi].Num / 100
		}
		if si >= 0 {
			s.ByStatus[row[si].String()]++
		}
	}
	return s
}

// MarshalJSON renders rows as arrays of display strings, nulls as null.
func (t *Table) MarshalJSON() ([]byte, error) {
	rows := make([][]*string, len(t.Rows))
	for i, row := range t.Rows {
		out := make([]*string, len(row))
		for j, v := range row {
			if !v.IsNull() {
				s := v.String()
				out[j] = &s
			}
		}
		rows[i] = out
	}
	return json.Marshal(struct {
		BatchID string      `json:"batch_id"`
		Columns []Column    `json:"columns"`
		Rows    [][]*string `json:"rows"`
		Summary Summary     `json:"summary"`
	}{t.BatchID, t.Columns, rows, t.Summary()})
}
