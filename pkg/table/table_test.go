package table

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSource struct{ mock.Mock }

func (m *mockSource) ReadBatch(ctx context.Context, batchID string) ([]schema.Record, error) {
	args := m.Called(ctx, batchID)
	recs, _ := args.Get(0).([]schema.Record)
	return recs, args.Error(1)
}

func rec(company string, value, prob float64, status string, extras map[string]schema.Value) schema.Record {
	return schema.Record{
		Key: "2024-W20:" + strings.ToLower(company) + "/crm",
		Payload: map[string]schema.Value{
			"company_name": schema.String(company),
			"project_name": schema.String("CRM"),
			"value":        schema.Number(value),
			"probability":  schema.Number(prob),
			"status":       schema.String(status),
		},
		Extras:     extras,
		Provenance: schema.Provenance{SourceFile: "funnel.xlsx", Row: 2, ExtractedAt: time.Now()},
	}
}

func sample() []schema.Record {
	return []schema.Record{
		rec("Zeta", 50000, 30, schema.StatusLow, map[string]schema.Value{"Region": schema.String("APAC")}),
		rec("Acme", 100000, 60, schema.StatusHigh, map[string]schema.Value{"Owner": schema.String("kim")}),
	}
}

func TestMaterializeLayout(t *testing.T) {
	src := new(mockSource)
	src.On("ReadBatch", mock.Anything, "2024-W20").Return(sample(), nil)

	tbl, err := NewMaterializer(src, schema.Funnel()).Materialize(context.Background(), "2024-W20")
	require.NoError(t, err)

	want := append([]string{"key"}, schema.Funnel().FieldNames()...)
	want = append(want, "Owner", "Region", "source_file", "source_row")
	assert.Equal(t, want, tbl.Header())

	require.Equal(t, 2, tbl.Len())
	assert.Equal(t, "2024-W20:acme/crm", tbl.Rows[0][0].String())
	assert.Equal(t, "kim", tbl.Rows[0][tbl.ColumnIndex("Owner")].String())
	assert.True(t, tbl.Rows[0][tbl.ColumnIndex("Region")].IsNull())
	assert.Equal(t, "2", tbl.Rows[1][tbl.ColumnIndex("source_row")].String())
	src.AssertExpectations(t)
}

func TestShadowingExtrasGetUniqueNames(t *testing.T) {
	r := rec("Acme", 100000, 60, schema.StatusHigh, map[string]schema.Value{
		"status":       schema.String("green"),
		"extra_status": schema.String("amber"),
		"source_row":   schema.Number(7),
	})
	tbl := Build("2024-W20", schema.Funnel(), []schema.Record{r})

	header := tbl.Header()
	seen := make(map[string]bool, len(header))
	for _, h := range header {
		assert.False(t, seen[h], "duplicate column %s", h)
		seen[h] = true
	}
	n := len(header)
	assert.Equal(t, []string{"extra_status", "extra_source_row", "extra_status_2", "source_file", "source_row"}, header[n-5:])

	row := tbl.Rows[0]
	assert.Equal(t, "amber", row[tbl.ColumnIndex("extra_status")].String())
	assert.Equal(t, "green", row[tbl.ColumnIndex("extra_status_2")].String())
	assert.Equal(t, "High", row[tbl.ColumnIndex("status")].String())
	assert.Equal(t, "2", row[tbl.ColumnIndex("source_row")].String())
}

func TestMaterializeIsDeterministic(t *testing.T) {
	forward := sample()
	reversed := []schema.Record{forward[1], forward[0]}

	src := new(mockSource)
	src.On("ReadBatch", mock.Anything, "2024-W20").Return(forward, nil).Once()
	src.On("ReadBatch", mock.Anything, "2024-W20").Return(reversed, nil).Once()

	m := NewMaterializer(src, schema.Funnel())
	a, err := m.Materialize(context.Background(), "2024-W20")
	require.NoError(t, err)
	b, err := m.Materialize(context.Background(), "2024-W20")
	require.NoError(t, err)

	assert.Equal(t, a.Digest(), b.Digest())
	assert.Equal(t, a.CSV(), b.CSV())
}

func TestMaterializeErrors(t *testing.T) {
	src := new(mockSource)
	src.On("ReadBatch", mock.Anything, "2024-W20").Return([]schema.Record{}, nil)
	src.On("ReadBatch", mock.Anything, "2024-W21").Return(nil, fmt.Errorf("%w: 2024-W21", apperrors.ErrBatchNotFound))

	m := NewMaterializer(src, schema.Funnel())
	_, err := m.Materialize(context.Background(), "2024-W20")
	assert.ErrorIs(t, err, apperrors.ErrEmptyBatch)

	_, err = m.Materialize(context.Background(), "2024-W21")
	assert.ErrorIs(t, err, apperrors.ErrBatchNotFound)
	assert.NotErrorIs(t, err, apperrors.ErrEmptyBatch)
}

func TestCSVAndWindow(t *testing.T) {
	tbl := Build("2024-W20", schema.Funnel(), sample())

	lines := strings.Split(strings.TrimSpace(string(tbl.CSV())), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "key,id,company_name,project_name,value,probability,status,"))
	assert.True(t, strings.HasPrefix(lines[1], "2024-W20:acme/crm,,Acme,CRM,100000,60,High,"))
	assert.True(t, strings.HasSuffix(lines[1], ",kim,,funnel.xlsx,2"))

	w := tbl.Window(1)
	assert.Equal(t, 1, w.Len())
	assert.Equal(t, tbl.Header(), w.Header())
	assert.Same(t, tbl, tbl.Window(0))
	assert.Same(t, tbl, tbl.Window(5))
}

func TestSummary(t *testing.T) {
	recs := sample()
	noProb := rec("Beta", 1000, 0, schema.StatusMedium, nil)
	delete(noProb.Payload, "probability")
	recs = append(recs, noProb)

	s := Build("2024-W20", schema.Funnel(), recs).Summary()
	assert.Equal(t, 3, s.Rows)
	assert.InDelta(t, 151000, s.TotalValue, 1e-9)
	assert.InDelta(t, 50000*0.3+100000*0.6, s.WeightedValue, 1e-9)
	assert.Equal(t, map[string]int{schema.StatusHigh: 1, schema.StatusLow: 1, schema.StatusMedium: 1}, s.ByStatus)
}

func TestTableJSON(t *testing.T) {
	data, err := json.Marshal(Build("2024-W20", schema.Funnel(), sample()))
	require.NoError(t, err)

	var out struct {
		BatchID string      `json:"batch_id"`
		Columns []Column    `json:"columns"`
		Rows    [][]*string `json:"rows"`
		Summary Summary     `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "2024-W20", out.BatchID)
	assert.Equal(t, KindMeta, out.Columns[0].Kind)
	assert.Nil(t, out.Rows[0][1], "null id renders as null")
	assert.Equal(t, "Acme", *out.Rows[0][2])
	assert.Equal(t, 2, out.Summary.Rows)
}
