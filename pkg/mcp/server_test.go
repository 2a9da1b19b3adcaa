package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/duynguyendang/weeklyanalytics/internal/manager"
	"github.com/duynguyendang/weeklyanalytics/pkg/ingest"
	"github.com/duynguyendang/weeklyanalytics/pkg/pipeline"
	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
	"github.com/duynguyendang/weeklyanalytics/pkg/service"
	"github.com/duynguyendang/weeklyanalytics/pkg/service/ai"
	"github.com/duynguyendang/weeklyanalytics/pkg/store"
	"github.com/duynguyendang/weeklyanalytics/pkg/table"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const week = "2024-W20"

type staticAnalyzer struct{}

func (staticAnalyzer) Analyze(_ context.Context, req ai.Request) (*ai.Result, error) {
	return &ai.Result{
		RequestID:  req.ID,
		BatchID:    req.BatchID,
		TemplateID: req.TemplateID,
		Status:     ai.StatusOK,
		Payload:    `{"summary":"Pipeline is healthy."}`,
		Attempts:   1,
	}, nil
}

func setupTestServer(t *testing.T) *MCPServer {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "source")
	require.NoError(t, os.MkdirAll(src, 0o755))

	f := excelize.NewFile()
	rows := [][]any{
		{"Company", "Project", "Value", "Probability (%)", "Status"},
		{"Acme Corp", "ERP Rollout", 100000, 60, "High"},
		{"Zeta Ltd", "Data Lake", 50000, 30, "Low"},
		{"Orbit AG", "CRM", 20000, 10, "Low"},
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		row := r
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	require.NoError(t, f.SaveAs(filepath.Join(src, "funnel.xlsx")))
	f.Close()

	sm := manager.NewStoreManager(filepath.Join(dir, "collections"), manager.MemoryProfileLow, false)
	t.Cleanup(sm.CloseAll)
	gw := store.NewGateway(sm, nil)

	cfg := store.DefaultConfig("")
	cfg.InMemory = true
	state, err := store.OpenStateStore(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	mat := table.NewMaterializer(gw, schema.Funnel())
	opts := pipeline.DefaultOptions()
	opts.ReportDir = filepath.Join(dir, "reports")
	p, err := pipeline.New(pipeline.Deps{
		Extractor:    ingest.NewExtractor(ingest.ExtractorConfig{Dir: src}, schema.Funnel(), nil),
		Gateway:      gw,
		Materializer: mat,
		Analyzer:     staticAnalyzer{},
		State:        state,
	}, opts, nil)
	require.NoError(t, err)

	svc := service.NewBatchService(sm, gw, mat, p, nil)
	t.Cleanup(svc.Close)
	return NewMCPServer(svc, "test")
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestRunPipelineAndQuery(t *testing.T) {
	ms := setupTestServer(t)

	text, isErr := call(t, ms.handleRunPipeline, map[string]any{"batch": week})
	require.False(t, isErr, text)
	var out pipeline.Outcome
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	assert.Equal(t, pipeline.StageDone, out.Stage)

	text, isErr = call(t, ms.handleRunStatus, map[string]any{"batch": week})
	require.False(t, isErr, text)
	assert.Contains(t, text, `"stage": "DONE"`)

	text, isErr = call(t, ms.handleListRuns, nil)
	require.False(t, isErr)
	assert.Contains(t, text, week+"\tDONE\t"+out.RunID)

	text, isErr = call(t, ms.handleRunHistory, map[string]any{"batch": week})
	require.False(t, isErr)
	assert.Contains(t, text, out.RunID)

	text, isErr = call(t, ms.handleGetTable, map[string]any{"batch": week, "limit": float64(2)})
	require.False(t, isErr, text)
	var tbl struct {
		Rows [][]*string `json:"rows"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &tbl))
	assert.Len(t, tbl.Rows, 2)

	text, isErr = call(t, ms.handleGetTable, map[string]any{"batch": week, "format": "csv"})
	require.False(t, isErr)
	assert.Contains(t, text, "Acme Corp")

	text, isErr = call(t, ms.handleGetChart, map[string]any{"batch": week})
	require.False(t, isErr)
	assert.Contains(t, text, `"kind": "status"`)

	text, isErr = call(t, ms.handleGetReport, map[string]any{"batch": week})
	require.False(t, isErr, text)
	assert.Contains(t, text, "Pipeline is healthy.")
}

func TestToolErrors(t *testing.T) {
	ms := setupTestServer(t)

	text, isErr := call(t, ms.handleRunStatus, nil)
	assert.True(t, isErr)
	assert.Contains(t, text, "batch argument required")

	text, isErr = call(t, ms.handleRunPipeline, map[string]any{"batch": "week 20"})
	assert.True(t, isErr)
	assert.Contains(t, text, "invalid input")

	text, isErr = call(t, ms.handleGetTable, map[string]any{"batch": "2024-W01"})
	assert.True(t, isErr)
	assert.Contains(t, text, "not found")

	text, isErr = call(t, ms.handleListRuns, nil)
	assert.False(t, isErr)
	assert.Equal(t, "No runs found.", text)
}

func TestResources(t *testing.T) {
	ms := setupTestServer(t)

	req := mcp.ReadResourceRequest{}
	req.Params.URI = "wka://schema/columns"
	contents, err := ms.handleColumns(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text := contents[0].(mcp.TextResourceContents).Text
	assert.Contains(t, text, "| Probability (%) | probability |")

	req.Params.URI = "wka://batches"
	contents, err = ms.handleBatches(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "[]", contents[0].(mcp.TextResourceContents).Text)
}
