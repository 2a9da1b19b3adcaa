package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/duynguyendang/weeklyanalytics/pkg/pipeline"
	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
	"github.com/duynguyendang/weeklyanalytics/pkg/service"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes batches, run state and reports to MCP clients.
type MCPServer struct {
	batches *service.BatchService
	server  *server.MCPServer
}

// NewMCPServer registers the resources and tools.
func NewMCPServer(batches *service.BatchService, version string) *MCPServer {
	s := server.NewMCPServer(
		"weekly-analytics",
		version,
		server.WithResourceCapabilities(true, true),
		server.WithLogging(),
	)
	ms := &MCPServer{batches: batches, server: s}

	// --- Resources ---

	s.AddResource(
		mcp.NewResource(
			"wka://batches",
			"Stored Batches",
			mcp.WithResourceDescription("Weekly batches in the store with their latest run stage"),
			mcp.WithMIMEType("application/json"),
		),
		ms.handleBatches,
	)

	s.AddResource(
		mcp.NewResource(
			"wka://schema/columns",
			"Spreadsheet Columns",
			mcp.WithResourceDescription("Default spreadsheet header captions and the fields they map to"),
			mcp.WithMIMEType("text/markdown"),
		),
		ms.handleColumns,
	)

	// --- Tools ---

	s.AddTool(
		mcp.NewTool(
			"list_runs",
			mcp.WithDescription("List the latest pipeline run of every batch."),
		),
		ms.handleListRuns,
	)

	s.AddTool(
		mcp.NewTool(
			"run_status",
			mcp.WithDescription("Get the current or last archived run state of a batch, including stage, attempts and last error."),
			mcp.WithString("batch", mcp.Required(), mcp.Description("Batch id, e.g. 2024-W20")),
		),
		ms.handleRunStatus,
	)

	s.AddTool(
		mcp.NewTool(
			"run_history",
			mcp.WithDescription("List the archived runs of a batch, oldest first."),
			mcp.WithString("batch", mcp.Required(), mcp.Description("Batch id, e.g. 2024-W20")),
		),
		ms.handleRunHistory,
	)

	s.AddTool(
		mcp.NewTool(
			"get_table",
			mcp.WithDescription("Materialize the stored records of a batch as a table."),
			mcp.WithString("batch", mcp.Required(), mcp.Description("Batch id, e.g. 2024-W20")),
			mcp.WithString("format", mcp.Description("json (default) or csv")),
			mcp.WithNumber("limit", mcp.Description("Max number of rows (default all)")),
		),
		ms.handleGetTable,
	)

	s.AddTool(
		mcp.NewTool(
			"get_chart",
			mcp.WithDescription("Get the batch → status → deal hierarchy of a batch in D3 format."),
			mcp.WithString("batch", mcp.Required(), mcp.Description("Batch id, e.g. 2024-W20")),
		),
		ms.handleGetChart,
	)

	s.AddTool(
		mcp.NewTool(
			"get_report",
			mcp.WithDescription("Read the latest formatted report of a batch."),
			mcp.WithString("batch", mcp.Required(), mcp.Description("Batch id, e.g. 2024-W20")),
			mcp.WithString("format", mcp.Description("markdown (default), html or json")),
		),
		ms.handleGetReport,
	)

	s.AddTool(
		mcp.NewTool(
			"run_pipeline",
			mcp.WithDescription("Run or resume the pipeline for a batch and wait for it to finish."),
			mcp.WithString("batch", mcp.Required(), mcp.Description("Batch id, e.g. 2024-W20")),
		),
		ms.handleRunPipeline,
	)

	return ms
}

// Run starts the MCP server on Stdio.
func Run(ctx context.Context, batches *service.BatchService, version string) error {
	ms := NewMCPServer(batches, version)
	slog.Info("Starting MCP server on Stdio")
	return server.ServeStdio(ms.server)
}

// --- Resource Handlers ---

func (ms *MCPServer) handleBatches(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	views, err := ms.batches.ListBatches(ctx)
	if err != nil {
		return nil, err
	}
	if views == nil {
		views = []service.BatchView{}
	}
	jsonBytes, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batches: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(jsonBytes),
		},
	}, nil
}

func (ms *MCPServer) handleColumns(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	cols := schema.DefaultColumns()
	captions := make([]string, 0, len(cols))
	for c := range cols {
		captions = append(captions, c)
	}
	sort.Strings(captions)

	var b strings.Builder
	b.WriteString("# Spreadsheet columns\n\n| Caption | Field |\n|---|---|\n")
	for _, c := range captions {
		fmt.Fprintf(&b, "| %s | %s |\n", c, cols[c])
	}
	b.WriteString("\nHeaders are matched case-insensitively, with small typos tolerated. Unmapped columns are kept as extras.\n")

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "text/markdown",
			Text:     b.String(),
		},
	}, nil
}

// --- Tool Handlers ---

func (ms *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runs, err := ms.batches.Runs()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("listing runs failed: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No runs found."), nil
	}
	lines := make([]string, 0, len(runs))
	for _, r := range runs {
		line := fmt.Sprintf("%s\t%s\t%s", r.BatchID, r.Stage, r.RunID)
		if r.LastError != nil {
			line += fmt.Sprintf("\t%s at %s (resumable=%t)", r.LastError.Class, r.FailedStage, r.LastError.Resumable)
		}
		lines = append(lines, line)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (ms *MCPServer) handleRunStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	batch, ok := request.GetArguments()["batch"].(string)
	if !ok {
		return mcp.NewToolResultError("batch argument required"), nil
	}
	st, err := ms.batches.RunStatus(batch)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status failed: %v", err)), nil
	}
	return jsonResult(st)
}

func (ms *MCPServer) handleRunHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	batch, ok := request.GetArguments()["batch"].(string)
	if !ok {
		return mcp.NewToolResultError("batch argument required"), nil
	}
	hist, err := ms.batches.History(batch)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history failed: %v", err)), nil
	}
	if len(hist) == 0 {
		return mcp.NewToolResultText("No archived runs."), nil
	}
	return jsonResult(hist)
}

func (ms *MCPServer) handleGetTable(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	batch, ok := args["batch"].(string)
	if !ok {
		return mcp.NewToolResultError("batch argument required"), nil
	}
	tbl, err := ms.batches.Table(ctx, batch)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("materialize failed: %v", err)), nil
	}
	if l, ok := args["limit"].(float64); ok && l > 0 {
		tbl = tbl.Window(int(l))
	}

	format, _ := args["format"].(string)
	switch format {
	case "", "json":
		return jsonResult(tbl)
	case "csv":
		return mcp.NewToolResultText(string(tbl.CSV())), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unsupported format %q", format)), nil
	}
}

func (ms *MCPServer) handleGetChart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	batch, ok := request.GetArguments()["batch"].(string)
	if !ok {
		return mcp.NewToolResultError("batch argument required"), nil
	}
	root, err := ms.batches.Chart(ctx, batch)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("chart failed: %v", err)), nil
	}
	return jsonResult(root)
}

func (ms *MCPServer) handleGetReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	batch, ok := args["batch"].(string)
	if !ok {
		return mcp.NewToolResultError("batch argument required"), nil
	}
	format, _ := args["format"].(string)
	if format == "" {
		format = "markdown"
	}
	rep, err := ms.batches.Report(batch, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("report failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(rep.Body)), nil
}

func (ms *MCPServer) handleRunPipeline(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	batch, ok := request.GetArguments()["batch"].(string)
	if !ok {
		return mcp.NewToolResultError("batch argument required"), nil
	}
	out, err := ms.batches.Run(ctx, batch)
	if err != nil {
		var runErr *pipeline.RunError
		if errors.As(err, &runErr) {
			return mcp.NewToolResultError(fmt.Sprintf("run failed at %s (class=%s, resumable=%t): %v",
				runErr.Stage, runErr.Class, runErr.Resumable, runErr.Err)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
	}
	return jsonResult(out)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("failed to marshal result"), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
