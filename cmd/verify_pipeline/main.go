package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/duynguyendang/weeklyanalytics/internal/manager"
	"github.com/duynguyendang/weeklyanalytics/pkg/export"
	"github.com/duynguyendang/weeklyanalytics/pkg/ingest"
	"github.com/duynguyendang/weeklyanalytics/pkg/pipeline"
	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
	"github.com/duynguyendang/weeklyanalytics/pkg/service/ai"
	"github.com/duynguyendang/weeklyanalytics/pkg/store"
	"github.com/duynguyendang/weeklyanalytics/pkg/table"
	"github.com/joho/godotenv"
	"github.com/xuri/excelize/v2"
)

// cannedBackend is rate limited once, then answers.
type cannedBackend struct{ calls int }

func (b *cannedBackend) Invoke(ctx context.Context, req ai.Request) (ai.Response, error) {
	b.calls++
	if b.calls == 1 {
		return ai.Response{}, ai.Fail(ai.ClassRateLimited, errors.New("429 from canned backend"))
	}
	payload := fmt.Sprintf(`{"summary":"%d open deals analysed for %s.","highlights":["Acme Corp leads by value"],"risks":[],"recommendations":["Chase the Data Lake close date"]}`, req.Rows, req.BatchID)
	return ai.Response{Payload: payload, Model: "canned"}, nil
}

func main() {
	_ = godotenv.Load()
	ctx := context.Background()

	// 1. Setup temporary store and source folder
	dir, err := os.MkdirTemp("", "wka-verify-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)
	srcDir := filepath.Join(dir, "source")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		log.Fatal(err)
	}

	// 2. Write a weekly sheet, one row with an unparseable date
	f := excelize.NewFile()
	rows := [][]any{
		{"Company", "Project", "Value", "Probability (%)", "Status", "Start Date", "Expected Close", "Contact"},
		{"Acme Corp", "ERP Rollout", 100000, 60, "High", "2024-01-15", "2024-07-01", "Jane Roe"},
		{"Zeta Ltd", "Data Lake", 50000, 30, "Low", "2024-02-01", "2024-09-30", "Sam Poe"},
		{"Orbit AG", "CRM Refresh", 20000, 90, "Closed Won", "2023-11-01", "2024-05-10", ""},
		{"Bad Dates Inc", "Migration", 1000, 10, "Medium", "not a date", "2024-07-01", ""},
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		row := r
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			log.Fatal(err)
		}
	}
	if err := f.SaveAs(filepath.Join(srcDir, "funnel.xlsx")); err != nil {
		log.Fatal(err)
	}
	f.Close()

	// 3. Wire the stack
	sm := manager.NewStoreManager(filepath.Join(dir, "batches"), manager.MemoryProfileLow, false)
	defer sm.CloseAll()
	gw := store.NewGateway(sm, nil)
	state, err := store.OpenStateStore(store.DefaultConfig(filepath.Join(dir, "state")), nil)
	if err != nil {
		log.Fatal(err)
	}
	defer state.Close()

	var backend ai.Backend = &cannedBackend{}
	if os.Getenv("GEMINI_API_KEY") != "" {
		g, err := ai.NewGeminiBackend(ctx, ai.GeminiConfig{})
		if err != nil {
			log.Fatal(err)
		}
		defer g.Close()
		backend = g
		fmt.Println("Using Gemini backend")
	} else {
		fmt.Println("Using canned backend (no API KEY)")
	}
	aiCfg := ai.DefaultConfig()
	aiCfg.BackoffBase = 200 * time.Millisecond

	formatters, err := export.Formatters([]string{"markdown", "html", "json"})
	if err != nil {
		log.Fatal(err)
	}
	opts := pipeline.DefaultOptions()
	opts.ReportDir = filepath.Join(dir, "reports")
	p, err := pipeline.New(pipeline.Deps{
		Extractor:    ingest.NewExtractor(ingest.ExtractorConfig{Dir: srcDir}, schema.Funnel(), nil),
		Gateway:      gw,
		Materializer: table.NewMaterializer(gw, schema.Funnel()),
		Analyzer:     ai.NewClient(backend, aiCfg, nil),
		State:        state,
		Formatters:   formatters,
	}, opts, nil)
	if err != nil {
		log.Fatal(err)
	}

	// 4. Run the week
	const week = "2024-W20"
	fmt.Println("Running pipeline...")
	out, err := p.Run(ctx, week)
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}
	fmt.Printf("Run %s: %s, reports %v\n", out.RunID, out.Stage, out.ReportPaths)
	if len(out.ReportPaths) != 3 {
		log.Fatalf("Expected 3 reports, got %d", len(out.ReportPaths))
	}

	st, err := p.Status(week)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Records: %d, rejected: %d, analysis attempts: %d\n", st.Checkpoint.Records, st.Checkpoint.Rejected, st.Checkpoint.Result.Attempts)
	if st.Checkpoint.Records != 3 || st.Checkpoint.Rejected != 1 {
		log.Fatal("Expected 3 records and 1 rejected row")
	}

	// 5. Re-run: the store must report every record unchanged
	fmt.Println("Re-running pipeline...")
	if _, err := p.Run(ctx, week); err != nil {
		log.Fatalf("Re-run failed: %v", err)
	}
	st, err = p.Status(week)
	if err != nil {
		log.Fatal(err)
	}
	if st.Checkpoint.Unchanged != 3 || st.Checkpoint.Inserted != 0 {
		log.Fatalf("Expected an idempotent re-run, got %d inserted / %d unchanged", st.Checkpoint.Inserted, st.Checkpoint.Unchanged)
	}

	md, err := os.ReadFile(filepath.Join(opts.ReportDir, week+".md"))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(md))
	fmt.Println("Verification SUCCESS!")
}
