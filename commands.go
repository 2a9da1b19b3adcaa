package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/duynguyendang/weeklyanalytics/pkg/config"
	"github.com/duynguyendang/weeklyanalytics/pkg/ingest"
	"github.com/duynguyendang/weeklyanalytics/pkg/mcp"
	"github.com/duynguyendang/weeklyanalytics/pkg/pipeline"
	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
	"github.com/duynguyendang/weeklyanalytics/pkg/server"
	"github.com/spf13/cobra"
)

// signalContext is cancelled on SIGINT or SIGTERM so runs checkpoint as
// cancelled instead of dying mid-stage.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCmd() *cobra.Command {
	var batch string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run or resume the pipeline for a weekly batch",
		Long: `Run extracts the spreadsheets of the source folder, stores them as the
batch, materializes the table, requests the analysis and writes the reports.
A failed or interrupted run of the same batch resumes where it stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if batch == "" {
				batch = schema.BatchIDFor(time.Now())
			}
			out, err := a.batches.Run(ctx, batch)
			if err != nil {
				return err
			}

			if jsonOutput {
				printJSON(out)
				return nil
			}
			fmt.Printf("Run %s of %s: %s\n", out.RunID, out.BatchID, out.Stage)
			if out.ResumedFrom != "" {
				fmt.Printf("  resumed from: %s\n", out.ResumedFrom)
			}
			if out.Degraded {
				fmt.Println("  report is degraded: analysis retries exhausted")
			}
			for _, p := range out.ReportPaths {
				fmt.Printf("  report: %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&batch, "batch", "b", "", "Batch id, e.g. 2024-W20 (default: current ISO week)")
	return cmd
}

func statusCmd() *cobra.Command {
	var batch string
	var history bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the run state of a batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if history {
				hist, err := a.batches.History(batch)
				if err != nil {
					return err
				}
				if jsonOutput {
					printJSON(hist)
					return nil
				}
				printRuns(hist)
				return nil
			}

			st, err := a.batches.RunStatus(batch)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(st)
				return nil
			}
			printRunState(st)
			return nil
		},
	}
	cmd.Flags().StringVarP(&batch, "batch", "b", "", "Batch id, e.g. 2024-W20")
	cmd.Flags().BoolVar(&history, "history", false, "List archived runs instead of the latest")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

func runsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List the latest run of every batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.batches.Runs()
			if err != nil {
				return err
			}
			if jsonOutput {
				if runs == nil {
					runs = []pipeline.RunState{}
				}
				printJSON(runs)
				return nil
			}
			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}
			printRuns(runs)
			return nil
		},
	}
}

func tableCmd() *cobra.Command {
	var batch, format string
	var limit int
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Print the materialized table of a stored batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			tbl, err := a.batches.Table(cmd.Context(), batch)
			if err != nil {
				return err
			}
			if limit > 0 {
				tbl = tbl.Window(limit)
			}
			if jsonOutput || format == "json" {
				printJSON(tbl)
				return nil
			}
			switch format {
			case "csv":
				return tbl.WriteCSV(os.Stdout)
			case "text":
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, strings.Join(tbl.Header(), "\t"))
				for _, row := range tbl.Rows {
					cells := make([]string, len(row))
					for i, v := range row {
						cells[i] = v.String()
					}
					fmt.Fprintln(w, strings.Join(cells, "\t"))
				}
				return w.Flush()
			default:
				return fmt.Errorf("unsupported format %q (text, csv or json)", format)
			}
		},
	}
	cmd.Flags().StringVarP(&batch, "batch", "b", "", "Batch id, e.g. 2024-W20")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, csv or json")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Print only the first n rows")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Describe the sheets, headers and column mapping of a spreadsheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			mapper := ingest.NewColumnMapper(schema.Funnel(), cfg.Source.Columns)
			meta, err := ingest.Inspect(cmd.Context(), args[0], mapper)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(meta)
				return nil
			}
			return meta.WriteYAML(os.Stdout)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the status and report HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.NewServer(a.batches, a.logger)
			return srv.Serve(ctx, ":"+a.cfg.Server.Port)
		},
	}
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve batches, runs and reports over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			return mcp.Run(ctx, a.batches, version)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialize configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(cfg)
				return nil
			}
			return cfg.WriteYAML(os.Stdout)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultFile
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			cfg := config.DefaultConfig()
			if err := cfg.Write(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	return cmd
}

func printRunState(st *pipeline.RunState) {
	fmt.Printf("Batch:    %s\n", st.BatchID)
	fmt.Printf("Run:      %s\n", st.RunID)
	fmt.Printf("Stage:    %s\n", st.Stage)
	if st.FailedStage != "" {
		fmt.Printf("Failed:   %s\n", st.FailedStage)
	}
	fmt.Printf("Resumes:  %d\n", st.Resumes)
	fmt.Printf("Updated:  %s\n", st.UpdatedAt.Format(time.RFC3339))
	cp := st.Checkpoint
	fmt.Printf("Records:  %d (rejected %d, ratio %.2f)\n", cp.Records, cp.Rejected, cp.RejectRatio)
	fmt.Printf("Stored:   %d inserted, %d replaced, %d unchanged, %d pruned\n", cp.Inserted, cp.Replaced, cp.Unchanged, cp.Pruned)
	if cp.Result != nil {
		fmt.Printf("Analysis: %s after %d attempt(s)\n", cp.Result.Status, cp.Result.Attempts)
	}
	if cp.Degraded {
		fmt.Println("Report:   degraded")
	}
	for _, p := range cp.ReportPaths {
		fmt.Printf("Report:   %s\n", p)
	}
	if e := st.LastError; e != nil {
		fmt.Printf("Error:    %s (resumable=%t): %s\n", e.Class, e.Resumable, e.Message)
	}
	for _, r := range cp.Rejects {
		fmt.Printf("  reject: %s\n", r)
	}
}

func printRuns(runs []pipeline.RunState) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tSTAGE\tRUN\tUPDATED\tERROR")
	for _, r := range runs {
		errText := ""
		if r.LastError != nil {
			errText = fmt.Sprintf("%s at %s", r.LastError.Class, r.FailedStage)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.BatchID, r.Stage, r.RunID, r.UpdatedAt.Format(time.RFC3339), errText)
	}
	w.Flush()
}
