package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/duynguyendang/weeklyanalytics/pkg/pipeline"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	configPath string
	jsonOutput bool
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "wka",
		Short: "Weekly funnel analytics",
		Long: `wka extracts the weekly sales-funnel spreadsheets into a local store,
materializes the batch as a table, asks Gemini for an analysis and writes
the weekly report. Interrupted runs resume at the stage they stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./wka.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("wka %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(
		runCmd(),
		statusCmd(),
		runsCmd(),
		tableCmd(),
		inspectCmd(),
		serveCmd(),
		mcpCmd(),
		configCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

// printError reports a failure. Run failures carry their stage, batch,
// class and resumable flag.
func printError(err error) {
	var runErr *pipeline.RunError
	if errors.As(err, &runErr) {
		if jsonOutput {
			printJSON(map[string]any{
				"ok":        false,
				"run_id":    runErr.RunID,
				"batch_id":  runErr.BatchID,
				"stage":     runErr.Stage,
				"class":     runErr.Class,
				"resumable": runErr.Resumable,
				"error":     runErr.Err.Error(),
			})
			return
		}
		fmt.Fprintf(os.Stderr, "Error: run failed\n")
		fmt.Fprintf(os.Stderr, "  batch:     %s\n", runErr.BatchID)
		fmt.Fprintf(os.Stderr, "  stage:     %s\n", runErr.Stage)
		fmt.Fprintf(os.Stderr, "  class:     %s\n", runErr.Class)
		fmt.Fprintf(os.Stderr, "  resumable: %t\n", runErr.Resumable)
		fmt.Fprintf(os.Stderr, "  cause:     %v\n", runErr.Err)
		return
	}
	if jsonOutput {
		printJSON(map[string]any{"ok": false, "error": err.Error()})
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
	}
}
