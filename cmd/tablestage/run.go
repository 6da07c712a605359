package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tablestage/internal/engine"
	"github.com/hyperengineering/tablestage/internal/flowfile"
)

var (
	runJSONOutput bool
	runMode       string
)

var runCmd = &cobra.Command{
	Use:   "run <flow.yaml>",
	Short: "Compile and run a flow definition",
	Long:  "Runs every task of the flow through the task cache and swaps each schema once its tasks and upstream schemas are done.",
	Args:  cobra.ExactArgs(1),
	RunE:  runFlow,
}

func init() {
	runCmd.Flags().BoolVar(&runJSONOutput, "json", false, "Output the run report in JSON format")
	runCmd.Flags().StringVar(&runMode, "mode", "", "Executor mode, sequential or parallel (overrides engine.mode)")
}

func runFlow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runMode != "" {
		cfg.Engine.Mode = runMode
	}
	logger := stderrLogger(cfg)

	def, err := flowfile.Load(args[0])
	if err != nil {
		return err
	}

	executor, err := engine.NewExecutor(cfg.Engine.Mode, cfg.Engine.Workers)
	if err != nil {
		return err
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	flow, err := flowfile.Compile(ctx, def, store)
	if err != nil {
		return err
	}

	eng := engine.New(store,
		engine.WithExecutor(executor),
		engine.WithLogger(logger),
		engine.WithConfig(cfg.EngineAttrs()),
	)
	report, runErr := eng.Run(ctx, flow)

	out := cmd.OutOrStdout()
	if runJSONOutput {
		if err := printJSON(out, map[string]any{
			"run_id":      report.RunID,
			"flow":        flow.Name(),
			"executed":    nonNil(report.Executed),
			"cached":      nonNil(report.Cached),
			"swapped":     nonNil(report.Swapped),
			"failed":      nonNil(report.Failed),
			"skipped":     nonNil(report.Skipped),
			"duration_ms": report.Duration.Milliseconds(),
		}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "Run:      %s\n", report.RunID)
		fmt.Fprintf(out, "Flow:     %s\n", flow.Name())
		fmt.Fprintf(out, "Executed: %s\n", joinOrDash(report.Executed))
		fmt.Fprintf(out, "Cached:   %s\n", joinOrDash(report.Cached))
		fmt.Fprintf(out, "Swapped:  %s\n", joinOrDash(report.Swapped))
		if len(report.Failed) > 0 || len(report.Skipped) > 0 {
			fmt.Fprintf(out, "Failed:   %s\n", joinOrDash(report.Failed))
			fmt.Fprintf(out, "Skipped:  %s\n", joinOrDash(report.Skipped))
		}
		fmt.Fprintf(out, "Duration: %s\n", report.Duration)
	}

	return runErr
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func joinOrDash(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ", ")
}
