// Package main provides the ELSPETH pipeline CLI.
//
// This tool is a thin driver, not the orchestration core: it loads a
// pipeline definition (internal/pipelinecfg), wires the configured
// Recorder/Payload Store/plugin backends, and drives exactly one
// Orchestrator.Run or Orchestrator.Resume invocation.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/elspeth-io/elspeth/internal/orchestrator"
	"github.com/elspeth-io/elspeth/internal/pipelinecfg"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "elspeth"
)

// Exit codes: 0 success, 1 configuration error, 2 runtime failure.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitRuntimeFailed = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage()

		return exitConfigError
	}

	switch args[0] {
	case "--help", "-h", "help":
		printUsage()

		return exitOK
	case "--version":
		fmt.Printf("%s v%s\n", name, version)

		return exitOK
	case "run":
		return runCommand(args[1:])
	case "resume":
		return resumeCommand(args[1:])
	default:
		log.Printf("unknown command: %s", args[0])
		printUsage()

		return exitConfigError
	}
}

func runCommand(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", pipelinecfg.DefaultConfigPath, "pipeline definition path")

	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	def, err := pipelinecfg.Load(*configPath)
	if err != nil {
		log.Printf("configuration error: %v", err)

		return exitConfigError
	}

	cfg, closeTelemetry, err := pipelinecfg.Build(def)
	if err != nil {
		log.Printf("configuration error: %v", err)

		return exitConfigError
	}
	defer func() { _ = closeTelemetry() }()

	cfg.Logger = newLogger()

	orch := orchestrator.New(cfg)

	result, err := orch.Run(context.Background())
	if err != nil {
		log.Printf("run failed: %v", err)

		return exitRuntimeFailed
	}

	logResult(cfg.Logger, "run", result)

	if result.Status == "failed" {
		return exitRuntimeFailed
	}

	return exitOK
}

func resumeCommand(args []string) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	configPath := fs.String("config", pipelinecfg.DefaultConfigPath, "pipeline definition path")
	execute := fs.Bool("execute", false, "reconstruct the pipeline and actually resume it (default: dry run)")

	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	if fs.NArg() < 1 {
		log.Print("resume requires a RUN_ID argument")

		return exitConfigError
	}

	runID := fs.Arg(0)

	if err := fs.Parse(fs.Args()[1:]); err != nil {
		return exitConfigError
	}

	def, err := pipelinecfg.Load(*configPath)
	if err != nil {
		log.Printf("configuration error: %v", err)

		return exitConfigError
	}

	cfg, closeTelemetry, err := pipelinecfg.Build(def)
	if err != nil {
		log.Printf("configuration error: %v", err)

		return exitConfigError
	}
	defer func() { _ = closeTelemetry() }()

	cfg.Logger = newLogger()

	orch := orchestrator.New(cfg)
	ctx := context.Background()

	if !*execute {
		preview, err := orch.Preview(ctx, runID)
		if err != nil {
			log.Printf("resume preview failed: %v", err)

			return exitRuntimeFailed
		}

		fmt.Printf("resume point for run %s:\n", preview.RunID)
		fmt.Printf("  unprocessed rows: %d\n", preview.UnprocessedRowCount)
		fmt.Printf("  checkpointed sink nodes: %v\n", preview.CheckpointNodeIDs)

		return exitOK
	}

	result, err := orch.Resume(ctx, runID)
	if err != nil {
		log.Printf("resume failed: %v", err)

		return exitRuntimeFailed
	}

	logResult(cfg.Logger, "resume", result)

	if result.Status == "failed" {
		return exitRuntimeFailed
	}

	return exitOK
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func logResult(logger *slog.Logger, command string, result *orchestrator.RunResult) {
	logger.Info("pipeline "+command+" finished",
		slog.String("run_id", result.RunID),
		slog.String("status", string(result.Status)),
		slog.Int64("rows_admitted", result.RowsAdmitted),
		slog.Int("rows_reprocessed", result.RowsReprocessed),
	)
}

func printUsage() {
	fmt.Printf(`%s v%s - ELSPETH pipeline orchestrator CLI

USAGE:
    %s COMMAND [OPTIONS]

COMMANDS:
    run                    Begin a new pipeline run
    resume RUN_ID          Report the resume point for RUN_ID (dry run)
    resume RUN_ID --execute  Reconstruct the pipeline and resume RUN_ID

OPTIONS:
    --config PATH   Pipeline definition path (default: %s)
    --help          Show this help message
    --version       Show version information

EXIT CODES:
    0  success
    1  configuration error
    2  runtime failure
`, name, version, name, pipelinecfg.DefaultConfigPath)
}
