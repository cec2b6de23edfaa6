// Command stageflow runs and validates declarative pipeline files.
//
// Usage:
//
//	stageflow run --config pipeline.yaml       # run a pipeline
//	stageflow validate --config pipeline.yaml  # check a pipeline file
//	stageflow version                          # show version information
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/stageflow"
	"github.com/BaSui01/stageflow/approval"
	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/provider"
)

// Injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runPipeline(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runPipeline(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to pipeline file (YAML or JSON)")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	fs.Parse(args)

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "run: --config is required")
		os.Exit(1)
	}

	logger := initLogger(*verbose)
	defer logger.Sync()

	logger.Info("starting stageflow",
		zap.String("version", Version),
		zap.String("pipeline", *configPath),
	)

	opts := []stageflow.Option{
		stageflow.WithLogger(logger),
		stageflow.WithProvider(provider.Echo{}),
		stageflow.WithApprovalChannel(approval.NewConsoleChannel(os.Stdin, os.Stdout)),
	}

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, stageflow.WithMetrics(reg))
		go serveMetrics(*metricsAddr, reg, logger)
	}

	p, stages, err := stageflow.FromFile(*configPath, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load pipeline: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := p.Run(ctx, stages...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Pipeline failed to start: %v\n", err)
		os.Exit(1)
	}

	for _, outcome := range result.Stages {
		switch {
		case outcome.Result != nil:
			fmt.Printf("[%s] %s (attempts=%d)\n%s\n\n",
				outcome.Status, outcome.StageID, outcome.Result.Attempts, outcome.Result.Output)
		case outcome.Reason != nil:
			fmt.Printf("[%s] %s: %v\n\n", outcome.Status, outcome.StageID, outcome.Reason)
		}
	}

	if !result.Success {
		fmt.Fprintln(os.Stderr, "Pipeline finished with failures")
		os.Exit(1)
	}
	fmt.Printf("Pipeline succeeded in %s\n", result.TotalElapsed)
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to pipeline file (YAML or JSON)")
	fs.Parse(args)

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "validate: --config is required")
		os.Exit(1)
	}

	f, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pipeline: %v\n", err)
		os.Exit(1)
	}
	if _, _, _, err := f.Pipeline(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pipeline: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("OK: %d stages, %d agents\n", len(f.Stages), len(f.Agents))
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

func initLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func printVersion() {
	fmt.Printf("stageflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`stageflow - multi-stage agent pipeline runner

Usage:
  stageflow <command> [options]

Commands:
  run       Run a pipeline file
  validate  Validate a pipeline file without running it
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>        Path to pipeline file (YAML or JSON)
  --verbose              Enable debug logging
  --metrics-addr <addr>  Serve Prometheus metrics on this address

Examples:
  stageflow run --config pipeline.yaml
  stageflow run --config pipeline.yaml --metrics-addr :9090
  stageflow validate --config pipeline.json
  stageflow version`)
}
