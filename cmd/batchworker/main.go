// Command batchworker runs the batch worker runtime: it leases work
// items from a coordinator service, executes them, and reports progress
// and completion until terminated.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dataflow-go/batchworker/pkg/common/config"
	"github.com/dataflow-go/batchworker/pkg/logging"
	"github.com/dataflow-go/batchworker/pkg/worker"
	"github.com/dataflow-go/batchworker/pkg/worker/coordinator"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON configuration file (optional; environment variables take precedence)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		os.Stderr.WriteString("batchworker: " + err.Error() + "\n")
		os.Exit(1)
	}

	level, err := logging.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.InfoLevel
	}
	format := logging.TextFormat
	if cfg.Logging.Format == "json" {
		format = logging.JSONFormat
	}
	var logOutput io.Writer = os.Stdout
	if cfg.Logging.File != "" {
		if combined, err := logging.CreateCombinedOutput(cfg.Logging.File); err == nil {
			logOutput = combined
		}
	}

	log := logging.NewLogger(&logging.Config{
		Level:     level,
		Format:    format,
		Output:    logOutput,
		Component: "batchworker",
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := coordinator.NewClient(ctx, cfg.RootURL, log)
	if err != nil {
		log.Errorf("failed to construct coordinator client: %v", err)
		os.Exit(1)
	}

	w := worker.New(cfg, client, log, nil)
	if err := w.Run(ctx); err != nil {
		log.Errorf("worker exited with error: %v", err)
		os.Exit(1)
	}
}
