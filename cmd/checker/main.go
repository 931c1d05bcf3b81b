package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/session-dispatch/internal/app"
	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/service/ingest"
	"github.com/acme/session-dispatch/internal/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the exit code so deferred cleanup always flushes.
func run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fs := flag.NewFlagSet("checker", flag.ContinueOnError)
	configPath := fs.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	csvPath := fs.String("csv", "", "candidate CSV (defaults to ingest.csv_path)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Printf("failed to bootstrap application: %v", err)
		return 1
	}
	defer container.Close(context.Background())

	cfg := container.Config
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.App, "checker")
	if err != nil {
		log.Printf("failed to initialize telemetry: %v", err)
		return 1
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Printf("failed to ensure kafka topics: %v", err)
		return 1
	}

	path := cfg.Ingest.CSVPath
	if *csvPath != "" {
		path = *csvPath
	}
	candidates, err := ingest.NewCSVSource(path, container.Logger).LoadCandidates(ctx)
	if err != nil {
		log.Printf("failed to load candidates: %v", err)
		return 1
	}
	items, err := ingest.Dedupe(ctx, candidates, container.Repositories().Contacts)
	if err != nil {
		log.Printf("failed to dedupe candidates: %v", err)
		return 1
	}
	container.Logger.Info("checker: queue prepared",
		zap.Int("candidates", len(candidates)), zap.Int("queued", len(items)))

	summary, err := container.RunDispatch(ctx, domain.ModeVerify, "", cfg.Dispatch, items)
	if err != nil && ctx.Err() == nil {
		log.Printf("checker terminated: %v", err)
		return 1
	}
	log.Printf("checker finished: halted=%s added=%d rejected=%d fallen=%d remaining=%d",
		summary.Halted, summary.Added, summary.Rejected, summary.Fallen, summary.Remaining)
	return 0
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
