package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/session-dispatch/internal/app"
	"github.com/acme/session-dispatch/internal/telemetry"
	"github.com/acme/session-dispatch/internal/worker/outcome"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fs := flag.NewFlagSet("outcomeworker", flag.ContinueOnError)
	configPath := fs.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	container, err := app.Build(ctx, *configPath, app.WithoutContactStore())
	if err != nil {
		log.Printf("failed to bootstrap application: %v", err)
		return 1
	}
	defer container.Close(context.Background())

	if container.Kafka == nil {
		log.Print("outcome worker needs kafka.brokers")
		return 1
	}
	outcomes := container.Repositories().Outcomes
	if outcomes == nil {
		log.Print("outcome worker needs scylla.hosts")
		return 1
	}

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "outcomeworker")
	if err != nil {
		log.Printf("failed to initialize telemetry: %v", err)
		return 1
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Printf("failed to ensure kafka topics: %v", err)
		return 1
	}

	worker := outcome.NewFromKafka(container.Kafka, outcomes, container.Logger)
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("outcome worker terminated: %v", err)
		return 1
	}
	return 0
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
