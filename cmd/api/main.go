package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/session-dispatch/internal/api"
	"github.com/acme/session-dispatch/internal/api/handlers"
	"github.com/acme/session-dispatch/internal/app"
	"github.com/acme/session-dispatch/internal/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	log.Println("Starting API server...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fs := flag.NewFlagSet("api", flag.ContinueOnError)
	configPath := fs.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	log.Printf("Using config file: %s", *configPath)

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Printf("failed to bootstrap application: %v", err)
		return 1
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "api")
	if err != nil {
		log.Printf("failed to initialize telemetry: %v", err)
		return 1
	}
	defer func() { _ = shutdown(context.Background()) }()

	// A standalone API has no run of its own to report.
	handlerSet := handlers.NewHandlerSet(container.HandlerDeps(nil))
	server := api.NewServer(container.Config.HTTP, handlerSet)

	log.Printf("Starting server on port %d...", container.Config.HTTP.Port)
	if err := server.Start(ctx); err != nil {
		log.Printf("server terminated: %v", err)
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
