package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/session-dispatch/internal/app"
	"github.com/acme/session-dispatch/internal/dispatch"
	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/service/ingest"
	"github.com/acme/session-dispatch/internal/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fs := flag.NewFlagSet("tester", flag.ContinueOnError)
	configPath := fs.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	name := fs.String("identity", getEnv("TEST_IDENTITY", ""), "identity to send from")
	rawPhone := fs.String("phone", getEnv("TEST_PHONE", ""), "phone of a verified contact")
	text := fs.String("text", getEnv("TEST_TEXT", ""), "message text (defaults to the contact's promo template)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *name == "" || *rawPhone == "" {
		log.Print("-identity and -phone are required")
		return 2
	}
	phone, err := ingest.ParsePhone(*rawPhone)
	if err != nil {
		log.Printf("invalid -phone: %v", err)
		return 2
	}

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Printf("failed to bootstrap application: %v", err)
		return 1
	}
	defer container.Close(context.Background())

	cfg := container.Config
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.App, "tester")
	if err != nil {
		log.Printf("failed to initialize telemetry: %v", err)
		return 1
	}
	defer func() { _ = shutdown(context.Background()) }()

	d := container.NewDispatcher(domain.ModeMessaging, "", cfg.Dispatch, dispatch.NewQueue(nil))
	outcome, err := d.SendTest(ctx, *name, phone, *text)
	if err != nil {
		log.Printf("test send failed: %v", err)
		return 1
	}
	log.Printf("test send: identity=%s phone=%d outcome=%s %s", outcome.Identity, outcome.Phone, outcome.Kind, outcome.Detail)
	if outcome.Kind != domain.OutcomeSent {
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
