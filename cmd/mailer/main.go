package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/acme/session-dispatch/internal/app"
	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fs := flag.NewFlagSet("mailer", flag.ContinueOnError)
	configPath := fs.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	promoID := fs.String("promo", "", "promo id whose verified contacts are messaged")
	cooldownHours := fs.Int("cooldown-hours", 0, "hours an identity rests after a send (1-23, defaults to dispatch.send_cooldown)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *promoID == "" {
		log.Print("-promo is required")
		return 2
	}
	if *cooldownHours != 0 && (*cooldownHours < 1 || *cooldownHours > 23) {
		log.Printf("-cooldown-hours must be between 1 and 23, got %d", *cooldownHours)
		return 2
	}

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Printf("failed to bootstrap application: %v", err)
		return 1
	}
	defer container.Close(context.Background())

	cfg := container.Config
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.App, "mailer")
	if err != nil {
		log.Printf("failed to initialize telemetry: %v", err)
		return 1
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Printf("failed to ensure kafka topics: %v", err)
		return 1
	}

	dispatchCfg := cfg.Dispatch
	if *cooldownHours != 0 {
		dispatchCfg.SendCooldown = time.Duration(*cooldownHours) * time.Hour
	}

	items, err := container.Repositories().Contacts.ContactsForCampaign(ctx, *promoID)
	if err != nil {
		log.Printf("failed to load campaign contacts: %v", err)
		return 1
	}
	container.Logger.Info("mailer: queue prepared",
		zap.String("promo_id", *promoID), zap.Int("queued", len(items)),
		zap.Duration("send_cooldown", dispatchCfg.SendCooldown))

	summary, err := container.RunDispatch(ctx, domain.ModeMessaging, *promoID, dispatchCfg, items)
	if err != nil && ctx.Err() == nil {
		log.Printf("mailer terminated: %v", err)
		return 1
	}
	log.Printf("mailer finished: halted=%s sent=%d did_not_go=%d fallen=%d remaining=%d",
		summary.Halted, summary.Sent, summary.DidNotGo, summary.Fallen, summary.Remaining)
	return 0
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
