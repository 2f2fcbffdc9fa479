package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/LeventeLantos/whatsapp-outbound/internal/config"
	"github.com/LeventeLantos/whatsapp-outbound/internal/logging"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}

	log.Info().
		Str("addr", cfg.Server.Address).
		Int("workers", cfg.Worker.Concurrency).
		Bool("archive", cfg.Database.PostgresURL != "").
		Msg("messaging app starting")

	if err := a.run(ctx); err != nil {
		log.Fatal().Err(err).Msg("messaging app stopped with error")
	}
	log.Info().Msg("messaging app stopped")
}
