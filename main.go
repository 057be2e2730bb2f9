package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"assistant_server/config"
	"assistant_server/internal/bootstrap"
	"assistant_server/pkg/logger"
)

func main() {
	// Load .env file if exists (for local development)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.Init(logger.Config{
		Level:   cfg.LogLevel,
		Service: "assistant",
		Pretty:  cfg.IsDevelopment(),
	})

	srv, err := bootstrap.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("bootstrap failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		cancel()
		srv.Stop()
		log.Fatal().Err(err).Msg("server failed")
	}
	srv.Stop()
}
