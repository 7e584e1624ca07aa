package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaymesh/srtrelay/app"
	"github.com/relaymesh/srtrelay/config"
	"github.com/relaymesh/srtrelay/log"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	cfg := config.New()
	cfg.Merge()

	level := log.ParseLevel(cfg.Log.Level)

	var writer log.Writer
	if cfg.Log.Format == "json" {
		writer = log.NewJSONWriter(os.Stderr, level)
	} else {
		writer = log.NewConsoleWriter(os.Stderr, level, log.IsTerminal(os.Stderr.Fd()))
	}

	logger := log.New("srtrelay").WithOutput(writer)
	logger.Info().WithField("id", cfg.ID).Log("starting")

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error().WithError(err).Log("failed to initialize")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info().Log("received shutdown signal")
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		os.Exit(1)
	}
}
