// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/driftq-starter/internal/config"
	"github.com/adiadia/driftq-starter/internal/driftq"
	"github.com/adiadia/driftq-starter/internal/logging"
	"github.com/adiadia/driftq-starter/internal/store"
	httptransport "github.com/adiadia/driftq-starter/internal/transport/http"
	"github.com/joho/godotenv"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	broker := driftq.NewClient(cfg.DriftQURL)
	runs := store.NewRunStore()
	deadLetters := store.NewDeadLetterCache()

	indexer := httptransport.NewDeadLetterIndexer(broker, deadLetters, logger)
	go func() {
		if err := indexer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("dead-letter indexer stopped", "error", err)
		}
	}()

	handler := httptransport.NewRouter(httptransport.Deps{
		Broker:          broker,
		Runs:            runs,
		DeadLetters:     deadLetters,
		Logger:          logger,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Version:         Version,
		Commit:          Commit,
		BuildDate:       BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"driftq_url", cfg.DriftQURL,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
