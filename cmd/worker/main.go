// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/adiadia/driftq-starter/internal/config"
	"github.com/adiadia/driftq-starter/internal/driftq"
	"github.com/adiadia/driftq-starter/internal/logging"
	"github.com/adiadia/driftq-starter/internal/worker"
	"github.com/joho/godotenv"
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

	w := worker.New(broker, worker.Config{
		Group:          cfg.WorkerGroup,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		StepDelay:      cfg.StepDelay,
	}, logger)

	logger.Info("worker started", "driftq_url", cfg.DriftQURL, "group", cfg.WorkerGroup)

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}

	logger.Info("worker shut down")
}
