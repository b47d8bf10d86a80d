// SPDX-License-Identifier: Apache-2.0

// The demo command drives the scripted failure/recovery scenario end to end
// against a running API service and worker, then prints the final status.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/adiadia/driftq-starter/internal/client"
	"github.com/adiadia/driftq-starter/internal/config"
	"github.com/adiadia/driftq-starter/internal/logging"
	"github.com/adiadia/driftq-starter/internal/observer"
	"github.com/adiadia/driftq-starter/internal/orchestrator"
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

	api := client.New(cfg.APIBaseURL)
	if err := api.Healthz(ctx); err != nil {
		logger.Error("api not reachable", "api_base_url", cfg.APIBaseURL, "error", err)
		os.Exit(1)
	}

	session := observer.NewSession(api, api, logger)
	defer session.Reset()

	o := orchestrator.New(api, session, orchestrator.Config{
		FailureWait:    cfg.FailureWait,
		DeadLetterWait: cfg.DeadLetterWait,
		SuccessWait:    cfg.SuccessWait,
		Tick:           cfg.WaitTick,
	}, logger)

	runErr := o.Run(ctx)

	status := o.Status()
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		logger.Error("marshal status failed", "error", err)
		os.Exit(1)
	}
	_, _ = os.Stdout.Write(append(out, '\n'))

	if runErr != nil {
		os.Exit(1)
	}
}
