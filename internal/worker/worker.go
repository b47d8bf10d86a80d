// SPDX-License-Identifier: Apache-2.0

// Package worker consumes run commands from the broker and executes the demo
// workflow, emitting progress events onto the run's event topic. Retries and
// dead-lettering are driven by broker redelivery: a failed attempt is nacked
// until the attempt budget is spent, then the command is published to the
// global dead-letter topic and acked.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/driftq-starter/internal/domain"
	"github.com/adiadia/driftq-starter/internal/driftq"
	"github.com/adiadia/driftq-starter/internal/metrics"
)

const reconnectDelay = time.Second

// Broker is the slice of the DriftQ client the worker uses.
// *driftq.Client satisfies it.
type Broker interface {
	EnsureTopic(ctx context.Context, topic string, partitions int) error
	Produce(ctx context.Context, topic string, value any, opts *driftq.ProduceOptions) error
	Consume(ctx context.Context, opts driftq.ConsumeOptions) (driftq.MessageStream, error)
	Ack(ctx context.Context, topic, group string, msg driftq.Message) error
	Nack(ctx context.Context, topic, group string, msg driftq.Message) error
}

type Config struct {
	Group       string
	MaxAttempts int
	// RetryBaseDelay scales linearly with the attempt number so retries do
	// not hammer the broker instantly.
	RetryBaseDelay time.Duration
	StepDelay      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = "demo-worker"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 300 * time.Millisecond
	}
	if c.StepDelay <= 0 {
		c.StepDelay = 200 * time.Millisecond
	}
	return c
}

type Worker struct {
	broker Broker
	logger *slog.Logger
	cfg    Config

	// attempts is keyed by "{run_id}:{replay_seq}" so a replay starts with a
	// fresh attempt budget.
	attempts map[string]int
}

func New(broker Broker, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		broker:   broker,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		attempts: make(map[string]int, 16),
	}
}

// Run consumes the commands topic until ctx is canceled, reconnecting after
// transient broker failures.
func (w *Worker) Run(ctx context.Context) error {
	for _, topic := range []string{domain.CommandsTopic, domain.DeadLetterTopic} {
		if err := w.broker.EnsureTopic(ctx, topic, 1); err != nil {
			return fmt.Errorf("ensure topic %s: %w", topic, err)
		}
	}

	w.logger.Info("worker consuming", "topic", domain.CommandsTopic, "group", w.cfg.Group)

	for {
		if err := w.consumeOnce(ctx); err != nil {
			w.logger.Warn("command stream ended", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (w *Worker) consumeOnce(ctx context.Context) error {
	stream, err := w.broker.Consume(ctx, driftq.ConsumeOptions{
		Topic: domain.CommandsTopic,
		Group: w.cfg.Group,
	})
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	for {
		msg, ok := stream.Next()
		if !ok {
			return stream.Err()
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg driftq.Message) {
	payload := driftq.DecodeValue(msg)
	cmd := domain.Event(payload)

	runID := cmd.RunID()
	if runID == "" {
		// Junk command; settle it so the broker does not redeliver forever.
		w.safeAck(ctx, msg)
		return
	}

	eventsTopic := domain.EventsTopic(runID)
	failAt, _ := payload["fail_at"].(string)
	replaySeq, _ := cmd.ReplaySeq()

	attemptKey := fmt.Sprintf("%s:%d", runID, replaySeq)
	w.attempts[attemptKey]++
	attempt := w.attempts[attemptKey]

	w.emit(ctx, eventsTopic, domain.Event{
		"ts":         domain.NowMS(),
		"type":       domain.EventWorkerReceived,
		"run_id":     runID,
		"attempt":    attempt,
		"replay_seq": replaySeq,
	})

	err := w.runDemoWorkflow(ctx, runID, eventsTopic, failAt)
	if err == nil {
		w.safeAck(ctx, msg)
		delete(w.attempts, attemptKey)
		metrics.IncRunOutcome(metrics.OutcomeSucceeded)
		w.logger.Info("run succeeded", "run_id", runID, "attempt", attempt, "replay_seq", replaySeq)
		return
	}

	w.logger.Warn("run attempt failed",
		"run_id", runID,
		"attempt", attempt,
		"replay_seq", replaySeq,
		"error", err,
	)
	w.emit(ctx, eventsTopic, domain.Event{
		"ts":         domain.NowMS(),
		"type":       domain.EventAttemptFailed,
		"run_id":     runID,
		"attempt":    attempt,
		"replay_seq": replaySeq,
		"error":      err.Error(),
	})

	if attempt < w.cfg.MaxAttempts {
		w.scheduleRetry(ctx, msg, eventsTopic, runID, attempt, replaySeq)
		return
	}

	w.deadLetter(ctx, msg, payload, eventsTopic, runID, attempt, replaySeq, err)
	delete(w.attempts, attemptKey)
}

func (w *Worker) runDemoWorkflow(ctx context.Context, runID, eventsTopic, failAt string) error {
	w.emit(ctx, eventsTopic, domain.Event{
		"ts":     domain.NowMS(),
		"type":   domain.EventRunStarted,
		"run_id": runID,
	})

	for _, step := range domain.WorkflowSteps() {
		w.emit(ctx, eventsTopic, domain.Event{
			"ts":     domain.NowMS(),
			"type":   domain.EventStepStarted,
			"run_id": runID,
			"step":   step,
		})

		if failAt == step {
			return fmt.Errorf("forced failure at %s", step)
		}

		start := time.Now()
		if err := sleepCtx(ctx, w.cfg.StepDelay); err != nil {
			return err
		}
		metrics.ObserveWorkflowStepDuration(time.Since(start))

		w.emit(ctx, eventsTopic, domain.Event{
			"ts":     domain.NowMS(),
			"type":   domain.EventStepCompleted,
			"run_id": runID,
			"step":   step,
		})
	}

	w.emit(ctx, eventsTopic, domain.Event{
		"ts":     domain.NowMS(),
		"type":   domain.EventRunSucceeded,
		"run_id": runID,
	})
	return nil
}

func (w *Worker) scheduleRetry(ctx context.Context, msg driftq.Message, eventsTopic, runID string, attempt int, replaySeq int64) {
	w.emit(ctx, eventsTopic, domain.Event{
		"ts":           domain.NowMS(),
		"type":         domain.EventRetryScheduled,
		"run_id":       runID,
		"attempt":      attempt + 1,
		"replay_seq":   replaySeq,
		"max_attempts": w.cfg.MaxAttempts,
	})
	metrics.IncAttemptRetry()

	// Backoff before releasing the lease so redelivery is not instant.
	_ = sleepCtx(ctx, w.cfg.RetryBaseDelay*time.Duration(attempt))

	if err := w.broker.Nack(ctx, domain.CommandsTopic, w.cfg.Group, msg); err != nil {
		w.logger.Warn("nack failed, acking to avoid a redelivery loop",
			"run_id", runID,
			"offset", msg.Offset,
			"error", err,
		)
		w.safeAck(ctx, msg)
	}
}

func (w *Worker) deadLetter(ctx context.Context, msg driftq.Message, command map[string]any, eventsTopic, runID string, attempt int, replaySeq int64, cause error) {
	workflow, _ := command["workflow"].(string)
	if workflow == "" {
		workflow = "demo"
	}

	record := domain.DeadLetterRecord{
		TS:          domain.NowMS(),
		Type:        domain.DeadLetterRecordType,
		RunID:       runID,
		Workflow:    workflow,
		Attempts:    attempt,
		MaxAttempts: w.cfg.MaxAttempts,
		ReplaySeq:   replaySeq,
		Reason:      "max_attempts",
		Error:       cause.Error(),
		// Keep the original command payload so a replay can re-publish the
		// same logical work.
		Command: command,
	}

	dlqIdem := fmt.Sprintf("dlq:%s:%d:%d", runID, replaySeq, attempt)
	if err := w.broker.Produce(ctx, domain.DeadLetterTopic, record, &driftq.ProduceOptions{
		Key:            runID,
		IdempotencyKey: dlqIdem,
	}); err != nil {
		w.logger.Error("dead-letter publish failed", "run_id", runID, "error", err)
	} else {
		metrics.IncDeadLetterPublished()
	}
	metrics.IncRunOutcome(metrics.OutcomeDeadLettered)

	w.emit(ctx, eventsTopic, domain.Event{
		"ts":         domain.NowMS(),
		"type":       domain.EventRunDeadLettered,
		"run_id":     runID,
		"replay_seq": replaySeq,
		"reason":     "max_attempts",
		"dlq_topic":  domain.DeadLetterTopic,
		"dlq_idem":   dlqIdem,
	})
	w.emit(ctx, eventsTopic, domain.Event{
		"ts":         domain.NowMS(),
		"type":       domain.EventRunFailed,
		"run_id":     runID,
		"replay_seq": replaySeq,
	})

	w.logger.Warn("run dead-lettered",
		"run_id", runID,
		"attempts", attempt,
		"replay_seq", replaySeq,
		"error", cause,
	)

	// Ack so the exhausted command is not redelivered forever.
	w.safeAck(ctx, msg)
}

// emit publishes an event onto the run's topic, creating the topic if needed.
// Event loss is tolerated; the broker remains the source of truth for the
// command itself.
func (w *Worker) emit(ctx context.Context, eventsTopic string, event domain.Event) {
	if err := w.broker.EnsureTopic(ctx, eventsTopic, 1); err != nil {
		w.logger.Warn("ensure events topic failed", "topic", eventsTopic, "error", err)
		return
	}
	if err := w.broker.Produce(ctx, eventsTopic, map[string]any(event), &driftq.ProduceOptions{
		Key: event.RunID(),
	}); err != nil {
		w.logger.Warn("emit event failed", "topic", eventsTopic, "type", event.Type(), "error", err)
	}
}

func (w *Worker) safeAck(ctx context.Context, msg driftq.Message) {
	if err := w.broker.Ack(ctx, domain.CommandsTopic, w.cfg.Group, msg); err != nil {
		w.logger.Warn("ack failed", "offset", msg.Offset, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
