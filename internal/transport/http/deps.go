// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"log/slog"

	"github.com/adiadia/driftq-starter/internal/domain"
	"github.com/adiadia/driftq-starter/internal/driftq"
)

// Broker is the slice of the DriftQ client the API service uses.
// *driftq.Client satisfies it.
type Broker interface {
	Healthz(ctx context.Context) (map[string]any, error)
	EnsureTopic(ctx context.Context, topic string, partitions int) error
	Produce(ctx context.Context, topic string, value any, opts *driftq.ProduceOptions) error
	Consume(ctx context.Context, opts driftq.ConsumeOptions) (driftq.MessageStream, error)
	Ack(ctx context.Context, topic, group string, msg driftq.Message) error
	Nack(ctx context.Context, topic, group string, msg driftq.Message) error
}

// RunRegistry is the run bookkeeping the handlers need.
// *store.RunStore satisfies it.
type RunRegistry interface {
	Put(run domain.Run)
	Get(runID string) (domain.Run, bool)
	BumpReplaySeq(runID string) (domain.Run, error)
	SetFailAt(runID, failAt string) (domain.Run, error)
}

// DeadLetterIndex is the per-run dead-letter lookup backing GET /runs/{id}/dlq
// and the dlq.available replay on stream connect. *store.DeadLetterCache
// satisfies it.
type DeadLetterIndex interface {
	Put(rec domain.DeadLetterRecord)
	Get(runID string) (domain.DeadLetterRecord, bool)
	Clear(runID string)
}

type Deps struct {
	Broker      Broker
	Runs        RunRegistry
	DeadLetters DeadLetterIndex
	Logger      *slog.Logger

	// RateLimitPerMin throttles mutating endpoints per client host; <= 0
	// disables the limiter.
	RateLimitPerMin int

	Version   string
	Commit    string
	BuildDate string
}
