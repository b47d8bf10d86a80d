// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/adiadia/driftq-starter/internal/domain"
	"github.com/adiadia/driftq-starter/internal/driftq"
)

const indexerReconnectDelay = time.Second

// DeadLetterIndexer drains the global dead-letter topic into the API's
// per-run cache so GET /runs/{id}/dlq and the dlq.available replay work
// without each caller consuming the topic themselves.
type DeadLetterIndexer struct {
	broker Broker
	cache  DeadLetterIndex
	logger *slog.Logger
	group  string
}

func NewDeadLetterIndexer(broker Broker, cache DeadLetterIndex, logger *slog.Logger) *DeadLetterIndexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterIndexer{
		broker: broker,
		cache:  cache,
		logger: logger,
		group:  "api-dlq-cache",
	}
}

// Run consumes the dead-letter topic until ctx is canceled, reconnecting
// after transient broker failures.
func (ix *DeadLetterIndexer) Run(ctx context.Context) error {
	for {
		if err := ix.consumeOnce(ctx); err != nil {
			ix.logger.Warn("dead-letter indexer stream ended", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(indexerReconnectDelay):
		}
	}
}

func (ix *DeadLetterIndexer) consumeOnce(ctx context.Context) error {
	if err := ix.broker.EnsureTopic(ctx, domain.DeadLetterTopic, 1); err != nil {
		return err
	}

	stream, err := ix.broker.Consume(ctx, driftq.ConsumeOptions{
		Topic: domain.DeadLetterTopic,
		Group: ix.group,
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

		var rec domain.DeadLetterRecord
		if err := json.Unmarshal([]byte(msg.Value), &rec); err != nil || rec.RunID == "" {
			// Not a dead-letter record; settle it so it is not redelivered.
			ix.logger.Warn("skipping unparseable dead-letter message", "offset", msg.Offset)
			if err := ix.broker.Ack(ctx, domain.DeadLetterTopic, ix.group, msg); err != nil {
				ix.logger.Warn("dead-letter ack failed", "offset", msg.Offset, "error", err)
			}
			continue
		}

		ix.cache.Put(rec)
		ix.logger.Info("dead-letter record indexed",
			"run_id", rec.RunID,
			"replay_seq", rec.ReplaySeq,
			"reason", rec.Reason,
		)

		if err := ix.broker.Ack(ctx, domain.DeadLetterTopic, ix.group, msg); err != nil {
			ix.logger.Warn("dead-letter ack failed", "run_id", rec.RunID, "offset", msg.Offset, "error", err)
		}
	}
}
