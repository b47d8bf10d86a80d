// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"testing"

	"github.com/adiadia/driftq-starter/internal/domain"
	"github.com/adiadia/driftq-starter/internal/driftq"
	"github.com/adiadia/driftq-starter/internal/store"
)

func TestDeadLetterIndexerCachesRecords(t *testing.T) {
	broker := &fakeBroker{
		streams: map[string]*fakeStream{
			domain.DeadLetterTopic: {
				msgs: []driftq.Message{
					{
						Topic:  domain.DeadLetterTopic,
						Offset: 0,
						Value:  `{"ts": 1, "type": "runs.dlq", "run_id": "r1", "workflow": "demo", "attempts": 3, "max_attempts": 3, "replay_seq": 0, "reason": "max_attempts", "error": "forced failure at tool_call"}`,
					},
					{
						Topic:  domain.DeadLetterTopic,
						Offset: 1,
						Value:  `not json at all`,
					},
					{
						Topic:  domain.DeadLetterTopic,
						Offset: 2,
						Value:  `{"ts": 2, "type": "runs.dlq", "run_id": "r1", "replay_seq": 1, "reason": "max_attempts"}`,
					},
				},
			},
		},
	}
	cache := store.NewDeadLetterCache()
	ix := NewDeadLetterIndexer(broker, cache, discardLogger())

	if err := ix.consumeOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, ok := cache.Get("r1")
	if !ok {
		t.Fatal("expected record cached")
	}
	if rec.ReplaySeq != 1 {
		t.Fatalf("expected latest record to win, got replay_seq %d", rec.ReplaySeq)
	}
	if rec.Reason != "max_attempts" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	// Every message, including the malformed one, must be settled.
	if broker.acks != 3 {
		t.Fatalf("expected 3 acks, got %d", broker.acks)
	}
}

func TestDeadLetterIndexerSkipsRecordsWithoutRunID(t *testing.T) {
	broker := &fakeBroker{
		streams: map[string]*fakeStream{
			domain.DeadLetterTopic: {
				msgs: []driftq.Message{
					{Topic: domain.DeadLetterTopic, Offset: 0, Value: `{"type": "runs.dlq", "reason": "max_attempts"}`},
				},
			},
		},
	}
	cache := store.NewDeadLetterCache()
	ix := NewDeadLetterIndexer(broker, cache, discardLogger())

	if err := ix.consumeOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := cache.Get(""); ok {
		t.Fatal("expected record without run_id to be dropped")
	}
	if broker.acks != 1 {
		t.Fatalf("expected malformed record acked, got %d", broker.acks)
	}
}
