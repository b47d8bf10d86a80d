// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/adiadia/driftq-starter/internal/domain"
	"github.com/adiadia/driftq-starter/internal/driftq"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStream struct {
	msgs []driftq.Message
	next int
}

func (s *fakeStream) Next() (driftq.Message, bool) {
	if s.next >= len(s.msgs) {
		return driftq.Message{}, false
	}
	msg := s.msgs[s.next]
	s.next++
	return msg, true
}

func (s *fakeStream) Err() error   { return nil }
func (s *fakeStream) Close() error { return nil }

type produceCall struct {
	topic string
	value any
	opts  *driftq.ProduceOptions
}

type fakeBroker struct {
	mu       sync.Mutex
	produced []produceCall
	streams  map[string]*fakeStream
	acks     int
	nacks    int
	nackErr  error
}

func (b *fakeBroker) EnsureTopic(ctx context.Context, topic string, partitions int) error {
	return nil
}

func (b *fakeBroker) Produce(ctx context.Context, topic string, value any, opts *driftq.ProduceOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.produced = append(b.produced, produceCall{topic: topic, value: value, opts: opts})
	return nil
}

func (b *fakeBroker) Consume(ctx context.Context, opts driftq.ConsumeOptions) (driftq.MessageStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[opts.Topic]
	if !ok {
		s = &fakeStream{}
	}
	return s, nil
}

func (b *fakeBroker) Ack(ctx context.Context, topic, group string, msg driftq.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks++
	return nil
}

func (b *fakeBroker) Nack(ctx context.Context, topic, group string, msg driftq.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nackErr != nil {
		return b.nackErr
	}
	b.nacks++
	return nil
}

func (b *fakeBroker) ackCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks
}

// eventTypes returns the ordered type fields of events published to a topic.
func (b *fakeBroker) eventTypes(topic string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, call := range b.produced {
		if call.topic != topic {
			continue
		}
		if ev, ok := call.value.(map[string]any); ok {
			if t, ok := ev["type"].(string); ok {
				out = append(out, t)
			}
		}
	}
	return out
}

func (b *fakeBroker) deadLetters() []produceCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []produceCall
	for _, call := range b.produced {
		if call.topic == domain.DeadLetterTopic {
			out = append(out, call)
		}
	}
	return out
}

func fastWorker(broker *fakeBroker) *Worker {
	return New(broker, Config{
		Group:          "demo-worker",
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		StepDelay:      time.Millisecond,
	}, discardLogger())
}

func commandMsg(t *testing.T, runID, failAt string, replaySeq int) driftq.Message {
	t.Helper()
	cmd := map[string]any{
		"run_id":     runID,
		"workflow":   "demo",
		"input":      map[string]any{},
		"replay_seq": replaySeq,
	}
	if failAt != "" {
		cmd["fail_at"] = failAt
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return driftq.Message{Topic: domain.CommandsTopic, Offset: 0, Value: string(data), Owner: "demo-worker"}
}

func TestWorkerHappyPath(t *testing.T) {
	broker := &fakeBroker{}
	w := fastWorker(broker)

	w.handle(context.Background(), commandMsg(t, "r1", "", 0))

	want := []string{
		domain.EventWorkerReceived,
		domain.EventRunStarted,
		domain.EventStepStarted, domain.EventStepCompleted,
		domain.EventStepStarted, domain.EventStepCompleted,
		domain.EventStepStarted, domain.EventStepCompleted,
		domain.EventStepStarted, domain.EventStepCompleted,
		domain.EventRunSucceeded,
	}
	got := broker.eventTypes(domain.EventsTopic("r1"))
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s got %s (%v)", i, want[i], got[i], got)
		}
	}

	if broker.acks != 1 {
		t.Fatalf("expected command acked once, got %d", broker.acks)
	}
	if len(w.attempts) != 0 {
		t.Fatalf("expected attempt state cleaned up, got %v", w.attempts)
	}
	if len(broker.deadLetters()) != 0 {
		t.Fatalf("expected no dead letters, got %v", broker.deadLetters())
	}
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	broker := &fakeBroker{}
	w := fastWorker(broker)

	msg := commandMsg(t, "r1", domain.StepToolCall, 0)

	// The broker redelivers after each nack; simulate three deliveries.
	for i := 0; i < 3; i++ {
		w.handle(context.Background(), msg)
	}

	if broker.nacks != 2 {
		t.Fatalf("expected 2 nacks before dead-lettering, got %d", broker.nacks)
	}
	if broker.acks != 1 {
		t.Fatalf("expected the exhausted command acked once, got %d", broker.acks)
	}

	records := broker.deadLetters()
	if len(records) != 1 {
		t.Fatalf("expected one dead-letter record, got %d", len(records))
	}
	rec, ok := records[0].value.(domain.DeadLetterRecord)
	if !ok {
		t.Fatalf("expected DeadLetterRecord, got %T", records[0].value)
	}
	if rec.RunID != "r1" || rec.Attempts != 3 || rec.MaxAttempts != 3 || rec.Reason != "max_attempts" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Error != "forced failure at tool_call" {
		t.Fatalf("unexpected error text: %q", rec.Error)
	}
	if rec.Command["run_id"] != "r1" {
		t.Fatalf("expected original command kept on record, got %v", rec.Command)
	}
	wantIdem := "dlq:r1:0:3"
	if records[0].opts == nil || records[0].opts.IdempotencyKey != wantIdem {
		t.Fatalf("expected idempotency key %s, got %+v", wantIdem, records[0].opts)
	}

	types := broker.eventTypes(domain.EventsTopic("r1"))
	counts := map[string]int{}
	for _, typ := range types {
		counts[typ]++
	}
	if counts[domain.EventAttemptFailed] != 3 {
		t.Fatalf("expected 3 attempt failures, got %d", counts[domain.EventAttemptFailed])
	}
	if counts[domain.EventRetryScheduled] != 2 {
		t.Fatalf("expected 2 retries scheduled, got %d", counts[domain.EventRetryScheduled])
	}
	if counts[domain.EventRunDeadLettered] != 1 || counts[domain.EventRunFailed] != 1 {
		t.Fatalf("expected terminal dlq/failed events, got %v", counts)
	}
	if counts[domain.EventRunSucceeded] != 0 {
		t.Fatalf("expected no success event, got %v", counts)
	}

	if len(w.attempts) != 0 {
		t.Fatalf("expected attempt state cleaned up, got %v", w.attempts)
	}
}

func TestWorkerReplayGetsFreshAttemptBudget(t *testing.T) {
	broker := &fakeBroker{}
	w := fastWorker(broker)

	// First sequence burns all attempts.
	failing := commandMsg(t, "r1", domain.StepToolCall, 0)
	for i := 0; i < 3; i++ {
		w.handle(context.Background(), failing)
	}

	// The replay runs under a new sequence with the injection cleared.
	w.handle(context.Background(), commandMsg(t, "r1", "", 1))

	types := broker.eventTypes(domain.EventsTopic("r1"))
	succeeded := 0
	for _, typ := range types {
		if typ == domain.EventRunSucceeded {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one success after replay, got %d", succeeded)
	}
	if len(broker.deadLetters()) != 1 {
		t.Fatalf("expected only the pre-replay dead letter, got %d", len(broker.deadLetters()))
	}
}

func TestWorkerNackFallsBackToAck(t *testing.T) {
	broker := &fakeBroker{nackErr: fmt.Errorf("nack unsupported")}
	w := fastWorker(broker)

	w.handle(context.Background(), commandMsg(t, "r1", domain.StepToolCall, 0))

	if broker.nacks != 0 {
		t.Fatalf("expected nack to fail, got %d successful nacks", broker.nacks)
	}
	if broker.acks != 1 {
		t.Fatalf("expected ack fallback, got %d acks", broker.acks)
	}
}

func TestWorkerAcksJunkCommands(t *testing.T) {
	broker := &fakeBroker{}
	w := fastWorker(broker)

	w.handle(context.Background(), driftq.Message{Topic: domain.CommandsTopic, Value: `{"foo": 1}`})

	if broker.acks != 1 {
		t.Fatalf("expected junk command acked, got %d", broker.acks)
	}
	if len(broker.produced) != 0 {
		t.Fatalf("expected no events for junk command, got %v", broker.produced)
	}
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	broker := &fakeBroker{
		streams: map[string]*fakeStream{
			domain.CommandsTopic: {msgs: []driftq.Message{commandMsg(t, "r1", "", 0)}},
		},
	}
	w := fastWorker(broker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for broker.ackCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never processed the command")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
