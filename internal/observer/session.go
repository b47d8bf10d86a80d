// SPDX-License-Identifier: Apache-2.0

package observer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/adiadia/driftq-starter/internal/domain"
)

// Session owns the per-run state: the event log, the derived progress, the
// dead-letter cache and the single live subscription. A generation counter
// guards against stale asynchronous work: any caller that waited across a
// suspension point must check its generation before acting on the result.
//
// Mutation rights are deliberately narrow: the stream consumer appends
// delivered events, the dead-letter cache mutates itself on fetch, and
// AppendLocal exists for the orchestrator's synthetic replay acknowledgement.
// Nothing else writes session state.
type Session struct {
	consumer *Consumer
	cache    *DeadLetterCache
	logger   *slog.Logger

	mu         sync.Mutex
	generation uint64
	runID      string
	log        *EventLog
	sub        *Subscription
}

func NewSession(opener StreamOpener, fetcher DeadLetterFetcher, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		consumer: NewConsumer(opener, logger),
		cache:    NewDeadLetterCache(fetcher, logger),
		logger:   logger,
		log:      NewEventLog(),
	}
}

// Subscribe binds the session to a run and opens its live event stream. Any
// previous subscription is closed and the event log is replaced wholesale.
func (s *Session) Subscribe(ctx context.Context, runID string) (*Subscription, error) {
	s.mu.Lock()
	s.runID = runID
	s.log = NewEventLog()
	log := s.log
	s.mu.Unlock()

	s.cache.Reset()

	sub, err := s.consumer.Subscribe(ctx, runID, log, s.cache)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return sub, nil
}

// Reset tears down the subscription, bumps the generation and replaces all
// per-run state. In-flight waits bound to an older generation must discard
// their results.
func (s *Session) Reset() uint64 {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.runID = ""
	s.log = NewEventLog()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	sub.Close()
	s.consumer.Close()
	s.cache.Reset()
	return gen
}

// Generation returns the current re-entrancy token.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Matches reports whether the given generation is still current.
func (s *Session) Matches(gen uint64) bool {
	return s.Generation() == gen
}

func (s *Session) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Events returns a snapshot of the current event log.
func (s *Session) Events() []domain.Event {
	s.mu.Lock()
	log := s.log
	s.mu.Unlock()
	return log.Snapshot()
}

// Progress projects the current event log. Safe to call after every append;
// flags never regress for the lifetime of the log.
func (s *Session) Progress() domain.Progress {
	return Project(s.Events())
}

// DeadLetter exposes the session's dead-letter cache.
func (s *Session) DeadLetter() *DeadLetterCache {
	return s.cache
}

// AppendLocal records a client-side event (e.g. the optimistic replay
// acknowledgement) on the timeline without a broker round trip.
func (s *Session) AppendLocal(e domain.Event) {
	s.mu.Lock()
	log := s.log
	s.mu.Unlock()
	log.Append(e)
}
