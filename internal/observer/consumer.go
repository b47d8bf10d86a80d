// SPDX-License-Identifier: Apache-2.0

package observer

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/adiadia/driftq-starter/internal/domain"
	"github.com/google/uuid"
)

type SubscriptionStatus string

const (
	SubscriptionLive   SubscriptionStatus = "live"
	SubscriptionClosed SubscriptionStatus = "closed"
	SubscriptionError  SubscriptionStatus = "error"
)

// Consumer manages at most one live event-stream subscription. Opening a new
// subscription closes the previous one first, so no subscription is ever
// orphaned.
type Consumer struct {
	opener StreamOpener
	logger *slog.Logger

	mu      sync.Mutex
	current *Subscription
}

func NewConsumer(opener StreamOpener, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{opener: opener, logger: logger}
}

// Subscribe opens a live subscription for the run and feeds every parseable
// event into sink, in arrival order. The first dead-letter signal triggers
// cache's one-shot automatic fetch. Appending to sink is the only side effect
// of message receipt.
func (c *Consumer) Subscribe(ctx context.Context, runID string, sink *EventLog, cache *DeadLetterCache) (*Subscription, error) {
	c.mu.Lock()
	prev := c.current
	c.current = nil
	c.mu.Unlock()
	prev.Close()

	clientID := uuid.NewString()

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	body, err := c.opener.OpenEvents(streamCtx, runID, clientID)
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &Subscription{
		runID:    runID,
		clientID: clientID,
		cancel:   cancel,
		body:     body,
		status:   SubscriptionLive,
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.current = sub
	c.mu.Unlock()

	go c.readLoop(sub, sink, cache)
	return sub, nil
}

// Close shuts the current subscription, if any.
func (c *Consumer) Close() {
	c.mu.Lock()
	sub := c.current
	c.current = nil
	c.mu.Unlock()
	sub.Close()
}

func (c *Consumer) readLoop(sub *Subscription, sink *EventLog, cache *DeadLetterCache) {
	defer close(sub.done)

	scanner := bufio.NewScanner(sub.body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// SSE framing: only data lines carry payloads; event names,
		// keep-alive comments and blank separators are skipped.
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}

		event, ok := domain.ParseEvent([]byte(strings.TrimSpace(payload)))
		if !ok {
			// Malformed payloads are dropped, never surfaced.
			continue
		}

		sink.Append(event)

		if cache != nil && IsDeadLetterSignal(event.Type()) {
			cache.AutoFetchOnce(context.Background(), sub.runID)
		}
	}

	err := scanner.Err()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		sub.status = SubscriptionClosed
		return
	}

	// The transport dropped us. The event log is kept as-is and nothing
	// resubscribes automatically; the caller decides whether to retry.
	sub.status = SubscriptionError
	sub.err = err
	if err != nil {
		c.logger.Warn("event stream dropped", "run_id", sub.runID, "error", err)
	} else {
		c.logger.Warn("event stream ended unexpectedly", "run_id", sub.runID)
	}
}

// Subscription is the handle for one live event stream.
type Subscription struct {
	runID    string
	clientID string
	cancel   context.CancelFunc
	body     io.ReadCloser
	done     chan struct{}

	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
	status SubscriptionStatus
	err    error
}

// Close tears the subscription down. Safe to call repeatedly and safe on a
// nil handle that never connected.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.cancel != nil {
			s.cancel()
		}
		if s.body != nil {
			_ = s.body.Close()
		}
	})
}

// Status reports whether the stream is live, closed by the caller, or
// errored at the transport.
func (s *Subscription) Status() SubscriptionStatus {
	if s == nil {
		return SubscriptionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the transport error, if the subscription errored.
func (s *Subscription) Err() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the read loop has finished.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// ClientID is this subscription's consumer identity on the stream endpoint.
func (s *Subscription) ClientID() string {
	return s.clientID
}
