// SPDX-License-Identifier: Apache-2.0

package observer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/adiadia/driftq-starter/internal/domain"
)

// DeadLetterCache holds at most one current dead-letter record per run
// session. Fetching always performs a live call and overwrites the cache;
// the event log only ever carries the signal that a record exists, never the
// record itself.
type DeadLetterCache struct {
	fetcher DeadLetterFetcher
	logger  *slog.Logger

	mu          sync.Mutex
	record      *domain.DeadLetterRecord
	status      string
	autoFetched bool
}

func NewDeadLetterCache(fetcher DeadLetterFetcher, logger *slog.Logger) *DeadLetterCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterCache{fetcher: fetcher, logger: logger}
}

// Fetch performs a live dead-letter lookup. A missing record clears the cache
// and records an informational status instead of failing; transport failures
// are returned and leave the cached record untouched.
func (c *DeadLetterCache) Fetch(ctx context.Context, runID string) (*domain.DeadLetterRecord, error) {
	rec, ok, err := c.fetcher.FetchDeadLetter(ctx, runID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !ok {
		c.record = nil
		c.status = "no dead-letter record for this run yet"
		return nil, nil
	}

	copied := rec
	c.record = &copied
	c.status = "dead-letter record loaded"
	return &copied, nil
}

// AutoFetchOnce runs the automatic fetch triggered by the first dead-letter
// signal of a subscription. Later signals in the same subscription are
// ignored; manual Fetch stays available. Failures are logged and dropped so
// a flaky endpoint never breaks stream consumption.
func (c *DeadLetterCache) AutoFetchOnce(ctx context.Context, runID string) {
	c.mu.Lock()
	if c.autoFetched {
		c.mu.Unlock()
		return
	}
	c.autoFetched = true
	c.mu.Unlock()

	if _, err := c.Fetch(ctx, runID); err != nil {
		c.logger.Warn("automatic dead-letter fetch failed", "run_id", runID, "error", err)
	}
}

// Cached returns the current record without touching the network.
func (c *DeadLetterCache) Cached() *domain.DeadLetterRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record == nil {
		return nil
	}
	copied := *c.record
	return &copied
}

// Status returns the human-readable outcome of the last fetch.
func (c *DeadLetterCache) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Reset clears the record, the status, and the auto-fetch marker. Called when
// the run session resets or a new run starts.
func (c *DeadLetterCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record = nil
	c.status = ""
	c.autoFetched = false
}
