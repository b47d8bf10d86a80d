// SPDX-License-Identifier: Apache-2.0

// Package observer derives consistent, non-regressing progress state for one
// workflow run from its live event stream, and caches the run's dead-letter
// record. It is the client-side counterpart of the API service.
package observer

import (
	"context"
	"io"

	"github.com/adiadia/driftq-starter/internal/domain"
)

// StreamOpener opens the raw SSE body for a run's event stream. The clientID
// gives this observer its own consumer identity so simultaneous observers of
// the same run do not steal each other's deliveries.
type StreamOpener interface {
	OpenEvents(ctx context.Context, runID, clientID string) (io.ReadCloser, error)
}

// DeadLetterFetcher retrieves the current dead-letter record for a run.
// A missing record is reported as ok=false, not as an error.
type DeadLetterFetcher interface {
	FetchDeadLetter(ctx context.Context, runID string) (domain.DeadLetterRecord, bool, error)
}
