// SPDX-License-Identifier: Apache-2.0

package observer

import (
	"sync"

	"github.com/adiadia/driftq-starter/internal/domain"
)

// EventLog is the append-only record of every event observed for one run.
// Events keep their arrival order; duplicates are legal and simply appear
// twice. A reset replaces the whole log, it never merges.
type EventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func NewEventLog() *EventLog {
	return &EventLog{}
}

func (l *EventLog) Append(e domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

// Snapshot returns a copy of the log in arrival order.
func (l *EventLog) Snapshot() []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
