// SPDX-License-Identifier: Apache-2.0

package observer

import "github.com/adiadia/driftq-starter/internal/domain"

// The broker, the worker and the UI each name the dead-letter signal slightly
// differently; the projector treats them as one signal.
var deadLetterSignals = map[string]bool{
	domain.EventRunDeadLettered:     true,
	domain.DeadLetterRecordType:     true,
	domain.EventDeadLetterAvailable: true,
}

var failureSignals = map[string]bool{
	domain.EventAttemptFailed: true,
	domain.EventRunFailed:     true,
}

var replaySignals = map[string]bool{
	domain.EventReplayRequested:  true,
	domain.EventReplayFixApplied: true,
}

// IsDeadLetterSignal reports whether the event type announces a dead-letter
// record, under any of its equivalent names.
func IsDeadLetterSignal(eventType string) bool {
	return deadLetterSignals[eventType]
}

// Project reduces an event log to its progress flags. Each flag is an OR over
// the whole log, so projecting the same log twice is idempotent and appending
// events never flips a flag back to false.
func Project(events []domain.Event) domain.Progress {
	var p domain.Progress
	for _, e := range events {
		t := e.Type()
		if failureSignals[t] || deadLetterSignals[t] {
			p.Failed = true
		}
		if deadLetterSignals[t] {
			p.DeadLettered = true
		}
		if replaySignals[t] {
			p.Replayed = true
		}
		if t == domain.EventRunSucceeded {
			p.Succeeded = true
		}
	}
	return p
}

// HasDeadLetterForSeq reports whether the log contains a dead-letter signal
// tagged with exactly the given replay sequence. The orchestrator uses it as
// the fail-fast guard after a replay: a dead letter at the post-replay
// sequence means the fix was not effective.
func HasDeadLetterForSeq(events []domain.Event, seq int64) bool {
	for _, e := range events {
		if !deadLetterSignals[e.Type()] {
			continue
		}
		if got, ok := e.ReplaySeq(); ok && got == seq {
			return true
		}
	}
	return false
}
