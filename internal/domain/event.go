// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"
)

// Event types emitted by the API service and the demo worker. The stream
// consumer treats unknown types as opaque timeline entries.
const (
	EventRunCreated      = "run.created"
	EventRunStarted      = "run.started"
	EventWorkerReceived  = "worker.received"
	EventStepStarted     = "step.started"
	EventStepCompleted   = "step.completed"
	EventAttemptFailed   = "run.attempt_failed"
	EventRetryScheduled  = "run.retry_scheduled"
	EventRunDeadLettered = "run.dlq"
	EventRunFailed       = "run.failed"
	EventRunSucceeded    = "run.succeeded"
	EventReplayRequested = "run.replay_requested"

	// EventStreamConnected is the first frame on every SSE connection.
	EventStreamConnected = "sse.connected"
	// EventDeadLetterAvailable is replayed on connect when the API already
	// holds a dead-letter record for the run.
	EventDeadLetterAvailable = "dlq.available"
	// EventReplayFixApplied is appended locally by the orchestrator when it
	// issues a replay, before the broker's own acknowledgement arrives.
	EventReplayFixApplied = "replay.fix_applied"

	// DeadLetterRecordType is the type field on records published to the
	// global dead-letter topic.
	DeadLetterRecordType = "runs.dlq"
)

// Event is one record observed for a run. Payloads are opaque beyond a few
// well-known fields, so the whole object is kept as delivered.
type Event map[string]any

// ParseEvent decodes a stream payload. The second return is false when the
// payload is not a JSON object; such payloads are dropped by the consumer.
func ParseEvent(data []byte) (Event, bool) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return nil, false
	}
	return Event(raw), true
}

// Type returns the event's type field, or "" when absent or not a string.
func (e Event) Type() string {
	t, _ := e["type"].(string)
	return t
}

// RunID returns the event's run_id field, or "" when absent.
func (e Event) RunID() string {
	id, _ := e["run_id"].(string)
	return id
}

// ReplaySeq returns the replay sequence the event is tagged with. The second
// return is false when the event carries no replay_seq field.
func (e Event) ReplaySeq() (int64, bool) {
	v, ok := e["replay_seq"]
	if !ok {
		return 0, false
	}
	return asInt64(v)
}

// Timestamp returns the event's ts field in unix milliseconds, or 0.
func (e Event) Timestamp() int64 {
	n, _ := asInt64(e["ts"])
	return n
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// NowMS is the timestamp format used on every published event.
func NowMS() int64 {
	return time.Now().UnixMilli()
}
