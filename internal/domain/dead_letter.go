// SPDX-License-Identifier: Apache-2.0

package domain

// DeadLetterRecord is published to the global dead-letter topic after a run
// exhausts its retries. Command keeps the original command payload so a
// replay can re-publish the same logical work.
type DeadLetterRecord struct {
	TS          int64          `json:"ts"`
	Type        string         `json:"type"`
	RunID       string         `json:"run_id"`
	Workflow    string         `json:"workflow"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	ReplaySeq   int64          `json:"replay_seq"`
	Reason      string         `json:"reason"`
	Error       string         `json:"error"`
	Command     map[string]any `json:"command"`
}
