// SPDX-License-Identifier: Apache-2.0

package domain

// Progress holds the monotonic flags derived from a run's event log. Once a
// flag is true it stays true for the lifetime of the log it was derived from.
type Progress struct {
	Failed       bool `json:"failed"`
	DeadLettered bool `json:"dead_lettered"`
	Replayed     bool `json:"replayed"`
	Succeeded    bool `json:"succeeded"`
}
