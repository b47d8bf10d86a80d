// SPDX-License-Identifier: Apache-2.0

package observer

import (
	"fmt"
	"time"
)

// TimeoutError reports that a bounded wait elapsed without the condition
// becoming true. Distinguishable from an AbortError so callers can reword
// "nothing happened in time" separately from a detected terminal state.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("condition not met within %s", e.Timeout)
}

// AbortError reports a fail-fast abort with the guard's message.
type AbortError struct {
	Message string
}

func (e *AbortError) Error() string {
	return e.Message
}

// WaitFor polls cond every tick until it returns true, the timeout elapses,
// or failFast returns a non-empty message. The fail-fast guard runs before
// every condition evaluation, including the first, so a pre-existing terminal
// state aborts without waiting a full tick. cond may block (e.g. perform a
// network call); the tick paces evaluations, it does not preempt them.
//
// WaitFor has no intrinsic cancellation. Callers that may be superseded must
// validate a generation token after it returns and discard stale results.
func WaitFor(cond func() bool, timeout, tick time.Duration, failFast func() string) error {
	deadline := time.Now().Add(timeout)

	for {
		if failFast != nil {
			if msg := failFast(); msg != "" {
				return &AbortError{Message: msg}
			}
		}

		if cond() {
			return nil
		}

		if !time.Now().Before(deadline) {
			return &TimeoutError{Timeout: timeout}
		}

		time.Sleep(tick)
	}
}
