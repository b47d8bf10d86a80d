// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrRunNotFound = errors.New("run not found")
var ErrNoDeadLetter = errors.New("no dead-letter record for run")
var ErrScriptAlreadyRunning = errors.New("demo script already running")
var ErrSessionSuperseded = errors.New("run session superseded")
