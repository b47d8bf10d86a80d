// SPDX-License-Identifier: Apache-2.0

// Package orchestrator drives the scripted failure/recovery scenario:
// create a run that is forced to fail, watch it dead-letter, replay it with
// the failure cleared, and wait for success — failing fast if the replay
// dead-letters again.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adiadia/driftq-starter/internal/client"
	"github.com/adiadia/driftq-starter/internal/domain"
	"github.com/adiadia/driftq-starter/internal/observer"
)

type Mode string

const (
	ModeIdle    Mode = "idle"
	ModeRunning Mode = "running"
	ModeDone    Mode = "done"
	ModeError   Mode = "error"
)

// replaySeqAfterFix is the sequence the first replay runs under; a
// dead-letter signal tagged with it means the fix was not effective.
const replaySeqAfterFix = int64(1)

// RunLauncher is the API surface the script needs. *client.Client satisfies it.
type RunLauncher interface {
	CreateRun(ctx context.Context, params client.CreateRunParams) (string, error)
	ReplayRun(ctx context.Context, runID string, opts *client.ReplayOptions) error
}

type Config struct {
	Workflow string
	// FailAt is the step the scripted run is forced to fail at.
	FailAt string

	// Wait budgets. FailureWait must cover several worker retry/backoff
	// cycles; the pacing is a property of the worker environment, so these
	// come from configuration.
	FailureWait    time.Duration
	DeadLetterWait time.Duration
	SuccessWait    time.Duration
	Tick           time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workflow == "" {
		c.Workflow = "demo"
	}
	if c.FailAt == "" {
		c.FailAt = domain.StepToolCall
	}
	if c.FailureWait <= 0 {
		c.FailureWait = 30 * time.Second
	}
	if c.DeadLetterWait <= 0 {
		c.DeadLetterWait = 30 * time.Second
	}
	if c.SuccessWait <= 0 {
		c.SuccessWait = 60 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = 400 * time.Millisecond
	}
	return c
}

// Steps are the scripted milestones. Each is monotonic: once marked done it
// is never unmarked for the lifetime of the script run.
type Steps struct {
	Fail    bool `json:"fail"`
	DLQ     bool `json:"dlq"`
	Replay  bool `json:"replay"`
	Success bool `json:"success"`
}

// Status is a point-in-time snapshot of the script session.
type Status struct {
	Mode         Mode   `json:"mode"`
	RunID        string `json:"run_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Steps        Steps  `json:"steps"`
}

type Orchestrator struct {
	api     RunLauncher
	session *observer.Session
	cfg     Config
	logger  *slog.Logger

	mu        sync.Mutex
	mode      Mode
	scriptGen uint64
	runID     string
	errMsg    string
	steps     Steps
}

func New(api RunLauncher, session *observer.Session, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		api:     api,
		session: session,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		mode:    ModeIdle,
	}
}

// Run executes the scenario once. Re-entry while a script is running is
// rejected; re-running from done or error resets all side state first. When
// the session is reset underneath an in-flight script, the script discards
// its result and reports domain.ErrSessionSuperseded without mutating state.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.mode == ModeRunning && o.session.Matches(o.scriptGen) {
		o.mu.Unlock()
		return domain.ErrScriptAlreadyRunning
	}
	o.mode = ModeRunning
	o.errMsg = ""
	o.runID = ""
	o.steps = Steps{}
	o.mu.Unlock()

	// Fresh event log, cleared dead-letter cache, new generation. Bumping
	// the generation also invalidates any script still in flight.
	gen := o.session.Reset()
	o.mu.Lock()
	o.scriptGen = gen
	o.mu.Unlock()

	err := o.script(ctx, gen)

	if !o.session.Matches(gen) {
		// A reset or a newer script superseded us while we were suspended;
		// whatever we observed no longer describes the current session.
		return domain.ErrSessionSuperseded
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.mode = ModeError
		o.errMsg = userFacingMessage(err)
		o.logger.Error("demo script failed", "run_id", o.runID, "error", err)
		return err
	}
	o.mode = ModeDone
	o.logger.Info("demo script completed", "run_id", o.runID)
	return nil
}

func (o *Orchestrator) script(ctx context.Context, gen uint64) error {
	runID, err := o.api.CreateRun(ctx, client.CreateRunParams{
		Workflow: o.cfg.Workflow,
		FailAt:   o.cfg.FailAt,
	})
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if !o.session.Matches(gen) {
		return domain.ErrSessionSuperseded
	}

	o.mu.Lock()
	o.runID = runID
	o.mu.Unlock()
	o.logger.Info("scripted run created", "run_id", runID, "fail_at", o.cfg.FailAt)

	if _, err := o.session.Subscribe(ctx, runID); err != nil {
		return fmt.Errorf("subscribe to run events: %w", err)
	}

	// Stage 1: the forced failure shows up on the stream.
	err = observer.WaitFor(func() bool {
		return o.session.Progress().Failed
	}, o.cfg.FailureWait, o.cfg.Tick, nil)
	if err != nil {
		return fmt.Errorf("waiting for forced failure: %w", err)
	}
	if !o.markStep(gen, func(s *Steps) { s.Fail = true }) {
		return domain.ErrSessionSuperseded
	}

	// Stage 2: the dead-letter record is reachable. The push signal may have
	// been missed, so the cache state and a direct fetch race; the first to
	// produce a record wins.
	dlq := o.session.DeadLetter()
	err = observer.WaitFor(func() bool {
		if dlq.Cached() != nil {
			return true
		}
		rec, fetchErr := dlq.Fetch(ctx, runID)
		if fetchErr != nil {
			o.logger.Debug("dead-letter poll failed", "run_id", runID, "error", fetchErr)
			return false
		}
		return rec != nil
	}, o.cfg.DeadLetterWait, o.cfg.Tick, nil)
	if err != nil {
		return fmt.Errorf("waiting for dead-letter record: %w", err)
	}
	if !o.markStep(gen, func(s *Steps) { s.DLQ = true }) {
		return domain.ErrSessionSuperseded
	}

	// Stage 3: replay with the failure injection cleared. The local
	// acknowledgement puts the fix on the timeline before the broker's own
	// replay event arrives.
	if err := o.api.ReplayRun(ctx, runID, client.ClearFailure()); err != nil {
		return fmt.Errorf("replay run: %w", err)
	}
	if !o.session.Matches(gen) {
		return domain.ErrSessionSuperseded
	}
	o.session.AppendLocal(domain.Event{
		"ts":         domain.NowMS(),
		"type":       domain.EventReplayFixApplied,
		"run_id":     runID,
		"replay_seq": replaySeqAfterFix,
	})
	if !o.markStep(gen, func(s *Steps) { s.Replay = true }) {
		return domain.ErrSessionSuperseded
	}
	o.logger.Info("replay requested with failure cleared", "run_id", runID)

	// Stage 4: success, aborting immediately if the replayed attempt
	// dead-letters again instead of waiting out the timeout.
	err = observer.WaitFor(func() bool {
		return o.session.Progress().Succeeded
	}, o.cfg.SuccessWait, o.cfg.Tick, func() string {
		if observer.HasDeadLetterForSeq(o.session.Events(), replaySeqAfterFix) {
			return fmt.Sprintf("run %s dead-lettered again on replay_seq %d; the fix was not effective", runID, replaySeqAfterFix)
		}
		return ""
	})
	if err != nil {
		return fmt.Errorf("waiting for success after replay: %w", err)
	}
	if !o.markStep(gen, func(s *Steps) { s.Success = true }) {
		return domain.ErrSessionSuperseded
	}

	return nil
}

// markStep records a milestone unless the session moved on underneath us.
func (o *Orchestrator) markStep(gen uint64, set func(*Steps)) bool {
	if !o.session.Matches(gen) {
		return false
	}
	o.mu.Lock()
	set(&o.steps)
	o.mu.Unlock()
	return true
}

// Status returns a snapshot of the script session.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Mode:         o.mode,
		RunID:        o.runID,
		ErrorMessage: o.errMsg,
		Steps:        o.steps,
	}
}

// userFacingMessage rewords timeout-class failures into an actionable hint;
// fail-fast aborts already carry a descriptive message.
func userFacingMessage(err error) string {
	var timeoutErr *observer.TimeoutError
	if errors.As(err, &timeoutErr) {
		return fmt.Sprintf("%s — is the worker/API running?", err)
	}
	return err.Error()
}
