// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"
	"testing"

	"github.com/adiadia/driftq-starter/internal/domain"
)

func TestRunStorePutGet(t *testing.T) {
	s := NewRunStore()

	if _, ok := s.Get("missing"); ok {
		t.Fatal("expected miss for unknown run")
	}

	s.Put(domain.Run{RunID: "r1", Workflow: "demo", FailAt: "tool_call"})

	run, ok := s.Get("r1")
	if !ok {
		t.Fatal("expected run to be stored")
	}
	if run.FailAt != "tool_call" {
		t.Fatalf("expected fail_at preserved, got %q", run.FailAt)
	}
}

func TestBumpReplaySeq(t *testing.T) {
	s := NewRunStore()
	s.Put(domain.Run{RunID: "r1", Workflow: "demo"})

	run, err := s.BumpReplaySeq("r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.ReplaySeq != 1 {
		t.Fatalf("expected replay_seq 1, got %d", run.ReplaySeq)
	}

	run, err = s.BumpReplaySeq("r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.ReplaySeq != 2 {
		t.Fatalf("expected replay_seq 2, got %d", run.ReplaySeq)
	}

	if _, err := s.BumpReplaySeq("missing"); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestSetFailAt(t *testing.T) {
	s := NewRunStore()
	s.Put(domain.Run{RunID: "r1", FailAt: "transform"})

	run, err := s.SetFailAt("r1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.FailAt != "" {
		t.Fatalf("expected fail_at cleared, got %q", run.FailAt)
	}

	if _, err := s.SetFailAt("missing", "x"); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestDeadLetterCacheOverwrites(t *testing.T) {
	c := NewDeadLetterCache()

	if _, ok := c.Get("r1"); ok {
		t.Fatal("expected empty cache")
	}

	c.Put(domain.DeadLetterRecord{RunID: "r1", ReplaySeq: 0, Reason: "max_attempts"})
	c.Put(domain.DeadLetterRecord{RunID: "r1", ReplaySeq: 1, Reason: "max_attempts"})

	rec, ok := c.Get("r1")
	if !ok {
		t.Fatal("expected cached record")
	}
	if rec.ReplaySeq != 1 {
		t.Fatalf("expected latest record to win, got seq %d", rec.ReplaySeq)
	}

	c.Clear("r1")
	if _, ok := c.Get("r1"); ok {
		t.Fatal("expected record cleared")
	}
}
