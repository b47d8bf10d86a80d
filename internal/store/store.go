// SPDX-License-Identifier: Apache-2.0

// Package store holds the API service's in-memory run registry and its
// server-side dead-letter cache. Durable state lives in the broker; this is
// demo bookkeeping only.
package store

import (
	"sync"

	"github.com/adiadia/driftq-starter/internal/domain"
)

type RunStore struct {
	mu   sync.RWMutex
	runs map[string]domain.Run
}

func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]domain.Run, 16)}
}

func (s *RunStore) Put(run domain.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = run
}

func (s *RunStore) Get(runID string) (domain.Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	return run, ok
}

// BumpReplaySeq increments the run's replay sequence and returns the updated
// record. Every replay of the same run gets a fresh sequence so the worker's
// attempt counters and dead-letter records stay distinguishable.
func (s *RunStore) BumpReplaySeq(runID string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return domain.Run{}, domain.ErrRunNotFound
	}

	run.ReplaySeq++
	s.runs[runID] = run
	return run, nil
}

// SetFailAt overwrites the run's forced-failure step. An empty value clears
// the injection so the next command succeeds.
func (s *RunStore) SetFailAt(runID, failAt string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return domain.Run{}, domain.ErrRunNotFound
	}

	run.FailAt = failAt
	s.runs[runID] = run
	return run, nil
}

// DeadLetterCache keeps the latest dead-letter record per run, populated by
// the background indexer that drains the global dead-letter topic.
type DeadLetterCache struct {
	mu      sync.RWMutex
	records map[string]domain.DeadLetterRecord
}

func NewDeadLetterCache() *DeadLetterCache {
	return &DeadLetterCache{records: make(map[string]domain.DeadLetterRecord, 16)}
}

func (c *DeadLetterCache) Put(rec domain.DeadLetterRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.RunID] = rec
}

func (c *DeadLetterCache) Get(runID string) (domain.DeadLetterRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[runID]
	return rec, ok
}

func (c *DeadLetterCache) Clear(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, runID)
}
