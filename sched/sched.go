// sched/sched.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package sched provides a small bounded worker pool with a completion
// barrier. Units of work may themselves schedule follow-up units; Wait
// covers those too as long as they're scheduled before the parent unit
// returns.
package sched

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	u "github.com/mmp/bkstore/util"
	"golang.org/x/sync/semaphore"
)

// Scheduler runs submitted functions on at most a fixed number of
// goroutines at once.
type Scheduler struct {
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	pending atomic.Int64
	log     *u.Logger
}

// New returns a Scheduler that runs at most n units concurrently. Values
// of n less than one are treated as one.
func New(n int, log *u.Logger) *Scheduler {
	if n < 1 {
		n = 1
	}
	return &Scheduler{sem: semaphore.NewWeighted(int64(n)), log: log}
}

// Schedule queues f for execution. It never blocks on the pool being
// busy, so it's safe to call from within a running unit.
func (s *Scheduler) Schedule(f func()) {
	s.wg.Add(1)
	s.pending.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.pending.Add(-1)

		// Background context: once scheduled, a unit always runs; units
		// are responsible for noticing shutdown themselves.
		if err := s.sem.Acquire(context.Background(), 1); err != nil {
			s.log.Error("scheduler: %s", err)
			return
		}
		defer s.sem.Release(1)

		defer func() {
			if r := recover(); r != nil {
				s.log.Error("scheduled task panicked: %v\n%s", r, debug.Stack())
			}
		}()
		f()
	}()
}

// Wait blocks until every scheduled unit, including ones scheduled by
// other units, has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Pending returns the number of units that have been scheduled but have
// not yet finished.
func (s *Scheduler) Pending() int {
	return int(s.pending.Load())
}
