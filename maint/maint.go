// maint/maint.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package maint keeps a repository's block graph correct over time. The
// Validator checks that every file can be reconstructed and drives the
// Refresher to repair or migrate block storage; the Backfiller fills in
// metadata that older records lack; the Trimmer applies retention
// policies and reclaims space from unreferenced blocks.
//
// Each pass runs its catalog iteration on the calling goroutine and
// hands per-block work to a bounded pool. Cancelling the context stops a
// pass at the next record boundary: outstanding work drains, queued
// updates are written, and ErrCancelled is returned.
package maint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmp/bkstore/crypt"
	"github.com/mmp/bkstore/rdso"
	"github.com/mmp/bkstore/repo"
	"github.com/mmp/bkstore/retention"
	"github.com/mmp/bkstore/storage"
	u "github.com/mmp/bkstore/util"
)

// ErrCancelled is returned by a pass that stopped because its context
// was cancelled. Work committed before then stays committed.
var ErrCancelled = fmt.Errorf("maintenance cancelled: %w", context.Canceled)

// Env is everything a maintenance pass needs. It's built once per run
// and shared by the passes of that run.
type Env struct {
	Repo         repo.Repository
	Destinations map[string]storage.Destination
	Encryption   *crypt.Registry
	Erasure      *rdso.Registry
	Log          *u.Logger
	Metrics      *Metrics

	// Number of blocks processed concurrently.
	Concurrency int
	// Upper bound on the plaintext size of a leaf block.
	MaximumBlockSize int64

	// Returns the current time; time.Now if nil.
	Clock func() time.Time
}

func (e *Env) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

// BackupSet is a group of directory trees backed up together and
// trimmed under a single retention policy.
type BackupSet struct {
	ID     string
	Roots  []string
	Policy retention.Policy
}

// owner returns the set whose root is the longest prefix of path.
func owner(sets []BackupSet, path string) *BackupSet {
	var best *BackupSet
	bestLen := -1
	for i := range sets {
		for _, root := range sets[i].Roots {
			root = repo.DirPath(root)
			if (strings.HasPrefix(path, root) || path+"/" == root) && len(root) > bestLen {
				best, bestLen = &sets[i], len(root)
			}
		}
	}
	return best
}

func cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}

// Status summarizes how a pass ended, for the final line of output.
func Status(err error, refreshed int64) string {
	switch {
	case err == nil && refreshed > 0:
		return fmt.Sprintf("completed; refreshed %d blocks", refreshed)
	case err == nil:
		return "completed"
	case errors.Is(err, ErrCancelled):
		if refreshed > 0 {
			return fmt.Sprintf("cancelled; refreshed %d blocks", refreshed)
		}
		return "cancelled"
	default:
		return "failed: " + err.Error()
	}
}
