// maint/refresher.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package maint

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/mmp/bkstore/repo"
	"github.com/mmp/bkstore/sched"
	u "github.com/mmp/bkstore/util"
)

// RefreshStats counts what a Refresher did.
type RefreshStats struct {
	BlocksChecked    int64
	BlocksRefreshed  int64
	RecordsRefreshed int64
	BlocksDeleted    int64
	SkippedForBudget int64
	BytesUploaded    int64
}

// RefresherOptions control a Refresher.
type RefresherOptions struct {
	// Check that every part of every storage record of each submitted
	// block exists, refreshing records that are missing parts.
	CheckExists bool
	// Stop refreshing once this many bytes have been re-uploaded; zero
	// means no limit.
	MaxRefreshBytes int64
}

// Refresher repairs the storage of individual blocks: it re-uploads
// records that are missing parts or are about to age out of their
// destination, and deletes blocks that can no longer be reconstructed.
// Each block hash is processed at most once over a Refresher's lifetime.
//
// Work runs on a bounded pool. Replacement records are queued and
// written to the repository by Flush, which only the driving goroutine
// calls.
type Refresher struct {
	env  *Env
	opts RefresherOptions
	log  *u.Logger
	pool *sched.Scheduler

	claimMu sync.Mutex
	claimed repo.TempMap

	mu        sync.Mutex
	updates   []storageUpdate
	deletions []repo.Hash
	// Blocks removed from the repository by Flush.
	deleted []repo.Hash

	uploaded atomic.Int64
	stats    struct {
		checked, refreshed, records, deleted, skipped atomic.Int64
	}
}

// NewRefresher returns a Refresher running on its own pool of
// env.Concurrency workers. Close releases its scratch state.
func NewRefresher(env *Env, opts RefresherOptions) (*Refresher, error) {
	claimed, err := env.Repo.TempMap("refresh-claims")
	if err != nil {
		return nil, err
	}
	log := env.Log.With("refresh")
	return &Refresher{
		env:     env,
		opts:    opts,
		log:     log,
		pool:    sched.New(env.Concurrency, log),
		claimed: claimed,
	}, nil
}

// Claim marks h as taken and reports whether this call was the first to
// do so.
func (r *Refresher) Claim(h repo.Hash) bool {
	r.claimMu.Lock()
	defer r.claimMu.Unlock()
	if _, ok, err := r.claimed.Get(h[:]); err != nil {
		r.log.Error("%s: claim lookup: %s", h.Short(), err)
		return false
	} else if ok {
		return false
	}
	if err := r.claimed.Put(h[:], []byte{1}); err != nil {
		r.log.Error("%s: claim: %s", h.Short(), err)
		return false
	}
	return true
}

// Submit schedules b for repair. Records in stale are re-uploaded even
// if all of their parts are present. It returns false, doing nothing, if
// b was already submitted.
func (r *Refresher) Submit(ctx context.Context, b repo.Block, stale []repo.Storage) bool {
	if !r.Claim(b.Hash) {
		return false
	}
	b = b.Clone()
	r.pool.Schedule(func() { r.repair(ctx, b, stale) })
	return true
}

// Flush writes queued storage replacements and block deletions to the
// repository. Replaced parts are deleted from their destinations once
// the new record has been written.
func (r *Refresher) Flush(ctx context.Context) {
	// Parts deleted here belong to writes that have already been
	// committed, so the deletions finish even after cancellation.
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	updates, deletions := r.updates, r.deletions
	r.updates, r.deletions = nil, nil
	r.mu.Unlock()

	byHash := make(map[repo.Hash][]storageUpdate)
	var order []repo.Hash
	for _, up := range updates {
		if _, ok := byHash[up.hash]; !ok {
			order = append(order, up.hash)
		}
		byHash[up.hash] = append(byHash[up.hash], up)
	}
	for _, h := range order {
		r.applyUpdates(ctx, h, byHash[h])
	}

	for _, h := range deletions {
		if err := r.env.Repo.DeleteBlock(h); err != nil && !errors.Is(err, repo.ErrNotFound) {
			r.log.Error("%s: delete block: %s", h.Short(), err)
			continue
		}
		r.deleted = append(r.deleted, h)
		r.env.Metrics.blockDeleted("irreparable")
	}
}

// Queued returns the number of replacements and deletions waiting for
// Flush.
func (r *Refresher) Queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates) + len(r.deletions)
}

// Deleted returns the hashes of the blocks that Flush has removed from
// the repository.
func (r *Refresher) Deleted() []repo.Hash {
	return slices.Clone(r.deleted)
}

func (r *Refresher) applyUpdates(ctx context.Context, h repo.Hash, ups []storageUpdate) {
	applied, rejected, err := r.env.swapStorage(h, ups)
	if err != nil {
		r.log.Error("%s: writing refreshed block: %s", h.Short(), err)
	}
	for _, up := range rejected {
		r.env.deleteParts(ctx, up.new)
	}
	for _, up := range applied {
		r.env.deleteParts(ctx, up.old)
	}
}

// WaitForCompletion waits for all submitted blocks to be processed and
// then flushes.
func (r *Refresher) WaitForCompletion(ctx context.Context) {
	r.pool.Wait()
	r.Flush(ctx)
}

// Stats returns what the Refresher has done so far.
func (r *Refresher) Stats() RefreshStats {
	return RefreshStats{
		BlocksChecked:    r.stats.checked.Load(),
		BlocksRefreshed:  r.stats.refreshed.Load(),
		RecordsRefreshed: r.stats.records.Load(),
		BlocksDeleted:    r.stats.deleted.Load(),
		SkippedForBudget: r.stats.skipped.Load(),
		BytesUploaded:    r.uploaded.Load(),
	}
}

// Close discards the Refresher's scratch state. Submitted work must
// have completed.
func (r *Refresher) Close() error {
	return r.claimed.Close()
}

///////////////////////////////////////////////////////////////////////////

// recordState classifies a storage record after an existence check.
type recordState int

const (
	recordPresent recordState = iota
	recordReconstructable
	recordUnusable
)

func (s recordState) String() string {
	return [...]string{"present", "reconstructable", "unusable"}[s]
}

// checkRecord counts the parts of s that exist at its destination.
// Parts whose existence can't be determined count as missing, but
// uncertain is set if that made the difference to s being usable.
func (r *Refresher) checkRecord(ctx context.Context, h repo.Hash, s repo.Storage) (state recordState, uncertain bool) {
	dest, ok := r.env.Destinations[s.Destination]
	if !ok {
		r.log.Warning("%s: %s: destination not configured", h.Short(), s.Destination)
		return recordUnusable, true
	}
	scheme, err := r.env.Erasure.Get(s.ErasureCoding)
	if err != nil {
		return recordUnusable, false
	}

	present, unknown := 0, 0
	for _, key := range s.Parts {
		if key == "" {
			continue
		}
		ok, err := dest.Exists(ctx, key)
		if err != nil {
			r.log.Warning("%s: %s: %s", dest, key, err)
			unknown++
		} else if ok {
			present++
		}
	}
	min := scheme.MinimumSufficientParts(s)
	switch {
	case present == scheme.TotalParts(s) && present == len(s.Parts):
		return recordPresent, false
	case present >= min:
		return recordReconstructable, false
	default:
		return recordUnusable, present+unknown >= min
	}
}

func (r *Refresher) repair(ctx context.Context, b repo.Block, stale []repo.Storage) {
	r.stats.checked.Add(1)
	r.env.Metrics.add(blocksChecked, 1)
	if cancelled(ctx) {
		return
	}

	isStale := func(s repo.Storage) bool {
		for _, st := range stale {
			if st.SameRecord(s) {
				return true
			}
		}
		return false
	}

	// Sources are tried in order: intact records first, then ones
	// missing parts that can still be reconstructed.
	var sources, targets []repo.Storage
	var degraded []repo.Storage
	uncertain := false
	for _, s := range b.Storage {
		state := recordPresent
		if r.opts.CheckExists {
			var unsure bool
			state, unsure = r.checkRecord(ctx, b.Hash, s)
			if cancelled(ctx) {
				return
			}
			uncertain = uncertain || unsure
		}
		if state != recordPresent || isStale(s) {
			targets = append(targets, s)
		}
		switch state {
		case recordPresent:
			sources = append(sources, s)
		case recordReconstructable:
			r.log.Verbose("%s: %s: some parts missing but reconstructable", b.Hash.Short(),
				s.Destination)
			degraded = append(degraded, s)
		default:
			r.log.Warning("%s: %s: too few parts to reconstruct", b.Hash.Short(), s.Destination)
		}
	}
	sources = append(sources, degraded...)

	if len(sources) == 0 {
		if uncertain {
			r.log.Error("%s: no storage record known to be usable; leaving it for now",
				b.Hash.Short())
		} else {
			r.irreparable(ctx, b)
		}
		return
	}
	if len(targets) == 0 {
		return
	}
	if max := r.opts.MaxRefreshBytes; max > 0 && r.uploaded.Load() >= max {
		r.stats.skipped.Add(1)
		r.log.Verbose("%s: refresh skipped: %s re-upload budget used", b.Hash.Short(),
			u.FmtBytes(max))
		return
	}

	plain, lost, err := r.download(ctx, b.Hash, sources)
	if err != nil {
		if lost && !uncertain {
			// Every usable record was tried and none of them decode.
			r.irreparable(ctx, b)
		} else {
			r.log.Error("%s: unable to download for refresh: %s", b.Hash.Short(), err)
		}
		return
	}

	avoid := make(map[string]map[string]bool)
	refreshed := 0
	for _, t := range targets {
		if cancelled(ctx) {
			break
		}
		if avoid[t.Destination] == nil {
			avoid[t.Destination] = make(map[string]bool)
			for _, s := range b.Storage {
				if s.Destination == t.Destination {
					for _, key := range s.Parts {
						avoid[t.Destination][key] = true
					}
				}
			}
		}
		ns, n, err := r.env.writeStorage(ctx, b.Hash, t, plain, avoid[t.Destination])
		if err != nil {
			r.log.Error("%s: %s: refresh failed: %s", b.Hash.Short(), t.Destination, err)
			continue
		}
		r.uploaded.Add(n)
		r.env.Metrics.add(bytesUploaded, n)
		r.stats.records.Add(1)
		refreshed++

		r.mu.Lock()
		r.updates = append(r.updates, storageUpdate{hash: b.Hash, old: t, new: ns})
		r.mu.Unlock()
	}
	if refreshed > 0 {
		r.stats.refreshed.Add(1)
		r.env.Metrics.add(blocksRefreshed, 1)
		r.log.Verbose("%s: refreshed %d storage records", b.Hash.Short(), refreshed)
	}
}

// download tries each source once. If it fails, lost reports whether
// every failure was one that retrying can't fix.
func (r *Refresher) download(ctx context.Context, h repo.Hash, sources []repo.Storage) ([]byte, bool, error) {
	lost := true
	var errs []error
	for _, s := range sources {
		plain, err := r.env.readStorage(ctx, h, s)
		if err == nil {
			return plain, false, nil
		}
		r.log.Warning("%s: %s: %s", h.Short(), s.Destination, err)
		if !errors.Is(err, errDataLost) {
			lost = false
		}
		errs = append(errs, err)
	}
	return nil, lost, fmt.Errorf("%d records tried: %w", len(sources), errors.Join(errs...))
}

// irreparable queues b for deletion and removes whatever parts of it
// remain.
func (r *Refresher) irreparable(ctx context.Context, b repo.Block) {
	r.log.Error("%s: block is irreparable; deleting it", b.Hash)
	for _, s := range b.Storage {
		r.env.deleteParts(context.WithoutCancel(ctx), s)
	}
	r.stats.deleted.Add(1)

	r.mu.Lock()
	r.deletions = append(r.deletions, b.Hash)
	r.mu.Unlock()
}
