// maint/backfill.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package maint

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmp/bkstore/repo"
	"github.com/mmp/bkstore/sched"
	u "github.com/mmp/bkstore/util"
)

// BackfillOptions control a Backfiller run.
type BackfillOptions struct {
	// Most files waiting on block sizes before the queue is drained.
	RetryQueueSize int
}

// BackfillStats counts what a Backfiller run did.
type BackfillStats struct {
	SizesInferred         int64
	BlocksDownloaded      int64
	DownloadsFailed       int64
	FilesBackfilled       int64
	FilesUnresolved       int64
	SuperblocksBackfilled int64
	StorageBackfilled     int64
}

// Backfiller fills in metadata that records written by older versions
// lack: file part offsets, superblock child offsets, and encryption
// properties. Sizes are inferred from records that already have offsets
// where possible; otherwise blocks are downloaded and measured.
type Backfiller struct {
	env  *Env
	opts BackfillOptions
	log  *u.Logger
	pool *sched.Scheduler

	// Block hash -> plaintext size.
	sizes repo.TempMap
	// Blocks that have been downloaded (or scheduled to be).
	fetched repo.TempMap
	// Files waiting for sizes; only touched by the driver.
	retry []pendingFile

	mu             sync.Mutex
	storageUpdates []storageUpdate
	stats          BackfillStats
}

// pendingFile is a file version waiting for block sizes. Each is given
// one more chance after the drain that first fails to resolve it.
type pendingFile struct {
	f        repo.File
	requeued bool
}

// NewBackfiller returns a Backfiller for the repository described by
// env.
func NewBackfiller(env *Env, opts BackfillOptions) *Backfiller {
	if opts.RetryQueueSize < 1 {
		opts.RetryQueueSize = 1000
	}
	log := env.Log.With("backfill")
	return &Backfiller{
		env:  env,
		opts: opts,
		log:  log,
		pool: sched.New(env.Concurrency, log),
	}
}

// Run performs all three passes. If ctx is cancelled, the current pass
// stops, outstanding downloads finish, whatever they made resolvable is
// written, and ErrCancelled is returned.
func (bf *Backfiller) Run(ctx context.Context) (BackfillStats, error) {
	var err error
	if bf.sizes, err = bf.env.Repo.TempMap("backfill-sizes"); err != nil {
		return bf.stats, fmt.Errorf("backfill: %w", err)
	}
	defer bf.sizes.Close()
	if bf.fetched, err = bf.env.Repo.TempMap("backfill-fetched"); err != nil {
		return bf.stats, fmt.Errorf("backfill: %w", err)
	}
	defer bf.fetched.Close()

	for _, pass := range []struct {
		name string
		run  func(context.Context) error
	}{
		{"inferring block sizes", bf.inferSizes},
		{"backfilling offsets", bf.backfillOffsets},
		{"backfilling encryption metadata", bf.backfillStorage},
	} {
		bf.log.Verbose("%s", pass.name)
		err := pass.run(ctx)
		bf.drain(ctx, true)
		if err == nil && cancelled(ctx) {
			err = ErrCancelled
		} else if err != nil {
			err = fmt.Errorf("backfill: %s: %w", pass.name, err)
		}
		if err != nil {
			return bf.snapshot(), err
		}
	}
	return bf.snapshot(), nil
}

func (bf *Backfiller) snapshot() BackfillStats {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.stats
}

func (bf *Backfiller) count(f func(*BackfillStats)) {
	bf.mu.Lock()
	f(&bf.stats)
	bf.mu.Unlock()
}

///////////////////////////////////////////////////////////////////////////
// The size table

func (bf *Backfiller) size(h repo.Hash) (int64, bool) {
	v, ok, err := bf.sizes.Get(h[:])
	if err != nil || !ok || len(v) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(v)), true
}

func (bf *Backfiller) setSize(h repo.Hash, size int64) {
	if size < 0 {
		bf.log.Warning("%s: inferred negative size %d", h.Short(), size)
		return
	}
	if old, ok := bf.size(h); ok {
		if old != size {
			bf.log.Warning("%s: inconsistent sizes %d and %d", h.Short(), old, size)
		}
		return
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(size))
	if err := bf.sizes.Put(h[:], v[:]); err != nil {
		bf.log.Error("%s: %s", h.Short(), err)
		return
	}
	bf.count(func(s *BackfillStats) { s.SizesInferred++ })
}

///////////////////////////////////////////////////////////////////////////
// Pass 1

func (bf *Backfiller) inferSizes(ctx context.Context) error {
	return bf.env.Repo.ForEachFile(func(f repo.File) error {
		if cancelled(ctx) {
			return repo.ErrStop
		}
		for _, loc := range f.Locations {
			if len(loc.Parts) == 0 || !loc.HasOffsets() {
				continue
			}
			for i, p := range loc.Parts {
				end := f.Length
				if i+1 < len(loc.Parts) {
					end = *loc.Parts[i+1].Offset
				}
				size := end - *p.Offset
				bf.setSize(p.BlockHash, size)
				bf.inferChildren(p.BlockHash, size, make(map[repo.Hash]bool))
			}
		}
		return nil
	})
}

// inferChildren records the sizes of the children of h, if it's a
// superblock with offsets.
func (bf *Backfiller) inferChildren(h repo.Hash, size int64, ancestors map[repo.Hash]bool) {
	if ancestors[h] || len(ancestors) > maxSuperblockDepth {
		bf.log.Error("%s: %s", h.Short(), errCycle)
		return
	}
	b, err := bf.env.Repo.Block(h)
	if err != nil || !b.IsSuperBlock() || !b.HasOffsets() {
		return
	}
	ancestors[h] = true
	defer delete(ancestors, h)
	for i, child := range b.Hashes {
		end := size
		if i+1 < len(b.Hashes) {
			end = b.Offsets[i+1]
		}
		bf.setSize(child, end-b.Offsets[i])
		bf.inferChildren(child, end-b.Offsets[i], ancestors)
	}
}

///////////////////////////////////////////////////////////////////////////
// Pass 2

func (bf *Backfiller) backfillOffsets(ctx context.Context) error {
	return bf.env.Repo.ForEachFile(func(f repo.File) error {
		if cancelled(ctx) {
			return repo.ErrStop
		}
		done, err := bf.resolveFile(ctx, f)
		if err != nil {
			bf.log.Error("%s (%s): %s", f.Path, f.Added.Format(time.RFC3339), err)
			return nil
		}
		if !done {
			bf.retry = append(bf.retry, pendingFile{f: f})
			if len(bf.retry) >= bf.opts.RetryQueueSize {
				bf.drain(ctx, false)
			}
		}
		return nil
	})
}

// resolveFile fills in whatever offsets f and the superblocks it refers
// to are missing, writing f back if it changed. It returns false if some
// sizes aren't known yet; downloads to measure them are scheduled and f
// is left untouched.
func (bf *Backfiller) resolveFile(ctx context.Context, f repo.File) (bool, error) {
	f = f.Clone()
	complete, changed := true, false
	for li := range f.Locations {
		loc := &f.Locations[li]
		needOffsets := !loc.HasOffsets()
		var offset int64
		offsetKnown := true
		for pi := range loc.Parts {
			p := &loc.Parts[pi]
			// The size of the last part is only needed to fix up
			// superblocks.
			needSize := needOffsets && pi+1 < len(loc.Parts)
			size, known, pending, err := bf.blockSize(ctx, p.BlockHash, needSize,
				make(map[repo.Hash]bool))
			if err != nil {
				return false, err
			}
			if pending || (needSize && !known) {
				complete = false
			}
			if needOffsets && offsetKnown {
				o := offset
				p.Offset = &o
			}
			if known {
				offset += size
			} else {
				offsetKnown = false
			}
		}
		if needOffsets {
			changed = true
		}
	}

	if !complete {
		return false, nil
	}
	if changed {
		if err := bf.env.Repo.AddFile(f); err != nil {
			return false, err
		}
		bf.count(func(s *BackfillStats) { s.FilesBackfilled++ })
		bf.env.Metrics.backfilled("file")
	}
	return true, nil
}

// blockSize returns the size of block h if it's known; if needSize is
// set and it isn't, downloads are scheduled to find it out. Superblocks
// reachable from h that lack offsets are given them once their
// children's sizes are known; pending reports whether any still lack
// them.
func (bf *Backfiller) blockSize(ctx context.Context, h repo.Hash, needSize bool,
	ancestors map[repo.Hash]bool) (size int64, known, pending bool, err error) {
	if ancestors[h] {
		return 0, false, false, fmt.Errorf("%s: %w", h.Short(), errCycle)
	}
	if len(ancestors) > maxSuperblockDepth {
		return 0, false, false, fmt.Errorf("%s: nested too deep: %w", h.Short(), errCycle)
	}
	b, err := bf.env.Repo.Block(h)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, false, false, fmt.Errorf("%s: %w", h.Short(), errMissingBlock)
	} else if err != nil {
		return 0, false, false, err
	}

	if !b.IsSuperBlock() {
		if size, ok := bf.size(h); ok {
			return size, true, false, nil
		}
		if needSize {
			bf.fetch(ctx, h)
		}
		return 0, false, false, nil
	}

	ancestors[h] = true
	defer delete(ancestors, h)

	if b.HasOffsets() {
		// Only the last child's size is needed; the others are just
		// checked for superblocks of their own.
		last := len(b.Hashes) - 1
		for i, child := range b.Hashes {
			cs, ck, cp, err := bf.blockSize(ctx, child, needSize && i == last, ancestors)
			if err != nil {
				return 0, false, false, err
			}
			pending = pending || cp
			if i == last && ck {
				size, known = b.Offsets[last]+cs, true
				bf.setSize(h, size)
			}
		}
		return size, known, pending, nil
	}

	// Every child's size is needed to compute the offsets.
	offsets := make([]int64, len(b.Hashes))
	known = true
	for i, child := range b.Hashes {
		cs, ck, cp, err := bf.blockSize(ctx, child, true, ancestors)
		if err != nil {
			return 0, false, false, err
		}
		pending = pending || cp
		offsets[i] = size
		if ck {
			size += cs
		} else {
			known = false
		}
	}
	if !known {
		return 0, false, true, nil
	}

	b.Offsets = offsets
	if err := bf.env.Repo.AddBlock(b); err != nil {
		return 0, false, false, err
	}
	bf.log.Verbose("%s: backfilled offsets of %d children", h.Short(), len(offsets))
	bf.count(func(s *BackfillStats) { s.SuperblocksBackfilled++ })
	bf.env.Metrics.backfilled("superblock")
	bf.setSize(h, size)
	return size, true, pending, nil
}

// fetch schedules a download of h to measure its size and bring its
// storage records' encryption properties up to date. Each block is
// fetched at most once per run.
func (bf *Backfiller) fetch(ctx context.Context, h repo.Hash) {
	if _, ok, err := bf.fetched.Get(h[:]); err != nil || ok {
		return
	}
	if err := bf.fetched.Put(h[:], []byte{1}); err != nil {
		bf.log.Error("%s: %s", h.Short(), err)
		return
	}
	bf.pool.Schedule(func() { bf.download(ctx, h) })
}

func (bf *Backfiller) download(ctx context.Context, h repo.Hash) {
	if cancelled(ctx) {
		return
	}
	b, err := bf.env.Repo.Block(h)
	if err != nil {
		bf.log.Error("%s: %s", h.Short(), err)
		if !errors.Is(err, repo.ErrNotFound) {
			if err := bf.fetched.Delete(h[:]); err != nil {
				bf.log.Error("%s: %s", h.Short(), err)
			}
		}
		return
	}

	var plain []byte
	ok, lost := false, true
	for _, s := range b.Storage {
		if plain, err = bf.env.readStorage(ctx, h, s); err == nil {
			ok = true
			break
		}
		bf.log.Warning("%s: %s: %s", h.Short(), s.Destination, err)
		lost = lost && errors.Is(err, errDataLost)
	}
	if !ok {
		bf.log.Error("%s: unable to download block to measure it", h.Short())
		bf.count(func(s *BackfillStats) { s.DownloadsFailed++ })
		if !lost {
			// Let a later request try again.
			if err := bf.fetched.Delete(h[:]); err != nil {
				bf.log.Error("%s: %s", h.Short(), err)
			}
		}
		return
	}
	bf.count(func(s *BackfillStats) { s.BlocksDownloaded++ })
	bf.setSize(h, int64(len(plain)))

	for _, s := range b.Storage {
		enc, err := bf.env.Encryption.Get(s.Encryption)
		if err != nil || !enc.NeedsBackfill(s) {
			continue
		}
		ns, err := enc.BackfillEncryption(s, plain)
		if err != nil {
			bf.log.Error("%s: %s: %s", h.Short(), s.Destination, err)
			continue
		}
		bf.mu.Lock()
		bf.storageUpdates = append(bf.storageUpdates, storageUpdate{hash: h, old: s, new: ns})
		bf.mu.Unlock()
	}
}

// drain waits for outstanding downloads, writes the storage records
// they updated, and retries the files that were waiting on them. Files
// that still can't be resolved are queued again once unless final is
// set; otherwise they are given up on.
func (bf *Backfiller) drain(ctx context.Context, final bool) {
	bf.pool.Wait()

	bf.mu.Lock()
	updates := bf.storageUpdates
	bf.storageUpdates = nil
	bf.mu.Unlock()

	byHash := make(map[repo.Hash][]storageUpdate)
	var order []repo.Hash
	for _, up := range updates {
		if _, ok := byHash[up.hash]; !ok {
			order = append(order, up.hash)
		}
		byHash[up.hash] = append(byHash[up.hash], up)
	}
	for _, h := range order {
		applied, _, err := bf.env.swapStorage(h, byHash[h])
		if err != nil {
			bf.log.Error("%s: writing backfilled storage: %s", h.Short(), err)
		}
		bf.count(func(s *BackfillStats) { s.StorageBackfilled += int64(len(applied)) })
		for range applied {
			bf.env.Metrics.backfilled("storage")
		}
	}

	retry := bf.retry
	bf.retry = nil
	for _, p := range retry {
		f := p.f
		done, err := bf.resolveFile(ctx, f)
		if err == nil && !done {
			// More downloads may have been scheduled for superblocks
			// whose children are only now known.
			bf.pool.Wait()
			done, err = bf.resolveFile(ctx, f)
		}
		switch {
		case err == nil && !done && !final && !p.requeued:
			bf.retry = append(bf.retry, pendingFile{f: f, requeued: true})
		case err != nil || !done:
			bf.log.Warning("%s (%s): unable to determine offsets; leaving as is", f.Path,
				f.Added.Format(time.RFC3339))
			bf.count(func(s *BackfillStats) { s.FilesUnresolved++ })
		}
	}
}

///////////////////////////////////////////////////////////////////////////
// Pass 3

func (bf *Backfiller) backfillStorage(ctx context.Context) error {
	return bf.env.Repo.ForEachBlock(func(b repo.Block) error {
		if cancelled(ctx) {
			return repo.ErrStop
		}
		for _, s := range b.Storage {
			if enc, err := bf.env.Encryption.Get(s.Encryption); err == nil && enc.NeedsBackfill(s) {
				bf.fetch(ctx, b.Hash)
				break
			}
		}
		return nil
	})
}
