// maint/validator.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package maint

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mmp/bkstore/repo"
	"github.com/mmp/bkstore/storage"
	u "github.com/mmp/bkstore/util"
)

// ValidateOptions control a Validator run.
type ValidateOptions struct {
	// Verify that every part of every leaf block exists at its
	// destination, repairing records that are missing parts.
	CheckDestinations bool
	// Bound on bytes re-uploaded while repairing; zero means no limit.
	MaxRefreshBytes int64
}

// ValidateStats counts what a Validator run found and changed.
type ValidateStats struct {
	FilesChecked     int64
	FilesRewritten   int64
	FilesDeleted     int64
	FilesSkipped     int64
	LocationsDropped int64
	BlocksChecked    int64
	BlocksTrimmed    int64
	BlocksDeleted    int64
	RecordsDropped   int64
	Refresh          RefreshStats
}

// Validator checks that every file in the repository can be
// reconstructed from intact blocks. Files and locations that can't be
// are removed; block storage records that are malformed are dropped, and
// those that are missing parts or about to expire are repaired.
type Validator struct {
	env  *Env
	opts ValidateOptions
	log  *u.Logger

	refresher *Refresher
	// Leaf blocks already checked this run: 1 if still present, 0 if
	// deleted.
	seen  repo.TempMap
	stats ValidateStats
}

// NewValidator returns a Validator for the repository described by env.
func NewValidator(env *Env, opts ValidateOptions) *Validator {
	return &Validator{env: env, opts: opts, log: env.Log.With("validate")}
}

// Run sweeps the whole catalog. If ctx is cancelled, the sweep stops
// after the current file, outstanding repairs finish and are written,
// and ErrCancelled is returned along with the statistics so far.
func (v *Validator) Run(ctx context.Context) (ValidateStats, error) {
	v.env.Repo.SetBackgroundFlush(false)
	defer v.env.Repo.SetBackgroundFlush(true)

	var err error
	v.refresher, err = NewRefresher(v.env, RefresherOptions{
		CheckExists:     v.opts.CheckDestinations,
		MaxRefreshBytes: v.opts.MaxRefreshBytes,
	})
	if err != nil {
		return v.stats, fmt.Errorf("validate: %w", err)
	}
	defer v.refresher.Close()

	if v.seen, err = v.env.Repo.TempMap("validated-blocks"); err != nil {
		return v.stats, fmt.Errorf("validate: %w", err)
	}
	defer v.seen.Close()

	counts, err := v.env.Repo.Counts()
	if err != nil {
		return v.stats, fmt.Errorf("validate: %w", err)
	}
	progress := &u.Progress{Msg: "Validated files", Total: counts.Files, Log: v.log}

	leaf := func(b repo.Block) error { return v.checkLeaf(ctx, b) }
	stopped := false
	err = v.env.Repo.ForEachFile(func(f repo.File) error {
		if cancelled(ctx) {
			stopped = true
			return repo.ErrStop
		}
		v.stats.FilesChecked++
		v.checkFile(f, leaf)
		progress.Add(1)
		if v.refresher.Queued() > 0 {
			v.refresher.Flush(ctx)
		}
		return nil
	})

	v.refresher.WaitForCompletion(ctx)
	if rerr := v.recheckDependents(v.refresher.Deleted()); rerr != nil {
		v.log.Error("rechecking files that used deleted blocks: %s", rerr)
	}
	v.stats.Refresh = v.refresher.Stats()
	v.stats.BlocksDeleted += v.stats.Refresh.BlocksDeleted
	progress.Done()

	switch {
	case err != nil:
		return v.stats, fmt.Errorf("validate: %w", err)
	case stopped || cancelled(ctx):
		return v.stats, ErrCancelled
	}
	return v.stats, nil
}

// unusable reports whether err from checking a location means that the
// location can't be reconstructed, as opposed to the repository not
// answering.
func unusable(err error) bool {
	return errors.Is(err, errMissingBlock) || errors.Is(err, errMalformed) ||
		errors.Is(err, errCycle) || errors.Is(err, errShort)
}

// checkFile drops the locations of f that can't be reconstructed,
// deleting f if none are left. leaf is called for each leaf block
// reached. If the repository fails while f is being checked, f is left
// as it is.
func (v *Validator) checkFile(f repo.File, leaf func(repo.Block) error) {
	var valid []repo.Location
	for _, loc := range f.Locations {
		if err := v.checkLocation(f, loc, leaf); err != nil {
			if !unusable(err) {
				v.log.Error("%s (%s): %s; skipping", f.Path, f.Added.Format(time.RFC3339), err)
				v.stats.FilesSkipped++
				return
			}
			v.log.Warning("%s (%s): dropping location: %s", f.Path,
				f.Added.Format(time.RFC3339), err)
			v.stats.LocationsDropped++
			continue
		}
		valid = append(valid, loc)
	}

	switch {
	case len(valid) == 0:
		v.log.Error("%s (%s): no reconstructable locations; deleting file", f.Path,
			f.Added.Format(time.RFC3339))
		if err := v.env.Repo.DeleteFile(f); err != nil && !errors.Is(err, repo.ErrNotFound) {
			v.log.Error("%s: %s", f.Path, err)
			return
		}
		v.stats.FilesDeleted++
		v.env.Metrics.add(filesDeleted, 1)
	case len(valid) < len(f.Locations):
		f.Locations = valid
		if err := v.env.Repo.AddFile(f); err != nil {
			v.log.Error("%s: %s", f.Path, err)
			return
		}
		v.stats.FilesRewritten++
		v.env.Metrics.add(filesRewritten, 1)
	}
}

// checkLocation verifies that every block of loc resolves and that
// together they can hold the file's contents.
func (v *Validator) checkLocation(f repo.File, loc repo.Location, leaf func(repo.Block) error) error {
	if len(loc.Parts) == 0 && f.Length > 0 {
		return fmt.Errorf("no blocks for %d bytes: %w", f.Length, errShort)
	}
	withOffsets := loc.HasOffsets()

	var bound int64
	for i, p := range loc.Parts {
		b, err := v.env.sizeBound(p.BlockHash, leaf)
		if err != nil {
			return err
		}
		if !withOffsets {
			bound += b
		} else if i == len(loc.Parts)-1 {
			bound = *p.Offset + b
		}
	}
	if bound < f.Length {
		return fmt.Errorf("blocks hold at most %d of %d bytes: %w", bound, f.Length, errShort)
	}
	return nil
}

// recheckDependents checks again the file versions that refer to any of
// the deleted blocks, directly or through superblocks, so that they
// don't outlive their contents until the next run.
func (v *Validator) recheckDependents(deleted []repo.Hash) error {
	if len(deleted) == 0 {
		return nil
	}
	affected := make(map[repo.Hash]bool)
	for _, h := range deleted {
		affected[h] = true
	}
	// Add the superblocks above them, one level per scan.
	for range maxSuperblockDepth {
		grew := false
		err := v.env.Repo.ForEachBlock(func(b repo.Block) error {
			if affected[b.Hash] {
				return nil
			}
			if slices.ContainsFunc(b.Hashes, func(c repo.Hash) bool { return affected[c] }) {
				affected[b.Hash] = true
				grew = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !grew {
			break
		}
	}

	type version struct {
		path  string
		added time.Time
	}
	var versions []version
	queued := make(map[version]bool)
	err := v.env.Repo.ForEachFilePart(func(ref repo.FilePartRef) error {
		k := version{ref.Path, ref.Added}
		if affected[ref.BlockHash] && !queued[k] {
			queued[k] = true
			versions = append(versions, k)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, k := range versions {
		f, err := v.env.Repo.File(k.path, k.added)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		} else if err != nil {
			v.log.Error("%s (%s): %s", k.path, k.added.Format(time.RFC3339), err)
			continue
		}
		// Every block still present was already checked.
		v.checkFile(f, nil)
	}
	return nil
}

// invalidStorage returns why s can't be used, or "" if it's fine.
func (v *Validator) invalidStorage(s repo.Storage) string {
	enc, err := v.env.Encryption.Get(s.Encryption)
	if err != nil {
		return err.Error()
	}
	scheme, err := v.env.Erasure.Get(s.ErasureCoding)
	if err != nil {
		return err.Error()
	}
	switch {
	case !enc.ValidStorage(s):
		return "invalid encryption properties"
	case s.HasNullParts():
		return "null part entries"
	case len(s.Parts) != scheme.TotalParts(s):
		return fmt.Sprintf("%d parts, expected %d", len(s.Parts), scheme.TotalParts(s))
	}
	return ""
}

// checkLeaf drops b's unusable storage records and hands it to the
// Refresher if it needs repair. Each block is checked once per run; an
// error is returned if b has been deleted.
func (v *Validator) checkLeaf(ctx context.Context, b repo.Block) error {
	if present, ok, err := v.seen.Get(b.Hash[:]); err != nil {
		return err
	} else if ok {
		if present[0] == 0 {
			return fmt.Errorf("%s: %w", b.Hash.Short(), errMissingBlock)
		}
		return nil
	}
	v.stats.BlocksChecked++

	var keep, stale []repo.Storage
	for _, s := range b.Storage {
		if why := v.invalidStorage(s); why != "" {
			v.log.Warning("%s: %s: dropping storage record: %s", b.Hash.Short(), s.Destination, why)
			v.stats.RecordsDropped++
			if s.HasNullParts() {
				// Left behind by a failed write; nothing else refers to
				// the parts that did make it.
				v.env.deleteParts(ctx, s)
			}
			continue
		}
		keep = append(keep, s)
		if dest, ok := v.env.Destinations[s.Destination]; ok {
			if max := storage.MaxRetention(dest); max > 0 && v.env.now().Sub(s.Created) > max {
				stale = append(stale, s)
			}
		}
	}

	if len(keep) == 0 {
		v.log.Error("%s: no usable storage records; deleting block", b.Hash)
		if err := v.env.Repo.DeleteBlock(b.Hash); err != nil {
			v.log.Error("%s: %s", b.Hash.Short(), err)
		}
		v.stats.BlocksDeleted++
		v.env.Metrics.blockDeleted("invalid-storage")
		if err := v.seen.Put(b.Hash[:], []byte{0}); err != nil {
			return err
		}
		return fmt.Errorf("%s: %w", b.Hash.Short(), errMissingBlock)
	}

	if len(keep) < len(b.Storage) {
		b.Storage = keep
		if err := v.env.Repo.AddBlock(b); err != nil {
			v.log.Error("%s: %s", b.Hash.Short(), err)
		} else {
			v.stats.BlocksTrimmed++
		}
	}
	if err := v.seen.Put(b.Hash[:], []byte{1}); err != nil {
		return err
	}

	if v.opts.CheckDestinations || len(stale) > 0 {
		v.refresher.Submit(ctx, b, stale)
	}
	return nil
}
