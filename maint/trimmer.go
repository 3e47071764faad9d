// maint/trimmer.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package maint

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/mmp/bkstore/repo"
	"github.com/mmp/bkstore/retention"
	u "github.com/mmp/bkstore/util"
)

// TrimOptions control a Trimmer run.
type TrimOptions struct {
	Sets []BackupSet
	// Policy for files that aren't in any set. Nil keeps everything.
	DefaultPolicy retention.Policy
	// Only remove file versions; leave directories and blocks alone.
	FilesOnly bool
	// Remove every version of files that aren't in any set.
	Force bool
}

// TrimStats counts what a Trimmer run did.
type TrimStats struct {
	FilesKept          int64
	FilesDeleted       int64
	VersionsKept       int64
	VersionsDeleted    int64
	DirectoriesDeleted int64
	PartsDeleted       int64
	BlocksDeleted      int64
	FilePartsDeleted   int64
	BytesRetained      int64
}

// Trimmer applies each backup set's retention policy to the versions of
// its files, then deletes directory snapshots that no longer add
// anything and the blocks that no remaining file refers to.
type Trimmer struct {
	env  *Env
	opts TrimOptions
	log  *u.Logger

	// Hashes of blocks that a kept file version refers to, directly or
	// through superblocks.
	used repo.TempMap
	// Set if some kept version's blocks couldn't all be marked in used,
	// in which case nothing is reclaimed.
	unmarked bool
	prune    map[string]bool
	stats    TrimStats
}

// NewTrimmer returns a Trimmer for the repository described by env.
func NewTrimmer(env *Env, opts TrimOptions) *Trimmer {
	if opts.DefaultPolicy == nil {
		opts.DefaultPolicy = retention.KeepAll
	}
	return &Trimmer{env: env, opts: opts, log: env.Log.With("trim")}
}

// Run trims the repository. Work is committed one record at a time, so
// if ctx is cancelled the run stops where it is and returns ErrCancelled
// along with the statistics so far. Blocks are only reclaimed after all
// file versions have been considered.
func (t *Trimmer) Run(ctx context.Context) (TrimStats, error) {
	if err := t.checkActivePaths(); err != nil {
		return t.stats, fmt.Errorf("trim: %w", err)
	}

	var err error
	if t.used, err = t.env.Repo.TempMap("trim-used"); err != nil {
		return t.stats, fmt.Errorf("trim: %w", err)
	}
	defer t.used.Close()
	t.prune = make(map[string]bool)

	for _, phase := range []struct {
		name      string
		filesOnly bool
		reclaim   bool
		run       func(context.Context) error
	}{
		{"trimming file versions", true, false, t.trimFiles},
		{"pruning directories", false, false, t.pruneDirectories},
		{"reclaiming blocks", false, true, t.reclaimBlocks},
		{"removing orphaned file parts", false, true, t.reclaimFileParts},
	} {
		if t.opts.FilesOnly && !phase.filesOnly {
			break
		}
		if phase.reclaim && t.unmarked {
			t.log.Error("not %s: the blocks of some kept files couldn't be marked", phase.name)
			continue
		}
		t.log.Verbose("%s", phase.name)
		if err := phase.run(ctx); err != nil {
			if !errors.Is(err, ErrCancelled) {
				err = fmt.Errorf("trim: %s: %w", phase.name, err)
			}
			return t.stats, err
		}
		if cancelled(ctx) {
			return t.stats, ErrCancelled
		}
	}
	return t.stats, nil
}

// checkActivePaths removes markers left by sets that no longer exist.
// If others remain, a backup is underway and only file versions are
// trimmed.
func (t *Trimmer) checkActivePaths() error {
	aps, err := t.env.Repo.ActivePaths()
	if err != nil {
		return err
	}
	var active []string
	for _, ap := range aps {
		if !slices.ContainsFunc(t.opts.Sets, func(s BackupSet) bool { return s.ID == ap.SetID }) {
			t.log.Print("%s: removing active path marker for unknown backup set %q", ap.Path, ap.SetID)
			if err := t.env.Repo.DeleteActivePath(ap); err != nil {
				return err
			}
			continue
		}
		active = append(active, ap.SetID+":"+ap.Path)
	}
	if len(active) > 0 && !t.opts.FilesOnly {
		t.log.Print("backups in progress (%s); only trimming file versions this time",
			strings.Join(active, ", "))
		t.opts.FilesOnly = true
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// File versions

func (t *Trimmer) trimFiles(ctx context.Context) error {
	var group []repo.File
	stopped := false
	err := t.env.Repo.ForEachFile(func(f repo.File) error {
		if cancelled(ctx) {
			stopped = true
			return repo.ErrStop
		}
		if len(group) > 0 && group[0].Path != f.Path {
			if err := t.trimPath(group); err != nil {
				return err
			}
			group = group[:0]
		}
		group = append(group, f)
		return nil
	})
	if err != nil {
		return err
	}
	if stopped {
		// The last group may be incomplete.
		return ErrCancelled
	}
	if len(group) > 0 {
		return t.trimPath(group)
	}
	return nil
}

// trimPath applies the retention policy to versions, all of one path in
// increasing time order.
func (t *Trimmer) trimPath(versions []repo.File) error {
	path := versions[0].Path
	var policy retention.Policy
	if set := owner(t.opts.Sets, path); set != nil {
		policy = set.Policy
	} else if !t.opts.Force {
		t.log.Warning("%s: not in any backup set; applying default retention", path)
		policy = t.opts.DefaultPolicy
	}
	deleted, deletedAt, known, err := t.isDeleted(path)
	if err != nil {
		t.log.Error("%s: %s; keeping every version", path, err)
		policy, known = retention.KeepAll, false
	}
	if !known {
		// Without any directory snapshots, go by what the newest
		// version says.
		deleted = versions[len(versions)-1].IsDeleted()
	}

	var kept, dropped []repo.File
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		keep := false
		if policy != nil && (policy.MaximumVersions() == 0 || len(kept) < policy.MaximumVersions()) {
			var prev *repo.File
			if len(kept) > 0 {
				prev = &kept[len(kept)-1]
			}
			keep = policy.KeepFile(v, prev, deleted)
		}
		if keep {
			kept = append(kept, v)
		} else {
			dropped = append(dropped, v)
		}
	}

	if len(dropped) > 0 {
		unlock, err := t.env.Repo.Lock()
		if err != nil {
			return err
		}
		for _, v := range dropped {
			if err := t.env.Repo.DeleteFile(v); err != nil {
				t.log.Error("%s (%s): %s", path, v.Added.Format(time.RFC3339), err)
				continue
			}
			t.stats.VersionsDeleted++
			t.env.Metrics.add(versionsTrimmed, 1)
		}
		unlock()
		t.log.Verbose("%s: removed %d of %d versions", path, len(dropped), len(versions))
	}

	if len(kept) == 0 {
		t.stats.FilesDeleted++
		if parent, _ := repo.SplitPath(path); parent != "" {
			t.prune[parent] = true
		}
		return nil
	}

	t.stats.FilesKept++
	for _, v := range kept {
		t.stats.VersionsKept++
		t.stats.BytesRetained += v.Length
		for _, h := range v.BlockHashes() {
			if err := t.env.markReachable(h, t.markUsed); err != nil {
				t.log.Error("%s: %s", path, err)
				t.unmarked = true
			}
		}
		if !t.opts.FilesOnly && known {
			t.updateDeleted(v, deleted, deletedAt)
		}
	}
	return nil
}

func (t *Trimmer) markUsed(h repo.Hash) (bool, error) {
	if _, ok, err := t.used.Get(h[:]); err != nil || ok {
		return false, err
	}
	return true, t.used.Put(h[:], []byte{1})
}

// updateDeleted records in v whether its path has been deleted.
func (t *Trimmer) updateDeleted(v repo.File, deleted bool, at time.Time) {
	switch {
	case deleted && v.Deleted == nil:
		if at.Before(v.Added) {
			at = v.Added
		}
		v.Deleted = &at
	case !deleted && v.Deleted != nil:
		v.Deleted = nil
	default:
		return
	}
	if err := t.env.Repo.AddFile(v); err != nil {
		t.log.Error("%s: %s", v.Path, err)
	}
}

// isDeleted reports whether path is missing from the latest snapshot of
// any of its ancestor directories and, if so, when that snapshot was
// taken. Directories with no snapshots are skipped over; known is false
// if none of them had any.
func (t *Trimmer) isDeleted(path string) (deleted bool, at time.Time, known bool, err error) {
	for child := path; ; {
		parent, name := repo.SplitPath(child)
		if parent == "" {
			return false, time.Time{}, known, nil
		}
		d, err := t.env.Repo.LatestDirectory(parent)
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return false, time.Time{}, false, fmt.Errorf("%s: %w", parent, err)
		case d.Deleted != nil:
			return true, *d.Deleted, true, nil
		case !d.HasChild(name):
			return true, d.Added, true, nil
		default:
			known = true
		}
		child = parent
	}
}

///////////////////////////////////////////////////////////////////////////
// Directories

func depth(path string) int {
	return strings.Count(path, "/")
}

// pruneDirectories processes the queued directories deepest first, so
// that a parent is only examined once its children have been.
func (t *Trimmer) pruneDirectories(ctx context.Context) error {
	for len(t.prune) > 0 {
		if cancelled(ctx) {
			return ErrCancelled
		}
		var dirs []string
		for d := range t.prune {
			dirs = append(dirs, d)
		}
		sort.Slice(dirs, func(i, j int) bool {
			if depth(dirs[i]) != depth(dirs[j]) {
				return depth(dirs[i]) > depth(dirs[j])
			}
			return dirs[i] < dirs[j]
		})
		dir := dirs[0]
		delete(t.prune, dir)

		allGone, err := t.pruneDirectory(dir)
		if err != nil {
			return err
		}
		if parent, _ := repo.SplitPath(dir); allGone && parent != "" {
			t.prune[parent] = true
		}
	}
	return nil
}

// pruneDirectory deletes the snapshots of dir that add nothing: those
// whose live children are the same as the next newer kept snapshot's.
// The newest snapshot is compared against an empty one. It reports
// whether every snapshot was deleted.
func (t *Trimmer) pruneDirectory(dir string) (bool, error) {
	versions, err := t.env.Repo.DirectoryVersions(dir)
	if err != nil {
		return false, err
	}
	if len(versions) == 0 {
		return true, nil
	}

	var newer []string
	remaining := len(versions)
	for i := len(versions) - 1; i >= 0; i-- {
		d := versions[i]
		live, err := t.liveChildren(d)
		if err != nil {
			return false, err
		}
		if !slices.Equal(live, newer) && !(i == 0 && len(live) == 0) {
			newer = live
			continue
		}
		if err := t.env.Repo.DeleteDirectory(d); err != nil {
			t.log.Error("%s (%s): %s", dir, d.Added.Format(time.RFC3339), err)
			newer = live
			continue
		}
		t.stats.DirectoriesDeleted++
		t.env.Metrics.add(dirsPruned, 1)
		remaining--
	}
	if remaining == 0 {
		t.log.Verbose("%s: removed all %d snapshots", dir, len(versions))
	}
	return remaining == 0, nil
}

// liveChildren returns the children of d that still have any file
// versions or directory snapshots, sorted.
func (t *Trimmer) liveChildren(d repo.Directory) ([]string, error) {
	var live []string
	for _, name := range d.Children {
		p := d.Path + name
		var n int
		if strings.HasSuffix(name, "/") {
			ds, err := t.env.Repo.DirectoryVersions(p)
			if err != nil {
				return nil, err
			}
			n = len(ds)
		} else {
			fs, err := t.env.Repo.FileVersions(p)
			if err != nil {
				return nil, err
			}
			n = len(fs)
		}
		if n > 0 {
			live = append(live, name)
		}
	}
	return live, nil
}

///////////////////////////////////////////////////////////////////////////
// Blocks

func (t *Trimmer) reclaimBlocks(ctx context.Context) error {
	// Storage is deleted after cancellation is noticed only for the
	// block already underway.
	dctx := context.WithoutCancel(ctx)
	stopped := false
	err := t.env.Repo.ForEachBlock(func(b repo.Block) error {
		if cancelled(ctx) {
			stopped = true
			return repo.ErrStop
		}
		if _, ok, err := t.used.Get(b.Hash[:]); err != nil {
			return err
		} else if ok {
			return nil
		}

		unlock, err := t.env.Repo.Lock()
		if err != nil {
			return err
		}
		defer unlock()
		for _, s := range b.Storage {
			t.stats.PartsDeleted += int64(t.env.deleteParts(dctx, s))
		}
		if err := t.env.Repo.DeleteBlock(b.Hash); err != nil {
			t.log.Error("%s: %s", b.Hash.Short(), err)
			return nil
		}
		t.log.Debug("%s: deleted unreferenced block", b.Hash.Short())
		t.stats.BlocksDeleted++
		t.env.Metrics.blockDeleted("unreferenced")
		return nil
	})
	if err == nil && stopped {
		return ErrCancelled
	}
	return err
}

// reclaimFileParts removes index entries for blocks that no longer
// exist, such as those left by an interrupted run.
func (t *Trimmer) reclaimFileParts(ctx context.Context) error {
	stopped := false
	err := t.env.Repo.ForEachFilePart(func(ref repo.FilePartRef) error {
		if cancelled(ctx) {
			stopped = true
			return repo.ErrStop
		}
		if _, err := t.env.Repo.Block(ref.BlockHash); !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := t.env.Repo.DeleteFilePart(ref); err != nil {
			t.log.Error("%s: %s: %s", ref.Path, ref.BlockHash.Short(), err)
			return nil
		}
		t.stats.FilePartsDeleted++
		return nil
	})
	if err == nil && stopped {
		return ErrCancelled
	}
	return err
}
