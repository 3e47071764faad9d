// maint/backfill_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package maint

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmp/bkstore/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backfill(t *testing.T, f *fixture, opts BackfillOptions) BackfillStats {
	t.Helper()
	st, err := NewBackfiller(f.env, opts).Run(context.Background())
	require.NoError(t, err)
	return st
}

// countDownloads records which blocks are downloaded from dest "a".
func countDownloads(f *fixture) func(repo.Hash) int {
	var mu sync.Mutex
	n := make(map[string]int)
	f.dests["a"].InjectFault(func(op, key string) error {
		if op == "download" {
			mu.Lock()
			n[strings.Split(key[3:], ".")[0]]++
			mu.Unlock()
		}
		return nil
	})
	return func(h repo.Hash) int {
		mu.Lock()
		defer mu.Unlock()
		return n[h.String()]
	}
}

func (f *fixture) offsets(path string, added time.Time) []int64 {
	f.t.Helper()
	file, err := f.repo.File(path, added)
	require.NoError(f.t, err)
	var offs []int64
	for _, p := range file.Locations[0].Parts {
		if p.Offset == nil {
			return nil
		}
		offs = append(offs, *p.Offset)
	}
	return offs
}

func TestBackfillInfersSizes(t *testing.T) {
	f := newFixture(t)
	x, y := f.leaf("x", 100), f.leaf("y", 50)
	downloads := countDownloads(f)

	f.file("/a", epoch, true, []repo.Block{x, y}, []int64{100, 50})
	f.file("/b", epoch, false, []repo.Block{y, x, y}, []int64{50, 100, 50})

	st := backfill(t, f, BackfillOptions{})
	assert.Equal(t, int64(0), st.BlocksDownloaded)
	assert.Equal(t, int64(2), st.SizesInferred)
	assert.Equal(t, int64(1), st.FilesBackfilled)
	assert.Equal(t, int64(0), st.FilesUnresolved)
	assert.Equal(t, 0, downloads(x.Hash)+downloads(y.Hash))

	assert.Equal(t, []int64{0, 50, 150}, f.offsets("/b", epoch))
	assert.Equal(t, []int64{0, 100}, f.offsets("/a", epoch))
}

func TestBackfillDownloads(t *testing.T) {
	f := newFixture(t)
	x, y, z := f.leaf("x", 100), f.leaf("y", 50), f.leaf("z", 30)
	downloads := countDownloads(f)

	f.file("/c", epoch, false, []repo.Block{x, y, z}, []int64{100, 50, 30})

	st := backfill(t, f, BackfillOptions{})
	assert.Equal(t, int64(2), st.BlocksDownloaded)
	assert.Equal(t, int64(1), st.FilesBackfilled)
	assert.Equal(t, []int64{0, 100, 150}, f.offsets("/c", epoch))

	// The last part's size isn't needed.
	assert.Equal(t, 0, downloads(z.Hash))
	// Any two of the three parts suffice; each block is fetched once.
	assert.Equal(t, 3, downloads(x.Hash))
	assert.Equal(t, 3, downloads(y.Hash))
}

func TestBackfillSuperblock(t *testing.T) {
	f := newFixture(t)
	x, y, z := f.leaf("x", 100), f.leaf("y", 50), f.leaf("z", 30)
	sb := f.superblock([]repo.Block{x, y}, []int64{100, 50}, false)
	f.file("/d", epoch, false, []repo.Block{sb, z}, []int64{150, 30})

	st := backfill(t, f, BackfillOptions{})
	assert.Equal(t, int64(1), st.SuperblocksBackfilled)
	assert.Equal(t, int64(1), st.FilesBackfilled)
	assert.Equal(t, []int64{0, 100}, f.getBlock(sb.Hash).Offsets)
	assert.Equal(t, []int64{0, 150}, f.offsets("/d", epoch))

	// Now the file passes validation.
	vst := validate(t, f, ValidateOptions{})
	assert.Equal(t, int64(0), vst.FilesDeleted)
}

func TestBackfillSuperblockFromOffsets(t *testing.T) {
	f := newFixture(t)
	x, y, z := f.leaf("x", 100), f.leaf("y", 50), f.leaf("z", 30)
	downloads := countDownloads(f)

	// The superblock's children have sizes given by its offsets and the
	// file's, so nothing has to be downloaded.
	sb := f.superblock([]repo.Block{x, y}, []int64{100, 50}, true)
	f.file("/e", epoch, true, []repo.Block{sb, z}, []int64{150, 30})
	f.file("/f", epoch, false, []repo.Block{y, z, x}, []int64{50, 30, 100})

	st := backfill(t, f, BackfillOptions{})
	assert.Equal(t, int64(0), st.BlocksDownloaded)
	assert.Equal(t, []int64{0, 50, 80}, f.offsets("/f", epoch))
	assert.Equal(t, 0, downloads(x.Hash)+downloads(y.Hash)+downloads(z.Hash))
}

func TestBackfillStorage(t *testing.T) {
	f := newFixture(t)
	data := f.data("old", 100)
	b := f.block(data, "legacy", "rs-2-1", "a", "b")
	fresh := f.leaf("x", 100)

	st := backfill(t, f, BackfillOptions{})
	assert.Equal(t, int64(1), st.BlocksDownloaded)
	assert.Equal(t, int64(2), st.StorageBackfilled)

	nb := f.getBlock(b.Hash)
	require.Len(t, nb.Storage, 2)
	for i, s := range nb.Storage {
		assert.Equal(t, "100", s.Properties["len"])
		assert.Equal(t, b.Storage[i].Parts, s.Parts)
	}
	assert.True(t, f.readable(nb))
	assert.Equal(t, fresh.Storage, f.getBlock(fresh.Hash).Storage)

	// Nothing is left to do the second time around.
	st = backfill(t, f, BackfillOptions{})
	assert.Equal(t, BackfillStats{}, st)
}

func TestBackfillCycle(t *testing.T) {
	f := newFixture(t)
	z := f.leaf("z", 30)
	p := repo.Block{Hash: repo.HashBytes([]byte("parent"))}
	c := repo.Block{Hash: repo.HashBytes([]byte("child")), Hashes: []repo.Hash{z.Hash, p.Hash}}
	p.Hashes = []repo.Hash{c.Hash}
	require.NoError(t, f.repo.AddBlock(p))
	require.NoError(t, f.repo.AddBlock(c))
	f.file("/cyc", epoch, false, []repo.Block{p, z}, []int64{60, 30})

	st := backfill(t, f, BackfillOptions{})
	assert.Equal(t, int64(0), st.FilesBackfilled)
	assert.Nil(t, f.offsets("/cyc", epoch))
	assert.Nil(t, f.getBlock(p.Hash).Offsets)
	assert.Nil(t, f.getBlock(c.Hash).Offsets)
}

func TestBackfillRetryQueue(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"p", "q", "r"} {
		l, m := f.leaf(name+"1", 100), f.leaf(name+"2", 40)
		f.file("/"+name, epoch, false, []repo.Block{l, m}, []int64{100, 40})
	}

	st := backfill(t, f, BackfillOptions{RetryQueueSize: 1})
	assert.Equal(t, int64(3), st.FilesBackfilled)
	assert.Equal(t, int64(0), st.FilesUnresolved)
	assert.Equal(t, int64(3), st.BlocksDownloaded)
	for _, name := range []string{"/p", "/q", "/r"} {
		assert.Equal(t, []int64{0, 100}, f.offsets(name, epoch))
	}
}

func TestBackfillRequeue(t *testing.T) {
	f := newFixture(t)
	x, y := f.leaf("x", 100), f.leaf("y", 40)
	v, w := f.leaf("v", 100), f.leaf("w", 40)
	f.file("/a", epoch, false, []repo.Block{x, y}, []int64{100, 40})
	f.file("/b", epoch, false, []repo.Block{v, w}, []int64{100, 40})

	// The first two attempts at x fail, all three parts each time.
	var mu sync.Mutex
	failures := 0
	f.dests["a"].InjectFault(func(op, key string) error {
		if op != "download" || !strings.HasPrefix(key[3:], x.Hash.String()) {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if failures < 6 {
			failures++
			return errors.New("connection reset")
		}
		return nil
	})

	st := backfill(t, f, BackfillOptions{RetryQueueSize: 1})
	assert.Equal(t, int64(2), st.DownloadsFailed)
	assert.Equal(t, int64(2), st.BlocksDownloaded)
	assert.Equal(t, int64(2), st.FilesBackfilled)
	assert.Equal(t, int64(0), st.FilesUnresolved)
	assert.Equal(t, []int64{0, 100}, f.offsets("/a", epoch))
	assert.Equal(t, []int64{0, 100}, f.offsets("/b", epoch))
}

func TestBackfillRepositoryFault(t *testing.T) {
	f := newFixture(t)
	x, y := f.leaf("x", 100), f.leaf("y", 50)
	f.file("/h", epoch, false, []repo.Block{x, y}, []int64{100, 50})

	f.injectRepoFault(failOnce("block", x.Hash.String()))
	st := backfill(t, f, BackfillOptions{})
	assert.Equal(t, int64(0), st.FilesBackfilled)
	assert.Nil(t, f.offsets("/h", epoch))

	st = backfill(t, f, BackfillOptions{})
	assert.Equal(t, int64(1), st.FilesBackfilled)
	assert.Equal(t, []int64{0, 100}, f.offsets("/h", epoch))
}

func TestBackfillUnresolved(t *testing.T) {
	f := newFixture(t)
	x, y := f.leaf("x", 100), f.leaf("y", 50)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.dests["a"].Delete(context.Background(), partKey(x.Hash, i)))
	}
	f.file("/g", epoch, false, []repo.Block{x, y}, []int64{100, 50})

	st := backfill(t, f, BackfillOptions{})
	assert.Equal(t, int64(1), st.DownloadsFailed)
	assert.Equal(t, int64(1), st.FilesUnresolved)
	assert.Equal(t, int64(0), st.FilesBackfilled)
	assert.Nil(t, f.offsets("/g", epoch))
}

func TestBackfillCancelled(t *testing.T) {
	f := newFixture(t)
	x, y := f.leaf("x", 100), f.leaf("y", 50)
	f.file("/h", epoch, false, []repo.Block{x, y}, []int64{100, 50})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st, err := NewBackfiller(f.env, BackfillOptions{}).Run(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, BackfillStats{}, st)
	assert.Nil(t, f.offsets("/h", epoch))
}
