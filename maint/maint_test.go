// maint/maint_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package maint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmp/bkstore/crypt"
	"github.com/mmp/bkstore/rdso"
	"github.com/mmp/bkstore/repo"
	"github.com/mmp/bkstore/storage"
	u "github.com/mmp/bkstore/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

// fixture is a repository with in-memory destinations "a" and "b".
type fixture struct {
	t     *testing.T
	repo  *repo.Memory
	dests map[string]*storage.Memory
	env   *Env
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rs, err := rdso.NewReedSolomon(2, 1)
	require.NoError(t, err)
	aes, err := crypt.NewAES(bytes.Repeat([]byte{7}, 32), nil)
	require.NoError(t, err)

	f := &fixture{
		t:     t,
		repo:  repo.NewMemory(),
		dests: map[string]*storage.Memory{"a": storage.NewMemory("a"), "b": storage.NewMemory("b")},
		now:   epoch,
	}
	f.env = &Env{
		Repo:             f.repo,
		Destinations:     map[string]storage.Destination{},
		Encryption:       crypt.NewRegistry(crypt.None{}, aes, legacy{}),
		Erasure:          rdso.NewRegistry(rdso.None{}, rs),
		Log:              u.Discard(),
		Concurrency:      4,
		MaximumBlockSize: 1024,
		Clock:            func() time.Time { return f.now },
	}
	for name, d := range f.dests {
		f.env.Destinations[name] = d
	}
	return f
}

func (f *fixture) data(name string, n int) []byte {
	return bytes.Repeat([]byte(name), n)[:n]
}

// block stores data as a leaf block with one record per destination,
// each using the given encryption and erasure coding.
func (f *fixture) block(data []byte, enc, ec string, dests ...string) repo.Block {
	f.t.Helper()
	h := repo.HashBytes(data)
	b := repo.Block{Hash: h, Created: f.now}
	for _, d := range dests {
		s, _, err := f.env.writeStorage(context.Background(), h,
			repo.Storage{Destination: d, Encryption: enc, ErasureCoding: ec}, data,
			make(map[string]bool))
		require.NoError(f.t, err)
		b.Storage = append(b.Storage, s)
	}
	require.NoError(f.t, f.repo.AddBlock(b))
	return b
}

// leaf stores a block of the given size under a name-derived pattern.
func (f *fixture) leaf(name string, size int, dests ...string) repo.Block {
	if len(dests) == 0 {
		dests = []string{"a"}
	}
	return f.block(f.data(name, size), "aes256", "rs-2-1", dests...)
}

func (f *fixture) superblock(children []repo.Block, sizes []int64, withOffsets bool) repo.Block {
	f.t.Helper()
	var sb repo.Block
	var buf bytes.Buffer
	var off int64
	for i, c := range children {
		sb.Hashes = append(sb.Hashes, c.Hash)
		if withOffsets {
			sb.Offsets = append(sb.Offsets, off)
		}
		off += sizes[i]
		buf.Write(c.Hash[:])
	}
	sb.Hash = repo.HashBytes(append(buf.Bytes(), 's'))
	sb.Created = f.now
	require.NoError(f.t, f.repo.AddBlock(sb))
	return sb
}

func offset(v int64) *int64 { return &v }

// file adds a version of path made of the given blocks and sizes. With
// offsets, each part's offset is recorded.
func (f *fixture) file(path string, added time.Time, withOffsets bool, blocks []repo.Block, sizes []int64) repo.File {
	f.t.Helper()
	file := repo.File{Path: path, Added: added, LastChanged: added}
	loc := repo.Location{Created: added}
	for i, b := range blocks {
		p := repo.FilePart{BlockHash: b.Hash}
		if withOffsets {
			p.Offset = offset(file.Length)
		}
		loc.Parts = append(loc.Parts, p)
		file.Length += sizes[i]
	}
	file.Locations = []repo.Location{loc}
	require.NoError(f.t, f.repo.AddFile(file))
	return file
}

func (f *fixture) dir(path string, added time.Time, children ...string) {
	f.t.Helper()
	require.NoError(f.t, f.repo.AddDirectory(repo.Directory{Path: path, Added: added, Children: children}))
}

func (f *fixture) hasBlock(h repo.Hash) bool {
	_, err := f.repo.Block(h)
	return err == nil
}

func (f *fixture) getBlock(h repo.Hash) repo.Block {
	f.t.Helper()
	b, err := f.repo.Block(h)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) files() []repo.File {
	var fs []repo.File
	require.NoError(f.t, f.repo.ForEachFile(func(file repo.File) error {
		fs = append(fs, file)
		return nil
	}))
	return fs
}

func (f *fixture) blocks() []repo.Block {
	var bs []repo.Block
	require.NoError(f.t, f.repo.ForEachBlock(func(b repo.Block) error {
		bs = append(bs, b)
		return nil
	}))
	return bs
}

// referencedKeys returns the part keys at dest that storage records
// refer to, sorted.
func (f *fixture) referencedKeys(dest string) []string {
	var keys []string
	for _, b := range f.blocks() {
		for _, s := range b.Storage {
			if s.Destination == dest {
				for _, k := range s.Parts {
					if k != "" {
						keys = append(keys, k)
					}
				}
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// readable reports whether every storage record of b decodes to its
// contents.
func (f *fixture) readable(b repo.Block) bool {
	for _, s := range b.Storage {
		if _, err := f.env.readStorage(context.Background(), b.Hash, s); err != nil {
			return false
		}
	}
	return len(b.Storage) > 0
}

///////////////////////////////////////////////////////////////////////////

var errTransient = errors.New("transient I/O error")

// faultyRepo passes everything through to a repository, except that
// fault is called first for block and directory lookups ("block",
// "latest-dir") and scratch map writes ("tmp-put", keyed by the map's
// name); if it returns an error, the operation fails with it.
type faultyRepo struct {
	repo.Repository
	mu    sync.Mutex
	fault func(op, key string) error
}

func (r *faultyRepo) check(op, key string) error {
	r.mu.Lock()
	f := r.fault
	r.mu.Unlock()
	if f != nil {
		return f(op, key)
	}
	return nil
}

func (r *faultyRepo) Block(h repo.Hash) (repo.Block, error) {
	if err := r.check("block", h.String()); err != nil {
		return repo.Block{}, err
	}
	return r.Repository.Block(h)
}

func (r *faultyRepo) LatestDirectory(path string) (repo.Directory, error) {
	if err := r.check("latest-dir", path); err != nil {
		return repo.Directory{}, err
	}
	return r.Repository.LatestDirectory(path)
}

func (r *faultyRepo) TempMap(name string) (repo.TempMap, error) {
	m, err := r.Repository.TempMap(name)
	if err != nil {
		return nil, err
	}
	return &faultyTempMap{TempMap: m, r: r, name: name}, nil
}

type faultyTempMap struct {
	repo.TempMap
	r    *faultyRepo
	name string
}

func (m *faultyTempMap) Put(key, value []byte) error {
	if err := m.r.check("tmp-put", m.name); err != nil {
		return err
	}
	return m.TempMap.Put(key, value)
}

// injectRepoFault makes the code under test see the fixture's
// repository through fault. The fixture's own helpers are unaffected.
func (f *fixture) injectRepoFault(fault func(op, key string) error) {
	f.env.Repo = &faultyRepo{Repository: f.repo, fault: fault}
}

// failOnce returns a fault that fails the first op on key, or on any key
// if key is "".
func failOnce(op, key string) func(string, string) error {
	var fired atomic.Bool
	return func(o, k string) error {
		if o == op && (key == "" || k == key) && fired.CompareAndSwap(false, true) {
			return errTransient
		}
		return nil
	}
}

///////////////////////////////////////////////////////////////////////////

// legacy is an encryptor whose records need their properties filled in
// after the fact.
type legacy struct{}

func (legacy) ID() string { return "legacy" }

func (legacy) EncryptBlock(p []byte) ([]byte, map[string]string, error) {
	return append([]byte(nil), p...), nil, nil
}

func (legacy) DecodeBlock(s repo.Storage, data []byte) ([]byte, error) {
	if want, ok := s.Properties["len"]; ok && want != fmt.Sprint(len(data)) {
		return nil, crypt.ErrCorrupt
	}
	return append([]byte(nil), data...), nil
}

func (legacy) ValidStorage(s repo.Storage) bool { return true }

func (legacy) NeedsBackfill(s repo.Storage) bool { return s.Properties["len"] == "" }

func (legacy) BackfillEncryption(s repo.Storage, p []byte) (repo.Storage, error) {
	s = s.Clone()
	if s.Properties == nil {
		s.Properties = make(map[string]string)
	}
	s.Properties["len"] = fmt.Sprint(len(p))
	return s, nil
}

///////////////////////////////////////////////////////////////////////////

func TestOwner(t *testing.T) {
	sets := []BackupSet{
		{ID: "home", Roots: []string{"/home"}},
		{ID: "src", Roots: []string{"/home/src/", "/opt/src"}},
	}
	assert.Equal(t, "home", owner(sets, "/home/a/b").ID)
	assert.Equal(t, "src", owner(sets, "/home/src/x").ID)
	assert.Equal(t, "src", owner(sets, "/opt/src/").ID)
	assert.Nil(t, owner(sets, "/homestead/x"))
	assert.Nil(t, owner(sets, "/etc/passwd"))
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "completed", Status(nil, 0))
	assert.Equal(t, "completed; refreshed 3 blocks", Status(nil, 3))
	assert.Equal(t, "cancelled", Status(ErrCancelled, 0))
	assert.Equal(t, "cancelled; refreshed 2 blocks", Status(fmt.Errorf("x: %w", ErrCancelled), 2))
	assert.Contains(t, Status(fmt.Errorf("disk on fire"), 0), "failed")
	assert.ErrorIs(t, ErrCancelled, context.Canceled)
}

func TestSizeBound(t *testing.T) {
	f := newFixture(t)
	x, y := f.leaf("x", 100), f.leaf("y", 50)

	n, err := f.env.sizeBound(x.Hash, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), n)

	sb := f.superblock([]repo.Block{x, y}, []int64{100, 50}, true)
	var leaves []repo.Hash
	n, err = f.env.sizeBound(sb.Hash, func(b repo.Block) error {
		leaves = append(leaves, b.Hash)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100+1024), n)
	assert.Equal(t, []repo.Hash{x.Hash, y.Hash}, leaves)

	// Superblocks must have offsets.
	bare := f.superblock([]repo.Block{x, y}, []int64{100, 50}, false)
	_, err = f.env.sizeBound(bare.Hash, nil)
	assert.ErrorIs(t, err, errMalformed)

	// A superblock that includes itself.
	loop := repo.Block{Hash: repo.HashBytes([]byte("loop"))}
	loop.Hashes = []repo.Hash{x.Hash, loop.Hash}
	loop.Offsets = []int64{0, 100}
	require.NoError(t, f.repo.AddBlock(loop))
	_, err = f.env.sizeBound(loop.Hash, nil)
	assert.ErrorIs(t, err, errCycle)

	_, err = f.env.sizeBound(repo.HashBytes([]byte("nope")), nil)
	assert.ErrorIs(t, err, errMissingBlock)
}

func TestReadWriteStorage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := f.data("hello", 3000)
	h := repo.HashBytes(data)

	for _, enc := range []string{"none", "aes256", "legacy"} {
		for _, ec := range []string{"none", "rs-2-1"} {
			avoid := map[string]bool{partKey(h, 0): true, partKey(h, 2): true}
			s, n, err := f.env.writeStorage(ctx, h, repo.Storage{Destination: "b",
				Encryption: enc, ErasureCoding: ec}, data, avoid)
			require.NoError(t, err)
			assert.Greater(t, n, int64(0))
			assert.Equal(t, partKey(h, 1), s.Parts[0], "lowest free index is used first")
			for _, k := range s.Parts {
				assert.NotEqual(t, partKey(h, 0), k)
				assert.NotEqual(t, partKey(h, 2), k)
			}
			got, err := f.env.readStorage(ctx, h, s)
			require.NoError(t, err, "%s/%s", enc, ec)
			assert.Equal(t, data, got)

			// Reading with the wrong hash means the data is corrupt.
			_, err = f.env.readStorage(ctx, repo.HashBytes([]byte("other")), s)
			assert.ErrorIs(t, err, errDataLost)

			for _, k := range s.Parts {
				require.NoError(t, f.dests["b"].Delete(ctx, k))
			}
		}
	}

	// A failed upload leaves nothing behind.
	f.dests["b"].InjectFault(func(op, key string) error {
		if op == "upload" && key == partKey(h, 1) {
			return fmt.Errorf("network unreachable")
		}
		return nil
	})
	_, _, err := f.env.writeStorage(ctx, h, repo.Storage{Destination: "b", Encryption: "none",
		ErasureCoding: "rs-2-1"}, data, make(map[string]bool))
	assert.Error(t, err)
	assert.Empty(t, f.dests["b"].Keys())
}
