// repo/repo_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package repo

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func getRepos(t *testing.T) []Repository {
	t.Helper()
	b, err := OpenBolt(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return []Repository{NewMemory(), b}
}

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return epoch.Add(time.Duration(n) * 24 * time.Hour)
}

func offset(v int64) *int64 {
	return &v
}

func testFile(path string, added time.Time, hashes ...Hash) File {
	f := File{Path: path, Added: added, LastChanged: added}
	loc := Location{Created: added}
	var off int64
	for _, h := range hashes {
		loc.Parts = append(loc.Parts, FilePart{BlockHash: h, Offset: offset(off)})
		off += 10
	}
	f.Length = off
	f.Locations = []Location{loc}
	return f
}

func TestFileVersionsOrdered(t *testing.T) {
	ha, hb := HashBytes([]byte("a")), HashBytes([]byte("b"))
	for _, r := range getRepos(t) {
		require.NoError(t, r.AddFile(testFile("/x/b", day(2), hb)))
		require.NoError(t, r.AddFile(testFile("/x/a", day(3), ha)))
		require.NoError(t, r.AddFile(testFile("/x/a", day(1), ha, hb)))
		// A path that's a prefix of another must still group separately.
		require.NoError(t, r.AddFile(testFile("/x/a.txt", day(0), ha)))

		var seen []string
		require.NoError(t, r.ForEachFile(func(f File) error {
			seen = append(seen, f.Path+"@"+f.Added.Format("02"))
			return nil
		}))
		assert.Equal(t, []string{"/x/a@02", "/x/a@04", "/x/a.txt@01", "/x/b@03"}, seen, "%s", r)

		vs, err := r.FileVersions("/x/a")
		require.NoError(t, err)
		require.Len(t, vs, 2)
		assert.True(t, vs[0].Added.Equal(day(1)))
		require.NotNil(t, vs[0].Locations[0].Parts[0].Offset)
		assert.Equal(t, int64(0), *vs[0].Locations[0].Parts[0].Offset)
		assert.Equal(t, hb, vs[0].Locations[0].Parts[1].BlockHash)

		f, err := r.File("/x/a", day(3))
		require.NoError(t, err)
		assert.Equal(t, int64(10), f.Length)

		_, err = r.File("/x/a", day(9))
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestFilePartRefsFollowFiles(t *testing.T) {
	ha, hb := HashBytes([]byte("a")), HashBytes([]byte("b"))
	for _, r := range getRepos(t) {
		f := testFile("/f", day(0), ha, hb, ha)
		require.NoError(t, r.AddFile(f))

		refs := func() []FilePartRef {
			var rs []FilePartRef
			require.NoError(t, r.ForEachFilePart(func(ref FilePartRef) error {
				rs = append(rs, ref)
				return nil
			}))
			return rs
		}
		rs := refs()
		require.Len(t, rs, 2, "%s", r)
		for _, ref := range rs {
			assert.Equal(t, "/f", ref.Path)
			assert.True(t, ref.Added.Equal(day(0)))
		}

		// Rewriting the version replaces its references.
		f.Locations[0].Parts = f.Locations[0].Parts[:1]
		require.NoError(t, r.AddFile(f))
		rs = refs()
		require.Len(t, rs, 1)
		assert.Equal(t, ha, rs[0].BlockHash)

		require.NoError(t, r.DeleteFile(f))
		assert.Empty(t, refs())
		assert.ErrorIs(t, r.DeleteFile(f), ErrNotFound)
	}
}

func TestBlocks(t *testing.T) {
	for _, r := range getRepos(t) {
		h := HashBytes([]byte("block"))
		b := Block{
			Hash: h,
			Storage: []Storage{{
				Destination:   "d1",
				Encryption:    "aes256",
				ErasureCoding: "rs",
				Parts:         []string{"p0", "", "p2"},
				Created:       day(4),
				Properties:    map[string]string{"key": "abc"},
			}},
		}
		require.NoError(t, r.AddBlock(b))

		got, err := r.Block(h)
		require.NoError(t, err)
		assert.Equal(t, b.Storage[0].Parts, got.Storage[0].Parts)
		assert.True(t, got.Storage[0].HasNullParts())
		assert.Equal(t, "abc", got.Storage[0].Properties["key"])
		assert.False(t, got.IsSuperBlock())

		// Mutating the returned copy must not affect the stored block.
		got.Storage[0].Parts[0] = "zzz"
		again, err := r.Block(h)
		require.NoError(t, err)
		assert.Equal(t, "p0", again.Storage[0].Parts[0])

		require.NoError(t, r.DeleteBlock(h))
		_, err = r.Block(h)
		assert.ErrorIs(t, err, ErrNotFound, "%s", r)
	}
}

func TestDirectories(t *testing.T) {
	for _, r := range getRepos(t) {
		require.NoError(t, r.AddDirectory(Directory{Path: "/a", Added: day(1),
			Children: []string{"z", "b/"}}))
		require.NoError(t, r.AddDirectory(Directory{Path: "/a/", Added: day(2),
			Children: []string{"z"}}))
		require.NoError(t, r.AddDirectory(Directory{Path: "/ab/", Added: day(3)}))

		d, err := r.LatestDirectory("/a/")
		require.NoError(t, err, "%s", r)
		assert.True(t, d.Added.Equal(day(2)))
		assert.Equal(t, []string{"z"}, d.Children)

		ds, err := r.DirectoryVersions("/a")
		require.NoError(t, err)
		require.Len(t, ds, 2)
		assert.Equal(t, []string{"b/", "z"}, ds[0].Children)
		assert.True(t, ds[0].HasChild("b/"))
		assert.False(t, ds[0].HasChild("c"))

		// Same timestamp replaces the earlier snapshot.
		require.NoError(t, r.AddDirectory(Directory{Path: "/a/", Added: day(2),
			Children: []string{"y"}}))
		ds, err = r.DirectoryVersions("/a/")
		require.NoError(t, err)
		require.Len(t, ds, 2)
		assert.Equal(t, []string{"y"}, ds[1].Children)

		_, err = r.LatestDirectory("/nope/")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, r.DeleteDirectory(ds[1]))
		d, err = r.LatestDirectory("/a/")
		require.NoError(t, err)
		assert.True(t, d.Added.Equal(day(1)))

		n := 0
		require.NoError(t, r.ForEachDirectory(func(Directory) error {
			n++
			return nil
		}))
		assert.Equal(t, 2, n)
	}
}

func TestActivePathsAndCounts(t *testing.T) {
	for _, r := range getRepos(t) {
		a := ActivePath{SetID: "home", Path: "/home/", Started: day(0)}
		require.NoError(t, r.AddActivePath(a))
		require.NoError(t, r.AddActivePath(ActivePath{SetID: "etc", Path: "/etc/"}))
		as, err := r.ActivePaths()
		require.NoError(t, err)
		assert.Len(t, as, 2)
		require.NoError(t, r.DeleteActivePath(a))
		as, err = r.ActivePaths()
		require.NoError(t, err)
		require.Len(t, as, 1)
		assert.Equal(t, "etc", as[0].SetID)

		require.NoError(t, r.AddFile(testFile("/f", day(0), HashBytes([]byte("x")))))
		require.NoError(t, r.AddBlock(Block{Hash: HashBytes([]byte("x"))}))
		require.NoError(t, r.AddDirectory(Directory{Path: "/", Added: day(0)}))
		c, err := r.Counts()
		require.NoError(t, err)
		assert.Equal(t, Counts{Files: 1, Blocks: 1, FileParts: 1, Directories: 1}, c, "%s", r)
	}
}

func TestIterationAllowsWrites(t *testing.T) {
	for _, r := range getRepos(t) {
		for i := 0; i < 600; i++ {
			require.NoError(t, r.AddBlock(Block{Hash: HashBytes([]byte{byte(i), byte(i >> 8)})}))
		}
		n := 0
		require.NoError(t, r.ForEachBlock(func(b Block) error {
			n++
			return r.DeleteBlock(b.Hash)
		}))
		assert.Equal(t, 600, n, "%s", r)
		c, err := r.Counts()
		require.NoError(t, err)
		assert.Equal(t, int64(0), c.Blocks)

		// ErrStop ends iteration without an error.
		require.NoError(t, r.AddBlock(Block{Hash: HashBytes([]byte("a"))}))
		require.NoError(t, r.AddBlock(Block{Hash: HashBytes([]byte("b"))}))
		n = 0
		require.NoError(t, r.ForEachBlock(func(Block) error {
			n++
			return ErrStop
		}))
		assert.Equal(t, 1, n)
	}
}

func TestTempMap(t *testing.T) {
	for _, r := range getRepos(t) {
		m1, err := r.TempMap("used")
		require.NoError(t, err)
		m2, err := r.TempMap("used")
		require.NoError(t, err)

		require.NoError(t, m1.Put([]byte("k"), nil))
		require.NoError(t, m1.Put([]byte("k"), []byte("v")))
		require.NoError(t, m1.Put([]byte("j"), []byte("w")))
		assert.Equal(t, 2, m1.Len(), "%s", r)

		v, ok, err := m1.Get([]byte("k"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("v"), v)

		_, ok, err = m2.Get([]byte("k"))
		require.NoError(t, err)
		assert.False(t, ok, "temp maps with the same name must be independent")

		require.NoError(t, m1.Delete([]byte("j")))
		assert.Equal(t, 1, m1.Len())

		require.NoError(t, m1.Close())
		require.NoError(t, m2.Close())
	}
}

func TestLock(t *testing.T) {
	for _, r := range getRepos(t) {
		unlock, err := r.Lock()
		require.NoError(t, err)
		acquired := make(chan struct{})
		go func() {
			u, err := r.Lock()
			if err == nil {
				u()
			}
			close(acquired)
		}()
		select {
		case <-acquired:
			t.Fatalf("%s: lock acquired twice", r)
		case <-time.After(20 * time.Millisecond):
		}
		unlock()
		<-acquired
	}
}

func TestBoltPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	b, err := OpenBolt(path)
	require.NoError(t, err)
	b.SetBackgroundFlush(false)
	h := HashBytes([]byte("persist"))
	require.NoError(t, b.AddBlock(Block{Hash: h, Hashes: []Hash{h}, Offsets: []int64{0}}))
	tm, err := b.TempMap("scratch")
	require.NoError(t, err)
	require.NoError(t, tm.Put([]byte("a"), []byte("b")))
	require.NoError(t, b.Close())

	b, err = OpenBolt(path)
	require.NoError(t, err)
	defer b.Close()
	blk, err := b.Block(h)
	require.NoError(t, err)
	assert.True(t, blk.IsSuperBlock())
	assert.True(t, blk.HasOffsets())

	// Scratch buckets don't survive reopening.
	err = b.view(func(tx *bolt.Tx) error {
		n := 0
		tx.ForEach(func([]byte, *bolt.Bucket) error { n++; return nil })
		assert.Equal(t, 5, n)
		return nil
	})
	require.NoError(t, err)
}

func TestSplitPath(t *testing.T) {
	for _, c := range []struct{ in, parent, name string }{
		{"/a/b/c", "/a/b/", "c"},
		{"/a/", "/", "a/"},
		{"/a", "/", "a"},
		{"/", "", ""},
	} {
		p, n := SplitPath(c.in)
		assert.Equal(t, c.parent, p, c.in)
		assert.Equal(t, c.name, n, c.in)
	}
	assert.Equal(t, "/x/", DirPath("/x"))
	assert.Equal(t, "/", DirPath(""))
}

func TestParseHash(t *testing.T) {
	h := HashBytes([]byte("hello"))
	p, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, p)
	_, err = ParseHash("abcd")
	assert.Error(t, err)
}
