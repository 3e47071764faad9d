// repo/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package repo

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is a Repository that keeps everything in RAM. It's mostly
// useful for testing code built on top of Repository and for one-off
// runs against a catalog that doesn't need to persist.
type Memory struct {
	mu     sync.RWMutex
	closed bool
	files  map[string]File
	blocks map[string]Block
	parts  map[string]FilePartRef
	dirs   map[string]Directory
	active map[string]ActivePath
	flush  bool

	lock sync.Mutex
}

var _ Repository = (*Memory)(nil)

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		files:  make(map[string]File),
		blocks: make(map[string]Block),
		parts:  make(map[string]FilePartRef),
		dirs:   make(map[string]Directory),
		active: make(map[string]ActivePath),
		flush:  true,
	}
}

func (m *Memory) String() string {
	return "memory"
}

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}

// forEachSorted calls fn for each value in src in key order. The keys are
// snapshotted up front so that fn may freely modify the repository;
// entries removed after the snapshot are skipped.
func forEachSorted[V any](m *Memory, src map[string]V, fn func(V) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	for _, k := range keys {
		m.mu.RLock()
		v, ok := src[k]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if err := fn(v); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// withPrefix returns the values of src whose keys start with prefix, in
// key order. The caller must hold m.mu.
func withPrefix[V any](src map[string]V, prefix string) []V {
	var keys []string
	for k := range src {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	vals := make([]V, len(keys))
	for i, k := range keys {
		vals[i] = src[k]
	}
	return vals
}

func (m *Memory) write(f func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return f()
}

///////////////////////////////////////////////////////////////////////////
// Files

func (m *Memory) ForEachFile(fn func(File) error) error {
	return forEachSorted(m, m.files, func(f File) error { return fn(f.Clone()) })
}

func (m *Memory) File(path string, added time.Time) (File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[string(versionKey(path, added))]
	if !ok {
		return File{}, fmt.Errorf("%s@%s: %w", path, added.Format(time.RFC3339), ErrNotFound)
	}
	return f.Clone(), nil
}

func (m *Memory) FileVersions(path string) ([]File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var fs []File
	for _, f := range withPrefix(m.files, string(pathPrefix(path))) {
		fs = append(fs, f.Clone())
	}
	return fs, nil
}

func (m *Memory) AddFile(f File) error {
	return m.write(func() error {
		k := string(versionKey(f.Path, f.Added))
		if old, ok := m.files[k]; ok {
			m.dropRefs(old)
		}
		m.files[k] = f.Clone()
		for _, r := range fileRefs(f) {
			m.parts[string(filePartKey(r))] = r
		}
		return nil
	})
}

func (m *Memory) DeleteFile(f File) error {
	return m.write(func() error {
		k := string(versionKey(f.Path, f.Added))
		old, ok := m.files[k]
		if !ok {
			return fmt.Errorf("%s: %w", f.Path, ErrNotFound)
		}
		m.dropRefs(old)
		delete(m.files, k)
		return nil
	})
}

func (m *Memory) dropRefs(f File) {
	for _, r := range fileRefs(f) {
		delete(m.parts, string(filePartKey(r)))
	}
}

///////////////////////////////////////////////////////////////////////////
// Blocks

func (m *Memory) ForEachBlock(fn func(Block) error) error {
	return forEachSorted(m, m.blocks, func(b Block) error { return fn(b.Clone()) })
}

func (m *Memory) Block(hash Hash) (Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[string(hash[:])]
	if !ok {
		return Block{}, fmt.Errorf("block %s: %w", hash.Short(), ErrNotFound)
	}
	return b.Clone(), nil
}

func (m *Memory) AddBlock(b Block) error {
	return m.write(func() error {
		m.blocks[string(b.Hash[:])] = b.Clone()
		return nil
	})
}

func (m *Memory) DeleteBlock(hash Hash) error {
	return m.write(func() error {
		if _, ok := m.blocks[string(hash[:])]; !ok {
			return fmt.Errorf("block %s: %w", hash.Short(), ErrNotFound)
		}
		delete(m.blocks, string(hash[:]))
		return nil
	})
}

///////////////////////////////////////////////////////////////////////////
// File part references

func (m *Memory) ForEachFilePart(fn func(FilePartRef) error) error {
	return forEachSorted(m, m.parts, fn)
}

func (m *Memory) DeleteFilePart(ref FilePartRef) error {
	return m.write(func() error {
		delete(m.parts, string(filePartKey(ref)))
		return nil
	})
}

///////////////////////////////////////////////////////////////////////////
// Directories

func (m *Memory) ForEachDirectory(fn func(Directory) error) error {
	return forEachSorted(m, m.dirs, func(d Directory) error { return fn(d.Clone()) })
}

func (m *Memory) DirectoryVersions(path string) ([]Directory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var ds []Directory
	for _, d := range withPrefix(m.dirs, string(pathPrefix(DirPath(path)))) {
		ds = append(ds, d.Clone())
	}
	return ds, nil
}

func (m *Memory) LatestDirectory(path string) (Directory, error) {
	ds, err := m.DirectoryVersions(path)
	if err != nil {
		return Directory{}, err
	}
	if len(ds) == 0 {
		return Directory{}, fmt.Errorf("directory %s: %w", path, ErrNotFound)
	}
	return ds[len(ds)-1], nil
}

func (m *Memory) AddDirectory(d Directory) error {
	d = normalizeDirectory(d)
	return m.write(func() error {
		m.dirs[string(versionKey(d.Path, d.Added))] = d
		return nil
	})
}

func (m *Memory) DeleteDirectory(d Directory) error {
	return m.write(func() error {
		k := string(versionKey(DirPath(d.Path), d.Added))
		if _, ok := m.dirs[k]; !ok {
			return fmt.Errorf("directory %s: %w", d.Path, ErrNotFound)
		}
		delete(m.dirs, k)
		return nil
	})
}

///////////////////////////////////////////////////////////////////////////
// Active paths

func (m *Memory) ActivePaths() ([]ActivePath, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return withPrefix(m.active, ""), nil
}

func (m *Memory) AddActivePath(a ActivePath) error {
	return m.write(func() error {
		m.active[string(activePathKey(a))] = a
		return nil
	})
}

func (m *Memory) DeleteActivePath(a ActivePath) error {
	return m.write(func() error {
		delete(m.active, string(activePathKey(a)))
		return nil
	})
}

///////////////////////////////////////////////////////////////////////////
// Everything else

func (m *Memory) Lock() (func(), error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	m.lock.Lock()
	return m.lock.Unlock, nil
}

func (m *Memory) TempMap(name string) (TempMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return &memTemp{m: make(map[string][]byte)}, nil
}

func (m *Memory) Counts() (Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Counts{}, ErrClosed
	}
	return Counts{
		Files:       int64(len(m.files)),
		Blocks:      int64(len(m.blocks)),
		FileParts:   int64(len(m.parts)),
		Directories: int64(len(m.dirs)),
	}, nil
}

func (m *Memory) SetBackgroundFlush(enabled bool) {
	m.mu.Lock()
	m.flush = enabled
	m.mu.Unlock()
}

// BackgroundFlush reports the most recent SetBackgroundFlush setting.
func (m *Memory) BackgroundFlush() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flush
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memTemp struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (t *memTemp) Get(key []byte) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		return nil, false, ErrClosed
	}
	v, ok := t.m[string(key)]
	if !ok {
		return nil, false, nil
	}
	return dupe(v), true, nil
}

func (t *memTemp) Put(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		return ErrClosed
	}
	t.m[string(key)] = dupe(value)
	return nil
}

func (t *memTemp) Delete(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		return ErrClosed
	}
	delete(t.m, string(key))
	return nil
}

func (t *memTemp) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

func (t *memTemp) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m = nil
	return nil
}
