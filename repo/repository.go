// repo/repository.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package repo defines the metadata repository that tracks files,
// directory snapshots, and the blocks that store their contents, along
// with in-memory and on-disk (bbolt) implementations of it.
package repo

import (
	"encoding/binary"
	"errors"
	"sort"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("repository closed")
)

// ErrStop may be returned from a ForEach callback to end iteration early
// without an error being reported to the caller.
var ErrStop = errors.New("stop iteration")

// Counts gives the number of records of each kind in a repository.
type Counts struct {
	Files       int64
	Blocks      int64
	FileParts   int64
	Directories int64
}

// TempMap is a short-lived key/value scratch space, separate from the
// primary catalog. All of its contents are discarded by Close.
type TempMap interface {
	Get(key []byte) (value []byte, ok bool, err error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Len() int
	Close() error
}

// Repository is the metadata store. Each Add/Delete call is atomic on
// its own; there are no multi-record transactions. Iteration callbacks
// may modify the repository.
//
// File versions are visited ordered by path and then by Added time;
// directory versions by path and then by Added time. A directory
// snapshot is keyed by (Path, Added): adding a second snapshot with the
// same timestamp replaces the first.
type Repository interface {
	ForEachFile(fn func(File) error) error
	File(path string, added time.Time) (File, error)
	FileVersions(path string) ([]File, error)
	AddFile(f File) error
	DeleteFile(f File) error

	ForEachBlock(fn func(Block) error) error
	Block(hash Hash) (Block, error)
	AddBlock(b Block) error
	DeleteBlock(hash Hash) error

	ForEachFilePart(fn func(FilePartRef) error) error
	DeleteFilePart(ref FilePartRef) error

	ForEachDirectory(fn func(Directory) error) error
	DirectoryVersions(path string) ([]Directory, error)
	LatestDirectory(path string) (Directory, error)
	AddDirectory(d Directory) error
	DeleteDirectory(d Directory) error

	ActivePaths() ([]ActivePath, error)
	AddActivePath(a ActivePath) error
	DeleteActivePath(a ActivePath) error

	// Lock takes the repository-wide advisory lock, returning a function
	// that releases it.
	Lock() (unlock func(), err error)

	// TempMap returns a new scratch map; the name is only used to keep
	// concurrently open maps apart.
	TempMap(name string) (TempMap, error)

	Counts() (Counts, error)

	// SetBackgroundFlush enables or disables periodic background syncing
	// of buffered writes.
	SetBackgroundFlush(enabled bool)

	Close() error
}

///////////////////////////////////////////////////////////////////////////
// Keys shared by the implementations.

func timeKey(t time.Time) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UnixNano()))
	return b[:]
}

func keyTime(b []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(b))).UTC()
}

// versionKey orders records by path and then time; paths never contain
// a NUL byte, so a path sorts before any path it's a prefix of.
func versionKey(path string, t time.Time) []byte {
	k := make([]byte, 0, len(path)+9)
	k = append(k, path...)
	k = append(k, 0)
	return append(k, timeKey(t)...)
}

func pathPrefix(path string) []byte {
	return append([]byte(path), 0)
}

func filePartKey(r FilePartRef) []byte {
	k := append([]byte(nil), r.BlockHash[:]...)
	return append(k, versionKey(r.Path, r.Added)...)
}

func activePathKey(a ActivePath) []byte {
	k := append([]byte(a.SetID), 0)
	return append(k, a.Path...)
}

// fileRefs returns the index entries for the blocks a file references.
func fileRefs(f File) []FilePartRef {
	var refs []FilePartRef
	for _, h := range f.BlockHashes() {
		refs = append(refs, FilePartRef{BlockHash: h, Path: f.Path, Added: f.Added})
	}
	return refs
}

func normalizeDirectory(d Directory) Directory {
	d = d.Clone()
	d.Path = DirPath(d.Path)
	sort.Strings(d.Children)
	return d
}
