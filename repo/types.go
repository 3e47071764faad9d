// repo/types.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package repo

import (
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

///////////////////////////////////////////////////////////////////////////
// Hashing

// HashSize is the number of bytes in the hash values that identify blocks.
const HashSize = 32

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// String returns the given Hash as a hexidecimal-encoded string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns an abbreviated form of the hash for log messages.
func (h Hash) Short() string {
	return h.String()[:12]
}

// MarshalText encodes the hash in hexidecimal so that records holding
// hashes serialize compactly.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	v, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// ParseHash decodes a hexidecimal-encoded hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("%s: expected %d bytes, got %d", s, HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

///////////////////////////////////////////////////////////////////////////
// Blocks and their storage

// Storage describes one replica of a block at a single destination: how
// it was encrypted, how it was split into parts, and where those parts
// live.
type Storage struct {
	Destination   string
	Encryption    string
	ErasureCoding string
	// Remote keys of the parts, in erasure-coding order. An empty string
	// is a null entry left behind by a part upload that never finished.
	Parts      []string
	Created    time.Time
	Properties map[string]string
}

// HasNullParts reports whether any part entry is missing.
func (s Storage) HasNullParts() bool {
	for _, p := range s.Parts {
		if p == "" {
			return true
		}
	}
	return len(s.Parts) == 0
}

// SameRecord reports whether o describes the same physical replica as s.
func (s Storage) SameRecord(o Storage) bool {
	if s.Destination != o.Destination || len(s.Parts) != len(o.Parts) {
		return false
	}
	for i := range s.Parts {
		if s.Parts[i] != o.Parts[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the storage record.
func (s Storage) Clone() Storage {
	c := s
	c.Parts = append([]string(nil), s.Parts...)
	if s.Properties != nil {
		c.Properties = make(map[string]string, len(s.Properties))
		for k, v := range s.Properties {
			c.Properties[k] = v
		}
	}
	return c
}

// Block is a content-addressed unit of stored data. A superblock has no
// storage of its own; its contents are the concatenation of its children.
type Block struct {
	Hash    Hash
	Storage []Storage
	// Superblock children and their byte offsets within the logical
	// block. Offsets is nil for superblocks written before offsets were
	// recorded.
	Hashes  []Hash
	Offsets []int64
	Created time.Time
}

// IsSuperBlock reports whether the block is a list of other blocks.
func (b Block) IsSuperBlock() bool {
	return len(b.Hashes) > 0
}

// HasOffsets reports whether a superblock carries a complete offset list.
func (b Block) HasOffsets() bool {
	return len(b.Offsets) == len(b.Hashes)
}

// Clone returns a deep copy of the block.
func (b Block) Clone() Block {
	c := b
	c.Storage = make([]Storage, len(b.Storage))
	for i, s := range b.Storage {
		c.Storage[i] = s.Clone()
	}
	c.Hashes = append([]Hash(nil), b.Hashes...)
	if b.Offsets != nil {
		c.Offsets = append([]int64(nil), b.Offsets...)
	}
	return c
}

///////////////////////////////////////////////////////////////////////////
// Files

// FilePart references a block at a byte offset within a file. Offset is
// nil for parts recorded before offsets were tracked.
type FilePart struct {
	BlockHash Hash
	Offset    *int64
}

// Location is one complete way of reconstructing a file's contents.
type Location struct {
	Parts   []FilePart
	Created time.Time
}

// HasOffsets reports whether every part of the location has an offset.
func (l Location) HasOffsets() bool {
	for _, p := range l.Parts {
		if p.Offset == nil {
			return false
		}
	}
	return true
}

// File is one version of a file in the backup; versions of the same path
// are distinguished by Added.
type File struct {
	Path        string
	Length      int64
	LastChanged time.Time
	Added       time.Time
	Deleted     *time.Time
	Locations   []Location
}

// IsDeleted reports whether the file has been marked as deleted.
func (f File) IsDeleted() bool {
	return f.Deleted != nil
}

// Clone returns a deep copy of the file.
func (f File) Clone() File {
	c := f
	if f.Deleted != nil {
		d := *f.Deleted
		c.Deleted = &d
	}
	c.Locations = make([]Location, len(f.Locations))
	for i, l := range f.Locations {
		nl := Location{Created: l.Created, Parts: make([]FilePart, len(l.Parts))}
		for j, p := range l.Parts {
			nl.Parts[j] = FilePart{BlockHash: p.BlockHash}
			if p.Offset != nil {
				o := *p.Offset
				nl.Parts[j].Offset = &o
			}
		}
		c.Locations[i] = nl
	}
	return c
}

// BlockHashes returns the distinct block hashes referenced directly by
// the file's locations.
func (f File) BlockHashes() []Hash {
	seen := make(map[Hash]struct{})
	var hashes []Hash
	for _, l := range f.Locations {
		for _, p := range l.Parts {
			if _, ok := seen[p.BlockHash]; !ok {
				seen[p.BlockHash] = struct{}{}
				hashes = append(hashes, p.BlockHash)
			}
		}
	}
	return hashes
}

// FilePartRef records that a file version references a block.
type FilePartRef struct {
	BlockHash Hash
	Path      string
	Added     time.Time
}

///////////////////////////////////////////////////////////////////////////
// Directories

// Directory is one snapshot of the immediate children of a directory.
// Directory paths end in "/"; children that are directories do as well.
type Directory struct {
	Path     string
	Added    time.Time
	Children []string
	Deleted  *time.Time
}

// Clone returns a deep copy of the directory.
func (d Directory) Clone() Directory {
	c := d
	c.Children = append([]string(nil), d.Children...)
	if d.Deleted != nil {
		t := *d.Deleted
		c.Deleted = &t
	}
	return c
}

// HasChild reports whether name is one of the directory's children.
func (d Directory) HasChild(name string) bool {
	i := sort.SearchStrings(d.Children, name)
	return i < len(d.Children) && d.Children[i] == name
}

// ActivePath marks a path that a backup set is currently scanning.
type ActivePath struct {
	SetID   string
	Path    string
	Started time.Time
}

///////////////////////////////////////////////////////////////////////////
// Paths

// DirPath normalizes a directory path so that it ends in "/".
func DirPath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasSuffix(p, "/") {
		return p + "/"
	}
	return p
}

// SplitPath returns the parent directory of p (ending in "/") and the
// name p has in that directory. Directory paths keep their trailing "/"
// in the returned name. The root has no parent and returns ("", "").
func SplitPath(p string) (parent, name string) {
	if p == "/" || p == "" {
		return "", ""
	}
	isDir := strings.HasSuffix(p, "/")
	trimmed := strings.TrimSuffix(p, "/")
	dir, base := path.Split(trimmed)
	if isDir {
		base += "/"
	}
	return DirPath(dir), base
}
