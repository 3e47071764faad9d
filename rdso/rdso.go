// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package rdso provides the error-correction schemes that encrypted
// blocks are split with before upload, based on
// github.com/klauspost/reedsolomon. Each part carries a hash of its
// contents so that corrupt parts are detected and treated as missing.
package rdso

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/klauspost/reedsolomon"
	"github.com/mmp/bkstore/repo"
	"golang.org/x/crypto/sha3"
)

var (
	ErrTooFewParts   = errors.New("too few parts to reconstruct")
	ErrUnknownScheme = errors.New("unknown error-correction scheme")
)

// HashSize is the number of bytes in the hash values prepended to each
// part.
const HashSize = 32

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// Scheme splits data into parts such that a subset of them suffices to
// recover it.
type Scheme interface {
	// ID returns the identifier recorded in storage records.
	ID() string

	// Encode splits data into TotalParts parts. The template is the
	// storage record the parts will belong to.
	Encode(template repo.Storage, data []byte) ([][]byte, error)

	// Decode recovers the data from the parts of s; missing parts are
	// given as nil.
	Decode(s repo.Storage, parts [][]byte) ([]byte, error)

	// MinimumSufficientParts returns how many parts of s are needed to
	// recover its data.
	MinimumSufficientParts(s repo.Storage) int

	// TotalParts returns how many parts s has when complete.
	TotalParts(s repo.Storage) int
}

// Registry maps scheme ids to Schemes.
type Registry struct {
	mu      sync.RWMutex
	schemes map[string]Scheme
}

// NewRegistry returns a Registry holding the given schemes.
func NewRegistry(schemes ...Scheme) *Registry {
	r := &Registry{schemes: make(map[string]Scheme)}
	for _, s := range schemes {
		r.Register(s)
	}
	return r
}

func (r *Registry) Register(s Scheme) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemes[s.ID()] = s
}

// Get returns the scheme with the given id.
func (r *Registry) Get(id string) (Scheme, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemes[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrUnknownScheme)
	}
	return s, nil
}

// IDs returns the ids of all registered schemes, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id := range r.schemes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

///////////////////////////////////////////////////////////////////////////

func seal(b []byte) []byte {
	h := HashBytes(b)
	return append(h[:], b...)
}

// open returns the contents of a sealed part, or nil if it's missing or
// its hash doesn't match.
func open(p []byte) []byte {
	if len(p) < HashSize {
		return nil
	}
	var h Hash
	copy(h[:], p[:HashSize])
	if HashBytes(p[HashSize:]) != h {
		return nil
	}
	return p[HashSize:]
}

// None stores data as a single part.
type None struct{}

func (None) ID() string { return "none" }

func (None) Encode(template repo.Storage, data []byte) ([][]byte, error) {
	return [][]byte{seal(data)}, nil
}

func (None) Decode(s repo.Storage, parts [][]byte) ([]byte, error) {
	if len(parts) != 1 {
		return nil, fmt.Errorf("%d parts: %w", len(parts), ErrTooFewParts)
	}
	b := open(parts[0])
	if b == nil {
		return nil, ErrTooFewParts
	}
	return append([]byte(nil), b...), nil
}

func (None) MinimumSufficientParts(s repo.Storage) int { return 1 }

func (None) TotalParts(s repo.Storage) int { return 1 }

///////////////////////////////////////////////////////////////////////////
// Reed-Solomon

// ReedSolomon splits data into some number of data shards and computes
// additional parity shards; any set of shards as large as the number of
// data shards is enough to recover the data.
type ReedSolomon struct {
	nData, nParity int
	enc            reedsolomon.Encoder
}

// NewReedSolomon returns a scheme with the given numbers of data and
// parity shards.
func NewReedSolomon(nDataShards, nParityShards int) (*ReedSolomon, error) {
	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return nil, err
	}
	return &ReedSolomon{nData: nDataShards, nParity: nParityShards, enc: enc}, nil
}

func (rs *ReedSolomon) ID() string {
	return fmt.Sprintf("rs-%d-%d", rs.nData, rs.nParity)
}

func (rs *ReedSolomon) MinimumSufficientParts(s repo.Storage) int { return rs.nData }

func (rs *ReedSolomon) TotalParts(s repo.Storage) int { return rs.nData + rs.nParity }

func (rs *ReedSolomon) Encode(template repo.Storage, data []byte) ([][]byte, error) {
	// The length goes first so that the zero padding added by Split can
	// be removed when decoding.
	buf := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(buf, uint64(len(data)))
	copy(buf[8:], data)

	shards, err := rs.enc.Split(buf)
	if err != nil {
		return nil, err
	}
	if err := rs.enc.Encode(shards); err != nil {
		return nil, err
	}
	parts := make([][]byte, len(shards))
	for i, s := range shards {
		parts[i] = seal(s)
	}
	return parts, nil
}

func (rs *ReedSolomon) Decode(s repo.Storage, parts [][]byte) ([]byte, error) {
	if len(parts) != rs.nData+rs.nParity {
		return nil, fmt.Errorf("expected %d parts, got %d", rs.nData+rs.nParity, len(parts))
	}
	shards := make([][]byte, len(parts))
	present, size := 0, -1
	for i, p := range parts {
		if shards[i] = open(p); shards[i] == nil {
			continue
		}
		if size == -1 {
			size = len(shards[i])
		} else if len(shards[i]) != size {
			// Trust the majority size; mismatched shards are treated as
			// missing below by ReconstructData.
			shards[i] = nil
			continue
		}
		present++
	}
	if present < rs.nData {
		return nil, fmt.Errorf("%d of %d parts usable, need %d: %w", present,
			len(parts), rs.nData, ErrTooFewParts)
	}
	if err := rs.enc.ReconstructData(shards); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for _, s := range shards[:rs.nData] {
		buf.Write(s)
	}
	b := buf.Bytes()
	if len(b) < 8 {
		return nil, fmt.Errorf("reconstructed %d bytes: %w", len(b), ErrTooFewParts)
	}
	n := binary.LittleEndian.Uint64(b)
	if n > uint64(len(b)-8) {
		return nil, fmt.Errorf("length %d exceeds reconstructed %d bytes", n, len(b)-8)
	}
	return b[8 : 8+n], nil
}

// New returns the scheme with the given id: "none", or "rs-<data>-<parity>"
// for Reed-Solomon.
func New(id string) (Scheme, error) {
	if id == "none" {
		return None{}, nil
	}
	var nData, nParity int
	if n, err := fmt.Sscanf(id, "rs-%d-%d", &nData, &nParity); err != nil || n != 2 {
		return nil, fmt.Errorf("%q: %w", id, ErrUnknownScheme)
	}
	rs, err := NewReedSolomon(nData, nParity)
	if err != nil {
		return nil, err
	}
	if rs.ID() != id {
		return nil, fmt.Errorf("%q: %w", id, ErrUnknownScheme)
	}
	return rs, nil
}
