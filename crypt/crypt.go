// crypt/crypt.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package crypt implements the algorithms that blocks are encrypted with
// before being erasure coded and uploaded. Each algorithm has an id that
// is recorded in the storage records it produces; a Registry maps ids
// back to algorithms.
package crypt

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mmp/bkstore/repo"
)

var (
	ErrUnknownAlgorithm = errors.New("unknown encryption algorithm")
	ErrCorrupt          = errors.New("block data corrupt")
)

// Encryptor is a block encryption algorithm.
type Encryptor interface {
	// ID returns the identifier recorded in storage records.
	ID() string

	// EncryptBlock returns the bytes to store for the given plaintext
	// and the properties to record alongside them.
	EncryptBlock(plaintext []byte) (data []byte, props map[string]string, err error)

	// DecodeBlock recovers the plaintext from data stored under s.
	DecodeBlock(s repo.Storage, data []byte) ([]byte, error)

	// ValidStorage reports whether s's properties are well-formed for
	// this algorithm.
	ValidStorage(s repo.Storage) bool

	// NeedsBackfill reports whether s predates the current property
	// format.
	NeedsBackfill(s repo.Storage) bool

	// BackfillEncryption returns s with its properties brought up to
	// date given the block's plaintext. The stored bytes are unchanged.
	BackfillEncryption(s repo.Storage, plaintext []byte) (repo.Storage, error)
}

// Registry maps algorithm ids to Encryptors.
type Registry struct {
	mu  sync.RWMutex
	enc map[string]Encryptor
}

// NewRegistry returns a Registry holding the given algorithms.
func NewRegistry(encs ...Encryptor) *Registry {
	r := &Registry{enc: make(map[string]Encryptor)}
	for _, e := range encs {
		r.Register(e)
	}
	return r
}

func (r *Registry) Register(e Encryptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enc[e.ID()] = e
}

// Get returns the algorithm with the given id.
func (r *Registry) Get(id string) (Encryptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.enc[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrUnknownAlgorithm)
	}
	return e, nil
}

// IDs returns the ids of all registered algorithms, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id := range r.enc {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Decode decrypts data stored under s with whichever algorithm s names.
func (r *Registry) Decode(s repo.Storage, data []byte) ([]byte, error) {
	e, err := r.Get(s.Encryption)
	if err != nil {
		return nil, err
	}
	return e.DecodeBlock(s, data)
}

///////////////////////////////////////////////////////////////////////////
// none

// None stores blocks compressed but unencrypted.
type None struct{}

func (None) ID() string { return "none" }

func (None) EncryptBlock(plaintext []byte) ([]byte, map[string]string, error) {
	return compress(plaintext), nil, nil
}

func (None) DecodeBlock(s repo.Storage, data []byte) ([]byte, error) {
	return decompress(data)
}

func (None) ValidStorage(s repo.Storage) bool { return len(s.Properties) == 0 }

func (None) NeedsBackfill(s repo.Storage) bool { return false }

func (None) BackfillEncryption(s repo.Storage, plaintext []byte) (repo.Storage, error) {
	return s, nil
}
