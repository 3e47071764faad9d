// maint/blocks.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package maint

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/mmp/bkstore/crypt"
	"github.com/mmp/bkstore/rdso"
	"github.com/mmp/bkstore/repo"
	"github.com/mmp/bkstore/storage"
	"golang.org/x/sync/errgroup"
)

// Superblocks nested deeper than this are treated as corrupt.
const maxSuperblockDepth = 64

var (
	errMissingBlock = errors.New("block not in repository")
	errMalformed    = errors.New("malformed superblock")
	errCycle        = errors.New("superblock cycle")
	errShort        = errors.New("blocks too small for file")

	// errDataLost means that a storage record's contents can't be
	// recovered no matter how often it's retried.
	errDataLost = errors.New("stored data unrecoverable")
)

///////////////////////////////////////////////////////////////////////////
// Superblock expansion

// sizeBound expands the block h, calling leaf for each non-superblock
// reached, and returns an upper bound on the block's plaintext size. A
// superblock must carry offsets for all of its children; its bound is
// its last child's offset plus that child's bound.
func (e *Env) sizeBound(h repo.Hash, leaf func(repo.Block) error) (int64, error) {
	return e.sizeBoundRec(h, make(map[repo.Hash]bool), 0, leaf)
}

func (e *Env) sizeBoundRec(h repo.Hash, ancestors map[repo.Hash]bool, depth int,
	leaf func(repo.Block) error) (int64, error) {
	if ancestors[h] {
		return 0, fmt.Errorf("%s: %w", h.Short(), errCycle)
	}
	if depth > maxSuperblockDepth {
		return 0, fmt.Errorf("%s: nested %d deep: %w", h.Short(), depth, errCycle)
	}
	b, err := e.Repo.Block(h)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, fmt.Errorf("%s: %w", h.Short(), errMissingBlock)
	} else if err != nil {
		return 0, err
	}

	if !b.IsSuperBlock() {
		if len(b.Offsets) > 0 {
			return 0, fmt.Errorf("%s: offsets without hashes: %w", h.Short(), errMalformed)
		}
		if leaf != nil {
			if err := leaf(b); err != nil {
				return 0, err
			}
		}
		return e.MaximumBlockSize, nil
	}
	if !b.HasOffsets() {
		return 0, fmt.Errorf("%s: %d hashes, %d offsets: %w", h.Short(), len(b.Hashes),
			len(b.Offsets), errMalformed)
	}

	ancestors[h] = true
	defer delete(ancestors, h)
	var bound int64
	for i, child := range b.Hashes {
		cb, err := e.sizeBoundRec(child, ancestors, depth+1, leaf)
		if err != nil {
			return 0, err
		}
		if i == len(b.Hashes)-1 {
			bound = b.Offsets[i] + cb
		}
	}
	return bound, nil
}

// markReachable calls visit for h and everything reachable from it
// through superblocks. visit returns false for blocks already seen,
// which aren't expanded again. Missing blocks are skipped.
func (e *Env) markReachable(h repo.Hash, visit func(repo.Hash) (bool, error)) error {
	return e.markReachableRec(h, visit, 0)
}

func (e *Env) markReachableRec(h repo.Hash, visit func(repo.Hash) (bool, error), depth int) error {
	if depth > maxSuperblockDepth {
		return fmt.Errorf("%s: nested %d deep: %w", h.Short(), depth, errCycle)
	}
	if isNew, err := visit(h); err != nil || !isNew {
		return err
	}
	b, err := e.Repo.Block(h)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	for _, child := range b.Hashes {
		if err := e.markReachableRec(child, visit, depth+1); err != nil {
			return err
		}
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Reading and writing block data

// partKey returns the key that the index'th part of a block is
// suggested to be stored under.
func partKey(h repo.Hash, index int) string {
	s := h.String()
	return fmt.Sprintf("%s/%s.%d", s[:2], s, index)
}

// readStorage downloads, decodes, and decrypts the block h from the
// single storage record s. Errors that retrying can't fix wrap
// errDataLost.
func (e *Env) readStorage(ctx context.Context, h repo.Hash, s repo.Storage) ([]byte, error) {
	dest, ok := e.Destinations[s.Destination]
	if !ok {
		return nil, fmt.Errorf("%s: destination not configured", s.Destination)
	}
	scheme, err := e.Erasure.Get(s.ErasureCoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errDataLost, err)
	}

	parts := make([][]byte, len(s.Parts))
	var mu sync.Mutex
	var transient error
	var g errgroup.Group
	for i, key := range s.Parts {
		if key == "" {
			continue
		}
		g.Go(func() error {
			b, err := dest.Download(ctx, key)
			if err != nil {
				if !errors.Is(err, storage.ErrNotFound) {
					mu.Lock()
					transient = err
					mu.Unlock()
				}
				e.Log.Debug("%s: %s: %s", dest, key, err)
				return nil
			}
			parts[i] = b
			return nil
		})
	}
	_ = g.Wait()

	data, err := scheme.Decode(s, parts)
	if err != nil {
		if transient != nil && errors.Is(err, rdso.ErrTooFewParts) {
			return nil, fmt.Errorf("%s: %w", dest, transient)
		}
		return nil, fmt.Errorf("%s: %w: %v", dest, errDataLost, err)
	}
	plain, err := e.Encryption.Decode(s, data)
	if err != nil {
		if errors.Is(err, crypt.ErrCorrupt) || errors.Is(err, crypt.ErrUnknownAlgorithm) {
			return nil, fmt.Errorf("%s: %w: %v", dest, errDataLost, err)
		}
		return nil, err
	}
	if repo.HashBytes(plain) != h {
		return nil, fmt.Errorf("%s: %w: contents don't match hash", dest, errDataLost)
	}
	return plain, nil
}

// writeStorage encrypts and erasure codes plain the way template
// specifies and uploads the parts to template's destination. Suggested
// keys in avoid are skipped; the keys chosen are added to it. Either all
// parts are uploaded and the new record returned, or none remain.
func (e *Env) writeStorage(ctx context.Context, h repo.Hash, template repo.Storage, plain []byte,
	avoid map[string]bool) (repo.Storage, int64, error) {
	dest, ok := e.Destinations[template.Destination]
	if !ok {
		return repo.Storage{}, 0, fmt.Errorf("%s: destination not configured", template.Destination)
	}
	enc, err := e.Encryption.Get(template.Encryption)
	if err != nil {
		return repo.Storage{}, 0, err
	}
	scheme, err := e.Erasure.Get(template.ErasureCoding)
	if err != nil {
		return repo.Storage{}, 0, err
	}

	data, props, err := enc.EncryptBlock(plain)
	if err != nil {
		return repo.Storage{}, 0, err
	}
	s := repo.Storage{
		Destination:   template.Destination,
		Encryption:    template.Encryption,
		ErasureCoding: template.ErasureCoding,
		Created:       e.now(),
		Properties:    props,
	}
	parts, err := scheme.Encode(s, data)
	if err != nil {
		return repo.Storage{}, 0, err
	}

	keys := make([]string, len(parts))
	index := 0
	for i := range parts {
		for avoid[partKey(h, index)] {
			index++
		}
		keys[i] = partKey(h, index)
		avoid[keys[i]] = true
		index++
	}

	s.Parts = make([]string, len(parts))
	var nBytes int64
	for _, p := range parts {
		nBytes += int64(len(p))
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range parts {
		g.Go(func() error {
			key, err := dest.Upload(gctx, keys[i], p)
			if err != nil {
				return fmt.Errorf("%s: %s: %w", dest, keys[i], err)
			}
			s.Parts[i] = key
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.deleteParts(context.WithoutCancel(ctx), repo.Storage{
			Destination: s.Destination, Parts: s.Parts})
		return repo.Storage{}, 0, err
	}
	return s, nBytes, nil
}

// storageUpdate replaces one storage record of a block.
type storageUpdate struct {
	hash     repo.Hash
	old, new repo.Storage
}

// swapStorage re-reads block h, replaces the old record of each update
// with its new one, and writes the block back in a single call. Updates
// whose old record is no longer there are rejected. If the write fails,
// every update is rejected.
func (e *Env) swapStorage(h repo.Hash, ups []storageUpdate) (applied, rejected []storageUpdate, err error) {
	b, err := e.Repo.Block(h)
	if err != nil {
		return nil, ups, err
	}
	for _, up := range ups {
		i := slices.IndexFunc(b.Storage, up.old.SameRecord)
		if i < 0 {
			e.Log.Warning("%s: %s: storage record changed underfoot; discarding update",
				h.Short(), up.old.Destination)
			rejected = append(rejected, up)
			continue
		}
		b.Storage[i] = up.new
		applied = append(applied, up)
	}
	if len(applied) == 0 {
		return nil, rejected, nil
	}
	if err := e.Repo.AddBlock(b); err != nil {
		return nil, ups, err
	}
	return applied, rejected, nil
}

// deleteParts removes s's parts from its destination, logging failures,
// and returns the number deleted. Parts that are already gone count as
// deleted.
func (e *Env) deleteParts(ctx context.Context, s repo.Storage) int {
	dest, ok := e.Destinations[s.Destination]
	if !ok {
		e.Log.Warning("%s: destination not configured; can't delete %d parts",
			s.Destination, len(s.Parts))
		return 0
	}
	n := 0
	for _, key := range s.Parts {
		if key == "" {
			continue
		}
		if err := dest.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			e.Log.Error("%s: %s: delete failed: %s", dest, key, err)
			continue
		}
		n++
	}
	e.Metrics.add(partsDeleted, int64(n))
	return n
}
