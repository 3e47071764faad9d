// storage/storage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package storage provides the remote destinations that block parts are
// uploaded to: RAM, a local directory, and Google Cloud Storage, along
// with bandwidth limiting and retention settings that can be layered on
// top of any of them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	u "github.com/mmp/bkstore/util"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid object key")

	errKeyTaken = errors.New("key already in use")
	errNoList   = errors.New("destination can't list its contents")
)

// Destination is a place that block parts are stored. Keys are
// slash-separated relative paths. All methods are safe for concurrent
// use.
type Destination interface {
	// String returns a human-readable name for the destination.
	String() string

	// Exists reports whether an object with the given key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Download returns the contents of the given object, or an error
	// wrapping ErrNotFound if it isn't present.
	Download(ctx context.Context, key string) ([]byte, error)

	// Upload stores data under suggestedKey if that key is free and
	// otherwise under a variant of it. The key actually used is returned.
	// Existing objects are never overwritten.
	Upload(ctx context.Context, suggestedKey string, data []byte) (string, error)

	// Delete removes the given object.
	Delete(ctx context.Context, key string) error
}

// Lister is implemented by destinations that can enumerate their
// contents.
type Lister interface {
	List(ctx context.Context, prefix string, fn func(key string) error) error
}

// MaxRetention returns the maximum time objects are kept at d before the
// destination removes them on its own; zero means forever.
func MaxRetention(d Destination) time.Duration {
	if r, ok := d.(interface{ MaxRetention() time.Duration }); ok {
		return r.MaxRetention()
	}
	return 0
}

///////////////////////////////////////////////////////////////////////////
// Some utility stuff

// checkKey rejects keys that could escape the destination's namespace.
func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key ||
		key == ".." || strings.HasPrefix(key, "../") {
		return fmt.Errorf("%q: %w", key, ErrInvalidKey)
	}
	return nil
}

// keyVariant returns the i'th alternative to key, used when the
// suggested key is already taken. The 0th variant is the key itself.
func keyVariant(key string, i int) string {
	if i == 0 {
		return key
	}
	return fmt.Sprintf("%s~%d", key, i)
}

// Bound on the number of alternate keys tried for a single upload.
const maxKeyVariants = 64

// retry calls f until it succeeds, the context is done, or it has failed
// a handful of times, sleeping a little longer after each failure.
// Missing objects and key collisions are never retried.
func retry(ctx context.Context, log *u.Logger, n string, f func() error) error {
	const maxTries = 5
	for tries := 0; ; tries++ {
		err := f()

		if err == nil || tries == maxTries || errors.Is(err, ErrNotFound) ||
			errors.Is(err, errKeyTaken) {
			return err
		}

		// Possibly temporary error; sleep and retry.
		log.Warning("%s: sleeping due to error %s", n, err.Error())
		select {
		case <-ctx.Done():
			return err
		case <-time.After(retryDelay * time.Duration(tries+1)):
		}
	}
}

var retryDelay = 100 * time.Millisecond
