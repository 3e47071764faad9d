// storage/storage_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	u "github.com/mmp/bkstore/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getDestinations(t *testing.T) []Destination {
	t.Helper()
	d, err := NewDisk(t.TempDir())
	require.NoError(t, err)
	return []Destination{NewMemory("test"), d,
		Configure(NewMemory("limited"), Options{MaxUploadBytesPerSecond: 1 << 20})}
}

func TestSimple(t *testing.T) {
	ctx := context.Background()
	for _, dest := range getDestinations(t) {
		// Write something simple and get it back.
		simple := []byte{0, 1, 2, 3, 4, 5}
		key, err := dest.Upload(ctx, "ab/abcdef.0", simple)
		require.NoError(t, err, "%s", dest)
		assert.Equal(t, "ab/abcdef.0", key)

		ok, err := dest.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, "%s: key doesn't exist even though just written?", dest)

		b, err := dest.Download(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, simple, b, "%s: bytes mismatch", dest)

		require.NoError(t, dest.Delete(ctx, key))
		ok, err = dest.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = dest.Download(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound, "%s", dest)
		assert.ErrorIs(t, dest.Delete(ctx, key), ErrNotFound, "%s", dest)
	}
}

func TestUploadNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	for _, dest := range getDestinations(t) {
		k0, err := dest.Upload(ctx, "x/part", []byte("first"))
		require.NoError(t, err)
		k1, err := dest.Upload(ctx, "x/part", []byte("second"))
		require.NoError(t, err)
		assert.NotEqual(t, k0, k1, "%s", dest)

		b, err := dest.Download(ctx, k0)
		require.NoError(t, err)
		assert.Equal(t, "first", string(b))
		b, err = dest.Download(ctx, k1)
		require.NoError(t, err)
		assert.Equal(t, "second", string(b))
	}
}

func TestBadKeys(t *testing.T) {
	ctx := context.Background()
	for _, dest := range getDestinations(t) {
		for _, k := range []string{"", "/abs", "../up", "a/../../b", "a//b"} {
			_, err := dest.Upload(ctx, k, []byte("x"))
			assert.ErrorIs(t, err, ErrInvalidKey, "%s: %q", dest, k)
		}
	}
}

func TestLargeRandom(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(0))
	for _, dest := range getDestinations(t) {
		buf := make([]byte, 1<<20+17)
		r.Read(buf)
		key, err := dest.Upload(ctx, "big", buf)
		require.NoError(t, err)
		b, err := dest.Download(ctx, key)
		require.NoError(t, err)
		assert.True(t, assert.ObjectsAreEqual(buf, b), "%s: bytes mismatch", dest)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	for _, dest := range getDestinations(t) {
		for _, k := range []string{"aa/1", "aa/2", "bb/1"} {
			_, err := dest.Upload(ctx, k, []byte(k))
			require.NoError(t, err)
		}
		l, ok := dest.(Lister)
		require.True(t, ok, "%s", dest)
		var keys []string
		require.NoError(t, l.List(ctx, "aa/", func(k string) error {
			keys = append(keys, k)
			return nil
		}))
		assert.ElementsMatch(t, []string{"aa/1", "aa/2"}, keys, "%s", dest)
	}
}

func TestInjectedFaults(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("faulty")
	boom := errors.New("boom")
	m.InjectFault(func(op, key string) error {
		if op == "upload" && key == "bad" {
			return boom
		}
		return nil
	})
	_, err := m.Upload(ctx, "bad", []byte("x"))
	assert.ErrorIs(t, err, boom)
	_, err = m.Upload(ctx, "good", []byte("x"))
	assert.NoError(t, err)
	assert.Equal(t, []string{"good"}, m.Keys())

	m.InjectFault(nil)
	_, err = m.Upload(ctx, "bad", []byte("x"))
	assert.NoError(t, err)
}

func TestConfigure(t *testing.T) {
	m := NewMemory("m")
	assert.Same(t, m, Configure(m, Options{}).(*Memory))
	assert.Equal(t, time.Duration(0), MaxRetention(m))

	d := Configure(m, Options{MaxRetention: 90 * 24 * time.Hour})
	assert.Equal(t, 90*24*time.Hour, MaxRetention(d))
	assert.Equal(t, "memory:m", d.String())
}

func TestDownloadRateLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("m")
	m.Put("k", make([]byte, 2000))
	d := Configure(m, Options{MaxDownloadBytesPerSecond: 1000})

	start := time.Now()
	// The first second's worth is available immediately; the rest has to
	// wait.
	_, err := d.Download(ctx, "k")
	require.NoError(t, err)
	assert.Greater(t, time.Since(start), 500*time.Millisecond)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = d.Download(cctx, "k")
	assert.Error(t, err)
}

func TestRetry(t *testing.T) {
	old := retryDelay
	retryDelay = time.Millisecond
	defer func() { retryDelay = old }()

	ctx := context.Background()
	n := 0
	err := retry(ctx, u.Discard(), "flaky", func() error {
		n++
		if n < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	n = 0
	err = retry(ctx, u.Discard(), "missing", func() error {
		n++
		return ErrNotFound
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, n)

	n = 0
	err = retry(ctx, u.Discard(), "broken", func() error {
		n++
		return errors.New("permanent")
	})
	assert.Error(t, err)
	assert.Equal(t, 6, n)
}
