// rdso/rdso_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rdso

import (
	"math/rand"
	"testing"
	"time"

	"github.com/mmp/bkstore/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestE2E(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("Seed = %d", seed)
	r := rand.New(rand.NewSource(seed))

	for iter := 0; iter < 20; iter++ {
		// Make a buffer full of random bytes.
		buf := make([]byte, r.Intn(1024*1024))
		_, _ = r.Read(buf)

		nShards := 1 + r.Intn(12)
		nParity := 1 + r.Intn(6)
		rs, err := NewReedSolomon(nShards, nParity)
		require.NoError(t, err)
		s := repo.Storage{ErasureCoding: rs.ID()}

		parts, err := rs.Encode(s, buf)
		require.NoError(t, err)
		require.Len(t, parts, rs.TotalParts(s))

		// Drop or corrupt as many parts as possible while still being
		// able to recover.
		for _, i := range r.Perm(len(parts))[:nParity] {
			if r.Intn(2) == 0 {
				parts[i] = nil
			} else {
				parts[i][HashSize+r.Intn(len(parts[i])-HashSize)] ^= 0x55
			}
		}
		got, err := rs.Decode(s, parts)
		require.NoError(t, err, "%d data, %d parity, %d bytes", nShards, nParity, len(buf))
		assert.Equal(t, len(buf), len(got))
		assert.True(t, assert.ObjectsAreEqual(buf, got))

		// One more and it's hopeless.
		for i := range parts {
			if open(parts[i]) != nil {
				parts[i] = nil
				break
			}
		}
		_, err = rs.Decode(s, parts)
		assert.ErrorIs(t, err, ErrTooFewParts)
	}
}

func TestThreshold(t *testing.T) {
	rs, err := NewReedSolomon(4, 2)
	require.NoError(t, err)
	s := repo.Storage{ErasureCoding: rs.ID()}
	assert.Equal(t, "rs-4-2", rs.ID())
	assert.Equal(t, 4, rs.MinimumSufficientParts(s))
	assert.Equal(t, 6, rs.TotalParts(s))

	_, err = rs.Decode(s, make([][]byte, 5))
	assert.Error(t, err, "wrong number of parts")
}

func TestNone(t *testing.T) {
	var n None
	s := repo.Storage{ErasureCoding: n.ID()}
	parts, err := n.Encode(s, []byte("hello"))
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, 1, n.MinimumSufficientParts(s))

	got, err := n.Decode(s, parts)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	parts[0][len(parts[0])-1] ^= 1
	_, err = n.Decode(s, parts)
	assert.ErrorIs(t, err, ErrTooFewParts)
	_, err = n.Decode(s, [][]byte{nil})
	assert.ErrorIs(t, err, ErrTooFewParts)
}

func TestRegistry(t *testing.T) {
	rs, err := NewReedSolomon(3, 1)
	require.NoError(t, err)
	reg := NewRegistry(None{}, rs)
	assert.Equal(t, []string{"none", "rs-3-1"}, reg.IDs())
	got, err := reg.Get("rs-3-1")
	require.NoError(t, err)
	assert.Equal(t, rs.ID(), got.ID())
	_, err = reg.Get("rs-9-9")
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestNew(t *testing.T) {
	s, err := New("none")
	require.NoError(t, err)
	assert.Equal(t, "none", s.ID())

	s, err = New("rs-10-4")
	require.NoError(t, err)
	assert.Equal(t, 14, s.TotalParts(repo.Storage{}))

	for _, bad := range []string{"", "rs", "rs-0-2", "rs-4-2x", "lzw"} {
		_, err := New(bad)
		assert.Error(t, err, bad)
	}
}
