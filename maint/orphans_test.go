// maint/orphans_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package maint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrphanParts(t *testing.T) {
	f := newFixture(t)
	f.leaf("x", 100, "a", "b")
	f.dests["a"].Put("zz/stray", []byte("?"))
	f.dests["b"].Put("zz/other", []byte("?"))

	var orphans []string
	err := f.env.OrphanParts(context.Background(), "a", func(key string) error {
		orphans = append(orphans, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"zz/stray"}, orphans)

	err = f.env.OrphanParts(context.Background(), "nowhere", func(string) error { return nil })
	assert.Error(t, err)
}
