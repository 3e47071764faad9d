// maint/orphans.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package maint

import (
	"context"
	"fmt"

	"github.com/mmp/bkstore/repo"
	"github.com/mmp/bkstore/storage"
)

// OrphanParts calls fn for each object at the named destination that no
// storage record refers to. Parts being written by a backup that's
// still running show up too, so nothing is deleted here.
func (e *Env) OrphanParts(ctx context.Context, name string, fn func(key string) error) error {
	dest, ok := e.Destinations[name]
	if !ok {
		return fmt.Errorf("%s: destination not configured", name)
	}
	lister, ok := dest.(storage.Lister)
	if !ok {
		return fmt.Errorf("%s: destination can't list its contents", dest)
	}

	refs, err := e.Repo.TempMap("orphan-refs")
	if err != nil {
		return err
	}
	defer refs.Close()

	err = e.Repo.ForEachBlock(func(b repo.Block) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, s := range b.Storage {
			if s.Destination != name {
				continue
			}
			for _, key := range s.Parts {
				if key == "" {
					continue
				}
				if err := refs.Put([]byte(key), []byte{1}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return lister.List(ctx, "", func(key string) error {
		if _, ok, err := refs.Get([]byte(key)); err != nil || ok {
			return err
		}
		return fn(key)
	})
}
