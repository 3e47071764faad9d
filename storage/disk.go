// storage/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Disk is a Destination that stores each object as a file under a root
// directory.
type Disk struct {
	dir string
}

// NewDisk returns a Destination that stores objects in dir, which is
// created if it doesn't already exist.
func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	// Make sure that the directory is in fact a directory.
	stat, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("%s: is a regular file", dir)
	}
	return &Disk{dir: dir}, nil
}

func (d *Disk) String() string {
	return "disk:" + d.dir
}

func (d *Disk) path(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return filepath.Join(d.dir, filepath.FromSlash(key)), nil
}

func (d *Disk) Exists(ctx context.Context, key string) (bool, error) {
	p, err := d.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (d *Disk) Download(ctx context.Context, key string) ([]byte, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %s: %w", d, key, ErrNotFound)
	}
	return b, err
}

// Upload writes the data to a temporary file and then hard-links it
// into place, so that readers never see a partial object and an
// existing object is never replaced.
func (d *Disk) Upload(ctx context.Context, key string, data []byte) (string, error) {
	p, err := d.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".part-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write part: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync part: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}

	for i := 0; i < maxKeyVariants; i++ {
		k := keyVariant(key, i)
		kp, err := d.path(k)
		if err != nil {
			return "", err
		}
		err = os.Link(tmpPath, kp)
		if err == nil {
			return k, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("link part: %w", err)
		}
	}
	return "", fmt.Errorf("%s: %s: no free key", d, key)
}

func (d *Disk) Delete(ctx context.Context, key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %s: %w", d, key, ErrNotFound)
	}
	return err
}

func (d *Disk) List(ctx context.Context, prefix string, fn func(string) error) error {
	return filepath.WalkDir(d.dir, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() || strings.HasPrefix(e.Name(), ".part-") {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(d.dir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		return fn(key)
	})
}
