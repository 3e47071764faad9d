// storage/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is a Destination that keeps objects in RAM. It's really only
// useful for testing code built on top of Destination, where it saves the
// trouble of saving a bunch of stuff to disk. Faults can be injected to
// exercise error handling.
type Memory struct {
	name string

	mu      sync.Mutex
	objects map[string][]byte
	fault   func(op, key string) error
}

// NewMemory returns an empty in-memory destination.
func NewMemory(name string) *Memory {
	return &Memory{name: name, objects: make(map[string][]byte)}
}

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}

func (m *Memory) String() string {
	return "memory:" + m.name
}

// InjectFault installs a function that's called before each operation
// ("exists", "download", "upload", or "delete"); if it returns an error,
// the operation fails with it. Passing nil removes the hook.
func (m *Memory) InjectFault(f func(op, key string) error) {
	m.mu.Lock()
	m.fault = f
	m.mu.Unlock()
}

func (m *Memory) check(op, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	f := m.fault
	m.mu.Unlock()
	if f != nil {
		return f(op, key)
	}
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	if err := m.check("exists", key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *Memory) Download(ctx context.Context, key string) ([]byte, error) {
	if err := m.check("download", key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %s: %w", m, key, ErrNotFound)
	}
	return dupe(b), nil
}

func (m *Memory) Upload(ctx context.Context, key string, data []byte) (string, error) {
	if err := m.check("upload", key); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < maxKeyVariants; i++ {
		k := keyVariant(key, i)
		if _, ok := m.objects[k]; !ok {
			m.objects[k] = dupe(data)
			return k, nil
		}
	}
	return "", fmt.Errorf("%s: %s: no free key", m, key)
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := m.check("delete", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return fmt.Errorf("%s: %s: %w", m, key, ErrNotFound)
	}
	delete(m.objects, key)
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string, fn func(string) error) error {
	for _, k := range m.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns all stored keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Put stores data under key directly, replacing anything already there.
func (m *Memory) Put(key string, data []byte) {
	m.mu.Lock()
	m.objects[key] = dupe(data)
	m.mu.Unlock()
}
