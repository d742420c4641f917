// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"sync"
)

// Memory is a BlobStore that stores everything in RAM. It's really
// only useful for testing of code built on top of BlobStore, where we may
// want to save the trouble of saving a bunch of stuff to disk.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte

	// Failure injection for testing code built on top of BlobStore: if
	// non-nil, it is called before each Put and its error returned.
	failPut func(name string) error
	puts    int
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) String() string {
	return "memory"
}

// FailPuts causes subsequent calls to Put to return the error returned
// by f, if non-nil. Passing a nil f clears it.
func (m *Memory) FailPuts(f func(name string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPut = f
}

// Puts returns the number of successful Put calls.
func (m *Memory) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *Memory) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil {
		if err := m.failPut(name); err != nil {
			return transportError("put", name, err)
		}
	}
	m.blobs[name] = dupe(data)
	m.puts++
	return nil
}

func (m *Memory) Get(ctx context.Context, name string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[name]
	if !ok {
		return nil, false, nil
	}
	return dupe(b), true, nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for n := range m.blobs {
		names = append(names, n)
	}
	return filterPrefix(names, prefix), nil
}

// Delete removes the named object; it's used by tests to simulate lost
// objects.
func (m *Memory) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, name)
}
