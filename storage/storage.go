// Package storage persists bundle content and lifecycle state keyed by bundle
// id so that installed bundles survive a framework restart.
package storage

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound  = errors.New("bundle not found in store")
	ErrInvalidID = errors.New("invalid bundle id")
)

// State is the persisted lifecycle state of one bundle.
type State struct {
	ID                   int64     `yaml:"id"`
	Location             string    `yaml:"location"`
	PersistentlyStarted  bool      `yaml:"persistentlyStarted"`
	UsesActivationPolicy bool      `yaml:"usesActivationPolicy"`
	StartLevel           int       `yaml:"startLevel"`
	LastModified         time.Time `yaml:"lastModified"`
	Revision             int       `yaml:"revision"`
}

// Store is the blob and state store the framework persists bundles into.
type Store interface {
	ReadBlob(id int64) ([]byte, error)
	WriteBlob(id int64, data []byte) error
	ReadState(id int64) (State, error)
	WriteState(id int64, st State) error
	// Delete removes everything stored for id. Deleting an unknown id is not an error.
	Delete(id int64) error
	// IDs lists the stored bundle ids in ascending order.
	IDs() ([]int64, error)
}

type memoryEntry struct {
	blob     []byte
	state    State
	hasState bool
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[int64]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[int64]*memoryEntry{}}
}

func (m *MemoryStore) entry(id int64) *memoryEntry {
	e, ok := m.entries[id]
	if !ok {
		e = &memoryEntry{}
		m.entries[id] = e
	}
	return e
}

func (m *MemoryStore) ReadBlob(id int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok || e.blob == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.blob...), nil
}

func (m *MemoryStore) WriteBlob(id int64, data []byte) error {
	if id < 0 {
		return ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(id).blob = append([]byte{}, data...)
	return nil
}

func (m *MemoryStore) ReadState(id int64) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok || !e.hasState {
		return State{}, ErrNotFound
	}
	return e.state, nil
}

func (m *MemoryStore) WriteState(id int64, st State) error {
	if id < 0 {
		return ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(id)
	st.ID = id
	e.state = st
	e.hasState = true
	return nil
}

func (m *MemoryStore) Delete(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *MemoryStore) IDs() ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
