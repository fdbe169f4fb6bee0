package memory

import (
	"context"
	"sync"
)

// Store persists TaskMemory by task ID. Implementations must isolate keys
// from one another; the Compressor serializes updates per key.
type Store interface {
	Get(ctx context.Context, taskID string) (*TaskMemory, error)
	Put(ctx context.Context, mem *TaskMemory) error
	Delete(ctx context.Context, taskID string) error
}

// MemStore keeps TaskMemory in process.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]*TaskMemory
}

// NewMemStore creates an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]*TaskMemory)}
}

// Get returns a copy of the task's memory, or nil when none exists.
func (s *MemStore) Get(_ context.Context, taskID string) (*TaskMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[taskID].Clone(), nil
}

// Put replaces the task's memory.
func (s *MemStore) Put(_ context.Context, mem *TaskMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[mem.TaskID] = mem.Clone()
	return nil
}

// Delete removes the task's memory.
func (s *MemStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, taskID)
	return nil
}

// keyedMutex hands out one mutex per key and frees it when unused, so
// tasks never contend with each other.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
