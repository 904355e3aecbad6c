package registry

import (
	"context"
	"sync"
	"time"
)

// WorkerEntry is one registered worker process.
type WorkerEntry struct {
	ID            string    `json:"id"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	Capacity      int       `json:"capacity"`
	Load          int       `json:"load"`
	ActiveCalls   []string  `json:"activeCalls,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	RegisteredAt  time.Time `json:"registeredAt"`
}

// Store persists worker entries. The memory implementation is
// per-process; the NATS-backed one shares state across processes with
// eventual consistency via heartbeat overwrite.
type Store interface {
	Put(ctx context.Context, entry WorkerEntry) error
	Get(ctx context.Context, id string) (WorkerEntry, bool, error)
	List(ctx context.Context) ([]WorkerEntry, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]WorkerEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]WorkerEntry)}
}

func (s *MemoryStore) Put(_ context.Context, entry WorkerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = cloneEntry(entry)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (WorkerEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return WorkerEntry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (s *MemoryStore) List(_ context.Context) ([]WorkerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]WorkerEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, cloneEntry(entry))
	}
	return entries, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func cloneEntry(entry WorkerEntry) WorkerEntry {
	entry.ActiveCalls = append([]string(nil), entry.ActiveCalls...)
	entry.Tags = append([]string(nil), entry.Tags...)
	return entry
}
