package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	blob   []byte
	expiry time.Time
}

// MemoryStore keeps sessions in process memory. Useful in dev and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	opts    Options
}

var _ Store = (*MemoryStore)(nil) // interface compliance check

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		opts:    ApplyOptions(opts...),
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec *Record) error {
	blob, err := Encode(rec.Data)
	if err != nil {
		return err
	}
	return InsertUnique(ctx, rec, s.opts.NewID, func(_ context.Context, r Record) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.entries[r.ID]; ok {
			return ErrIDTaken
		}
		s.entries[r.ID] = memoryEntry{blob: blob, expiry: r.Expiry.UTC()}
		return nil
	})
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	blob, err := Encode(rec.Data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[rec.ID] = memoryEntry{blob: blob, expiry: rec.Expiry.UTC()}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	entry, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok || entry.expiry.Before(s.opts.Now()) {
		return Record{}, ErrNotFound
	}
	data, err := Decode(id, entry.blob)
	if err != nil {
		return Record{}, err
	}
	return Record{ID: id, Data: data, Expiry: entry.expiry}, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context) (int64, error) {
	now := s.opts.Now()
	var n int64

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.entries {
		if entry.expiry.Before(now) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

// Corrupt overwrites the stored blob of id. For tests.
func (s *MemoryStore) Corrupt(id string, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[id]; ok {
		entry.blob = blob
		s.entries[id] = entry
	}
}
