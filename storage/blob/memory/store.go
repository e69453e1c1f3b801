// Package memblob keeps blobs in process memory. Useful in dev and tests.
package memblob

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/trezcool/denim/core"
)

type object struct {
	data        []byte
	contentType string
}

type Store struct {
	mu      sync.RWMutex
	objects map[string]object
	now     func() time.Time
}

var _ core.BlobStore = (*Store)(nil) // interface compliance check

func New() *Store {
	return &Store{objects: make(map[string]object), now: time.Now}
}

func (s *Store) Put(_ context.Context, key string, data []byte, contentType string) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.objects[key] = object{data: cp, contentType: contentType}
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, core.ErrBlobNotFound
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, nil
}

// PresignGet returns a memory:// URL carrying the key, its expiry and the filename.
// The URL cannot be fetched over the network.
func (s *Store) PresignGet(_ context.Context, key string, expiry time.Duration, filename string) (string, error) {
	s.mu.RLock()
	_, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return "", core.ErrBlobNotFound
	}

	q := make(url.Values)
	q.Set("expires", s.now().Add(expiry).UTC().Format(time.RFC3339))
	if filename != "" {
		q.Set("filename", filename)
	}
	u := url.URL{Scheme: "memory", Path: "/" + key, RawQuery: q.Encode()}
	return u.String(), nil
}
