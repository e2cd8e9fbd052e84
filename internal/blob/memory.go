package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryStore keeps blobs in process memory. Intended for tests and
// single-node development setups.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	mimes map[string]string
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
		mimes: make(map[string]string),
	}
}

// Put stores the blob bytes under key.
func (s *MemoryStore) Put(ctx context.Context, key string, data io.Reader, opts PutOptions) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read blob: %w", err)
	}

	s.mu.Lock()
	s.blobs[key] = b
	if opts.MimeType != "" {
		s.mimes[key] = opts.MimeType
	}
	s.mu.Unlock()

	return "mem://" + key, nil
}

// Get returns a reader over a copy of the stored bytes.
func (s *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	b, ok := s.blobs[key]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return io.NopCloser(bytes.NewReader(cp)), nil
}

// Delete removes the blob if present.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.blobs, key)
	delete(s.mimes, key)
	s.mu.Unlock()
	return nil
}

// Exists reports whether key is stored.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	_, ok := s.blobs[key]
	s.mu.RUnlock()
	return ok, nil
}

// MimeType returns the recorded MIME type for key, if any.
func (s *MemoryStore) MimeType(key string) (string, bool) {
	s.mu.RLock()
	mt, ok := s.mimes[key]
	s.mu.RUnlock()
	return mt, ok
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
