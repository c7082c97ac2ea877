package storage

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MemoryBackend keeps objects in process memory. It backs local runs
// without object storage and tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string][]byte
}

// NewMemoryBackend constructs an empty in-memory bucket.
func NewMemoryBackend(bucket string) *MemoryBackend {
	return &MemoryBackend{
		bucket:  bucket,
		objects: make(map[string][]byte),
	}
}

func (m *MemoryBackend) EnsureBucket(ctx context.Context) error {
	return nil
}

func (m *MemoryBackend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryBackend) Bucket() string {
	return m.bucket
}

func (m *MemoryBackend) Close() error {
	return nil
}
