package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Quota wraps a Backend with a limit on the total bytes stored, mirroring
// the fixed storage quota of a browser origin. Writes that would exceed the
// limit fail with ErrStorageFull and leave the existing value untouched.
type Quota struct {
	backend  Backend
	maxBytes int64

	mu     sync.Mutex
	loaded bool
	sizes  map[string]int64
	used   int64
}

// NewQuota limits b to maxBytes of stored values.
func NewQuota(b Backend, maxBytes int64) *Quota {
	return &Quota{
		backend:  b,
		maxBytes: maxBytes,
		sizes:    make(map[string]int64),
	}
}

// load computes usage from the keys already present. Caller holds q.mu.
func (q *Quota) load(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	keys, err := q.backend.List(ctx, "")
	if err != nil {
		return fmt.Errorf("listing keys: %w", err)
	}
	for _, key := range keys {
		size, err := Size(ctx, q.backend, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return fmt.Errorf("sizing %s: %w", key, err)
		}
		q.sizes[key] = size
		q.used += size
	}
	q.loaded = true
	return nil
}

// Write stores data if the resulting usage stays within the quota.
func (q *Quota) Write(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading data: %w", err)
	}
	size := int64(len(data))

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.load(ctx); err != nil {
		return err
	}

	next := q.used - q.sizes[key] + size
	if next > q.maxBytes {
		return fmt.Errorf("writing %s (%d bytes, %d of %d used): %w", key, size, q.used, q.maxBytes, ErrStorageFull)
	}

	if err := q.backend.Write(ctx, key, bytes.NewReader(data)); err != nil {
		return err
	}
	q.used = next
	q.sizes[key] = size
	return nil
}

func (q *Quota) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	return q.backend.Read(ctx, key)
}

func (q *Quota) Delete(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.backend.Delete(ctx, key); err != nil {
		return err
	}
	if size, ok := q.sizes[key]; ok {
		q.used -= size
		delete(q.sizes, key)
	}
	return nil
}

func (q *Quota) Exists(ctx context.Context, key string) (bool, error) {
	return q.backend.Exists(ctx, key)
}

func (q *Quota) List(ctx context.Context, prefix string) ([]string, error) {
	return q.backend.List(ctx, prefix)
}

func (q *Quota) Size(ctx context.Context, key string) (int64, error) {
	return Size(ctx, q.backend, key)
}

// Usage returns the bytes in use and the configured limit.
func (q *Quota) Usage(ctx context.Context) (used, limit int64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.load(ctx); err != nil {
		return 0, q.maxBytes, err
	}
	return q.used, q.maxBytes, nil
}

var (
	_ Backend          = (*Quota)(nil)
	_ SizeAwareBackend = (*Quota)(nil)
)
