// Package backend provides the key-value capability shared by the share store
// and the offline resource cache.
package backend

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"syscall"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrStorageFull is returned when a write would exceed the persistence
	// quota or the underlying device is out of space.
	ErrStorageFull = errors.New("storage full")

	// ErrInvalidKey is returned for keys that escape the backend key space.
	ErrInvalidKey = errors.New("invalid key")
)

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use and must make each
// single-key Write, Read and Delete atomic.
type Backend interface {
	// Write stores data at the given key.
	// If the key already exists, it is overwritten.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix is a "/" separated path; an empty prefix lists everything.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// Size returns the size of the value at key, using SizeAwareBackend when
// available and reading the value otherwise.
func Size(ctx context.Context, b Backend, key string) (int64, error) {
	if sb, ok := b.(SizeAwareBackend); ok {
		return sb.Size(ctx, key)
	}
	rc, err := b.Read(ctx, key)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()
	return io.Copy(io.Discard, rc)
}

// matchPrefix reports whether key lies under the path prefix.
func matchPrefix(key, prefix string) bool {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return true
	}
	return key == prefix || strings.HasPrefix(key, prefix+"/")
}

func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

func sortedKeys(keys []string) []string {
	sort.Strings(keys)
	return keys
}

// isNoSpace reports whether err signals an exhausted device.
func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
