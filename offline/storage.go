package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/wolfeidau/airdrop"
	"github.com/wolfeidau/airdrop/backend"
	"github.com/wolfeidau/airdrop/telemetry"
)

// cachesPrefix is the backend directory holding every cache namespace.
const cachesPrefix = "caches"

// ErrNoMatch is returned when a namespace has no entry for a request.
var ErrNoMatch = errors.New("no cached response")

// Storage partitions a backend into named cache namespaces, each mapping a
// GET request URL to a response snapshot.
type Storage struct {
	backend backend.Backend
	logger  *slog.Logger
}

// NewStorage creates cache storage over b.
func NewStorage(b backend.Backend, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{backend: b, logger: logger.With("component", "cache_storage")}
}

// entryKey maps a request URL in a namespace to a backend key. Entries are
// sharded by the first byte of the hash.
func entryKey(namespace, rawURL string) string {
	h := airdrop.HashString("GET " + rawURL)
	return cachesPrefix + "/" + namespace + "/" + h.Dir() + "/" + h.String()
}

func namespacePrefix(namespace string) string {
	return cachesPrefix + "/" + namespace
}

// Names returns the namespaces holding at least one entry, sorted.
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	keys, err := s.backend.List(ctx, cachesPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing caches: %w", err)
	}
	seen := make(map[string]struct{})
	for _, key := range keys {
		rest := strings.TrimPrefix(key, cachesPrefix+"/")
		name, _, ok := strings.Cut(rest, "/")
		if !ok || name == "" {
			continue
		}
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Has reports whether namespace holds any entry.
func (s *Storage) Has(ctx context.Context, namespace string) (bool, error) {
	keys, err := s.backend.List(ctx, namespacePrefix(namespace))
	if err != nil {
		return false, fmt.Errorf("listing cache %s: %w", namespace, err)
	}
	return len(keys) > 0, nil
}

// Keys returns the backend keys of every entry in namespace.
func (s *Storage) Keys(ctx context.Context, namespace string) ([]string, error) {
	keys, err := s.backend.List(ctx, namespacePrefix(namespace))
	if err != nil {
		return nil, fmt.Errorf("listing cache %s: %w", namespace, err)
	}
	return keys, nil
}

// Delete removes namespace and all of its entries. Deleting an absent
// namespace is not an error.
func (s *Storage) Delete(ctx context.Context, namespace string) error {
	keys, err := s.Keys(ctx, namespace)
	if err != nil {
		return err
	}
	var errs []error
	for _, key := range keys {
		if err := s.backend.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("deleting %s: %w", key, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Debug("cache namespace deleted", "namespace", namespace, "entries", len(keys))
	return nil
}

// Put stores snap in namespace under its URL, replacing any previous entry.
func (s *Storage) Put(ctx context.Context, namespace string, snap *Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("encoding snapshot for %s: %w", snap.URL, err)
	}
	if err := s.backend.Write(ctx, entryKey(namespace, snap.URL), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("caching %s in %s: %w", snap.URL, namespace, err)
	}
	return nil
}

// Match returns the snapshot cached for rawURL in namespace. A corrupt entry
// is deleted and reported as ErrNoMatch.
func (s *Storage) Match(ctx context.Context, namespace, rawURL string) (*Snapshot, error) {
	key := entryKey(namespace, rawURL)
	rc, err := s.backend.Read(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNoMatch
		}
		return nil, fmt.Errorf("reading cache entry %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()

	snap, err := ReadSnapshot(rc)
	if err != nil {
		s.logger.Warn("removing corrupt cache entry", "namespace", namespace, "url", rawURL, "error", err)
		if delErr := s.backend.Delete(ctx, key); delErr != nil {
			s.logger.Warn("failed to remove corrupt cache entry", "key", key, "error", delErr)
		}
		return nil, ErrNoMatch
	}
	return snap, nil
}

// MatchAny searches namespaces in order and returns the first hit along
// with the namespace it came from.
func (s *Storage) MatchAny(ctx context.Context, namespaces []string, rawURL string) (*Snapshot, string, error) {
	for _, ns := range namespaces {
		snap, err := s.Match(ctx, ns, rawURL)
		if errors.Is(err, ErrNoMatch) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return snap, ns, nil
	}
	return nil, "", ErrNoMatch
}

// writeEntry stores snap and records the outcome under the namespace kind.
func (s *Storage) writeEntry(ctx context.Context, kind, namespace string, snap *Snapshot) error {
	err := s.Put(ctx, namespace, snap)
	outcome := "success"
	switch {
	case errors.Is(err, backend.ErrStorageFull):
		outcome = "storage_full"
	case err != nil:
		outcome = "error"
	}
	telemetry.RecordCacheWrite(ctx, kind, outcome, int64(len(snap.Body)))
	return err
}
