// Package store persists share bundles keyed by identifier with a fixed
// time-to-live. Expired bundles are removed lazily when read and eagerly by
// Sweep.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/wolfeidau/airdrop"
	"github.com/wolfeidau/airdrop/backend"
	"github.com/wolfeidau/airdrop/telemetry"
)

const (
	// keyPrefix is the backend directory holding bundle records.
	keyPrefix = "bundles"

	// recordPrefix namespaces record names, as "airdrop_" + id.
	recordPrefix = "airdrop_"

	// maxIDAttempts bounds id generation when generated ids collide.
	maxIDAttempts = 5
)

var (
	// ErrNotFound signals that no live bundle exists for an id. Expired and
	// corrupt bundles are deleted and reported as ErrNotFound.
	ErrNotFound = errors.New("bundle not found")

	// ErrEmptyBundle is returned when storing a bundle without items.
	ErrEmptyBundle = errors.New("bundle has no items")

	// ErrIDExhausted is returned when every generated id is already in use.
	ErrIDExhausted = errors.New("could not generate an unused id")
)

// Store persists bundles in a backend.
type Store struct {
	backend backend.Backend
	codec   *Codec
	ids     airdrop.IDGenerator
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	maxSize int
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the time-to-live of created bundles.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithNow sets the clock function.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMaxRecordSize caps the encoded size of a stored record. Values above
// MaxRecordSize are clamped to it.
func WithMaxRecordSize(n int) Option {
	return func(s *Store) {
		s.maxSize = min(n, MaxRecordSize)
	}
}

// WithIDGenerator sets the identifier source for Create.
func WithIDGenerator(ids airdrop.IDGenerator) Option {
	return func(s *Store) {
		s.ids = ids
	}
}

// New creates a store over b.
func New(b backend.Backend, opts ...Option) (*Store, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	s := &Store{
		backend: b,
		codec:   codec,
		ids:     airdrop.NewRandomIDs(nil),
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  slog.Default(),
		maxSize: MaxRecordSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store")
	return s, nil
}

// Close releases codec resources.
func (s *Store) Close() {
	s.codec.Close()
}

// TTL returns the configured time-to-live.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Create stores items under a freshly generated id, stamped with the current
// time and the configured TTL. Generated ids are checked against existing
// records and regenerated on collision.
func (s *Store) Create(ctx context.Context, items []FileRecord) (*Bundle, error) {
	if len(items) == 0 {
		return nil, ErrEmptyBundle
	}

	for range maxIDAttempts {
		id := s.ids.Generate()
		if !airdrop.ValidID(id) {
			return nil, fmt.Errorf("generator produced %q: %w", id, airdrop.ErrInvalidID)
		}

		exists, err := s.backend.Exists(ctx, recordKey(id))
		if err != nil {
			return nil, fmt.Errorf("checking id %s: %w", id, err)
		}
		if exists {
			s.logger.Warn("generated id already in use", "id", id)
			continue
		}

		now := s.now().Truncate(time.Millisecond)
		b := &Bundle{
			ID:        id,
			Items:     items,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		if err := s.Put(ctx, b); err != nil {
			return nil, err
		}
		return b, nil
	}

	return nil, ErrIDExhausted
}

// Put persists b under its id. Exceeding the backend quota returns an error
// wrapping backend.ErrStorageFull.
func (s *Store) Put(ctx context.Context, b *Bundle) error {
	if !airdrop.ValidID(b.ID) {
		return fmt.Errorf("storing bundle %q: %w", b.ID, airdrop.ErrInvalidID)
	}
	if len(b.Items) == 0 {
		return ErrEmptyBundle
	}

	// Records keep millisecond times. Rounding expiry up keeps a bundle live
	// for at least as long as requested.
	b.CreatedAt = b.CreatedAt.Truncate(time.Millisecond)
	if t := b.ExpiresAt.Truncate(time.Millisecond); !t.Equal(b.ExpiresAt) {
		b.ExpiresAt = t.Add(time.Millisecond)
	}

	data, err := s.codec.Encode(b)
	if err != nil {
		telemetry.RecordStoreOp(ctx, "put", "error", 0)
		return fmt.Errorf("encoding bundle %s: %w", b.ID, err)
	}
	if len(data) > s.maxSize {
		telemetry.RecordStoreOp(ctx, "put", "error", 0)
		return fmt.Errorf("encoding bundle %s: %d bytes: %w", b.ID, len(data), ErrRecordTooLarge)
	}

	if err := s.backend.Write(ctx, recordKey(b.ID), bytes.NewReader(data)); err != nil {
		outcome := "error"
		if errors.Is(err, backend.ErrStorageFull) {
			outcome = "storage_full"
		}
		telemetry.RecordStoreOp(ctx, "put", outcome, 0)
		return fmt.Errorf("storing bundle %s: %w", b.ID, err)
	}

	telemetry.RecordStoreOp(ctx, "put", "success", int64(len(data)))
	s.logger.Debug("bundle stored",
		"id", b.ID,
		"files", len(b.Items),
		"bytes", len(data),
		"expires", b.ExpiresAt)
	return nil
}

// Get returns the live bundle stored under id. Absent, expired and corrupt
// bundles all yield ErrNotFound; expired and corrupt records are deleted.
func (s *Store) Get(ctx context.Context, id string) (*Bundle, error) {
	if !airdrop.ValidID(id) {
		telemetry.RecordStoreOp(ctx, "get", "not_found", 0)
		return nil, ErrNotFound
	}

	b, size, err := s.load(ctx, recordKey(id))
	switch {
	case errors.Is(err, backend.ErrNotFound):
		telemetry.RecordStoreOp(ctx, "get", "not_found", 0)
		s.logger.Debug("bundle not found", "id", id)
		return nil, ErrNotFound
	case errors.Is(err, ErrCorruptRecord) || errors.Is(err, ErrRecordTooLarge):
		s.logger.Warn("removing corrupt bundle", "id", id, "error", err)
		s.remove(ctx, id)
		telemetry.RecordStoreOp(ctx, "get", "corrupt", 0)
		return nil, ErrNotFound
	case err != nil:
		telemetry.RecordStoreOp(ctx, "get", "error", 0)
		return nil, fmt.Errorf("loading bundle %s: %w", id, err)
	}

	if b.ID != id {
		s.logger.Warn("removing bundle stored under another id", "id", id, "record_id", b.ID)
		s.remove(ctx, id)
		telemetry.RecordStoreOp(ctx, "get", "corrupt", 0)
		return nil, ErrNotFound
	}

	if b.Expired(s.now()) {
		s.logger.Debug("removing expired bundle", "id", id, "expired", b.ExpiresAt)
		s.remove(ctx, id)
		telemetry.RecordStoreOp(ctx, "get", "expired", 0)
		return nil, ErrNotFound
	}

	telemetry.RecordStoreOp(ctx, "get", "success", size)
	return b, nil
}

// Delete removes the bundle stored under id. Deleting an absent bundle is
// not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if !airdrop.ValidID(id) {
		return nil
	}
	if err := s.backend.Delete(ctx, recordKey(id)); err != nil {
		telemetry.RecordStoreOp(ctx, "delete", "error", 0)
		return fmt.Errorf("deleting bundle %s: %w", id, err)
	}
	telemetry.RecordStoreOp(ctx, "delete", "success", 0)
	return nil
}

// List returns the ids of every stored record, live or not.
func (s *Store) List(ctx context.Context) ([]string, error) {
	keys, err := s.backend.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing bundles: %w", err)
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if id, ok := idFromKey(key); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Sweep removes every bundle that expired before now, every record that
// cannot be decoded and every key under the record namespace that does not
// name a record. It returns the number of keys removed. Records deleted
// concurrently are skipped.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	keys, err := s.backend.List(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("listing bundles: %w", err)
	}

	var removed int
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		id, ok := idFromKey(key)
		if !ok {
			s.logger.Warn("sweeping unrecognised key", "key", key)
		} else {
			b, _, err := s.load(ctx, key)
			switch {
			case errors.Is(err, backend.ErrNotFound):
				continue
			case errors.Is(err, ErrCorruptRecord) || errors.Is(err, ErrRecordTooLarge):
				s.logger.Warn("sweeping corrupt bundle", "id", id, "error", err)
			case err != nil:
				s.logger.Error("failed to load bundle during sweep", "id", id, "error", err)
				continue
			case b.ID != id:
				s.logger.Warn("sweeping bundle stored under another id", "id", id, "record_id", b.ID)
			case b.ExpiresAt.Before(now):
				s.logger.Debug("sweeping expired bundle", "id", id, "expired", b.ExpiresAt)
			default:
				continue
			}
		}

		if err := s.backend.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to delete key during sweep", "key", key, "error", err)
			continue
		}
		removed++
	}

	telemetry.RecordStoreOp(ctx, "sweep", "success", 0)
	return removed, nil
}

// load reads and decodes the record at key, returning the encoded size.
func (s *Store) load(ctx context.Context, key string) (*Bundle, int64, error) {
	rc, err := s.backend.Read(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, MaxRecordSize+1))
	if err != nil {
		return nil, 0, fmt.Errorf("reading %s: %w", key, err)
	}
	if len(data) > MaxRecordSize {
		return nil, 0, ErrRecordTooLarge
	}

	b, err := s.codec.Decode(data)
	if err != nil {
		return nil, 0, err
	}
	return b, int64(len(data)), nil
}

// remove deletes a record found dead while reading. Failures are logged
// since the caller already has its answer.
func (s *Store) remove(ctx context.Context, id string) {
	if err := s.backend.Delete(ctx, recordKey(id)); err != nil {
		s.logger.Warn("failed to delete bundle", "id", id, "error", err)
	}
}

func recordKey(id string) string {
	return keyPrefix + "/" + recordPrefix + id
}

// idFromKey extracts the id from a record key.
func idFromKey(key string) (string, bool) {
	name, ok := strings.CutPrefix(key, keyPrefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutPrefix(name, recordPrefix)
	if !ok || !airdrop.ValidID(id) {
		return "", false
	}
	return id, true
}
