package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// bucketObjects holds every key of the backend: key -> value.
var bucketObjects = []byte("objects")

// Bolt implements Backend on a single bbolt database file. Each operation
// runs in its own transaction, which gives atomic per-key read/modify/write.
type Bolt struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
}

// BoltOption configures a Bolt backend.
type BoltOption func(*Bolt)

// WithBoltLogger sets the logger for the database.
func WithBoltLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing, never in production.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// OpenBolt opens (creating if needed) the database at path.
func OpenBolt(path string, opts ...BoltOption) (*Bolt, error) {
	b := &Bolt{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketObjects); err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketObjects, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	b.logger.Debug("opened bolt backend", "path", path, "noSync", b.noSync)
	return b, nil
}

// Close closes the database and releases resources.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing bolt backend")
	return b.db.Close()
}

func (b *Bolt) Write(_ context.Context, key string, r io.Reader) error {
	if !validKey(key) {
		return ErrInvalidKey
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading data: %w", err)
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketObjects).Put([]byte(key), data)
	})
	if err != nil {
		if isNoSpace(err) {
			return fmt.Errorf("putting %s: %w: %w", key, ErrStorageFull, err)
		}
		return fmt.Errorf("putting %s: %w", key, err)
	}
	return nil
}

func (b *Bolt) Read(_ context.Context, key string) (io.ReadCloser, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketObjects).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		data = bytes.Clone(val)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *Bolt) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketObjects).Delete([]byte(key))
	})
}

func (b *Bolt) Exists(_ context.Context, key string) (bool, error) {
	var exists bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(bucketObjects).Get([]byte(key)) != nil
		return nil
	})
	return exists, err
}

func (b *Bolt) List(_ context.Context, prefix string) ([]string, error) {
	seek := []byte(strings.Trim(prefix, "/"))

	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketObjects).Cursor()
		for k, _ := c.Seek(seek); k != nil && bytes.HasPrefix(k, seek); k, _ = c.Next() {
			if key := string(k); matchPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
		return nil
	})
	return keys, err
}

func (b *Bolt) Size(_ context.Context, key string) (int64, error) {
	var size int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketObjects).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		size = int64(len(val))
		return nil
	})
	return size, err
}

var (
	_ Backend          = (*Bolt)(nil)
	_ SizeAwareBackend = (*Bolt)(nil)
)
