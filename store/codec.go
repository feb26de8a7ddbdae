package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/wolfeidau/airdrop"
)

const (
	// CompressionThreshold is the minimum record size before compression is considered.
	// 2KB threshold - zstd overhead not worth it for smaller records.
	CompressionThreshold = 2048

	// MaxRecordSize is the hard cap on a decoded record, which also bounds
	// decompression to prevent compression bombs.
	MaxRecordSize = 256 * 1024 * 1024 // 256MB
)

var (
	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrRecordTooLarge is returned when a record exceeds MaxRecordSize.
	ErrRecordTooLarge = errors.New("record exceeds maximum size")
)

// zstdMagic is the frame header of a zstd stream. JSON records always
// start with '{', so the two encodings never collide.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// record is the persisted form of a Bundle.
type record struct {
	Files     []fileEntry `json:"files"`
	Timestamp int64       `json:"timestamp"`
	ID        string      `json:"id"`
	Expires   int64       `json:"expires"`
}

type fileEntry struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	Type         string `json:"type"`
	Data         string `json:"data"`
	LastModified int64  `json:"lastModified"`
	Digest       string `json:"digest,omitempty"`
}

// Codec converts bundles to and from their persisted form, compressing
// large records with zstd. Encoder and decoder are goroutine-safe and can
// be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a new codec with pooled zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxRecordSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode serializes b, compressing when beneficial.
func (c *Codec) Encode(b *Bundle) ([]byte, error) {
	rec := record{
		Files:     make([]fileEntry, 0, len(b.Items)),
		Timestamp: b.CreatedAt.UnixMilli(),
		ID:        b.ID,
		Expires:   b.ExpiresAt.UnixMilli(),
	}
	for _, item := range b.Items {
		entry := fileEntry{
			Name:         item.Name,
			Size:         item.Size,
			Type:         item.MIMEType,
			Data:         item.Payload,
			LastModified: item.ModifiedAt.UnixMilli(),
		}
		if !item.Digest.IsZero() {
			entry.Digest = item.Digest.String()
		}
		rec.Files = append(rec.Files, entry)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshalling record: %w", err)
	}
	if len(data) > MaxRecordSize {
		return nil, ErrRecordTooLarge
	}
	if len(data) < CompressionThreshold {
		return data, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, nil
	}
	return compressed, nil
}

// Decode parses a persisted record. Any failure, including a payload that
// does not match its digest, is reported as ErrCorruptRecord.
func (c *Codec) Decode(data []byte) (*Bundle, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()

		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}

		decompressed, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing: %w", ErrCorruptRecord, err)
		}
		if len(decompressed) > MaxRecordSize {
			return nil, ErrRecordTooLarge
		}
		data = decompressed
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	if rec.ID == "" || rec.Expires == 0 {
		return nil, fmt.Errorf("%w: missing id or expiry", ErrCorruptRecord)
	}
	if len(rec.Files) == 0 {
		return nil, fmt.Errorf("%w: no files", ErrCorruptRecord)
	}

	b := &Bundle{
		ID:        rec.ID,
		Items:     make([]FileRecord, 0, len(rec.Files)),
		CreatedAt: time.UnixMilli(rec.Timestamp),
		ExpiresAt: time.UnixMilli(rec.Expires),
	}
	for _, f := range rec.Files {
		item := FileRecord{
			Name:       f.Name,
			Size:       f.Size,
			MIMEType:   f.Type,
			Payload:    f.Data,
			ModifiedAt: time.UnixMilli(f.LastModified),
		}
		if f.Digest != "" {
			h, err := airdrop.ParseHash(f.Digest)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrCorruptRecord, f.Name, err)
			}
			item.Digest = h
		}
		if _, err := item.Bytes(); err != nil {
			if errors.Is(err, ErrCorruptRecord) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
		}
		b.Items = append(b.Items, item)
	}
	return b, nil
}
