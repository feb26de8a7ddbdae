package store

import (
	"fmt"
	"time"

	"github.com/wolfeidau/airdrop"
)

// DefaultTTL is how long a bundle stays retrievable after creation.
const DefaultTTL = 24 * time.Hour

// Bundle is the set of files stored for one share operation.
// Bundles are immutable once stored.
type Bundle struct {
	ID        string
	Items     []FileRecord
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the bundle is logically dead at now.
// A bundle is still live at exactly ExpiresAt.
func (b *Bundle) Expired(now time.Time) bool {
	return now.After(b.ExpiresAt)
}

// TotalSize returns the sum of the decoded sizes of all items.
func (b *Bundle) TotalSize() int64 {
	var total int64
	for _, item := range b.Items {
		total += item.Size
	}
	return total
}

// FileRecord is one file within a bundle.
type FileRecord struct {
	// Name is the original filename. Names are not unique within a bundle.
	Name string
	// Size is the decoded byte length.
	Size int64
	// MIMEType is the declared content type, advisory only.
	MIMEType string
	// Payload is the file content as a base64 data URL.
	Payload string
	// ModifiedAt is the source file's last-modified time, advisory only.
	ModifiedAt time.Time
	// Digest is the BLAKE3 hash of the decoded bytes. Records written by
	// older clients carry no digest and are not verified.
	Digest airdrop.Hash
}

// NewFileRecord encodes data into a FileRecord.
func NewFileRecord(name, mimeType string, modifiedAt time.Time, data []byte) FileRecord {
	if mimeType == "" {
		mimeType = DefaultMIMEType
	}
	return FileRecord{
		Name:       name,
		Size:       int64(len(data)),
		MIMEType:   mimeType,
		Payload:    EncodeDataURL(mimeType, data),
		ModifiedAt: modifiedAt.Truncate(time.Millisecond),
		Digest:     airdrop.HashBytes(data),
	}
}

// Bytes decodes the payload and verifies it against the recorded size and
// digest.
func (f *FileRecord) Bytes() ([]byte, error) {
	_, data, err := DecodeDataURL(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", f.Name, err)
	}
	if int64(len(data)) != f.Size {
		return nil, fmt.Errorf("%w: %s is %d bytes, recorded %d", ErrCorruptRecord, f.Name, len(data), f.Size)
	}
	if !f.Digest.IsZero() {
		if got := airdrop.HashBytes(data); got != f.Digest {
			return nil, fmt.Errorf("%w: %s digest %s, recorded %s", ErrCorruptRecord, f.Name, got.ShortString(), f.Digest.ShortString())
		}
	}
	return data, nil
}
