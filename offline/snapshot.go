package offline

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/wolfeidau/airdrop"
	"github.com/wolfeidau/airdrop/download"
)

var (
	// MagicBytes is the 4-byte prefix for stored response snapshots.
	MagicBytes = []byte("ADC1")

	// ErrInvalidMagic is returned when an entry doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected ADC1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")

	// ErrCorruptSnapshot is returned when a stored body does not match its header.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// ResponseType mirrors the fetch response types relevant to caching.
type ResponseType string

const (
	// TypeBasic is a same-origin response.
	TypeBasic ResponseType = "basic"
	// TypeCORS is a cross-origin response.
	TypeCORS ResponseType = "cors"
)

// Snapshot is a stored response.
type Snapshot struct {
	URL      string
	Status   int
	Header   http.Header
	Type     ResponseType
	StoredAt time.Time
	Body     []byte
}

// snapshotHeader is the framed JSON header of a stored snapshot.
type snapshotHeader struct {
	URL           string       `json:"url"`
	Status        int          `json:"status"`
	Header        http.Header  `json:"header,omitempty"`
	Type          ResponseType `json:"type"`
	StoredAt      string       `json:"stored_at"`
	ContentLength int64        `json:"content_length"`
	ContentHash   string       `json:"content_hash"`
}

// snapshotFromResult captures a network result for storage.
func snapshotFromResult(rawURL string, res *download.Result, typ ResponseType, now time.Time) *Snapshot {
	return &Snapshot{
		URL:      rawURL,
		Status:   res.Status,
		Header:   res.Header.Clone(),
		Type:     typ,
		StoredAt: now,
		Body:     res.Body,
	}
}

// WriteTo writes the framed snapshot.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODYBYTES
func (s *Snapshot) WriteTo(w io.Writer) (int64, error) {
	hdr := snapshotHeader{
		URL:           s.URL,
		Status:        s.Status,
		Header:        s.Header,
		Type:          s.Type,
		StoredAt:      s.StoredAt.UTC().Format(time.RFC3339Nano),
		ContentLength: int64(len(s.Body)),
		ContentHash:   airdrop.HashBytes(s.Body).String(),
	}
	headerBytes, err := json.Marshal(hdr)
	if err != nil {
		return 0, fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > MaxHeaderSize {
		return 0, ErrHeaderTooLarge
	}

	var n int64
	write := func(p []byte) error {
		m, err := w.Write(p)
		n += int64(m)
		return err
	}

	if err := write(MagicBytes); err != nil {
		return n, fmt.Errorf("writing magic bytes: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(headerLen)) //nolint:gosec // headerLen is bounds-checked above
	if err := write(lenBuf[:]); err != nil {
		return n, fmt.Errorf("writing header length: %w", err)
	}
	if err := write(headerBytes); err != nil {
		return n, fmt.Errorf("writing header: %w", err)
	}
	if err := write(s.Body); err != nil {
		return n, fmt.Errorf("writing body: %w", err)
	}
	return n, nil
}

// Encode returns the framed snapshot bytes.
func (s *Snapshot) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadSnapshot reads a framed snapshot and verifies the body against the
// recorded length and hash.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var hdr snapshotHeader
	if err := json.Unmarshal(headerBytes, &hdr); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}

	body, err := io.ReadAll(io.LimitReader(r, download.MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) != hdr.ContentLength {
		return nil, fmt.Errorf("%w: body is %d bytes, header says %d", ErrCorruptSnapshot, len(body), hdr.ContentLength)
	}
	if airdrop.HashBytes(body).String() != hdr.ContentHash {
		return nil, fmt.Errorf("%w: content hash mismatch", ErrCorruptSnapshot)
	}

	storedAt, err := time.Parse(time.RFC3339Nano, hdr.StoredAt)
	if err != nil {
		return nil, fmt.Errorf("parsing stored_at: %w", err)
	}

	return &Snapshot{
		URL:      hdr.URL,
		Status:   hdr.Status,
		Header:   hdr.Header,
		Type:     hdr.Type,
		StoredAt: storedAt,
		Body:     body,
	}, nil
}

// Response builds an http.Response for req from the snapshot.
func (s *Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(s.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, http.StatusText(s.Status)),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}
