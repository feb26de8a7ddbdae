// Package transfer turns local files into a stored bundle and a shareable
// locator, and reads bundles back for delivery.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/wolfeidau/airdrop"
	"github.com/wolfeidau/airdrop/store"
)

// DefaultDeliveryDelay spaces consecutive items of a bulk delivery.
const DefaultDeliveryDelay = 500 * time.Millisecond

// MaxFileSize is the largest file accepted for sharing.
const MaxFileSize = 100 << 20

var (
	// ErrNothingEncoded is returned when no file of a share could be read.
	ErrNothingEncoded = errors.New("no files could be encoded")

	// ErrFileTooLarge is reported for files over MaxFileSize.
	ErrFileTooLarge = errors.New("file too large")
)

// Warning reports a file that was skipped while encoding.
type Warning struct {
	Name string
	Err  error
}

func (w Warning) Error() string {
	return fmt.Sprintf("error processing file: %s: %v", w.Name, w.Err)
}

func (w Warning) Unwrap() error {
	return w.Err
}

// Progress is called after each file is encoded with the number encoded so
// far and the number of files offered.
type Progress func(done, total int)

// Encode reads every source into a FileRecord. A source that cannot be read
// is skipped and reported as a Warning; the rest still proceed. The error is
// non-nil only when ctx ends.
func Encode(ctx context.Context, sources []Source, progress Progress) ([]store.FileRecord, []Warning, error) {
	records := make([]store.FileRecord, 0, len(sources))
	var warnings []Warning

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		rec, err := encodeOne(src)
		if err != nil {
			warnings = append(warnings, Warning{Name: src.Name, Err: err})
			continue
		}
		records = append(records, rec)
		if progress != nil {
			progress(len(records), len(sources))
		}
	}
	return records, warnings, nil
}

func encodeOne(src Source) (store.FileRecord, error) {
	if src.Open == nil {
		return store.FileRecord{}, errors.New("source has no content")
	}
	rc, err := src.Open()
	if err != nil {
		return store.FileRecord{}, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, MaxFileSize+1))
	if err != nil {
		return store.FileRecord{}, err
	}
	if len(data) > MaxFileSize {
		return store.FileRecord{}, ErrFileTooLarge
	}
	return store.NewFileRecord(src.Name, src.MIMEType, src.ModifiedAt, data), nil
}

// ShareResult describes a stored share.
type ShareResult struct {
	Bundle    *store.Bundle
	Locator   string
	QRCodeURL string
	Warnings  []Warning
}

// Service shares files through a Store.
type Service struct {
	store      *store.Store
	publicURL  string
	qrEndpoint string
	qrSize     int
	delay      time.Duration
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithQRCode sets the QR image endpoint and size.
func WithQRCode(endpoint string, size int) Option {
	return func(s *Service) {
		s.qrEndpoint = endpoint
		s.qrSize = size
	}
}

// WithDeliveryDelay sets the spacing of bulk deliveries.
func WithDeliveryDelay(d time.Duration) Option {
	return func(s *Service) {
		s.delay = d
	}
}

// New creates a Service whose locators point at publicURL.
func New(s *store.Store, publicURL string, opts ...Option) *Service {
	svc := &Service{
		store:      s,
		publicURL:  publicURL,
		qrEndpoint: airdrop.DefaultQREndpoint,
		qrSize:     airdrop.DefaultQRSize,
		delay:      DefaultDeliveryDelay,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.logger = svc.logger.With("component", "transfer")
	return svc
}

// DeliveryDelay returns the spacing of bulk deliveries.
func (s *Service) DeliveryDelay() time.Duration {
	return s.delay
}

// Share encodes sources and stores them as a new bundle. Files that fail to
// encode are reported in the result's warnings. When every file fails
// ErrNothingEncoded is returned.
func (s *Service) Share(ctx context.Context, sources []Source, progress Progress) (*ShareResult, error) {
	records, warnings, err := Encode(ctx, sources, progress)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		s.logger.WarnContext(ctx, "skipping file", "name", w.Name, "error", w.Err)
	}
	if len(records) == 0 {
		return nil, ErrNothingEncoded
	}

	b, err := s.store.Create(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("storing share: %w", err)
	}

	locator, err := airdrop.Locator(s.publicURL, b.ID)
	if err != nil {
		return nil, fmt.Errorf("building locator: %w", err)
	}

	s.logger.InfoContext(ctx, "share created", "id", b.ID, "files", len(b.Items), "size", b.TotalSize(), "expires", b.ExpiresAt)
	return &ShareResult{
		Bundle:    b,
		Locator:   locator,
		QRCodeURL: airdrop.QRCodeURL(s.qrEndpoint, locator, s.qrSize),
		Warnings:  warnings,
	}, nil
}

// Open resolves a locator or bare identifier to its bundle.
func (s *Service) Open(ctx context.Context, locator string) (*store.Bundle, error) {
	id, err := airdrop.ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// Deliver calls fn for each item, issuing item i at i*delay after the first.
// It stops at the first error from fn or when ctx ends.
func Deliver(ctx context.Context, items []store.FileRecord, delay time.Duration, fn func(i int, item store.FileRecord) error) error {
	start := time.Now()
	for i, item := range items {
		if i > 0 && delay > 0 {
			timer := time.NewTimer(time.Until(start.Add(time.Duration(i) * delay)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(i, item); err != nil {
			return fmt.Errorf("delivering %s: %w", item.Name, err)
		}
	}
	return nil
}

// FormatSize renders a byte count the way the share page shows it, e.g.
// "1.5 KB".
func FormatSize(n int64) string {
	if n <= 0 {
		return "0 Bytes"
	}
	units := []string{"Bytes", "KB", "MB", "GB"}
	i := min(int(math.Floor(math.Log(float64(n))/math.Log(1024))), len(units)-1)
	v := float64(n) / math.Pow(1024, float64(i))
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64) + " " + units[i]
}
