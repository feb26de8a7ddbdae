// Package download provides singleflight-based deduplication for concurrent
// network fetches. When multiple requests arrive for the same uncached
// resource, only one network fetch is performed.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/wolfeidau/airdrop"
	"golang.org/x/sync/singleflight"
)

// MaxBodySize bounds a fetched body held in memory.
const MaxBodySize = 64 * 1024 * 1024 // 64MB

// ErrBodyTooLarge is returned when a response body exceeds MaxBodySize.
var ErrBodyTooLarge = errors.New("response body exceeds maximum size")

// Result holds a fully read network response. Results may be shared
// between callers and must be treated as read-only.
type Result struct {
	// URL is the final URL after redirects.
	URL        *url.URL
	Redirected bool
	Status     int
	Header     http.Header
	Body       []byte
	Hash       airdrop.Hash
}

// Size returns the body length.
func (r *Result) Size() int64 {
	return int64(len(r.Body))
}

// OK reports whether the status is in the 2xx range.
func (r *Result) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// DownloadFunc fetches from the network.
// The context passed to DownloadFunc is detached from any single request so
// that one caller timing out does not cancel the download for other waiters.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent downloads for the same resource key
// using singleflight. It uses DoChan so each caller can respect its own
// context deadline without cancelling the in-flight download for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent downloads for the same key.
// The fn receives a background context (not tied to any single request).
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the download completes, Do returns
// the context error but the in-flight download continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		// Use a detached context so that no single caller's cancellation
		// stops the download for everyone else.
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			forgetOnDownloadError(d, key, res.Err)
			return nil, res.Shared, res.Err
		}
		if res.Shared {
			d.logger.Debug("joined in-flight download", "key", key)
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to retry. Typically called after a download error.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}

// forgetOnDownloadError calls Forget on the downloader if the error represents
// a real download failure (not a caller context timeout).
func forgetOnDownloadError(d *Downloader, key string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}

// Fetch sends req with client and reads the whole body, hashing it as it is
// read. Bodies larger than MaxBodySize fail with ErrBodyTooLarge.
func Fetch(client *http.Client, req *http.Request) (*Result, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	hr := airdrop.NewHashingReader(io.LimitReader(resp.Body, MaxBodySize+1))
	body, err := io.ReadAll(hr)
	if err != nil {
		return nil, fmt.Errorf("reading body of %s: %w", req.URL.Redacted(), err)
	}
	if int64(len(body)) > MaxBodySize {
		return nil, fmt.Errorf("%s: %w", req.URL.Redacted(), ErrBodyTooLarge)
	}

	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}

	return &Result{
		URL:        final,
		Redirected: final.String() != req.URL.String(),
		Status:     resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		Hash:       hr.Sum(),
	}, nil
}
