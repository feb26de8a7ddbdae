package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/wolfeidau/airdrop/download"
	"github.com/wolfeidau/airdrop/telemetry"
)

// DefaultFetchTimeout bounds a single network fetch.
const DefaultFetchTimeout = 30 * time.Second

var (
	// ErrNetwork is returned when a fetch fails on the network and no cached
	// response can stand in for it.
	ErrNetwork = errors.New("network request failed")

	// ErrInstallFailed is returned when a worker could not precache its
	// manifest. The worker becomes redundant.
	ErrInstallFailed = errors.New("install failed")
)

// ForwardedHeaders are copied from an intercepted request to the network
// request.
var ForwardedHeaders = []string{"Accept", "Accept-Language", "User-Agent", "Sec-Fetch-Mode", "Sec-Fetch-Dest"}

// network performs the fetches of the resource cache. Concurrent fetches of
// the same URL share one request.
type network struct {
	client    *http.Client
	downloads *download.Downloader
	origin    *url.URL
	logger    *slog.Logger
}

func newNetwork(transport http.RoundTripper, origin *url.URL, timeout time.Duration, logger *slog.Logger) *network {
	n := &network{
		downloads: download.New(download.WithLogger(logger)),
		origin:    origin,
		logger:    logger,
	}
	n.client = &http.Client{
		Transport: telemetry.NewInstrumentedTransport(transport, n.classify),
		Timeout:   timeout,
	}
	return n
}

// classify labels a request for upstream fetch metrics.
func (n *network) classify(req *http.Request) string {
	if sameOrigin(n.origin, req.URL) {
		return "same"
	}
	return "cross"
}

// fetch GETs u, reading the whole response. Headers are taken from req.
func (n *network) fetch(ctx context.Context, req *http.Request, u *url.URL) (*download.Result, error) {
	rawURL := u.String()
	res, shared, err := n.downloads.Do(ctx, "GET "+rawURL, func(ctx context.Context) (*download.Result, error) {
		out, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		if req != nil {
			for _, h := range ForwardedHeaders {
				if v := req.Header.Get(h); v != "" {
					out.Header.Set(h, v)
				}
			}
		}
		return download.Fetch(n.client, out)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		n.logger.Debug("shared network fetch", "url", rawURL)
	}
	return res, nil
}

// passthrough sends req to the network without caching.
func (n *network) passthrough(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	resp, err := n.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNetwork, req.URL.Redacted(), err)
	}
	return resp, nil
}

// responseType classifies a fetched response the way a browser would:
// same-origin responses are basic, everything else is cors.
func responseType(origin *url.URL, requested *url.URL, res *download.Result) ResponseType {
	final := requested
	if res.URL != nil {
		final = res.URL
	}
	if sameOrigin(origin, requested) && sameOrigin(origin, final) {
		return TypeBasic
	}
	return TypeCORS
}

// IsNavigation reports whether req is a top-level page load.
func IsNavigation(req *http.Request) bool {
	return req.Header.Get("Sec-Fetch-Mode") == "navigate"
}
