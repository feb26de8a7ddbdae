package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/airdrop/download"
	"github.com/wolfeidau/airdrop/telemetry"
)

const (
	// installConcurrency bounds parallel manifest fetches.
	installConcurrency = 6

	// backgroundWriteTimeout caps a dynamic cache write made after the
	// response was returned.
	backgroundWriteTimeout = 5 * time.Minute
)

// FallbackHeader marks responses that did not come from the network.
const FallbackHeader = "X-Offline-Fallback"

// Worker owns one cache version. It precaches the manifest on install,
// removes stale namespaces on activation and answers fetches once active.
type Worker struct {
	cfg     Config
	storage *Storage
	net     *network
	now     func() time.Time
	logger  *slog.Logger
	bg      func(func()) bool

	mu    sync.Mutex
	state State
}

func newWorker(r *Registry, cfg Config) *Worker {
	return &Worker{
		cfg:     cfg,
		storage: r.storage,
		net:     r.net,
		now:     r.now,
		logger:  r.logger.With("version", cfg.Version),
		bg:      r.background,
		state:   StateInstalling,
	}
}

// Config returns the cache version the worker serves.
func (w *Worker) Config() Config {
	return w.cfg
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(ctx context.Context, to State) {
	w.mu.Lock()
	from := w.state
	w.state = to
	w.mu.Unlock()

	if from == to {
		return
	}
	telemetry.RecordWorkerTransition(ctx, from.String(), to.String())
	w.logger.Debug("worker state changed", "from", from.String(), "to", to.String())
}

// transition moves from one state to another, failing if the worker is not
// in the expected state.
func (w *Worker) transition(ctx context.Context, from, to State) error {
	w.mu.Lock()
	if w.state != from {
		cur := w.state
		w.mu.Unlock()
		return fmt.Errorf("worker %s is %s, not %s", w.cfg.Version, cur, from)
	}
	w.mu.Unlock()
	w.setState(ctx, to)
	return nil
}

// Install fetches every manifest entry and, only once all of them have
// succeeded, writes them into the static namespace. Any failure leaves the
// worker redundant.
func (w *Worker) Install(ctx context.Context) error {
	if s := w.State(); s != StateInstalling {
		return fmt.Errorf("worker %s is %s, not installing", w.cfg.Version, s)
	}

	start := w.now()
	w.logger.Info("installing cache", "namespace", w.cfg.StaticName(), "entries", len(w.cfg.Manifest))

	urls := make([]*url.URL, len(w.cfg.Manifest))
	for i, entry := range w.cfg.Manifest {
		u, err := w.cfg.ResolveURL(entry)
		if err != nil {
			return w.failInstall(ctx, start, err)
		}
		urls[i] = u
	}

	results := make([]*download.Result, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			res, err := w.net.fetch(gctx, nil, u)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", u, err)
			}
			if !res.OK() {
				return fmt.Errorf("fetching %s: unexpected status %d", u, res.Status)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return w.failInstall(ctx, start, err)
	}

	static := w.cfg.StaticName()
	existed, err := w.storage.Has(ctx, static)
	if err != nil {
		return w.failInstall(ctx, start, err)
	}

	now := w.now()
	for i, res := range results {
		snap := snapshotFromResult(urls[i].String(), res, responseType(w.cfg.Origin, urls[i], res), now)
		if err := w.storage.writeEntry(ctx, "static", static, snap); err != nil {
			if !existed {
				if delErr := w.storage.Delete(context.WithoutCancel(ctx), static); delErr != nil {
					w.logger.Warn("failed to roll back static cache", "namespace", static, "error", delErr)
				}
			}
			return w.failInstall(ctx, start, err)
		}
	}

	w.setState(ctx, StateInstalled)
	telemetry.RecordInstall(ctx, w.cfg.Version, "success", len(results), w.now().Sub(start))
	w.logger.Info("cache installed", "namespace", static, "entries", len(results))
	return nil
}

func (w *Worker) failInstall(ctx context.Context, start time.Time, err error) error {
	w.setState(ctx, StateRedundant)
	telemetry.RecordInstall(ctx, w.cfg.Version, "failure", 0, w.now().Sub(start))
	w.logger.Error("cache install failed", "error", err)
	return fmt.Errorf("%w: %s: %w", ErrInstallFailed, w.cfg.Version, err)
}

// Activate deletes every namespace other than the worker's static and
// dynamic ones. A namespace that cannot be deleted is logged and left for
// the next activation.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(ctx, StateInstalled, StateActivating); err != nil {
		return err
	}

	names, err := w.storage.Names(ctx)
	if err != nil {
		w.setState(ctx, StateInstalled)
		return fmt.Errorf("activating %s: %w", w.cfg.Version, err)
	}

	keep := map[string]bool{w.cfg.StaticName(): true, w.cfg.DynamicName(): true}
	for _, name := range names {
		if keep[name] {
			continue
		}
		w.logger.Info("deleting old cache", "namespace", name)
		if err := w.storage.Delete(ctx, name); err != nil {
			w.logger.Warn("failed to delete old cache", "namespace", name, "error", err)
		}
	}

	w.setState(ctx, StateActivated)
	w.logger.Info("cache activated", "namespace", w.cfg.StaticName())
	return nil
}

// Fetch answers req from the cache or the network. Only GET requests are
// cached.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		telemetry.SetCacheResultContext(ctx, telemetry.CacheBypass)
		return w.net.passthrough(ctx, req)
	}

	u := req.URL
	if !u.IsAbs() {
		resolved, err := w.cfg.ResolveURL(u.String())
		if err != nil {
			return nil, err
		}
		u = resolved
	}
	rawURL := u.String()

	snap, ns, err := w.storage.MatchAny(ctx, []string{w.cfg.StaticName(), w.cfg.DynamicName()}, rawURL)
	switch {
	case err == nil:
		telemetry.RecordCacheLookup(ctx, w.kind(ns), telemetry.CacheHit)
		telemetry.SetCacheResultContext(ctx, telemetry.CacheHit)
		return snap.Response(req), nil
	case !errors.Is(err, ErrNoMatch):
		w.logger.Warn("cache lookup failed", "url", rawURL, "error", err)
	}
	telemetry.RecordCacheLookup(ctx, "none", telemetry.CacheMiss)
	telemetry.SetCacheResultContext(ctx, telemetry.CacheMiss)

	same := w.cfg.SameOrigin(u)
	res, err := w.net.fetch(ctx, req, u)
	if err != nil {
		if !same {
			w.logger.Info("external request failed", "url", rawURL, "error", err)
			return unavailableResponse(req), nil
		}
		if IsNavigation(req) {
			if resp := w.shellResponse(ctx, req); resp != nil {
				return resp, nil
			}
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrNetwork, rawURL, err)
	}

	typ := responseType(w.cfg.Origin, u, res)
	if res.Status == http.StatusOK && (!same || typ == TypeBasic) {
		w.cacheAsync(ctx, snapshotFromResult(rawURL, res, typ, w.now()))
	}
	return res.Response(req), nil
}

// shellResponse returns the cached application shell, or nil when it is
// not cached.
func (w *Worker) shellResponse(ctx context.Context, req *http.Request) *http.Response {
	shell, err := w.cfg.ResolveURL(ShellEntry)
	if err != nil {
		return nil
	}
	snap, _, err := w.storage.MatchAny(ctx, []string{w.cfg.StaticName(), w.cfg.DynamicName()}, shell.String())
	if err != nil {
		w.logger.Warn("navigation failed and shell is not cached", "url", req.URL.String(), "error", err)
		return nil
	}
	w.logger.Info("serving cached shell for failed navigation", "url", req.URL.String())
	resp := snap.Response(req)
	resp.Header.Set(FallbackHeader, "shell")
	return resp
}

// cacheAsync writes snap to the dynamic namespace without blocking the
// caller. The write outlives the request context.
func (w *Worker) cacheAsync(ctx context.Context, snap *Snapshot) {
	started := w.bg(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundWriteTimeout)
		defer cancel()
		if err := w.storage.writeEntry(ctx, "dynamic", w.cfg.DynamicName(), snap); err != nil {
			w.logger.Warn("failed to cache response", "url", snap.URL, "error", err)
		}
	})
	if !started {
		w.logger.Debug("registry closed, not caching response", "url", snap.URL)
	}
}

func (w *Worker) kind(namespace string) string {
	if namespace == w.cfg.StaticName() {
		return "static"
	}
	return "dynamic"
}

// unavailableResponse stands in for a cross-origin resource that could not
// be fetched.
func unavailableResponse(req *http.Request) *http.Response {
	header := make(http.Header)
	header.Set(FallbackHeader, "external-unavailable")
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", "0")
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", http.StatusGatewayTimeout, http.StatusText(http.StatusGatewayTimeout)),
		StatusCode: http.StatusGatewayTimeout,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Body:       http.NoBody,
		Request:    req,
	}
}
