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

	"github.com/wolfeidau/airdrop/backend"
)

// ErrNoWaitingWorker is returned when activation is requested and no
// installed worker is waiting.
var ErrNoWaitingWorker = errors.New("no waiting worker")

// NotificationTarget is the page opened by the "view" notification action.
const NotificationTarget = "/"

// Registry holds the active worker and routes fetches through it. It
// satisfies http.RoundTripper so an http.Client can use it directly.
type Registry struct {
	storage     *Storage
	net         *network
	origin      *url.URL
	logger      *slog.Logger
	now         func() time.Time
	skipWaiting bool

	bgMu       sync.Mutex
	bg         sync.WaitGroup
	closed     bool
	activateMu sync.Mutex

	mu      sync.RWMutex
	active  *Worker
	waiting *Worker
}

type registryOptions struct {
	transport   http.RoundTripper
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time
	skipWaiting bool
}

// Option configures a Registry.
type Option func(*registryOptions)

// WithTransport sets the transport used for network fetches.
// Defaults to http.DefaultTransport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *registryOptions) {
		o.transport = rt
	}
}

// WithFetchTimeout sets the timeout of a single network fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *registryOptions) {
		o.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *registryOptions) {
		o.logger = logger
	}
}

// WithNow sets the clock used to stamp cached responses.
func WithNow(now func() time.Time) Option {
	return func(o *registryOptions) {
		o.now = now
	}
}

// WithSkipWaiting controls whether a newly installed worker is activated
// immediately. Defaults to true.
func WithSkipWaiting(skip bool) Option {
	return func(o *registryOptions) {
		o.skipWaiting = skip
	}
}

// NewRegistry creates a registry for the application at origin, caching
// into b.
func NewRegistry(b backend.Backend, origin *url.URL, opts ...Option) *Registry {
	o := registryOptions{
		transport:   http.DefaultTransport,
		timeout:     DefaultFetchTimeout,
		logger:      slog.Default(),
		now:         time.Now,
		skipWaiting: true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger.With("component", "offline")
	return &Registry{
		storage:     NewStorage(b, o.logger),
		net:         newNetwork(o.transport, origin, o.timeout, logger),
		origin:      origin,
		logger:      logger,
		now:         o.now,
		skipWaiting: o.skipWaiting,
	}
}

// Storage returns the cache storage.
func (r *Registry) Storage() *Storage {
	return r.storage
}

// Active returns the worker serving fetches, or nil.
func (r *Registry) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting returns the installed worker waiting to activate, or nil.
func (r *Registry) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Register installs a worker for cfg. When skip-waiting is enabled it is
// activated straight away, otherwise it waits for a SKIP_WAITING message.
// A failed install leaves the current worker serving.
func (r *Registry) Register(ctx context.Context, cfg Config) (*Worker, error) {
	if cfg.Origin == nil {
		cfg.Origin = r.origin
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	w := newWorker(r, cfg)
	if err := w.Install(ctx); err != nil {
		if cur := r.Active(); cur != nil {
			r.logger.Warn("keeping current cache after failed install", "current", cur.cfg.Version, "failed", cfg.Version)
		}
		return w, err
	}

	r.mu.Lock()
	prev := r.waiting
	r.waiting = w
	r.mu.Unlock()
	if prev != nil {
		prev.setState(ctx, StateRedundant)
	}

	if r.skipWaiting {
		if err := r.activateWaiting(ctx); err != nil {
			return w, err
		}
	}
	return w, nil
}

// activateWaiting activates the waiting worker and makes it the one every
// later fetch goes through.
func (r *Registry) activateWaiting(ctx context.Context) error {
	r.activateMu.Lock()
	defer r.activateMu.Unlock()

	w := r.Waiting()
	if w == nil {
		return ErrNoWaitingWorker
	}
	if err := w.Activate(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	prev := r.active
	r.active = w
	if r.waiting == w {
		r.waiting = nil
	}
	r.mu.Unlock()

	if prev != nil && prev != w {
		prev.setState(ctx, StateRedundant)
	}
	r.logger.Info("cache controller changed", "version", w.cfg.Version)
	return nil
}

// Fetch routes req through the active worker, or straight to the network
// when there is none.
func (r *Registry) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if w := r.Active(); w != nil {
		return w.Fetch(ctx, req)
	}
	return r.net.passthrough(ctx, req)
}

// RoundTrip implements http.RoundTripper.
func (r *Registry) RoundTrip(req *http.Request) (*http.Response, error) {
	return r.Fetch(req.Context(), req)
}

// Message handles a command posted by the application.
func (r *Registry) Message(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageSkipWaiting:
		err := r.activateWaiting(ctx)
		if errors.Is(err, ErrNoWaitingWorker) {
			r.logger.Debug("skip waiting with no waiting worker")
			return nil
		}
		return err
	default:
		r.logger.Debug("ignoring message", "type", msg.Type)
		return nil
	}
}

// Sync handles a background sync event. Only the upload tag is handled.
func (r *Registry) Sync(ctx context.Context, tag string) SyncResult {
	if tag != SyncTagUpload {
		return SyncResult{Tag: tag}
	}
	r.logger.InfoContext(ctx, "background sync triggered", "tag", tag)
	return SyncResult{Tag: tag, Handled: true}
}

// Push builds the notification for a push event. An empty payload yields
// no notification.
func (r *Registry) Push(ctx context.Context, data []byte) (*Notification, error) {
	p, err := ParsePushPayload(data)
	if err != nil || p == nil {
		return nil, err
	}
	r.logger.DebugContext(ctx, "push received", "title", p.Title)
	return newNotification(p), nil
}

// NotificationClick returns the page to open for a notification action.
func (r *Registry) NotificationClick(action string) (string, bool) {
	if action == "view" {
		return NotificationTarget, true
	}
	return "", false
}

// WorkerStatus describes a worker.
type WorkerStatus struct {
	Version string `json:"version"`
	State   string `json:"state"`
	Static  string `json:"static"`
	Dynamic string `json:"dynamic"`
}

// NamespaceStatus describes a cache namespace.
type NamespaceStatus struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

// Status is a snapshot of the registry.
type Status struct {
	Active     *WorkerStatus     `json:"active,omitempty"`
	Waiting    *WorkerStatus     `json:"waiting,omitempty"`
	Namespaces []NamespaceStatus `json:"namespaces"`
}

func workerStatus(w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	return &WorkerStatus{
		Version: w.cfg.Version,
		State:   w.State().String(),
		Static:  w.cfg.StaticName(),
		Dynamic: w.cfg.DynamicName(),
	}
}

// Status reports the workers and the namespaces in storage.
func (r *Registry) Status(ctx context.Context) (Status, error) {
	st := Status{
		Active:  workerStatus(r.Active()),
		Waiting: workerStatus(r.Waiting()),
	}
	names, err := r.storage.Names(ctx)
	if err != nil {
		return st, err
	}
	st.Namespaces = make([]NamespaceStatus, 0, len(names))
	for _, name := range names {
		keys, err := r.storage.Keys(ctx, name)
		if err != nil {
			return st, fmt.Errorf("status of %s: %w", name, err)
		}
		st.Namespaces = append(st.Namespaces, NamespaceStatus{Name: name, Entries: len(keys)})
	}
	return st, nil
}

// Close stops new background cache writes and waits for running ones to
// finish. Fetches still work after Close but are no longer cached.
func (r *Registry) Close() error {
	r.bgMu.Lock()
	r.closed = true
	r.bgMu.Unlock()
	r.bg.Wait()
	return nil
}

// background runs fn in a goroutine tracked by Close. It reports false,
// without running fn, once Close has been called.
func (r *Registry) background(fn func()) bool {
	r.bgMu.Lock()
	defer r.bgMu.Unlock()
	if r.closed {
		return false
	}
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		fn()
	}()
	return true
}
