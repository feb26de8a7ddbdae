// Package server hosts the airdrop application: the shell served through the
// offline resource cache, the share API over the bundle store, and the
// resource cache's event endpoints.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/airdrop"
	"github.com/wolfeidau/airdrop/backend"
	"github.com/wolfeidau/airdrop/offline"
	"github.com/wolfeidau/airdrop/store"
	"github.com/wolfeidau/airdrop/telemetry"
	"github.com/wolfeidau/airdrop/transfer"
)

// Backend kinds accepted in Config.Backend.
const (
	BackendFilesystem = "filesystem"
	BackendBolt       = "bolt"
	BackendMemory     = "memory"
)

// DefaultMaxUploadBytes caps the body of a share upload.
const DefaultMaxUploadBytes = store.MaxRecordSize

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// PublicURL is the base of share locators.
	// Default: http://localhost<Address>/
	PublicURL string

	// StoragePath is the root path for storage
	StoragePath string

	// Backend selects the storage backend: filesystem, bolt or memory.
	Backend string

	// MaxStorageBytes caps the bytes held by the backend.
	// Writes beyond it fail with insufficient storage. Zero disables the cap.
	MaxStorageBytes int64

	// TTL is how long a share stays retrievable.
	TTL time.Duration

	// SweepInterval is how often expired shares are removed.
	SweepInterval time.Duration

	// DeliveryDelay spaces the files of a download-all response.
	DeliveryDelay time.Duration

	// MaxUploadBytes caps the size of a share upload.
	MaxUploadBytes int64

	// MaxRecordBytes caps the encoded size of one stored share. Encoding
	// grows file data by about a third.
	MaxRecordBytes int

	// QREndpoint and QRSize configure the QR image service.
	QREndpoint string
	QRSize     int

	// ShellOrigin, when set, is a remote origin serving the application
	// shell. By default the embedded shell is served.
	ShellOrigin string

	// CacheVersion and DynamicCacheVersion name the resource cache
	// namespaces.
	CacheVersion        string
	DynamicCacheVersion string

	// Manifest lists the entries precached by the resource cache.
	// Defaults to the shell and the logo.
	Manifest []string

	// Transport is used for outbound requests.
	// Default: http.DefaultTransport
	Transport http.RoundTripper

	// Logger for the server
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.PublicURL == "" {
		c.PublicURL = "http://localhost" + c.Address + "/"
	}
	if c.StoragePath == "" {
		c.StoragePath = "./data"
	}
	if c.Backend == "" {
		c.Backend = BackendFilesystem
	}
	if c.TTL == 0 {
		c.TTL = store.DefaultTTL
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = store.DefaultReapInterval
	}
	if c.DeliveryDelay == 0 {
		c.DeliveryDelay = transfer.DefaultDeliveryDelay
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.MaxRecordBytes == 0 {
		c.MaxRecordBytes = store.MaxRecordSize
	}
	if c.QREndpoint == "" {
		c.QREndpoint = airdrop.DefaultQREndpoint
	}
	if c.QRSize == 0 {
		c.QRSize = airdrop.DefaultQRSize
	}
	if c.Transport == nil {
		c.Transport = http.DefaultTransport
	}
}

// Server is the HTTP host of the application.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	backend  backend.Backend
	closer   io.Closer
	store    *store.Store
	reaper   *store.Reaper
	registry *offline.Registry
	transfer *transfer.Service
	origin   *url.URL
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	cfg.setDefaults()

	b, closer, err := OpenBackend(cfg.Backend, cfg.StoragePath, cfg.Logger)
	if err != nil {
		return nil, err
	}
	b = backend.NewInstrumentedBackend(b, cfg.Backend)
	if cfg.MaxStorageBytes > 0 {
		b = backend.NewQuota(b, cfg.MaxStorageBytes)
	}

	fail := func(err error) (*Server, error) {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}

	if _, err := url.Parse(cfg.PublicURL); err != nil {
		return fail(fmt.Errorf("parsing public url: %w", err))
	}

	st, err := store.New(b,
		store.WithTTL(cfg.TTL),
		store.WithMaxRecordSize(cfg.MaxRecordBytes),
		store.WithLogger(cfg.Logger),
	)
	if err != nil {
		return fail(fmt.Errorf("creating store: %w", err))
	}

	origin, transport, err := shellOrigin(cfg)
	if err != nil {
		st.Close()
		return fail(err)
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		backend: b,
		closer:  closer,
		store:   st,
		reaper: store.NewReaper(st,
			store.WithReaperInterval(cfg.SweepInterval),
			store.WithReaperLogger(cfg.Logger),
		),
		registry: offline.NewRegistry(b, origin,
			offline.WithTransport(transport),
			offline.WithLogger(cfg.Logger),
		),
		transfer: transfer.New(st, cfg.PublicURL,
			transfer.WithLogger(cfg.Logger),
			transfer.WithQRCode(cfg.QREndpoint, cfg.QRSize),
			transfer.WithDeliveryDelay(cfg.DeliveryDelay),
		),
		origin: origin,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  5 * time.Minute, // Long timeout for large uploads
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// OpenBackend opens the named storage backend rooted at path. The returned
// closer is nil for backends without resources to release.
func OpenBackend(kind, path string, logger *slog.Logger) (backend.Backend, io.Closer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch kind {
	case BackendFilesystem, "":
		fs, err := backend.NewFilesystem(path)
		if err != nil {
			return nil, nil, fmt.Errorf("creating filesystem backend: %w", err)
		}
		return fs, nil, nil
	case BackendBolt:
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, nil, fmt.Errorf("creating storage directory: %w", err)
		}
		db, err := backend.OpenBolt(filepath.Join(path, "airdrop.db"), backend.WithBoltLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("opening bolt backend: %w", err)
		}
		return db, db, nil
	case BackendMemory:
		return backend.NewMemory(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// shellOrigin returns the origin the resource cache treats as same-origin
// and the transport that reaches it.
func shellOrigin(cfg Config) (*url.URL, http.RoundTripper, error) {
	if cfg.ShellOrigin != "" {
		u, err := url.Parse(cfg.ShellOrigin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, nil, fmt.Errorf("invalid shell origin %q", cfg.ShellOrigin)
		}
		return &url.URL{Scheme: u.Scheme, Host: u.Host}, cfg.Transport, nil
	}

	pub, err := url.Parse(cfg.PublicURL)
	if err != nil || pub.Scheme == "" || pub.Host == "" {
		return nil, nil, fmt.Errorf("invalid public url %q", cfg.PublicURL)
	}
	origin := &url.URL{Scheme: pub.Scheme, Host: pub.Host}
	return origin, &handlerTransport{
		origin:  origin,
		handler: shellHandler(ShellFS()),
		next:    cfg.Transport,
	}, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Share API
	mux.HandleFunc("POST /api/shares", s.handleCreateShare)
	mux.HandleFunc("GET /api/shares/{id}", s.handleGetShare)
	mux.HandleFunc("DELETE /api/shares/{id}", s.handleDeleteShare)
	mux.HandleFunc("GET /api/shares/{id}/files/{index}", s.handleGetFile)
	mux.HandleFunc("GET /api/shares/{id}/all", s.handleGetAll)

	// QR images, fetched through the resource cache
	mux.HandleFunc("GET /qr", s.handleQR)

	// Resource cache events
	mux.HandleFunc("GET /_offline/status", s.handleOfflineStatus)
	mux.HandleFunc("POST /_offline/message", s.handleOfflineMessage)
	mux.HandleFunc("POST /_offline/sync", s.handleOfflineSync)
	mux.HandleFunc("POST /_offline/push", s.handleOfflinePush)
	mux.HandleFunc("POST /_offline/notificationclick", s.handleOfflineNotificationClick)

	// Everything else is the application shell
	mux.HandleFunc("GET /{path...}", s.handleShell)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		surface := deriveSurface(r.URL.Path)
		telemetry.SetSurface(r, surface)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"surface", surface,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Install registers the resource cache worker, precaching the manifest.
// On failure requests are passed straight to the network.
func (s *Server) Install(ctx context.Context) error {
	_, err := s.registry.Register(ctx, offline.Config{
		Version:        s.config.CacheVersion,
		DynamicVersion: s.config.DynamicCacheVersion,
		Manifest:       s.config.Manifest,
	})
	return err
}

// Start runs the sweeper, installs the resource cache and starts the
// server. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting sweeper", "ttl", s.config.TTL, "interval", s.config.SweepInterval)
	go s.reaper.Run(ctx)

	if err := s.Install(ctx); err != nil {
		s.logger.Warn("resource cache not installed, serving from network", "error", err)
	}

	s.logger.Info("starting server", "address", s.config.Address, "public_url", s.config.PublicURL)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)
	s.Close()
	return err
}

// Close waits for background cache writes and releases storage.
func (s *Server) Close() {
	_ = s.registry.Close()
	s.store.Close()
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			s.logger.Warn("failed to close backend", "error", err)
		}
	}
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveSurface classifies a request path for metrics and logging.
func deriveSurface(path string) string {
	switch {
	case path == "/health" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, "/api/"):
		return "api"
	case path == "/qr":
		return "qr"
	case strings.HasPrefix(path, "/_offline/"):
		return "offline"
	default:
		return "shell"
	}
}
