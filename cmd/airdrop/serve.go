package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/airdrop/offline"
	"github.com/wolfeidau/airdrop/server"
	"github.com/wolfeidau/airdrop/telemetry"
)

// ServeCmd runs the server.
type ServeCmd struct {
	Address       string        `help:"Address to listen on." default:":8080" env:"AIRDROP_ADDRESS"`
	PublicURL     string        `help:"Base URL of share links (default: http://localhost<address>/)." env:"AIRDROP_PUBLIC_URL"`
	MaxStorage    int64         `help:"Maximum bytes held in storage, 0 for no limit." default:"0" env:"AIRDROP_MAX_STORAGE"`
	TTL           time.Duration `help:"How long shares stay available." default:"24h" env:"AIRDROP_TTL"`
	SweepInterval time.Duration `help:"How often expired shares are removed." default:"5m" env:"AIRDROP_SWEEP_INTERVAL"`
	DeliveryDelay time.Duration `help:"Spacing of files in a download-all." default:"500ms" env:"AIRDROP_DELIVERY_DELAY"`
	MaxUpload     int64         `help:"Maximum upload size in bytes." default:"268435456" env:"AIRDROP_MAX_UPLOAD"`
	QREndpoint    string        `help:"QR image service endpoint." env:"AIRDROP_QR_ENDPOINT"`
	ShellOrigin   string        `help:"Serve the application shell from this origin instead of the embedded copy." env:"AIRDROP_SHELL_ORIGIN"`
	Manifest      string        `help:"YAML file listing the entries to precache." type:"existingfile" env:"AIRDROP_MANIFEST"`
	CacheVersion  string        `help:"Static cache version (default: manifest version or v1.0-beta)." env:"AIRDROP_CACHE_VERSION"`

	Metrics      bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:"" env:"AIRDROP_METRICS"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"AIRDROP_OTLP_ENDPOINT"`
}

func (c *ServeCmd) Run(rc *runContext) error {
	shutdownMetrics, err := telemetry.InitMetrics(rc, telemetry.MetricsConfig{
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Metrics,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(ctx)
	}()

	cfg := server.Config{
		Address:         c.Address,
		PublicURL:       c.PublicURL,
		StoragePath:     rc.Storage,
		Backend:         rc.Backend,
		MaxStorageBytes: c.MaxStorage,
		TTL:             c.TTL,
		SweepInterval:   c.SweepInterval,
		DeliveryDelay:   c.DeliveryDelay,
		MaxUploadBytes:  c.MaxUpload,
		QREndpoint:      c.QREndpoint,
		ShellOrigin:     c.ShellOrigin,
		CacheVersion:    c.CacheVersion,
		Logger:          rc.Logger,
	}
	if c.Manifest != "" {
		m, err := offline.LoadManifest(c.Manifest)
		if err != nil {
			return err
		}
		cfg.Manifest = m.Entries
		if cfg.CacheVersion == "" {
			cfg.CacheVersion = m.Version
		}
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(rc)
	}()

	rc.Logger.Info("server started",
		"address", srv.Address(),
		"storage", rc.Storage,
		"backend", rc.Backend,
		"ttl", c.TTL,
		"delivery_delay", c.DeliveryDelay,
	)

	select {
	case <-rc.Done():
		rc.Logger.Info("received signal, shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	case err := <-errCh:
		srv.Close()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}
