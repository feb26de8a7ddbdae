// Command airdrop shares files through a local store using links and QR
// codes, and hosts the application that opens them.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"github.com/wolfeidau/airdrop/backend"
	"github.com/wolfeidau/airdrop/server"
	"github.com/wolfeidau/airdrop/store"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"AIRDROP_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"AIRDROP_LOG_FORMAT"`
	Storage   string `help:"Storage directory path." default:"./data" type:"path" env:"AIRDROP_STORAGE"`
	Backend   string `help:"Storage backend." enum:"filesystem,bolt,memory" default:"filesystem" env:"AIRDROP_BACKEND"`
}

// CLI is the airdrop command line.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Print version and exit."`

	Serve ServeCmd `cmd:"" help:"Run the airdrop server."`
	Share ShareCmd `cmd:"" help:"Share files and print the link."`
	Fetch FetchCmd `cmd:"" help:"Download the files behind a link."`
	Sweep SweepCmd `cmd:"" help:"Remove expired shares."`
	Cache CacheCmd `cmd:"" help:"Inspect and prepare the offline resource cache."`
}

// runContext is passed to every command's Run method.
type runContext struct {
	context.Context
	*Globals
	Logger *slog.Logger
	Stdout io.Writer
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("airdrop"),
		kong.Description("Share files with a link or QR code. Shares expire after a fixed time."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat, os.Stderr)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = kctx.Run(&runContext{Context: ctx, Globals: &cli.Globals, Logger: logger, Stdout: os.Stdout})
	stop()
	kctx.FatalIfErrorf(err)
}

// newLogger builds the process logger. Text output is colourised when w is
// a terminal.
func newLogger(level, format string, w *os.File) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
			NoColor:    !term.IsTerminal(int(w.Fd())), //nolint:gosec // fd fits in int
		})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// openStore opens the configured backend and a store over it. The returned
// function releases both.
func (rc *runContext) openStore(ttl time.Duration) (*store.Store, backend.Backend, func(), error) {
	b, closer, err := server.OpenBackend(rc.Backend, rc.Storage, rc.Logger)
	if err != nil {
		return nil, nil, nil, err
	}
	b = backend.NewInstrumentedBackend(b, rc.Backend)

	st, err := store.New(b, store.WithTTL(ttl), store.WithLogger(rc.Logger))
	if err != nil {
		closeQuietly(closer)
		return nil, nil, nil, err
	}
	return st, b, func() {
		st.Close()
		closeQuietly(closer)
	}, nil
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
