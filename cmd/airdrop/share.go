package main

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/wolfeidau/airdrop/transfer"
)

// ShareCmd stores files and prints their link.
type ShareCmd struct {
	Files     []string      `arg:"" help:"Files to share." type:"path"`
	PublicURL string        `help:"Base URL of share links." default:"http://localhost:8080/" env:"AIRDROP_PUBLIC_URL"`
	TTL       time.Duration `help:"How long the share stays available." default:"24h" env:"AIRDROP_TTL"`
}

func (c *ShareCmd) Run(rc *runContext) error {
	st, _, closeStore, err := rc.openStore(c.TTL)
	if err != nil {
		return err
	}
	defer closeStore()

	sources := make([]transfer.Source, len(c.Files))
	for i, path := range c.Files {
		src, err := transfer.FileSource(path)
		if err != nil {
			// Reported as a warning by Encode.
			src = transfer.Source{
				Name: filepath.Base(path),
				Open: func() (io.ReadCloser, error) { return nil, err },
			}
		}
		sources[i] = src
	}

	svc := transfer.New(st, c.PublicURL, transfer.WithLogger(rc.Logger))
	res, err := svc.Share(rc, sources, func(done, total int) {
		rc.Logger.Debug("encoded file", "done", done, "total", total)
	})
	if err != nil {
		return err
	}

	for _, w := range res.Warnings {
		_, _ = fmt.Fprintf(rc.Stdout, "warning: %v\n", w)
	}
	_, _ = fmt.Fprintf(rc.Stdout, "Share link: %s\n", res.Locator)
	_, _ = fmt.Fprintf(rc.Stdout, "QR code:    %s\n", res.QRCodeURL)
	_, _ = fmt.Fprint(rc.Stdout, bundleTree(res.Bundle))
	return nil
}
