package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"

	"github.com/wolfeidau/airdrop/offline"
	"github.com/wolfeidau/airdrop/store"
)

// CacheCmd groups the resource cache commands.
type CacheCmd struct {
	Status   CacheStatusCmd   `cmd:"" help:"Show cache namespaces and entry counts."`
	Install  CacheInstallCmd  `cmd:"" help:"Precache a manifest from an origin."`
	Manifest CacheManifestCmd `cmd:"" help:"Print a precache manifest discovered from the shell HTML."`
}

// CacheStatusCmd prints the cache namespaces.
type CacheStatusCmd struct {
	Origin string `help:"Application origin." default:"http://localhost:8080/" env:"AIRDROP_PUBLIC_URL"`
}

func (c *CacheStatusCmd) Run(rc *runContext) error {
	reg, closeStore, err := openRegistry(rc, c.Origin)
	if err != nil {
		return err
	}
	defer closeStore()

	st, err := reg.Status(rc)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprint(rc.Stdout, cacheTree(st))
	return nil
}

// CacheInstallCmd installs a cache version from an origin.
type CacheInstallCmd struct {
	Origin         string `help:"Origin serving the application shell." required:"" env:"AIRDROP_SHELL_ORIGIN"`
	Manifest       string `help:"YAML manifest (default: the built-in shell manifest)." type:"existingfile"`
	Version        string `help:"Static cache version (default: manifest version)."`
	DynamicVersion string `help:"Dynamic cache version." default:"v1.0"`
}

func (c *CacheInstallCmd) Run(rc *runContext) error {
	m := offline.DefaultManifest()
	if c.Manifest != "" {
		var err error
		if m, err = offline.LoadManifest(c.Manifest); err != nil {
			return err
		}
	}
	version := c.Version
	if version == "" {
		version = m.Version
	}

	reg, closeStore, err := openRegistry(rc, c.Origin)
	if err != nil {
		return err
	}
	defer closeStore()

	if _, err := reg.Register(rc, offline.Config{
		Version:        version,
		DynamicVersion: c.DynamicVersion,
		Manifest:       m.Entries,
	}); err != nil {
		return err
	}

	st, err := reg.Status(rc)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprint(rc.Stdout, cacheTree(st))
	return nil
}

// CacheManifestCmd discovers the shell's assets and prints a manifest.
type CacheManifestCmd struct {
	Origin  string `help:"Origin serving the application shell." default:"http://localhost:8080/" env:"AIRDROP_PUBLIC_URL"`
	HTML    string `help:"Read the shell HTML from this file instead of fetching it." type:"existingfile"`
	Version string `help:"Version recorded in the manifest." default:"v1.0-beta"`
}

func (c *CacheManifestCmd) Run(rc *runContext) error {
	base, err := url.Parse(c.Origin)
	if err != nil {
		return fmt.Errorf("parsing origin: %w", err)
	}

	var doc []byte
	if c.HTML != "" {
		doc, err = os.ReadFile(c.HTML)
	} else {
		doc, err = fetchShell(rc, base)
	}
	if err != nil {
		return err
	}

	assets, err := offline.DiscoverAssets(bytes.NewReader(doc), base.ResolveReference(&url.URL{Path: "/index.html"}))
	if err != nil {
		return err
	}

	entries := []string{"./", offline.ShellEntry}
	for _, a := range assets {
		if !slices.Contains(entries, a) {
			entries = append(entries, a)
		}
	}
	entries = append(entries, offline.LogoURL)

	out, err := offline.Manifest{Version: c.Version, Entries: entries}.Marshal()
	if err != nil {
		return err
	}
	_, err = rc.Stdout.Write(out)
	return err
}

func fetchShell(rc *runContext, base *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(rc, http.MethodGet, base.ResolveReference(&url.URL{Path: "/"}).String(), nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: offline.DefaultFetchTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching shell: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching shell: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

func openRegistry(rc *runContext, origin string) (*offline.Registry, func(), error) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, nil, fmt.Errorf("invalid origin %q", origin)
	}
	_, b, closeStore, err := rc.openStore(store.DefaultTTL)
	if err != nil {
		return nil, nil, err
	}
	reg := offline.NewRegistry(b, &url.URL{Scheme: u.Scheme, Host: u.Host}, offline.WithLogger(rc.Logger))
	return reg, func() {
		_ = reg.Close()
		closeStore()
	}, nil
}
