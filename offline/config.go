// Package offline implements the versioned resource cache that fronts every
// fetch made on behalf of the application: a static namespace precached on
// install, a dynamic namespace filled at runtime, and the worker lifecycle
// that migrates between cache versions.
package offline

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	// DefaultPrefix names every cache namespace.
	DefaultPrefix = "airdrop"

	// DefaultVersion tags the static namespace.
	DefaultVersion = "v1.0-beta"

	// DefaultDynamicVersion tags the dynamic namespace.
	DefaultDynamicVersion = "v1.0"

	// ShellEntry is the application entry point served when a navigation
	// fails on the network.
	ShellEntry = "./index.html"

	// LogoURL is the fixed third-party image precached with the shell and
	// used for notification icons.
	LogoURL = "https://ineqe.com/wp-content/uploads/2022/11/Airdrop_Logo2022.png"
)

// Config describes one cache version.
type Config struct {
	// Origin is the application origin. Manifest entries resolve against it
	// and it decides which requests are same-origin.
	Origin *url.URL

	// Prefix, Version and DynamicVersion form the namespace names
	// "<prefix>-<version>" and "<prefix>-dynamic-<dynamicVersion>".
	Prefix         string
	Version        string
	DynamicVersion string

	// Manifest lists the entries precached on install.
	// Defaults to DefaultManifest().Entries.
	Manifest []string
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.DynamicVersion == "" {
		c.DynamicVersion = DefaultDynamicVersion
	}
	if c.Manifest == nil {
		c.Manifest = DefaultManifest().Entries
	}
	return c
}

func (c Config) validate() error {
	if c.Origin == nil || c.Origin.Scheme == "" || c.Origin.Host == "" {
		return fmt.Errorf("cache config: origin must be an absolute url")
	}
	for _, name := range []string{c.Prefix, c.Version, c.DynamicVersion} {
		if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
			return fmt.Errorf("cache config: invalid namespace component %q", name)
		}
	}
	return nil
}

// StaticName returns the static namespace name, e.g. "airdrop-v1.0-beta".
func (c Config) StaticName() string {
	return c.Prefix + "-" + c.Version
}

// DynamicName returns the dynamic namespace name, e.g. "airdrop-dynamic-v1.0".
func (c Config) DynamicName() string {
	return c.Prefix + "-dynamic-" + c.DynamicVersion
}

// ResolveURL resolves ref against the origin root.
func (c Config) ResolveURL(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", ref, err)
	}
	base := *c.Origin
	if base.Path == "" {
		base.Path = "/"
	}
	return base.ResolveReference(u), nil
}

// SameOrigin reports whether u shares the configured scheme and host.
func (c Config) SameOrigin(u *url.URL) bool {
	return sameOrigin(c.Origin, u)
}

func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
