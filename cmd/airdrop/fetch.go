package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wolfeidau/airdrop/store"
	"github.com/wolfeidau/airdrop/transfer"
)

// FetchCmd downloads the files of a share.
type FetchCmd struct {
	Locator string        `arg:"" help:"Share link or identifier."`
	Output  string        `help:"Directory to write files to." short:"o" default:"." type:"path"`
	List    bool          `help:"List the files without downloading."`
	Delay   time.Duration `help:"Spacing between downloaded files." default:"500ms"`
}

func (c *FetchCmd) Run(rc *runContext) error {
	st, _, closeStore, err := rc.openStore(store.DefaultTTL)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := transfer.New(st, "", transfer.WithLogger(rc.Logger))
	b, err := svc.Open(rc, c.Locator)
	if err != nil {
		return fmt.Errorf("opening %s: %w", c.Locator, err)
	}

	if c.List {
		_, _ = fmt.Fprint(rc.Stdout, bundleTree(b))
		return nil
	}

	if err := os.MkdirAll(c.Output, 0o750); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	return transfer.Deliver(rc, b.Items, c.Delay, func(i int, item store.FileRecord) error {
		data, err := item.Bytes()
		if err != nil {
			return err
		}
		path, err := uniquePath(c.Output, safeName(item.Name, i))
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		_, _ = fmt.Fprintf(rc.Stdout, "Downloaded: %s\n", path)
		return nil
	})
}

// safeName strips directories from a stored file name.
func safeName(name string, i int) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." || base == "" {
		return fmt.Sprintf("file-%d", i+1)
	}
	return base
}

// uniquePath returns dir/name, or dir/"name (n)" when the name is taken.
// Names are not unique within a share.
func uniquePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 0; n < 1000; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		path := filepath.Join(dir, candidate)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, nil
		}
	}
	return "", fmt.Errorf("no free file name for %s in %s", name, dir)
}
