package main

import (
	"fmt"

	"github.com/wolfeidau/airdrop/store"
)

// SweepCmd removes expired and corrupt shares.
type SweepCmd struct{}

func (c *SweepCmd) Run(rc *runContext) error {
	st, _, closeStore, err := rc.openStore(store.DefaultTTL)
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := store.NewReaper(st, store.WithReaperLogger(rc.Logger)).ReapNow(rc)
	if err != nil {
		return err
	}
	ids, err := st.List(rc)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(rc.Stdout, "Removed %d expired shares, %d remaining\n", n, len(ids))
	return nil
}
