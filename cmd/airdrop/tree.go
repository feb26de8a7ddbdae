package main

import (
	"fmt"
	"time"

	"github.com/disiqueira/gotree/v3"

	"github.com/wolfeidau/airdrop/offline"
	"github.com/wolfeidau/airdrop/store"
	"github.com/wolfeidau/airdrop/transfer"
)

// bundleTree renders a bundle and its files.
func bundleTree(b *store.Bundle) string {
	root := gotree.New(fmt.Sprintf("%s (%d files, %s, expires %s)",
		b.ID, len(b.Items), transfer.FormatSize(b.TotalSize()), b.ExpiresAt.Local().Format(time.RFC1123)))
	for i, item := range b.Items {
		root.Add(fmt.Sprintf("[%d] %s (%s, %s)", i, item.Name, transfer.FormatSize(item.Size), item.MIMEType))
	}
	return root.Print()
}

// cacheTree renders the resource cache status.
func cacheTree(st offline.Status) string {
	root := gotree.New("caches")
	for _, w := range []struct {
		label  string
		status *offline.WorkerStatus
	}{{"active", st.Active}, {"waiting", st.Waiting}} {
		if w.status == nil {
			continue
		}
		node := root.Add(fmt.Sprintf("%s worker %s (%s)", w.label, w.status.Version, w.status.State))
		node.Add("static: " + w.status.Static)
		node.Add("dynamic: " + w.status.Dynamic)
	}
	if len(st.Namespaces) == 0 {
		root.Add("(no namespaces)")
	}
	for _, ns := range st.Namespaces {
		root.Add(fmt.Sprintf("%s (%d entries)", ns.Name, ns.Entries))
	}
	return root.Print()
}
