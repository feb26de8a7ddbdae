package transfer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/airdrop"
	"github.com/wolfeidau/airdrop/backend"
	"github.com/wolfeidau/airdrop/store"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type staticIDs struct{ id string }

func (s staticIDs) Generate() string { return s.id }

func newTestService(t *testing.T, b backend.Backend, opts ...Option) (*Service, *store.Store) {
	t.Helper()
	s, err := store.New(b,
		store.WithNow(func() time.Time { return testNow }),
		store.WithIDGenerator(staticIDs{id: "abc123"}),
	)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return New(s, "https://airdrop.test/", opts...), s
}

func failingSource(name string) Source {
	return Source{
		Name: name,
		Open: func() (io.ReadCloser, error) { return nil, errors.New("permission denied") },
	}
}

func TestEncodeSkipsFailures(t *testing.T) {
	sources := []Source{
		BytesSource("a.txt", "text/plain", testNow, []byte("alpha")),
		failingSource("b.bin"),
		BytesSource("c.txt", "", testNow, []byte("gamma")),
	}

	var calls [][2]int
	records, warnings, err := Encode(context.Background(), sources, func(done, total int) {
		calls = append(calls, [2]int{done, total})
	})
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, "a.txt", records[0].Name)
	assert.Equal(t, "c.txt", records[1].Name)
	assert.Equal(t, store.DefaultMIMEType, records[1].MIMEType)

	require.Len(t, warnings, 1)
	assert.Equal(t, "b.bin", warnings[0].Name)
	assert.Contains(t, warnings[0].Error(), "b.bin")
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}}, calls)

	data, err := records[0].Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), data)
}

func TestEncodeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := Encode(ctx, []Source{BytesSource("a", "", testNow, nil)}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEncodeRejectsMissingContent(t *testing.T) {
	_, warnings, err := Encode(context.Background(), []Source{{Name: "empty"}}, nil)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
}

func TestShareAndOpen(t *testing.T) {
	svc, _ := newTestService(t, backend.NewMemory())
	ctx := context.Background()

	res, err := svc.Share(ctx, []Source{
		BytesSource("notes.txt", "text/plain", testNow, []byte("hello")),
		failingSource("broken.bin"),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "abc123", res.Bundle.ID)
	assert.Equal(t, "https://airdrop.test?id=abc123", res.Locator)
	assert.Equal(t, airdrop.QRCodeURL(airdrop.DefaultQREndpoint, res.Locator, airdrop.DefaultQRSize), res.QRCodeURL)
	assert.Equal(t, testNow.Add(store.DefaultTTL), res.Bundle.ExpiresAt)
	require.Len(t, res.Warnings, 1)

	for _, loc := range []string{res.Locator, "abc123"} {
		b, err := svc.Open(ctx, loc)
		require.NoError(t, err)
		require.Len(t, b.Items, 1)
		assert.Equal(t, "notes.txt", b.Items[0].Name)
	}

	_, err = svc.Open(ctx, "https://airdrop.test/")
	require.ErrorIs(t, err, airdrop.ErrNoIdentifier)

	_, err = svc.Open(ctx, "https://airdrop.test/?id=zzz")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestShareNothingEncoded(t *testing.T) {
	svc, s := newTestService(t, backend.NewMemory())
	ctx := context.Background()

	_, err := svc.Share(ctx, []Source{failingSource("a"), failingSource("b")}, nil)
	require.ErrorIs(t, err, ErrNothingEncoded)

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestShareStorageFull(t *testing.T) {
	svc, _ := newTestService(t, backend.NewQuota(backend.NewMemory(), 64))

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i * 7)
	}
	_, err := svc.Share(context.Background(), []Source{BytesSource("big.bin", "", testNow, big)}, nil)
	require.ErrorIs(t, err, backend.ErrStorageFull)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("contents"), 0o600))

	src, err := FileSource(path)
	require.NoError(t, err)
	assert.Equal(t, "report.txt", src.Name)
	assert.Contains(t, src.MIMEType, "text/plain")

	records, warnings, err := Encode(context.Background(), []Source{src}, nil)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, records, 1)
	assert.Equal(t, int64(8), records[0].Size)

	_, err = FileSource(filepath.Join(dir, "missing"))
	require.Error(t, err)

	_, err = FileSource(dir)
	require.Error(t, err)
}

func TestDeliverPacesItems(t *testing.T) {
	items := []store.FileRecord{
		store.NewFileRecord("a", "", testNow, []byte("a")),
		store.NewFileRecord("b", "", testNow, []byte("b")),
		store.NewFileRecord("c", "", testNow, []byte("c")),
	}

	var mu sync.Mutex
	var names []string
	start := time.Now()
	err := Deliver(context.Background(), items, 20*time.Millisecond, func(i int, item store.FileRecord) error {
		mu.Lock()
		defer mu.Unlock()
		names = append(names, item.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestDeliverStops(t *testing.T) {
	items := []store.FileRecord{
		store.NewFileRecord("a", "", testNow, []byte("a")),
		store.NewFileRecord("b", "", testNow, []byte("b")),
	}

	t.Run("callback error", func(t *testing.T) {
		boom := errors.New("client gone")
		calls := 0
		err := Deliver(context.Background(), items, 0, func(int, store.FileRecord) error {
			calls++
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Deliver(ctx, items, time.Hour, func(int, store.FileRecord) error {
			calls++
			cancel()
			return nil
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "0 Bytes", FormatSize(0))
	assert.Equal(t, "512 Bytes", FormatSize(512))
	assert.Equal(t, "1 KB", FormatSize(1024))
	assert.Equal(t, "1.5 KB", FormatSize(1536))
	assert.Equal(t, "2 MB", FormatSize(2<<20))
	assert.Equal(t, "2048 GB", FormatSize(2<<40))
}
