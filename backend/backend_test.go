package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// backendFactories returns every Backend implementation under test.
func backendFactories() map[string]func(t *testing.T) Backend {
	return map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend {
			return NewMemory()
		},
		"filesystem": func(t *testing.T) Backend {
			fs, err := NewFilesystem(filepath.Join(t.TempDir(), "store"))
			require.NoError(t, err)
			return fs
		},
		"bolt": func(t *testing.T) Backend {
			b, err := OpenBolt(filepath.Join(t.TempDir(), "airdrop.db"), WithNoSync(true))
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}
}

func readAll(t *testing.T, b Backend, key string) []byte {
	t.Helper()
	rc, err := b.Read(context.Background(), key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestBackendConformance(t *testing.T) {
	for name, factory := range backendFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("write and read", func(t *testing.T) {
				b := factory(t)
				data := []byte("hello, world!")
				require.NoError(t, b.Write(ctx, "test/data.txt", bytes.NewReader(data)))
				require.Equal(t, data, readAll(t, b, "test/data.txt"))
			})

			t.Run("empty value", func(t *testing.T) {
				b := factory(t)
				require.NoError(t, b.Write(ctx, "empty", bytes.NewReader(nil)))
				require.Empty(t, readAll(t, b, "empty"))

				exists, err := b.Exists(ctx, "empty")
				require.NoError(t, err)
				require.True(t, exists)
			})

			t.Run("overwrite", func(t *testing.T) {
				b := factory(t)
				require.NoError(t, b.Write(ctx, "k", bytes.NewReader([]byte("one"))))
				require.NoError(t, b.Write(ctx, "k", bytes.NewReader([]byte("two"))))
				require.Equal(t, []byte("two"), readAll(t, b, "k"))
			})

			t.Run("read not found", func(t *testing.T) {
				b := factory(t)
				_, err := b.Read(ctx, "nonexistent/key")
				require.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("exists", func(t *testing.T) {
				b := factory(t)
				exists, err := b.Exists(ctx, "exists/test.txt")
				require.NoError(t, err)
				require.False(t, exists)

				require.NoError(t, b.Write(ctx, "exists/test.txt", bytes.NewReader([]byte("data"))))

				exists, err = b.Exists(ctx, "exists/test.txt")
				require.NoError(t, err)
				require.True(t, exists)
			})

			t.Run("delete is idempotent", func(t *testing.T) {
				b := factory(t)
				require.NoError(t, b.Write(ctx, "delete/test.txt", bytes.NewReader([]byte("data"))))
				require.NoError(t, b.Delete(ctx, "delete/test.txt"))

				exists, err := b.Exists(ctx, "delete/test.txt")
				require.NoError(t, err)
				require.False(t, exists)

				require.NoError(t, b.Delete(ctx, "delete/test.txt"))
				require.NoError(t, b.Delete(ctx, "nonexistent"))
			})

			t.Run("list", func(t *testing.T) {
				b := factory(t)
				keys := []string{
					"dir1/file1.txt",
					"dir1/file2.txt",
					"dir1/subdir/file3.txt",
					"dir10/file5.txt",
					"dir2/file4.txt",
				}
				for _, key := range keys {
					require.NoError(t, b.Write(ctx, key, bytes.NewReader([]byte("data"))))
				}

				all, err := b.List(ctx, "")
				require.NoError(t, err)
				require.Equal(t, keys, all)

				dir1, err := b.List(ctx, "dir1")
				require.NoError(t, err)
				require.Equal(t, []string{"dir1/file1.txt", "dir1/file2.txt", "dir1/subdir/file3.txt"}, dir1)

				dir1Slash, err := b.List(ctx, "dir1/")
				require.NoError(t, err)
				require.Equal(t, dir1, dir1Slash)

				none, err := b.List(ctx, "missing")
				require.NoError(t, err)
				require.Empty(t, none)
			})

			t.Run("size", func(t *testing.T) {
				b := factory(t)
				data := []byte("test data for size check")
				require.NoError(t, b.Write(ctx, "size/test.txt", bytes.NewReader(data)))

				size, err := Size(ctx, b, "size/test.txt")
				require.NoError(t, err)
				require.Equal(t, int64(len(data)), size)

				_, err = Size(ctx, b, "nonexistent")
				require.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("invalid keys", func(t *testing.T) {
				b := factory(t)
				for _, key := range []string{"", "/abs", "../escape", "a/../../b", "a//b"} {
					err := b.Write(ctx, key, bytes.NewReader([]byte("x")))
					require.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
				}
			})

			t.Run("concurrent writes to distinct keys", func(t *testing.T) {
				b := factory(t)
				var wg sync.WaitGroup
				for i := range 16 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						key := "concurrent/" + string(rune('a'+i))
						require.NoError(t, b.Write(ctx, key, bytes.NewReader([]byte{byte(i)})))
					}()
				}
				wg.Wait()

				keys, err := b.List(ctx, "concurrent")
				require.NoError(t, err)
				require.Len(t, keys, 16)
			})
		})
	}
}

func TestNewFilesystem(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)
	require.Equal(t, root, fs.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemListSkipsTempFiles(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "bundles/airdrop_a", bytes.NewReader([]byte("{}"))))
	require.NoError(t, os.WriteFile(filepath.Join(fs.Root(), "bundles", ".tmp-123"), []byte("partial"), 0o644))

	keys, err := fs.List(ctx, "bundles")
	require.NoError(t, err)
	require.Equal(t, []string{"bundles/airdrop_a"}, keys)
}

func TestBoltReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "airdrop.db")
	ctx := context.Background()

	b, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, b.Write(ctx, "bundles/airdrop_x", bytes.NewReader([]byte("persisted"))))
	require.NoError(t, b.Close())

	b, err = OpenBolt(path)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	require.Equal(t, []byte("persisted"), readAll(t, b, "bundles/airdrop_x"))
}

func TestMatchPrefix(t *testing.T) {
	require.True(t, matchPrefix("a/b", ""))
	require.True(t, matchPrefix("a/b", "a"))
	require.True(t, matchPrefix("a/b", "a/"))
	require.True(t, matchPrefix("a", "a"))
	require.False(t, matchPrefix("ab/c", "a"))
}
