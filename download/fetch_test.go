package download

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/airdrop"
)

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/moved":
			http.Redirect(w, r, "/styles.css", http.StatusFound)
		default:
			w.Header().Set("Content-Type", "text/css")
			_, _ = w.Write([]byte("body { margin: 0 }"))
		}
	}))
	defer srv.Close()

	t.Run("reads and hashes body", func(t *testing.T) {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/styles.css", nil)
		require.NoError(t, err)

		res, err := Fetch(srv.Client(), req)
		require.NoError(t, err)
		require.True(t, res.OK())
		require.False(t, res.Redirected)
		require.Equal(t, "text/css", res.Header.Get("Content-Type"))
		require.Equal(t, []byte("body { margin: 0 }"), res.Body)
		require.Equal(t, airdrop.HashBytes(res.Body), res.Hash)
	})

	t.Run("records redirects", func(t *testing.T) {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/moved", nil)
		require.NoError(t, err)

		res, err := Fetch(srv.Client(), req)
		require.NoError(t, err)
		require.True(t, res.Redirected)
		require.Equal(t, "/styles.css", res.URL.Path)
	})

	t.Run("transport error", func(t *testing.T) {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://127.0.0.1:1/", nil)
		require.NoError(t, err)

		_, err = Fetch(http.DefaultClient, req)
		require.Error(t, err)
	})
}

func TestResultResponse(t *testing.T) {
	res := &Result{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"image/png"}},
		Body:   []byte("png"),
	}
	req := httptest.NewRequest(http.MethodGet, "/qr", nil)

	first := res.Response(req)
	first.Header.Set("X-Mutated", "1")
	body, err := io.ReadAll(first.Body)
	require.NoError(t, err)
	require.Equal(t, "png", string(body))

	second := res.Response(req)
	require.Empty(t, second.Header.Get("X-Mutated"))
	require.Equal(t, int64(3), second.ContentLength)
	body, err = io.ReadAll(second.Body)
	require.NoError(t, err)
	require.Equal(t, "png", string(body))
}

func TestWriteResponse(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resp := &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": []string{"text/html"}, "Connection": []string{"close"}},
		Body:          io.NopCloser(bytes.NewReader([]byte("<html></html>"))),
		ContentLength: 13,
	}

	w := httptest.NewRecorder()
	WriteResponse(w, httptest.NewRequest(http.MethodGet, "/", nil), resp, logger)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/html", w.Header().Get("Content-Type"))
	require.Empty(t, w.Header().Get("Connection"))
	require.Equal(t, "13", w.Header().Get("Content-Length"))
	require.Equal(t, "<html></html>", w.Body.String())
}

func TestWriteResponse_Head(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resp := &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{},
		Body:          io.NopCloser(bytes.NewReader([]byte("body"))),
		ContentLength: 4,
	}

	w := httptest.NewRecorder()
	WriteResponse(w, httptest.NewRequest(http.MethodHead, "/", nil), resp, logger)

	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Body.String())
}

func TestHandleDownloadError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	w := httptest.NewRecorder()
	HandleDownloadError(w, logger, context.DeadlineExceeded)
	require.Equal(t, http.StatusGatewayTimeout, w.Code)

	w = httptest.NewRecorder()
	HandleDownloadError(w, logger, io.ErrUnexpectedEOF)
	require.Equal(t, http.StatusBadGateway, w.Code)
}
