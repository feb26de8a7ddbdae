package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Response builds a fresh http.Response for req from a shared result.
// Each caller gets its own header map and body reader.
func (r *Result) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: r.Size(),
		Request:       req,
	}
}

// HandleDownloadError writes an appropriate HTTP error response for download
// errors. It handles context cancellation/timeout and generic network
// failures.
func HandleDownloadError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
		return
	}
	logger.Error("download failed", "error", err)
	http.Error(w, "upstream error", http.StatusBadGateway)
}

// hopHeaders are not copied from a fetched response to the client.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
}

// WriteResponse copies resp to w. For HEAD requests, it writes headers but
// skips the body. The response body is closed.
func WriteResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, logger *slog.Logger) {
	defer func() { _ = resp.Body.Close() }()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	if resp.ContentLength >= 0 && w.Header().Get("Content-Length") == "" {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", resp.ContentLength))
	}
	w.WriteHeader(resp.StatusCode)

	if r.Method != http.MethodHead {
		if _, err := io.Copy(w, resp.Body); err != nil {
			logger.Error("failed to stream response", "error", err)
		}
	}
}
