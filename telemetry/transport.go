package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// OriginFunc classifies a request as "same" or "cross" origin.
type OriginFunc func(*http.Request) string

// InstrumentedTransport wraps an http.RoundTripper with upstream fetch metrics.
type InstrumentedTransport struct {
	base   http.RoundTripper
	origin OriginFunc
}

// NewInstrumentedTransport creates a new instrumented transport.
// If base is nil, http.DefaultTransport is used. If origin is nil every
// request is recorded as "cross".
func NewInstrumentedTransport(base http.RoundTripper, origin OriginFunc) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if origin == nil {
		origin = func(*http.Request) string { return "cross" }
	}
	return &InstrumentedTransport{base: base, origin: origin}
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	origin := t.origin(req)

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordUpstreamFetch(req.Context(), origin, duration, 0, outcome)
		return nil, err
	}

	outcome := "success"
	if resp.StatusCode >= 500 {
		outcome = "5xx"
	} else if resp.StatusCode >= 400 {
		outcome = "4xx"
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		origin:     origin,
		start:      start,
		outcome:    outcome,
	}

	return resp, nil
}

// instrumentedBody wraps a response body to record bytes read on close.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	origin   string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordUpstreamFetch(b.ctx, b.origin, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
