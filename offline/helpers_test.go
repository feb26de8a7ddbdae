package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/airdrop/backend"
)

const testOrigin = "https://airdrop.test"

var errUnreachable = errors.New("network unreachable")

type fakeResponse struct {
	status      int
	body        string
	contentType string
	location    string
}

// fakeTransport serves canned responses by URL and counts requests.
type fakeTransport struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	calls     map[string]int
	headers   map[string]http.Header
	offline   bool
	gate      chan struct{}
}

func newFakeTransport() *fakeTransport {
	ft := &fakeTransport{
		responses: make(map[string]fakeResponse),
		calls:     make(map[string]int),
		headers:   make(map[string]http.Header),
	}
	ft.set(testOrigin+"/", http.StatusOK, "<html>shell</html>", "text/html")
	ft.set(testOrigin+"/index.html", http.StatusOK, "<html>shell</html>", "text/html")
	ft.set(testOrigin+"/styles.css", http.StatusOK, "body{}", "text/css")
	ft.set(testOrigin+"/script.js", http.StatusOK, "console.log(1)", "text/javascript")
	ft.set(testOrigin+"/manifest.json", http.StatusOK, `{"name":"airdrop"}`, "application/json")
	ft.set(LogoURL, http.StatusOK, "PNG", "image/png")
	return ft
}

func (f *fakeTransport) set(rawURL string, status int, body, contentType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[rawURL] = fakeResponse{status: status, body: body, contentType: contentType}
}

func (f *fakeTransport) redirect(rawURL, location string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[rawURL] = fakeResponse{status: http.StatusFound, contentType: "text/plain", location: location}
}

func (f *fakeTransport) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeTransport) count(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

func (f *fakeTransport) header(rawURL string) http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[rawURL]
}

func (f *fakeTransport) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	rawURL := req.URL.String()
	f.calls[rawURL]++
	f.headers[rawURL] = req.Header.Clone()
	offline := f.offline
	resp, ok := f.responses[rawURL]
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if offline {
		return nil, errUnreachable
	}
	if !ok {
		resp = fakeResponse{status: http.StatusNotFound, body: "not found", contentType: "text/plain"}
	}
	header := make(http.Header)
	header.Set("Content-Type", resp.contentType)
	if resp.location != "" {
		header.Set("Location", resp.location)
	}
	return &http.Response{
		StatusCode: resp.status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(resp.body)),
		Request:    req,
	}, nil
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func newTestRegistry(t *testing.T, ft *fakeTransport, opts ...Option) (*Registry, backend.Backend) {
	t.Helper()
	b := backend.NewMemory()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	opts = append([]Option{
		WithTransport(ft),
		WithNow(func() time.Time { return now }),
	}, opts...)
	r := NewRegistry(b, mustURL(t, testOrigin), opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r, b
}

func getRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}
