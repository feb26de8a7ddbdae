package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/wolfeidau/airdrop"
	"github.com/wolfeidau/airdrop/download"
	"github.com/wolfeidau/airdrop/offline"
	"github.com/wolfeidau/airdrop/store"
	"github.com/wolfeidau/airdrop/telemetry"
)

// maxEventBody caps the body of an event posted to the resource cache.
const maxEventBody = 64 << 10

// handleShell serves the application shell through the resource cache. A
// locator whose share is missing or expired is redirected to the upload
// page.
func (s *Server) handleShell(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "shell")

	if id := r.URL.Query().Get(airdrop.LocatorParam); id != "" && r.URL.Path == "/" {
		if _, err := s.store.Get(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Redirect(w, r, "/", http.StatusSeeOther)
				return
			}
			s.logger.Error("loading share failed", "id", id, "error", err)
			http.Error(w, "loading share failed", http.StatusInternalServerError)
			return
		}
	}

	target := s.origin.ResolveReference(&url.URL{Path: r.URL.Path})
	s.fetchThroughCache(w, r, target.String())
}

// handleQR serves a QR code image for the data parameter. The image comes
// from the QR service through the resource cache.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "qr")

	data := r.URL.Query().Get("data")
	if data == "" {
		http.Error(w, "missing data parameter", http.StatusBadRequest)
		return
	}
	size := s.config.QRSize
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "invalid size parameter", http.StatusBadRequest)
			return
		}
		size = n
	}
	s.fetchThroughCache(w, r, airdrop.QRCodeURL(s.config.QREndpoint, data, size))
}

func (s *Server) fetchThroughCache(w http.ResponseWriter, r *http.Request, target string) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	for _, h := range offline.ForwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := s.registry.Fetch(r.Context(), req)
	if err != nil {
		download.HandleDownloadError(w, s.logger, err)
		return
	}
	download.WriteResponse(w, r, resp, s.logger)
}

// handleOfflineStatus reports the resource cache workers and namespaces.
func (s *Server) handleOfflineStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "status")

	st, err := s.registry.Status(r.Context())
	if err != nil {
		s.logger.Error("cache status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "cache status failed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleOfflineMessage delivers a message such as SKIP_WAITING.
func (s *Server) handleOfflineMessage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "message")

	var msg offline.Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBody)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message")
		return
	}
	if err := s.registry.Message(r.Context(), msg); err != nil {
		s.logger.Error("message failed", "type", msg.Type, "error", err)
		writeError(w, http.StatusInternalServerError, "message failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleOfflineSync triggers a background sync for the tag parameter.
func (s *Server) handleOfflineSync(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sync")

	var body struct {
		Tag string `json:"tag"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid sync event")
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Sync(r.Context(), body.Tag))
}

// handleOfflinePush turns a push payload into the notification to display.
// An empty payload displays nothing.
func (s *Server) handleOfflinePush(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "push")

	data, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading push payload")
		return
	}
	n, err := s.registry.Push(r.Context(), data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid push payload")
		return
	}
	if n == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// handleOfflineNotificationClick returns the page to open for a
// notification action.
func (s *Server) handleOfflineNotificationClick(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "notificationclick")

	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification click")
		return
	}
	target, ok := s.registry.NotificationClick(body.Action)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"open": target})
}
