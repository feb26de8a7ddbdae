package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/wolfeidau/airdrop"
	"github.com/wolfeidau/airdrop/backend"
	"github.com/wolfeidau/airdrop/store"
	"github.com/wolfeidau/airdrop/telemetry"
	"github.com/wolfeidau/airdrop/transfer"
)

// multipartMemory is the part of an upload held in memory before spilling
// to temporary files.
const multipartMemory = 32 << 20

// errNotFoundMessage is the body of a 404 for a missing or expired share.
const errNotFoundMessage = "files not found or expired"

type fileJSON struct {
	Index        int       `json:"index"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	SizeLabel    string    `json:"size_label"`
	Type         string    `json:"type"`
	LastModified time.Time `json:"last_modified"`
}

type warningJSON struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type shareJSON struct {
	ID       string        `json:"id"`
	Locator  string        `json:"locator,omitempty"`
	QRURL    string        `json:"qr_url,omitempty"`
	Created  time.Time     `json:"created"`
	Expires  time.Time     `json:"expires"`
	Files    []fileJSON    `json:"files"`
	Warnings []warningJSON `json:"warnings,omitempty"`
}

func bundleJSON(b *store.Bundle) shareJSON {
	out := shareJSON{
		ID:      b.ID,
		Created: b.CreatedAt,
		Expires: b.ExpiresAt,
		Files:   make([]fileJSON, len(b.Items)),
	}
	for i, item := range b.Items {
		out.Files[i] = fileJSON{
			Index:        i,
			Name:         item.Name,
			Size:         item.Size,
			SizeLabel:    transfer.FormatSize(item.Size),
			Type:         item.MIMEType,
			LastModified: item.ModifiedAt,
		}
	}
	return out
}

// handleCreateShare stores the uploaded "files" parts as a new share.
func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "create_share")

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "no files uploaded")
		return
	}
	modified := r.MultipartForm.Value["lastModified"]

	sources := make([]transfer.Source, len(headers))
	for i, fh := range headers {
		sources[i] = uploadSource(fh, modifiedAt(modified, i, s.store.Now()))
	}

	res, err := s.transfer.Share(r.Context(), sources, nil)
	switch {
	case errors.Is(err, transfer.ErrNothingEncoded):
		writeError(w, http.StatusUnprocessableEntity, "no files could be processed")
		return
	case errors.Is(err, store.ErrRecordTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "files are too large to share together, share fewer or smaller files")
		return
	case errors.Is(err, backend.ErrStorageFull):
		writeError(w, http.StatusInsufficientStorage, "storage is full, remove some files and try again")
		return
	case err != nil:
		s.logger.Error("share failed", "error", err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}

	out := bundleJSON(res.Bundle)
	out.Locator = res.Locator
	out.QRURL = res.QRCodeURL
	for _, warn := range res.Warnings {
		out.Warnings = append(out.Warnings, warningJSON{Name: warn.Name, Error: warn.Err.Error()})
	}
	writeJSON(w, http.StatusCreated, out)
}

func uploadSource(fh *multipart.FileHeader, modifiedAt time.Time) transfer.Source {
	return transfer.Source{
		Name:       fh.Filename,
		MIMEType:   fh.Header.Get("Content-Type"),
		ModifiedAt: modifiedAt,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

// modifiedAt returns the i-th client supplied modification time in Unix
// milliseconds, or def when absent or malformed.
func modifiedAt(values []string, i int, def time.Time) time.Time {
	if i >= len(values) {
		return def
	}
	ms, err := strconv.ParseInt(values[i], 10, 64)
	if err != nil || ms <= 0 {
		return def
	}
	return time.UnixMilli(ms)
}

// loadShare returns the live bundle named by the request, writing the 404
// itself when there is none.
func (s *Server) loadShare(w http.ResponseWriter, r *http.Request) (*store.Bundle, bool) {
	b, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, errNotFoundMessage)
			return nil, false
		}
		s.logger.Error("loading share failed", "id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "loading share failed")
		return nil, false
	}
	return b, true
}

// handleGetShare returns the file listing of a share.
func (s *Server) handleGetShare(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get_share")

	b, ok := s.loadShare(w, r)
	if !ok {
		return
	}
	out := bundleJSON(b)
	if loc, err := airdrop.Locator(s.config.PublicURL, b.ID); err == nil {
		out.Locator = loc
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetFile downloads one file of a share.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get_file")

	b, ok := s.loadShare(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 || index >= len(b.Items) {
		writeError(w, http.StatusNotFound, "file not found for download")
		return
	}

	item := b.Items[index]
	data, err := item.Bytes()
	if err != nil {
		s.logger.Error("decoding file failed", "id", b.ID, "index", index, "error", err)
		writeError(w, http.StatusInternalServerError, "file could not be decoded")
		return
	}

	w.Header().Set("Content-Type", item.MIMEType)
	w.Header().Set("Content-Disposition", attachment(item.Name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Last-Modified", item.ModifiedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
}

// handleGetAll streams every file of a share as multipart/mixed, spacing
// the parts by the delivery delay.
func (s *Server) handleGetAll(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get_all")

	b, ok := s.loadShare(w, r)
	if !ok {
		return
	}

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	err := transfer.Deliver(r.Context(), b.Items, s.transfer.DeliveryDelay(), func(i int, item store.FileRecord) error {
		data, err := item.Bytes()
		if err != nil {
			return err
		}
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Type", item.MIMEType)
		hdr.Set("Content-Disposition", attachment(item.Name))
		hdr.Set("Content-Length", strconv.Itoa(len(data)))
		part, err := mw.CreatePart(hdr)
		if err != nil {
			return err
		}
		if _, err := part.Write(data); err != nil {
			return err
		}
		_ = rc.Flush()
		return nil
	})
	if err != nil {
		s.logger.Warn("download all interrupted", "id", b.ID, "error", err)
		return
	}
	_ = mw.Close()
	s.logger.Info("downloaded all files", "id", b.ID, "files", len(b.Items))
}

// handleDeleteShare removes a share. Deleting a missing share succeeds.
func (s *Server) handleDeleteShare(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "delete_share")

	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.logger.Error("deleting share failed", "id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func attachment(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
