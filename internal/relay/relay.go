// Package relay is the local media-upload endpoint. It accepts the multipart
// form a capture client posts (audio and image files), logs what arrived and
// discards it. Nothing is stored or forwarded.
package relay

import (
	"encoding/json"
	"mime/multipart"
	"net/http"

	"github.com/MrWong99/vistalk/internal/observe"
)

// Path is the route of the upload endpoint.
const Path = "/api/media-upload"

// DefaultMaxMemory is the part of a form kept in memory before spilling to
// temporary files.
const DefaultMaxMemory = 32 << 20

// DefaultMaxBody caps the size of an upload.
const DefaultMaxBody = 64 << 20

// Response bodies.
type (
	successBody struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	errorBody struct {
		Error string `json:"error"`
	}
)

// Upload describes one received upload. It is passed to the observer set
// with [WithObserver].
type Upload struct {
	AudioName string
	AudioSize int64
	ImageName string
	ImageSize int64
	Timestamp string
}

// Option configures a [Handler].
type Option func(*Handler)

// WithMaxBody caps request bodies at n bytes.
func WithMaxBody(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithObserver registers fn to be called for every accepted upload.
func WithObserver(fn func(Upload)) Option {
	return func(h *Handler) { h.observe = fn }
}

// Handler serves the upload endpoint.
type Handler struct {
	maxBody int64
	observe func(Upload)
}

// New creates a Handler.
func New(opts ...Option) *Handler {
	h := &Handler{maxBody: DefaultMaxBody}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the upload route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST "+Path, h)
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	if err := r.ParseMultipartForm(DefaultMaxMemory); err != nil {
		log.Error("relay: error processing media upload", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Failed to process media upload"})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	audio, audioOK := firstFile(r.MultipartForm, "audio")
	image, imageOK := firstFile(r.MultipartForm, "image")
	if !audioOK || !imageOK {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Missing audio or image file"})
		return
	}

	up := Upload{
		AudioName: audio.Filename,
		AudioSize: audio.Size,
		ImageName: image.Filename,
		ImageSize: image.Size,
		Timestamp: r.FormValue("timestamp"),
	}
	log.Info("relay: received audio file", "name", up.AudioName, "size", up.AudioSize)
	log.Info("relay: received image file", "name", up.ImageName, "size", up.ImageSize)
	if h.observe != nil {
		h.observe(up)
	}

	writeJSON(w, http.StatusOK, successBody{Success: true, Message: "Files received successfully"})
}

func firstFile(form *multipart.Form, field string) (*multipart.FileHeader, bool) {
	if form == nil {
		return nil, false
	}
	fhs := form.File[field]
	if len(fhs) == 0 {
		return nil, false
	}
	return fhs[0], true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
	}
}
