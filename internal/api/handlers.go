package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/zk-share/internal/audit"
	"github.com/kenneth/zk-share/internal/blobstore"
	"github.com/kenneth/zk-share/internal/codec"
	"github.com/kenneth/zk-share/internal/middleware"
)

// Smallest sealed payload: an AEAD tag with nothing in front of it.
const minCiphertextSize = 16

// Handler serves the blob API. It only ever handles ciphertext and public
// metadata; keys and passwords stay with the client.
type Handler struct {
	store       blobstore.Store
	logger      *logrus.Logger
	auditLogger audit.Logger
	maxBlobSize int64
	ready       atomic.Bool
}

// NewHandler creates a blob API handler. maxBlobSize of zero disables the
// request body limit.
func NewHandler(store blobstore.Store, logger *logrus.Logger, auditLogger audit.Logger, maxBlobSize int64) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &Handler{
		store:       store,
		logger:      logger,
		auditLogger: auditLogger,
		maxBlobSize: maxBlobSize,
	}
	h.ready.Store(true)
	return h
}

// SetReady flips the readiness probe, e.g. while draining on shutdown.
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")

	r.HandleFunc(blobstore.BlobsPath, h.handlePutBlob).Methods("PUT", "POST")
	r.HandleFunc(blobstore.BlobsPath+"/{id}", h.handleGetBlob).Methods("GET", "HEAD")
	r.HandleFunc(blobstore.BlobsPath+"/{id}/metadata", h.handleGetMetadata).Methods("GET")

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ErrMethodNotAllowed.WriteJSON(w)
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		(&APIError{Code: "NotFound", Message: "No such route.", HTTPStatus: http.StatusNotFound}).WriteJSON(w)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "healthy")
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "alive")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// handlePutBlob stores a sealed payload. The body is the ciphertext and the
// metadata travels in the X-Encryption-Metadata header.
func (h *Handler) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	header := r.Header.Get(codec.MetadataHeader)
	if header == "" {
		h.fail(w, r, audit.EventTypeBlobPut, "", ErrMissingMetadata, nil, start)
		return
	}
	metadata, err := codec.UnmarshalWireMetadata([]byte(header))
	if err != nil {
		h.fail(w, r, audit.EventTypeBlobPut, "", ErrMalformedMetadata, err, start)
		return
	}

	if h.maxBlobSize > 0 && r.ContentLength > h.maxBlobSize {
		h.fail(w, r, audit.EventTypeBlobPut, "", ErrBlobTooLarge, nil, start)
		return
	}
	body := r.Body
	if h.maxBlobSize > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBlobSize)
	}
	ciphertext, err := io.ReadAll(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.fail(w, r, audit.EventTypeBlobPut, "", ErrBlobTooLarge, err, start)
			return
		}
		h.fail(w, r, audit.EventTypeBlobPut, "", ErrInvalidRequest, err, start)
		return
	}
	if len(ciphertext) < minCiphertextSize {
		h.fail(w, r, audit.EventTypeBlobPut, "", ErrInvalidRequest, nil, start)
		return
	}

	result, err := h.store.Put(ctx, ciphertext, metadata)
	if err != nil {
		h.logger.WithError(err).WithField("bytes", len(ciphertext)).Error("Failed to store blob")
		h.fail(w, r, audit.EventTypeBlobPut, "", TranslateError(err), err, start)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"blob_id":   result.ID,
		"bytes":     len(ciphertext),
		"algorithm": metadata.Algorithm,
	}).Debug("Stored blob")
	h.logAccess(r, audit.EventTypeBlobPut, result.ID, true, nil, start)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", blobstore.BlobsPath+"/"+result.ID)
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(result)
}

// handleGetBlob returns the ciphertext with its metadata header. HEAD gets
// the same headers without the body.
func (h *Handler) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := mux.Vars(r)["id"]

	if err := blobstore.ValidateID(id); err != nil {
		h.fail(w, r, audit.EventTypeBlobGet, "", ErrNoSuchBlob, err, start)
		return
	}

	obj, err := h.store.Get(r.Context(), id)
	if err != nil {
		apiErr := TranslateError(err)
		if apiErr.HTTPStatus >= 500 {
			h.logger.WithError(err).WithField("blob_id", id).Error("Failed to read blob")
		}
		h.fail(w, r, audit.EventTypeBlobGet, id, apiErr, err, start)
		return
	}

	header, err := obj.Metadata.Marshal()
	if err != nil {
		h.fail(w, r, audit.EventTypeBlobGet, id, TranslateError(err), err, start)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Ciphertext)))
	w.Header().Set(codec.MetadataHeader, string(header))
	if !obj.ExpiresAt.IsZero() {
		w.Header().Set("Expires", obj.ExpiresAt.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		if _, err := w.Write(obj.Ciphertext); err != nil {
			h.logger.WithError(err).WithField("blob_id", id).Debug("Client went away during download")
		}
	}
	h.logAccess(r, audit.EventTypeBlobGet, id, true, nil, start)
}

// handleGetMetadata returns only the public metadata as JSON.
func (h *Handler) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := mux.Vars(r)["id"]

	if err := blobstore.ValidateID(id); err != nil {
		h.fail(w, r, audit.EventTypeBlobGet, "", ErrNoSuchBlob, err, start)
		return
	}

	metadata, err := blobstore.Stat(r.Context(), h.store, id)
	if err != nil {
		h.fail(w, r, audit.EventTypeBlobGet, id, TranslateError(err), err, start)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(metadata)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, eventType audit.EventType, id string, apiErr *APIError, cause error, start time.Time) {
	if cause == nil {
		cause = apiErr
	}
	h.logAccess(r, eventType, id, false, cause, start)
	apiErr.WriteJSON(w)
}

func (h *Handler) logAccess(r *http.Request, eventType audit.EventType, id string, success bool, err error, start time.Time) {
	if h.auditLogger == nil {
		return
	}
	h.auditLogger.LogAccess(eventType, id, middleware.ClientIP(r), r.UserAgent(),
		middleware.RequestIDFromContext(r.Context()), success, err, time.Since(start))
}
