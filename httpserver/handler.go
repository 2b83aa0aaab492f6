package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/abdplatform/blob-storage-backend/gc"
	"github.com/abdplatform/blob-storage-backend/interfaces"
	"github.com/abdplatform/blob-storage-backend/registry"
)

// Header constants used in HTTP requests.
const (
	// TenantHeader identifies the calling tenant. Required on every
	// blob operation.
	TenantHeader = "X-Tenant-ID"

	// UserHeader identifies the acting user within the tenant. Optional.
	UserHeader = "X-User-ID"

	// CorrelationHeader carries the caller's correlation id. Generated
	// server-side when absent so audit trails are never orphaned.
	CorrelationHeader = "X-Correlation-ID"

	// maxUploadSize is the maximum allowed upload size (100MB).
	maxUploadSize = 100 * 1024 * 1024
)

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

// Handler processes HTTP requests for the blob storage service. It wraps
// the deduplication registry and the garbage collector; all tenancy and
// refcounting rules live below it.
type Handler struct {
	registry  *registry.Registry
	collector *gc.Collector
	log       *slog.Logger
}

// NewHandler creates a new HTTP request handler.
func NewHandler(reg *registry.Registry, collector *gc.Collector, log *slog.Logger) *Handler {
	return &Handler{
		registry:  reg,
		collector: collector,
		log:       log,
	}
}

// uploadResponse is the JSON body returned by HandleUpload.
type uploadResponse struct {
	Blob         *interfaces.Blob `json:"blob"`
	Outcome      string           `json:"outcome"`
	Deduplicated bool             `json:"deduplicated"`
	SavedBytes   int64            `json:"savedBytes"`
}

// HandleUpload registers uploaded content with the deduplication registry.
//
// URL format: POST /api/blobs
//
// The request is multipart/form-data with a "file" part holding the
// content and a "purpose" field selecting the storage route. Tenant
// identity comes from the X-Tenant-ID header.
//
// Response: JSON with the surviving blob record, the outcome taken
// (deduplicated, registered or recovered_conflict), and the bytes saved
// when the content already existed.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	scope, err := h.scopeFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	purpose, err := interfaces.ParseUploadPurpose(r.FormValue("purpose"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	scope.Purpose = purpose

	file, header, err := r.FormFile("file")
	if err != nil {
		h.log.Error("Failed to read upload form", "err", err)
		http.Error(w, "Missing or unreadable file part", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.log.Error("Failed to read upload body", "err", err)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "Empty file in request body", http.StatusBadRequest)
		return
	}

	meta := registry.UploadMetadata{
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
	}

	result, err := h.registry.GetOrCreate(r.Context(), data, meta, scope)
	if err != nil {
		h.log.Error("Blob registration failed", "err", err,
			"tenantId", scope.TenantID,
			"correlationId", scope.CorrelationID)
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if result.Outcome == registry.OutcomeRegistered {
		status = http.StatusCreated
	}
	writeJSON(w, status, uploadResponse{
		Blob:         result.Blob,
		Outcome:      result.Outcome.String(),
		Deduplicated: result.Deduplicated,
		SavedBytes:   result.SavedBytes,
	})
}

// HandleLookup returns the registry record for a content hash.
//
// URL format: GET /api/blobs/{hash}
func (h *Handler) HandleLookup(w http.ResponseWriter, r *http.Request) {
	scope, err := h.scopeFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	hash, err := interfaces.NewBlobHashFromHex(r.PathValue("hash"))
	if err != nil {
		http.Error(w, "Invalid blob hash format", http.StatusBadRequest)
		return
	}

	blob, err := h.registry.Lookup(r.Context(), hash, scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blob)
}

// HandleUnregister releases one reference to a content hash. The blob's
// physical bytes are reclaimed later by the garbage collector, never here.
//
// URL format: DELETE /api/blobs/{hash}
func (h *Handler) HandleUnregister(w http.ResponseWriter, r *http.Request) {
	scope, err := h.scopeFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	hash, err := interfaces.NewBlobHashFromHex(r.PathValue("hash"))
	if err != nil {
		http.Error(w, "Invalid blob hash format", http.StatusBadRequest)
		return
	}

	if err := h.registry.Unregister(r.Context(), hash, scope); err != nil {
		h.log.Error("Blob unregister failed", "err", err,
			"hash", hash.String(),
			"tenantId", scope.TenantID)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGCSweep runs one garbage collection pass and returns its summary.
//
// URL format: POST /api/admin/gc/sweep
func (h *Handler) HandleGCSweep(w http.ResponseWriter, r *http.Request) {
	if h.collector == nil {
		http.Error(w, "Garbage collection not configured", http.StatusServiceUnavailable)
		return
	}

	result, err := h.collector.Sweep(r.Context())
	if err != nil {
		h.log.Error("GC sweep failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// scopeFromRequest builds a tenant scope from request headers. A missing
// correlation id gets a generated one so downstream audit events stay
// traceable.
func (h *Handler) scopeFromRequest(r *http.Request) (interfaces.Scope, error) {
	tenantID := r.Header.Get(TenantHeader)
	if tenantID == "" {
		return interfaces.Scope{}, fmt.Errorf("missing %s header", TenantHeader)
	}

	correlationID := r.Header.Get(CorrelationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	return interfaces.Scope{
		TenantID:      tenantID,
		UserID:        r.Header.Get(UserHeader),
		CorrelationID: correlationID,
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		http.Error(w, reqErr.Error(), reqErr.StatusCode)
		return
	}

	switch {
	case errors.Is(err, interfaces.ErrBlobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, interfaces.ErrInvalidScope):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, interfaces.ErrScopeDenied):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, interfaces.ErrNoProviderForPurpose), errors.Is(err, interfaces.ErrProviderUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
