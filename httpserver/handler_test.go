package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/abdplatform/blob-storage-backend/gc"
	"github.com/abdplatform/blob-storage-backend/interfaces"
	"github.com/abdplatform/blob-storage-backend/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider is an in-memory StorageProvider for handler tests.
type stubProvider struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newStubProvider() *stubProvider {
	return &stubProvider{objects: make(map[string][]byte)}
}

func (p *stubProvider) Upload(ctx context.Context, data []byte, filename string, scope interfaces.Scope) (interfaces.UploadResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := "objects/" + filename
	p.objects[id] = data
	return interfaces.UploadResult{
		ProviderID: id,
		URL:        "http://store.example.com/" + id,
		SecureURL:  "https://store.example.com/" + id,
	}, nil
}

func (p *stubProvider) Delete(ctx context.Context, providerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.objects, providerID)
	return nil
}

func (p *stubProvider) Available(ctx context.Context) bool { return true }
func (p *stubProvider) Kind() interfaces.ProviderKind      { return interfaces.ProviderObjectStore }
func (p *stubProvider) Name() string                       { return "stub-provider" }
func (p *stubProvider) LocationURI() string                { return "stub:" }

type stubRouter struct {
	provider interfaces.StorageProvider
}

func (r stubRouter) ProviderFor(purpose interfaces.UploadPurpose) (interfaces.StorageProvider, error) {
	return r.provider, nil
}

func (r stubRouter) DeleterFor(kind interfaces.ProviderKind) (interfaces.StorageProvider, error) {
	return r.provider, nil
}

func newTestHandler(t *testing.T) (*Handler, *registry.MemoryAccessor, *stubProvider) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	accessor := registry.NewMemoryAccessor()
	provider := newStubProvider()
	router := stubRouter{provider}

	reg := registry.New(accessor, router, nil, log)
	collector := gc.New(accessor, router, nil, gc.Config{}, log)
	return NewHandler(reg, collector, log), accessor, provider
}

func uploadRequest(t *testing.T, content []byte, filename, purpose string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	require.NoError(t, writer.WriteField("purpose", purpose))
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/blobs", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set(TenantHeader, "tenant-1")
	req.Header.Set(UserHeader, "user-1")
	return req
}

func TestHandleUpload(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.HandleUpload(rec, uploadRequest(t, []byte("uploaded content"), "doc.pdf", "ingest"))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Blob         *interfaces.Blob `json:"blob"`
		Outcome      string           `json:"outcome"`
		Deduplicated bool             `json:"deduplicated"`
		SavedBytes   int64            `json:"savedBytes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, "registered", resp.Outcome)
	assert.False(t, resp.Deduplicated)
	assert.Equal(t, int64(1), resp.Blob.RefCount)
	assert.Equal(t, "doc.pdf", resp.Blob.Metadata.OriginalFilename)
}

func TestHandleUpload_Deduplicates(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	content := []byte("shared upload")

	rec := httptest.NewRecorder()
	handler.HandleUpload(rec, uploadRequest(t, content, "first.txt", "ingest"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	handler.HandleUpload(rec, uploadRequest(t, content, "second.txt", "ingest"))
	require.Equal(t, http.StatusOK, rec.Code, "a deduplication hit is not a creation")

	var resp struct {
		Deduplicated bool  `json:"deduplicated"`
		SavedBytes   int64 `json:"savedBytes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Deduplicated)
	assert.Equal(t, int64(len(content)), resp.SavedBytes)
}

func TestHandleUpload_Validation(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	t.Run("missing tenant header", func(t *testing.T) {
		req := uploadRequest(t, []byte("x"), "x.txt", "ingest")
		req.Header.Del(TenantHeader)
		rec := httptest.NewRecorder()
		handler.HandleUpload(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown purpose", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.HandleUpload(rec, uploadRequest(t, []byte("x"), "x.txt", "bogus"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("empty file", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.HandleUpload(rec, uploadRequest(t, nil, "empty.txt", "ingest"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleLookup(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	content := []byte("lookup target")

	rec := httptest.NewRecorder()
	handler.HandleUpload(rec, uploadRequest(t, content, "target.txt", "ingest"))
	require.Equal(t, http.StatusCreated, rec.Code)

	hash := interfaces.ComputeFingerprint(content).Hash
	req := httptest.NewRequest(http.MethodGet, "/api/blobs/"+hash.String(), nil)
	req.Header.Set(TenantHeader, "tenant-1")
	req.SetPathValue("hash", hash.String())

	rec = httptest.NewRecorder()
	handler.HandleLookup(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var blob interfaces.Blob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &blob))
	assert.Equal(t, hash, blob.Hash)
}

func TestHandleLookup_Errors(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	t.Run("invalid hash", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/blobs/nope", nil)
		req.Header.Set(TenantHeader, "tenant-1")
		req.SetPathValue("hash", "nope")
		rec := httptest.NewRecorder()
		handler.HandleLookup(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown hash", func(t *testing.T) {
		hash := interfaces.ComputeFingerprint([]byte("never uploaded")).Hash
		req := httptest.NewRequest(http.MethodGet, "/api/blobs/"+hash.String(), nil)
		req.Header.Set(TenantHeader, "tenant-1")
		req.SetPathValue("hash", hash.String())
		rec := httptest.NewRecorder()
		handler.HandleLookup(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleUnregister(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	content := []byte("released content")

	rec := httptest.NewRecorder()
	handler.HandleUpload(rec, uploadRequest(t, content, "released.txt", "ingest"))
	require.Equal(t, http.StatusCreated, rec.Code)

	hash := interfaces.ComputeFingerprint(content).Hash
	req := httptest.NewRequest(http.MethodDelete, "/api/blobs/"+hash.String(), nil)
	req.Header.Set(TenantHeader, "tenant-1")
	req.SetPathValue("hash", hash.String())

	rec = httptest.NewRecorder()
	handler.HandleUnregister(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// The row survives at zero references; lookup still works.
	lookupReq := httptest.NewRequest(http.MethodGet, "/api/blobs/"+hash.String(), nil)
	lookupReq.Header.Set(TenantHeader, "tenant-1")
	lookupReq.SetPathValue("hash", hash.String())
	rec = httptest.NewRecorder()
	handler.HandleLookup(rec, lookupReq)
	require.Equal(t, http.StatusOK, rec.Code)

	var blob interfaces.Blob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &blob))
	assert.Equal(t, int64(0), blob.RefCount)
}

func TestHandleUnregister_UnknownHash(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	hash := interfaces.ComputeFingerprint([]byte("ghost")).Hash
	req := httptest.NewRequest(http.MethodDelete, "/api/blobs/"+hash.String(), nil)
	req.Header.Set(TenantHeader, "tenant-1")
	req.SetPathValue("hash", hash.String())

	rec := httptest.NewRecorder()
	handler.HandleUnregister(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGCSweep(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	accessor := registry.NewMemoryAccessor()
	provider := newStubProvider()
	router := stubRouter{provider}
	reg := registry.New(accessor, router, nil, log)

	// A collector whose clock sits far in the future sees every orphan as
	// past the grace period.
	future := time.Now().Add(72 * time.Hour)
	collector := gc.New(accessor, router, nil, gc.Config{}, log).WithClock(func() time.Time { return future })
	handler := NewHandler(reg, collector, log)

	// Upload then release, producing an orphan.
	content := []byte("swept content")
	rec := httptest.NewRecorder()
	handler.HandleUpload(rec, uploadRequest(t, content, "swept.txt", "ingest"))
	require.Equal(t, http.StatusCreated, rec.Code)

	hash := interfaces.ComputeFingerprint(content).Hash
	scope := interfaces.Scope{TenantID: "tenant-1", CorrelationID: "corr-1"}
	require.NoError(t, reg.Unregister(context.Background(), hash, scope))

	req := httptest.NewRequest(http.MethodPost, "/api/admin/gc/sweep", nil)
	rec = httptest.NewRecorder()
	handler.HandleGCSweep(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result gc.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.OrphansFound)
	assert.Equal(t, 1, result.OrphansDeleted)

	_, err := reg.Lookup(context.Background(), hash, scope)
	assert.ErrorIs(t, err, interfaces.ErrBlobNotFound)
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"not found", interfaces.ErrBlobNotFound, http.StatusNotFound},
		{"invalid scope", interfaces.ErrInvalidScope, http.StatusBadRequest},
		{"scope denied", interfaces.ErrScopeDenied, http.StatusForbidden},
		{"no provider", interfaces.ErrNoProviderForPurpose, http.StatusServiceUnavailable},
		{"provider down", fmt.Errorf("wrapped: %w", interfaces.ErrProviderUnavailable), http.StatusServiceUnavailable},
		{"request error", &RequestError{StatusCode: http.StatusTeapot, Err: fmt.Errorf("teapot")}, http.StatusTeapot},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, tt.err)
			assert.Equal(t, tt.expected, rec.Code)
		})
	}
}
