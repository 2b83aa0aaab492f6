package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/abdplatform/blob-storage-backend/interfaces"
	"github.com/abdplatform/blob-storage-backend/metrics"
)

// CollectionName is the registry collection holding one document per
// distinct content hash.
const CollectionName = "file_blobs"

// Outcome names the path a GetOrCreate call took. Conflict recovery is an
// explicit outcome rather than exception control flow.
type Outcome int

const (
	// OutcomeDeduplicated - the atomic increment found an existing row.
	OutcomeDeduplicated Outcome = iota
	// OutcomeRegistered - novel content was uploaded and a new row inserted.
	OutcomeRegistered
	// OutcomeRecoveredConflict - the insert lost a race with a concurrent
	// caller; the attach was merged onto the surviving row.
	OutcomeRecoveredConflict
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeDeduplicated:
		return "deduplicated"
	case OutcomeRegistered:
		return "registered"
	case OutcomeRecoveredConflict:
		return "recovered_conflict"
	default:
		return "unknown"
	}
}

// Result is the outcome of a GetOrCreate call.
type Result struct {
	// Blob is the surviving registry row, post-update.
	Blob *interfaces.Blob

	// Outcome records which path the call took.
	Outcome Outcome

	// Deduplicated is true when the content already existed.
	Deduplicated bool

	// SavedBytes is the upload size avoided on a deduplication hit.
	SavedBytes int64
}

// UploadMetadata is the descriptive metadata supplied by the caller.
type UploadMetadata struct {
	Filename string
	MimeType string
}

// Registry is the deduplication registry: the single source of truth
// mapping a content hash to exactly one physical object and a reference
// count. All cross-caller coordination is delegated to the atomicity of the
// underlying store's single-document operations.
type Registry struct {
	accessor interfaces.CollectionAccessor
	router   interfaces.ProviderRouter
	audit    interfaces.AuditSink
	log      *slog.Logger

	// now is injected for deterministic tests.
	now func() time.Time
}

// New creates a deduplication registry.
func New(accessor interfaces.CollectionAccessor, router interfaces.ProviderRouter, audit interfaces.AuditSink, log *slog.Logger) *Registry {
	return &Registry{
		accessor: accessor,
		router:   router,
		audit:    audit,
		log:      log,
		now:      time.Now,
	}
}

// WithClock overrides the registry's time source. Intended for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// GetOrCreate registers a logical attach of the given content.
//
// The call first attempts an atomic increment-and-touch against the shared
// registry. On a hit the existing row is normalized, validated, and
// returned. On a miss the bytes are uploaded through the provider selected
// by the scope's purpose and a fresh row is inserted with refCount 1. If
// the insert collides with a concurrent first-time upload of the same
// content, the attach is merged onto the surviving row via the atomic
// increment path so no attach is ever lost; the redundant physical upload
// is deleted best-effort.
func (r *Registry) GetOrCreate(ctx context.Context, data []byte, meta UploadMetadata, scope interfaces.Scope) (Result, error) {
	if err := scope.Validate(); err != nil {
		return Result{}, err
	}

	fp := interfaces.ComputeFingerprint(data)

	// The registry is global by design: deduplication needs one namespace
	// across all tenants.
	store, err := r.accessor.Collection(CollectionName, scope.WithElevated())
	if err != nil {
		return Result{}, fmt.Errorf("failed to open blob registry: %w", err)
	}

	raw, err := store.TouchAndIncrement(ctx, fp.Hash, r.now())
	switch {
	case err == nil:
		blob, legacy, decodeErr := interfaces.DecodeBlob(raw, r.now())
		if decodeErr == nil {
			if legacy {
				r.log.Warn("Normalized legacy blob record",
					slog.String("hash", fp.Hash.String()),
					slog.String("provider", blob.Provider.String()))
			}
			r.auditEvent(ctx, interfaces.AuditInfo, interfaces.ActionBlobDeduplicated,
				fmt.Sprintf("Deduplication hit for %s (purpose: %s)", fp.Hash, scope.Purpose), scope,
				map[string]any{"hash": fp.Hash.String(), "tenantId": scope.TenantID, "purpose": scope.Purpose.String(), "savedBytes": fp.Size})
			metrics.UploadsTotal.WithLabelValues(OutcomeDeduplicated.String()).Inc()
			metrics.BytesSavedTotal.Add(float64(fp.Size))
			return Result{Blob: blob, Outcome: OutcomeDeduplicated, Deduplicated: true, SavedBytes: fp.Size}, nil
		}

		// Corrupted legacy record: treat as a soft miss. The fresh upload
		// below self-heals the row.
		r.log.Warn("Existing blob record failed validation, forcing re-upload",
			slog.String("hash", fp.Hash.String()),
			"err", decodeErr)
		r.auditEvent(ctx, interfaces.AuditWarn, interfaces.ActionLegacyBlobCorrupted,
			fmt.Sprintf("Existing blob %s is corrupted, forcing re-upload: %v", fp.Hash, decodeErr), scope,
			map[string]any{"hash": fp.Hash.String()})

	case errors.Is(err, interfaces.ErrBlobNotFound):
		// Miss path below.

	default:
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return Result{}, fmt.Errorf("registry lookup failed for %s: %w", fp.Hash, err)
	}

	return r.uploadAndInsert(ctx, store, data, fp, meta, scope)
}

// uploadAndInsert is the miss path: physical upload, then insert with
// uniqueness-conflict recovery.
func (r *Registry) uploadAndInsert(ctx context.Context, store interfaces.RegistryStore, data []byte, fp interfaces.Fingerprint, meta UploadMetadata, scope interfaces.Scope) (Result, error) {
	provider, err := r.router.ProviderFor(scope.Purpose)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return Result{}, err
	}

	objectName := storedObjectName(fp.Hash, meta.Filename)
	upload, err := provider.Upload(ctx, data, objectName, scope)
	if err != nil {
		r.auditEvent(ctx, interfaces.AuditError, interfaces.ActionUploadFailed,
			fmt.Sprintf("Upload to provider failed for %s: %v", meta.Filename, err), scope,
			map[string]any{"hash": fp.Hash.String(), "tenantId": scope.TenantID, "provider": provider.Name()})
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		// No registry row is written; the caller sees the external-service
		// error kind wrapped by the provider.
		return Result{}, fmt.Errorf("blob upload for %s: %w", fp.Hash, err)
	}

	now := r.now()
	blob := &interfaces.Blob{
		Hash:        fp.Hash,
		Provider:    provider.Kind(),
		ProviderID:  upload.ProviderID,
		URL:         upload.URL,
		SecureURL:   upload.SecureURL,
		MimeType:    meta.MimeType,
		SizeBytes:   fp.Size,
		SHA256:      fp.SHA256,
		RefCount:    1,
		TenantID:    interfaces.GlobalTenantID,
		FirstSeenAt: now,
		LastSeenAt:  now,
		Metadata: interfaces.BlobMetadata{
			OriginalFilename: meta.Filename,
			UploadedBy:       scope.UserID,
			Purpose:          scope.Purpose,
		},
	}
	if err := blob.Validate(); err != nil {
		return Result{}, err
	}
	doc, err := interfaces.EncodeBlob(blob)
	if err != nil {
		return Result{}, err
	}

	err = store.Insert(ctx, fp.Hash, doc)
	if err == nil {
		r.auditEvent(ctx, interfaces.AuditInfo, interfaces.ActionBlobRegistered,
			fmt.Sprintf("New blob registered for %s (purpose: %s)", fp.Hash, scope.Purpose), scope,
			map[string]any{"hash": fp.Hash.String(), "providerId": upload.ProviderID, "sizeBytes": fp.Size})
		metrics.UploadsTotal.WithLabelValues(OutcomeRegistered.String()).Inc()
		return Result{Blob: blob, Outcome: OutcomeRegistered}, nil
	}

	if errors.Is(err, interfaces.ErrDuplicateBlob) {
		return r.recoverInsertConflict(ctx, store, provider, upload, blob, fp, scope)
	}

	metrics.UploadsTotal.WithLabelValues("failed").Inc()
	return Result{}, fmt.Errorf("registry insert failed for %s: %w", fp.Hash, err)
}

// recoverInsertConflict merges a lost insert race onto the surviving row.
// A concurrent caller with identical content created the row between our
// lookup and our insert. The attach must not be lost, so it lands through
// the same atomic increment used by the hit path; our freshly uploaded
// object is redundant and is deleted best-effort.
func (r *Registry) recoverInsertConflict(ctx context.Context, store interfaces.RegistryStore, provider interfaces.StorageProvider, upload interfaces.UploadResult, fresh *interfaces.Blob, fp interfaces.Fingerprint, scope interfaces.Scope) (Result, error) {
	r.auditEvent(ctx, interfaces.AuditWarn, interfaces.ActionInsertConflictRecovery,
		fmt.Sprintf("Insert conflict for %s, merging attach onto existing row", fp.Hash), scope,
		map[string]any{"hash": fp.Hash.String()})

	raw, err := store.TouchAndIncrement(ctx, fp.Hash, r.now())
	if errors.Is(err, interfaces.ErrBlobNotFound) {
		// The winning row vanished between our insert and the merge, which
		// means a concurrent delete landed. Retry the insert once.
		if insertErr := store.Insert(ctx, fp.Hash, mustEncode(fresh)); insertErr == nil {
			metrics.UploadsTotal.WithLabelValues(OutcomeRegistered.String()).Inc()
			return Result{Blob: fresh, Outcome: OutcomeRegistered}, nil
		}
		raw, err = store.TouchAndIncrement(ctx, fp.Hash, r.now())
	}
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return Result{}, fmt.Errorf("conflict recovery failed for %s: %w", fp.Hash, err)
	}

	blob, _, decodeErr := interfaces.DecodeBlob(raw, r.now())
	if decodeErr != nil {
		// The surviving row is unusable. Replace it with our fresh upload
		// (refCount 1, counting this attach); the corrupt row's count was
		// never trustworthy to begin with.
		r.auditEvent(ctx, interfaces.AuditWarn, interfaces.ActionLegacyBlobCorrupted,
			fmt.Sprintf("Conflicting blob %s is corrupted, replacing with fresh upload", fp.Hash), scope,
			map[string]any{"hash": fp.Hash.String()})
		if replaceErr := store.Replace(ctx, fp.Hash, mustEncode(fresh)); replaceErr != nil {
			metrics.UploadsTotal.WithLabelValues("failed").Inc()
			return Result{}, fmt.Errorf("conflict recovery replace failed for %s: %w", fp.Hash, replaceErr)
		}
		metrics.UploadsTotal.WithLabelValues(OutcomeRecoveredConflict.String()).Inc()
		return Result{Blob: fresh, Outcome: OutcomeRecoveredConflict}, nil
	}

	// Our upload is redundant; the winner's object stays. Best effort only.
	if delErr := provider.Delete(ctx, upload.ProviderID); delErr != nil {
		r.log.Warn("Failed to delete redundant upload after conflict recovery",
			slog.String("hash", fp.Hash.String()),
			slog.String("providerId", upload.ProviderID),
			"err", delErr)
	}

	metrics.UploadsTotal.WithLabelValues(OutcomeRecoveredConflict.String()).Inc()
	return Result{Blob: blob, Outcome: OutcomeRecoveredConflict}, nil
}

// Unregister records a logical detach: an atomic decrement of the row's
// reference count. No deletion and no provider I/O happens here; physical
// cleanup is solely the garbage collector's responsibility, which keeps
// detach cheap and non-blocking.
func (r *Registry) Unregister(ctx context.Context, hash interfaces.BlobHash, scope interfaces.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	store, err := r.accessor.Collection(CollectionName, scope.WithElevated())
	if err != nil {
		return fmt.Errorf("failed to open blob registry: %w", err)
	}

	if err := store.Decrement(ctx, hash, r.now()); err != nil {
		return fmt.Errorf("registry decrement failed for %s: %w", hash, err)
	}

	r.auditEvent(ctx, interfaces.AuditInfo, interfaces.ActionBlobUnreferenced,
		fmt.Sprintf("Blob reference removed for %s", hash), scope,
		map[string]any{"hash": hash.String(), "tenantId": scope.TenantID})
	metrics.UnregisterTotal.Inc()
	return nil
}

// Lookup returns the current row for a hash, normalized to the current
// schema, without touching its reference count.
func (r *Registry) Lookup(ctx context.Context, hash interfaces.BlobHash, scope interfaces.Scope) (*interfaces.Blob, error) {
	store, err := r.accessor.Collection(CollectionName, scope.WithElevated())
	if err != nil {
		return nil, fmt.Errorf("failed to open blob registry: %w", err)
	}

	raw, err := store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}

	blob, _, err := interfaces.DecodeBlob(raw, r.now())
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (r *Registry) auditEvent(ctx context.Context, level interfaces.AuditLevel, action interfaces.AuditAction, message string, scope interfaces.Scope, details map[string]any) {
	if r.audit == nil {
		return
	}
	r.audit.Log(ctx, interfaces.AuditEvent{
		Level:         level,
		Source:        interfaces.AuditSourceBlobStorage,
		Action:        action,
		Message:       message,
		CorrelationID: scope.CorrelationID,
		Details:       details,
		At:            r.now(),
	})
}

// storedObjectName builds the provider-side object name: the content hash
// plus the original file extension, so stored objects stay human-mappable
// without leaking caller filenames into shared storage.
func storedObjectName(hash interfaces.BlobHash, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > 10 {
		ext = ""
	}
	return hash.String() + ext
}

func mustEncode(blob *interfaces.Blob) []byte {
	doc, err := interfaces.EncodeBlob(blob)
	if err != nil {
		// Blob came from our own struct literal; encoding cannot fail.
		panic(err)
	}
	return doc
}
