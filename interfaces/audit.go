package interfaces

import (
	"context"
	"time"
)

// AuditLevel classifies an audit event.
type AuditLevel string

const (
	AuditInfo  AuditLevel = "INFO"
	AuditWarn  AuditLevel = "WARN"
	AuditError AuditLevel = "ERROR"
)

// Audit event sources.
const (
	AuditSourceBlobStorage = "BLOB_STORAGE"
	AuditSourceBlobGC      = "BLOB_GC"
)

// AuditAction names a state transition in the blob lifecycle.
type AuditAction string

const (
	ActionBlobDeduplicated       AuditAction = "BLOB_DEDUPLICATED"
	ActionBlobRegistered         AuditAction = "BLOB_REGISTERED"
	ActionBlobUnreferenced       AuditAction = "BLOB_UNREFERENCED"
	ActionLegacyBlobCorrupted    AuditAction = "LEGACY_BLOB_CORRUPTED"
	ActionUploadFailed           AuditAction = "UPLOAD_FAILED"
	ActionInsertConflictRecovery AuditAction = "INSERT_CONFLICT_RECOVERY"
	ActionGCStarted              AuditAction = "GC_STARTED"
	ActionOrphansFound           AuditAction = "ORPHANS_FOUND"
	ActionDeletableBlobsFound    AuditAction = "DELETABLE_BLOBS_FOUND"
	ActionGCTimeout              AuditAction = "GC_TIMEOUT"
	ActionGCDeleteError          AuditAction = "GC_DELETE_ERROR"
	ActionGCCompleted            AuditAction = "GC_COMPLETED"
	ActionGCFatalError           AuditAction = "GC_FATAL_ERROR"
)

// AuditEvent is one structured entry in the append-only audit log.
type AuditEvent struct {
	Level         AuditLevel     `json:"level"`
	Source        string         `json:"source"`
	Action        AuditAction    `json:"action"`
	Message       string         `json:"message"`
	CorrelationID string         `json:"correlationId"`
	Details       map[string]any `json:"details,omitempty"`
	At            time.Time      `json:"at"`
}

// AuditSink accepts audit events, fire-and-forget. Implementations must
// never fail the caller; no core logic depends on the sink's success.
type AuditSink interface {
	Log(ctx context.Context, event AuditEvent)
}
