package interfaces

import (
	"errors"
	"fmt"
)

// UploadPurpose tags an upload with the pipeline it belongs to. The purpose
// drives provider selection and the physical namespace the bytes land in.
type UploadPurpose int

const (
	// PurposeIngest for documents entering the ingest pipeline.
	PurposeIngest UploadPurpose = iota
	// PurposeUserDocument for documents uploaded directly by a user.
	PurposeUserDocument
	// PurposeSystem for system-generated documents.
	PurposeSystem
)

// String returns the purpose name.
func (p UploadPurpose) String() string {
	switch p {
	case PurposeIngest:
		return "ingest"
	case PurposeUserDocument:
		return "user-document"
	case PurposeSystem:
		return "system"
	default:
		return "unknown"
	}
}

// ParseUploadPurpose parses a purpose name, accepting both the current
// names and the tags written by earlier schema versions.
func ParseUploadPurpose(s string) (UploadPurpose, error) {
	switch s {
	case "ingest", "RAG_INGEST":
		return PurposeIngest, nil
	case "user-document", "USER_DOCS":
		return PurposeUserDocument, nil
	case "system", "SYSTEM":
		return PurposeSystem, nil
	default:
		return 0, fmt.Errorf("unknown upload purpose: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p UploadPurpose) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *UploadPurpose) UnmarshalText(text []byte) error {
	parsed, err := ParseUploadPurpose(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Scope is the explicit, immutable isolation context threaded through every
// registry and provider call. There is no ambient session state; callers
// construct a Scope once per logical operation and pass it down.
type Scope struct {
	// TenantID identifies the calling tenant.
	TenantID string

	// UserID identifies the acting user, if any.
	UserID string

	// CorrelationID ties together all audit events emitted by one logical
	// operation.
	CorrelationID string

	// Purpose selects the provider backend and upload namespace.
	Purpose UploadPurpose

	// Elevated grants global visibility across the normally
	// tenant-partitioned collection view. The blob registry is the one
	// subsystem that uses this: deduplication requires a single shared
	// namespace.
	Elevated bool
}

// ErrInvalidScope is returned when a scope is missing required fields.
var ErrInvalidScope = errors.New("invalid scope")

// Validate checks that the scope carries the fields every call needs.
func (s Scope) Validate() error {
	if s.TenantID == "" {
		return fmt.Errorf("%w: missing tenant id", ErrInvalidScope)
	}
	if s.CorrelationID == "" {
		return fmt.Errorf("%w: missing correlation id", ErrInvalidScope)
	}
	return nil
}

// WithElevated returns a copy of the scope with global visibility enabled.
func (s Scope) WithElevated() Scope {
	s.Elevated = true
	return s
}
