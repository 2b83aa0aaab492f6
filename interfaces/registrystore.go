package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrBlobNotFound is returned when no registry row exists for a hash.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrDuplicateBlob is returned by Insert when a row for the hash
	// already exists. This is an expected, benign race between two
	// first-time uploads of identical content; callers recover by merging
	// rather than failing.
	ErrDuplicateBlob = errors.New("duplicate blob")

	// ErrScopeDenied is returned when a non-elevated scope addresses rows
	// outside its tenant partition.
	ErrScopeDenied = errors.New("scope denied")
)

// RegistryStore is a handle to the blob registry collection: a document
// store keyed by content hash supporting point lookups, atomic
// read-modify-write updates, and range scans. All cross-caller coordination
// relies on the atomicity of these single-document operations; there is no
// in-process locking above this interface.
type RegistryStore interface {
	// TouchAndIncrement atomically increments the row's refCount, refreshes
	// lastSeenAt, and returns the post-update document. Returns
	// ErrBlobNotFound if no row exists for the hash. A missing refCount
	// field in a legacy document counts as zero.
	TouchAndIncrement(ctx context.Context, hash BlobHash, now time.Time) (json.RawMessage, error)

	// Decrement atomically decrements the row's refCount and refreshes
	// lastSeenAt. Returns ErrBlobNotFound if no row exists.
	Decrement(ctx context.Context, hash BlobHash, now time.Time) error

	// Insert creates a new row. Returns ErrDuplicateBlob if a row for the
	// hash already exists.
	Insert(ctx context.Context, hash BlobHash, doc json.RawMessage) error

	// Replace overwrites the row's document, creating it if absent.
	Replace(ctx context.Context, hash BlobHash, doc json.RawMessage) error

	// Get returns the row's document or ErrBlobNotFound.
	Get(ctx context.Context, hash BlobHash) (json.RawMessage, error)

	// Orphans scans for rows with refCount == 0, up to limit documents
	// (limit <= 0 means no limit).
	Orphans(ctx context.Context, limit int) ([]json.RawMessage, error)

	// Delete removes the row. Deleting an absent row is not an error.
	Delete(ctx context.Context, hash BlobHash) error
}

// CollectionAccessor returns handles to named registry collections,
// parameterized by an isolation scope. Non-elevated scopes see only their
// tenant's partition; the blob registry is accessed with an elevated scope
// because deduplication needs the full shared namespace.
type CollectionAccessor interface {
	Collection(name string, scope Scope) (RegistryStore, error)
}
