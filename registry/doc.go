// Package registry implements the deduplication registry: the single
// source of truth mapping a content hash to exactly one physical object and
// a reference count.
//
// # Operations
//
// GetOrCreate registers a logical attach. It is a named two-phase
// operation: try an atomic increment-and-touch first; on a miss, upload the
// bytes through the purpose-selected provider and insert a fresh row. A
// uniqueness conflict on insert means a concurrent caller with identical
// content won the race; the attach is merged onto the surviving row through
// the same atomic increment, so two concurrent first-time uploads converge
// to one row with both attaches counted.
//
// Unregister records a logical detach as an atomic decrement. It performs
// no deletion and no provider I/O; the garbage collector alone reclaims
// physical storage.
//
// # Stores
//
// The registry is written against the interfaces.RegistryStore document
// operations. Two implementations are provided: SQLAccessor (SQLite, JSON
// documents with single-statement atomic updates) and MemoryAccessor
// (mutex-guarded map, same semantics, used by tests and single-process
// setups).
//
// # Legacy rows
//
// Rows written under earlier schema versions are normalized on every read
// by interfaces.DecodeBlob. A row that fails validation even after
// normalization is treated as a soft miss: the content is re-uploaded and
// the registry self-heals, with the corruption logged and audited.
package registry
