// Package interfaces defines the core types and service interfaces for the
// deduplicating blob storage layer.
//
// The package contains shared domain types (BlobHash, Blob, Scope,
// UploadPurpose, ProviderKind), the provider and registry-store interfaces
// implemented elsewhere, the audit event vocabulary, and the sentinel errors
// used across package boundaries.
//
// # Content Addressing
//
// A blob's identity is the MD5 hash of its raw bytes:
//
//	type BlobHash [16]byte
//
// MD5 is adequate because the hash is a deduplication key rather than a
// security boundary; a SHA-256 digest is carried on each row for integrity.
// Exactly one registry row exists per distinct hash, enforced by using the
// hash as the primary key and treating duplicate-key errors as "someone
// else just created it".
//
// # Scopes
//
// Every registry and provider call takes an explicit, immutable Scope value
// carrying tenant, acting user, correlation id, and upload purpose. The
// blob registry itself is shared across tenants (deduplication requires a
// single namespace) and is accessed with an elevated scope that bypasses
// the usual per-tenant partitioning.
//
// # Providers
//
// Physical bytes live entirely in an external storage provider. Providers
// form a small closed set tagged by ProviderKind; the tag is recorded on
// each registry row so deletes can be dispatched to the right backend long
// after the upload.
package interfaces
