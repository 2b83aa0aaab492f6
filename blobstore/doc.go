// Package blobstore provides physical storage providers for blob content
// with pluggable backends.
//
// The package offers a unified interface for uploading and deleting blob
// content across multiple provider backends:
//
//   - S3-compatible object storage for cloud/CDN deployments
//   - Database-native large-object storage (SQLite)
//   - File system storage for local development and testing
//   - IPFS storage for decentralized content
//
// # Provider URI Format
//
// Providers are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - s3://bucket-name/prefix/?region=us-west-2
//   - db:///var/lib/blobs/objects.db
//   - file:///var/lib/blobs/content/
//   - ipfs://ipfs.example.com:5001/?gateway=https://ipfs.example.com
//
// # Purpose Routing
//
// Uploads are routed by the upload-purpose tag carried in the call scope:
// ingest-pipeline documents, user-uploaded documents, and system-generated
// documents may each land in a different backend or namespace. The Router
// also dispatches deletes by the provider tag recorded on the registry row,
// so the garbage collector can reclaim objects written by any backend.
//
// # Error Semantics
//
// Upload failures wrap interfaces.ErrProviderFailure and are fatal to the
// registering call. Delete calls are idempotent: deleting an object that is
// already gone succeeds, so garbage-collection retries are safe.
package blobstore
