// Package gc reclaims physical storage for blobs whose reference count has
// dropped to zero.
//
// A sweep scans for orphans, filters them by a grace period measured from
// the sweep's start time, then deletes each survivor in two ordered steps:
// the provider object first, the registry row second. Every candidate is
// re-read immediately before deletion so a blob re-attached between the
// scan and the delete is left alone. Per-item failures are counted and
// audited but never abort the sweep; a wall-clock budget bounds each run.
package gc
