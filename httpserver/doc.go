// Package httpserver exposes the blob storage service over HTTP.
//
// The API surface is small: upload content, look up or release a content
// hash, and trigger a garbage collection sweep. Operational endpoints
// (livez, readyz, drain, undrain, optional pprof) follow the usual
// load-balancer contract, and a separate metrics listener serves
// Prometheus scrapes.
package httpserver
