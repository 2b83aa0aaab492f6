package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// ProviderKind identifies which storage backend holds a blob's bytes. It is
// recorded on the registry row so the garbage collector can dispatch the
// physical delete to the right backend.
type ProviderKind int

const (
	// ProviderObjectStore for S3-compatible / CDN object storage.
	ProviderObjectStore ProviderKind = iota
	// ProviderDBStore for the database-native large-object store.
	ProviderDBStore
	// ProviderFile for local filesystem storage (development and tests).
	ProviderFile
	// ProviderIPFS for IPFS distributed storage.
	ProviderIPFS
)

// String returns the provider tag as stored on registry rows.
func (k ProviderKind) String() string {
	switch k {
	case ProviderObjectStore:
		return "objectstore"
	case ProviderDBStore:
		return "dbstore"
	case ProviderFile:
		return "file"
	case ProviderIPFS:
		return "ipfs"
	default:
		return "unknown"
	}
}

// ParseProviderKind parses a provider tag, accepting the vendor-specific
// tags written by earlier schema versions.
func ParseProviderKind(s string) (ProviderKind, error) {
	switch s {
	case "objectstore", "s3", "cloudinary":
		return ProviderObjectStore, nil
	case "dbstore", "gridfs":
		return ProviderDBStore, nil
	case "file":
		return ProviderFile, nil
	case "ipfs":
		return ProviderIPFS, nil
	default:
		return 0, fmt.Errorf("unknown provider kind: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k ProviderKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ProviderKind) UnmarshalText(text []byte) error {
	parsed, err := ParseProviderKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// UploadResult is the backend-specific outcome of a physical upload.
type UploadResult struct {
	// ProviderID is the handle needed to address or delete the object.
	ProviderID string

	// URL is the plain retrieval location, where the backend has one.
	URL string

	// SecureURL is the TLS retrieval location.
	SecureURL string
}

var (
	// ErrObjectNotFound is returned when a provider object cannot be found.
	ErrObjectNotFound = errors.New("provider object not found")

	// ErrProviderUnavailable is returned when a storage provider is not
	// accessible. This could be due to network issues, authentication
	// failures, or service outages.
	ErrProviderUnavailable = errors.New("storage provider unavailable")

	// ErrProviderFailure is the external-service error kind: a provider
	// upload or delete call failed. Upload failures are fatal to the
	// registering call; delete failures during GC are counted and skipped.
	ErrProviderFailure = errors.New("storage provider failure")

	// ErrInvalidLocationURI is returned when a provider location URI is
	// malformed or uses an unsupported scheme.
	ErrInvalidLocationURI = errors.New("invalid provider location URI")

	// ErrNoProviderForPurpose is returned when no provider is routed for an
	// upload purpose.
	ErrNoProviderForPurpose = errors.New("no provider configured for purpose")

	// ErrNoProviderForKind is returned when a delete cannot be dispatched
	// because no provider of the row's kind is configured.
	ErrNoProviderForKind = errors.New("no provider configured for kind")
)

// StorageProvider stores and deletes physical blob content. Implementations
// are a small closed set selected by ProviderKind; the registry never
// branches on concrete types.
type StorageProvider interface {
	// Upload physically stores data and returns the backend handle and
	// retrieval locations. The scope's purpose may affect which physical
	// namespace the bytes land in. Failures wrap ErrProviderFailure.
	Upload(ctx context.Context, data []byte, filename string, scope Scope) (UploadResult, error)

	// Delete removes the object. Deleting an already-missing object is not
	// an error; GC retries must be idempotent.
	Delete(ctx context.Context, providerID string) error

	// Available checks if the provider is accessible.
	Available(ctx context.Context) bool

	// Kind returns the provider tag recorded on registry rows.
	Kind() ProviderKind

	// Name returns an identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this provider instance.
	LocationURI() string
}

// ProviderRouter selects providers: by purpose for uploads, by kind for the
// garbage collector's delete dispatch.
type ProviderRouter interface {
	// ProviderFor returns the upload provider for a purpose.
	ProviderFor(purpose UploadPurpose) (StorageProvider, error)

	// DeleterFor returns the provider holding objects of the given kind.
	DeleterFor(kind ProviderKind) (StorageProvider, error)
}

// ProviderFactory creates storage providers from location URIs.
type ProviderFactory interface {
	// ProviderFor creates a provider from a URI.
	// Supports s3://, db://, file://, ipfs://
	ProviderFor(location ProviderLocation) (StorageProvider, error)
}

// ProviderLocation represents a URI for a storage provider.
type ProviderLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewProviderLocation creates a provider location from a URI string with
// validation.
func NewProviderLocation(uri string) (ProviderLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ProviderLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := parsed.Scheme
	switch scheme {
	case "s3", "db", "file", "ipfs":
		// Valid scheme
	default:
		return ProviderLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return ProviderLocation{
		Raw:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc ProviderLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc ProviderLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc ProviderLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}
