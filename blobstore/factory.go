package blobstore

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/abdplatform/blob-storage-backend/interfaces"
)

// ProviderFactory creates storage providers from URI strings.
type ProviderFactory struct {
	log *slog.Logger
}

// NewProviderFactory creates a new factory instance that can create storage
// providers.
func NewProviderFactory(logger *slog.Logger) *ProviderFactory {
	return &ProviderFactory{log: logger}
}

// ProviderFor creates a storage provider from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - s3:// - Amazon S3 or compatible object storage
//   - db:// - Database-native large-object storage (SQLite)
//   - file:// - Local filesystem storage
//   - ipfs:// - IPFS distributed storage
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *ProviderFactory) ProviderFor(location interfaces.ProviderLocation) (interfaces.StorageProvider, error) {
	switch strings.ToLower(location.Scheme) {
	case "s3":
		return f.createS3Provider(location)
	case "db":
		return f.createDBProvider(location)
	case "file":
		return f.createFileProvider(location)
	case "ipfs":
		return f.createIPFSProvider(location)
	default:
		return nil, fmt.Errorf("%w: unsupported provider scheme %q", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// createS3Provider creates an S3 or S3-compatible storage provider.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
func (f *ProviderFactory) createS3Provider(location interfaces.ProviderLocation) (interfaces.StorageProvider, error) {
	f.log.Debug("Creating S3 provider", slog.String("uri", location.String()))

	bucketName := location.Host
	if bucketName == "" {
		return nil, fmt.Errorf("%w: empty bucket name in %q", interfaces.ErrInvalidLocationURI, location.String())
	}

	prefix := strings.TrimPrefix(location.Path, "/")

	region := location.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := location.GetParam("endpoint")

	var accessKey, secretKey string
	if location.Auth != "" {
		parts := strings.SplitN(location.Auth, ":", 2)
		accessKey = parts[0]
		if len(parts) == 2 {
			secretKey = parts[1]
		}
		f.log.Debug("Using embedded credentials for write access")
	} else {
		f.log.Debug("No credentials provided, S3 bucket assumed to be public, write operations may fail")
	}

	return NewS3Provider(bucketName, prefix, region, endpoint, accessKey, secretKey, f.log)
}

// createDBProvider creates a database-native large-object provider.
// URI format: db:///var/lib/blobs/objects.db or db://./objects.db
func (f *ProviderFactory) createDBProvider(location interfaces.ProviderLocation) (interfaces.StorageProvider, error) {
	f.log.Debug("Creating database provider", slog.String("uri", location.String()))

	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %q", interfaces.ErrInvalidLocationURI, location.String())
	}

	return NewDBProvider(path, f.log)
}

// createFileProvider creates a file system storage provider.
// URI format: file:///absolute/path/ or file://./relative/path/
func (f *ProviderFactory) createFileProvider(location interfaces.ProviderLocation) (interfaces.StorageProvider, error) {
	f.log.Debug("Creating file provider", slog.String("uri", location.String()))

	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %q", interfaces.ErrInvalidLocationURI, location.String())
	}

	return NewFileProvider(path, f.log)
}

// createIPFSProvider creates an IPFS storage provider.
// URI format: ipfs://host:port/?gateway=https://ipfs.example.com
func (f *ProviderFactory) createIPFSProvider(location interfaces.ProviderLocation) (interfaces.StorageProvider, error) {
	f.log.Debug("Creating IPFS provider", slog.String("uri", location.String()))

	host := location.Host
	port := "5001" // Default IPFS API port
	if idx := strings.LastIndex(location.Host, ":"); idx >= 0 {
		host = location.Host[:idx]
		port = location.Host[idx+1:]
	}

	gatewayURL := location.GetParam("gateway")
	if gatewayURL == "" {
		gatewayURL = "https://ipfs.io"
	}

	return NewIPFSProvider(host, port, gatewayURL, f.log)
}
