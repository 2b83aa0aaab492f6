package blobstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/abdplatform/blob-storage-backend/interfaces"
)

// FileProvider stores blob content on the local file system. Content is
// organized in subdirectories by upload purpose. Intended for development
// and tests.
type FileProvider struct {
	baseDir     string
	prefixes    map[interfaces.UploadPurpose]string
	log         *slog.Logger
	locationURI string
}

// NewFileProvider creates a file storage provider using the specified base
// directory. It creates subdirectories for the upload purposes if they
// don't exist.
func NewFileProvider(baseDir string, log *slog.Logger) (*FileProvider, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	prefixes := map[interfaces.UploadPurpose]string{
		interfaces.PurposeIngest:       "ingest",
		interfaces.PurposeUserDocument: "user-documents",
		interfaces.PurposeSystem:       "system",
	}
	for _, subdir := range prefixes {
		if err := os.MkdirAll(filepath.Join(baseDir, subdir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", subdir, err)
		}
	}

	uri := fmt.Sprintf("file://%s", baseDir)

	return &FileProvider{
		baseDir:     baseDir,
		prefixes:    prefixes,
		log:         log,
		locationURI: uri,
	}, nil
}

// Upload writes blob content to the file system. The provider id is the
// purpose-relative path of the written file.
func (p *FileProvider) Upload(ctx context.Context, data []byte, filename string, scope interfaces.Scope) (interfaces.UploadResult, error) {
	subdir := p.prefixes[scope.Purpose]
	providerID := filepath.ToSlash(filepath.Join(subdir, filename))
	filePath := filepath.Join(p.baseDir, subdir, filename)

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return interfaces.UploadResult{}, fmt.Errorf("%w: create directory: %v", interfaces.ErrProviderFailure, err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return interfaces.UploadResult{}, fmt.Errorf("%w: write file: %v", interfaces.ErrProviderFailure, err)
	}

	p.log.Debug("Stored blob in file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	url := fmt.Sprintf("file://%s", filePath)
	return interfaces.UploadResult{
		ProviderID: providerID,
		URL:        url,
		SecureURL:  url,
	}, nil
}

// Delete removes the file for a provider id. A missing file is not an
// error; GC retries must be idempotent.
func (p *FileProvider) Delete(ctx context.Context, providerID string) error {
	// Refuse ids escaping the base directory.
	clean := filepath.Clean(filepath.FromSlash(providerID))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return fmt.Errorf("%w: invalid provider id %q", interfaces.ErrProviderFailure, providerID)
	}

	filePath := filepath.Join(p.baseDir, clean)
	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			p.log.Debug("File already absent", slog.String("path", filePath))
			return nil
		}
		return fmt.Errorf("%w: remove file: %v", interfaces.ErrProviderFailure, err)
	}

	p.log.Debug("Deleted blob file", slog.String("path", filePath))
	return nil
}

// Available checks if the file provider is accessible by verifying the base
// directory exists.
func (p *FileProvider) Available(ctx context.Context) bool {
	_, err := os.Stat(p.baseDir)
	if err != nil {
		p.log.Debug("File provider unavailable", "err", err)
		return false
	}
	return true
}

// Kind returns the provider tag recorded on registry rows.
func (p *FileProvider) Kind() interfaces.ProviderKind {
	return interfaces.ProviderFile
}

// Name returns a unique identifier for this storage provider.
func (p *FileProvider) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(p.baseDir))
}

// LocationURI returns the URI that identifies this storage provider.
func (p *FileProvider) LocationURI() string {
	return p.locationURI
}
