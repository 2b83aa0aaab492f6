package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/abdplatform/blob-storage-backend/interfaces"
	_ "modernc.org/sqlite"
)

// DBProvider stores blob content as large objects in a SQLite database.
// This is the database-native provider: bytes live next to the rest of the
// platform's data, with no external object store involved.
type DBProvider struct {
	db          *sql.DB
	log         *slog.Logger
	locationURI string
}

const dbObjectsSchema = `
CREATE TABLE IF NOT EXISTS blob_objects (
	id         TEXT PRIMARY KEY,
	filename   TEXT NOT NULL,
	namespace  TEXT NOT NULL,
	content    BLOB NOT NULL,
	created_at INTEGER NOT NULL
);`

// NewDBProvider creates a database-native large-object provider backed by
// the SQLite database at path. The object table is created if absent.
func NewDBProvider(path string, log *slog.Logger) (*DBProvider, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open object database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent uploads.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(dbObjectsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create blob_objects table: %w", err)
	}

	return &DBProvider{
		db:          db,
		log:         log,
		locationURI: fmt.Sprintf("db://%s", path),
	}, nil
}

// Upload stores blob content as a database large object. The provider id is
// a fresh opaque handle, mirroring how database file stores hand out object
// ids rather than deriving them from content.
func (p *DBProvider) Upload(ctx context.Context, data []byte, filename string, scope interfaces.Scope) (interfaces.UploadResult, error) {
	start := time.Now()
	id := uuid.NewString()
	namespace := scope.Purpose.String()

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO blob_objects (id, filename, namespace, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, filename, namespace, data, time.Now().UnixMilli())
	if err != nil {
		return interfaces.UploadResult{}, fmt.Errorf("%w: insert large object: %v", interfaces.ErrProviderFailure, err)
	}

	p.log.Debug("Stored blob in database",
		slog.String("object_id", id),
		slog.String("namespace", namespace),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	url := fmt.Sprintf("%s/%s", p.locationURI, id)
	return interfaces.UploadResult{
		ProviderID: id,
		URL:        url,
		SecureURL:  url,
	}, nil
}

// Fetch reads a stored object's content by provider id.
func (p *DBProvider) Fetch(ctx context.Context, providerID string) ([]byte, error) {
	var content []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT content FROM blob_objects WHERE id = ?`, providerID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read large object: %v", interfaces.ErrProviderFailure, err)
	}
	return content, nil
}

// Delete removes a stored object. Deleting an absent object is a no-op.
func (p *DBProvider) Delete(ctx context.Context, providerID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM blob_objects WHERE id = ?`, providerID)
	if err != nil {
		return fmt.Errorf("%w: delete large object: %v", interfaces.ErrProviderFailure, err)
	}

	p.log.Debug("Deleted blob from database", slog.String("object_id", providerID))
	return nil
}

// Available checks the database connection.
func (p *DBProvider) Available(ctx context.Context) bool {
	if err := p.db.PingContext(ctx); err != nil {
		p.log.Debug("Database provider unavailable", "err", err)
		return false
	}
	return true
}

// Kind returns the provider tag recorded on registry rows.
func (p *DBProvider) Kind() interfaces.ProviderKind {
	return interfaces.ProviderDBStore
}

// Name returns a unique identifier for this storage provider.
func (p *DBProvider) Name() string {
	return "dbstore"
}

// LocationURI returns the URI that identifies this storage provider.
func (p *DBProvider) LocationURI() string {
	return p.locationURI
}

// Close releases the underlying database connection.
func (p *DBProvider) Close() error {
	return p.db.Close()
}
