package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/abdplatform/blob-storage-backend/interfaces"
	_ "modernc.org/sqlite"
)

// SQLAccessor is a CollectionAccessor backed by SQLite. Each collection is
// a table holding JSON documents keyed by content hash, with the atomic
// read-modify-write operations expressed as single UPDATE statements so
// concurrent callers never interleave inside a document update.
//
// Collections are tenant-partitioned: a non-elevated scope only sees rows
// whose tenant tag matches its own. The blob registry is accessed with an
// elevated scope, which sees the full shared namespace.
type SQLAccessor struct {
	db *sql.DB

	mu      sync.Mutex
	created map[string]bool
}

var collectionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// OpenSQLAccessor opens (or creates) the registry database at path.
func OpenSQLAccessor(path string) (*SQLAccessor, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	// One writer connection keeps SQLITE_BUSY out of the atomic update
	// paths; reads are short enough that sharing it is fine.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &SQLAccessor{db: db, created: make(map[string]bool)}, nil
}

// Collection returns a handle to a named collection, creating its table on
// first use.
func (a *SQLAccessor) Collection(name string, scope interfaces.Scope) (interfaces.RegistryStore, error) {
	if !collectionNameRe.MatchString(name) {
		return nil, fmt.Errorf("invalid collection name: %q", name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.created[name] {
		schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			hash      TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			doc       TEXT NOT NULL
		)`, name)
		if _, err := a.db.Exec(schema); err != nil {
			return nil, fmt.Errorf("failed to create collection %q: %w", name, err)
		}
		a.created[name] = true
	}

	return &sqlStore{db: a.db, table: name, scope: scope}, nil
}

// Close releases the underlying database connection.
func (a *SQLAccessor) Close() error {
	return a.db.Close()
}

type sqlStore struct {
	db    *sql.DB
	table string
	scope interfaces.Scope
}

// tenantFilter returns the WHERE fragment enforcing the scope's visibility
// and the arguments it binds.
func (s *sqlStore) tenantFilter() (string, []any) {
	if s.scope.Elevated {
		return "", nil
	}
	return " AND tenant_id = ?", []any{s.scope.TenantID}
}

func (s *sqlStore) TouchAndIncrement(ctx context.Context, hash interfaces.BlobHash, now time.Time) (json.RawMessage, error) {
	return s.applyDelta(ctx, hash, +1, now)
}

func (s *sqlStore) Decrement(ctx context.Context, hash interfaces.BlobHash, now time.Time) error {
	_, err := s.applyDelta(ctx, hash, -1, now)
	return err
}

// applyDelta runs the atomic increment/decrement as a single UPDATE. A
// missing refCount field in a legacy document counts as zero.
func (s *sqlStore) applyDelta(ctx context.Context, hash interfaces.BlobHash, delta int64, now time.Time) (json.RawMessage, error) {
	filter, filterArgs := s.tenantFilter()
	query := fmt.Sprintf(`UPDATE %s
		SET doc = json_set(doc,
			'$.refCount', COALESCE(json_extract(doc, '$.refCount'), 0) + ?,
			'$.lastSeenAt', ?)
		WHERE hash = ?%s
		RETURNING doc`, s.table, filter)

	args := append([]any{delta, now.UTC().Format(time.RFC3339Nano), hash.String()}, filterArgs...)

	var doc string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry update failed: %w", err)
	}
	return json.RawMessage(doc), nil
}

func (s *sqlStore) Insert(ctx context.Context, hash interfaces.BlobHash, doc json.RawMessage) error {
	tenantID := documentTenant(doc, s.scope)

	query := fmt.Sprintf(`INSERT INTO %s (hash, tenant_id, doc) VALUES (?, ?, ?)`, s.table)
	if _, err := s.db.ExecContext(ctx, query, hash.String(), tenantID, string(doc)); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return interfaces.ErrDuplicateBlob
		}
		return fmt.Errorf("registry insert failed: %w", err)
	}
	return nil
}

func (s *sqlStore) Replace(ctx context.Context, hash interfaces.BlobHash, doc json.RawMessage) error {
	tenantID := documentTenant(doc, s.scope)

	query := fmt.Sprintf(`INSERT INTO %s (hash, tenant_id, doc) VALUES (?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET tenant_id = excluded.tenant_id, doc = excluded.doc`, s.table)
	if _, err := s.db.ExecContext(ctx, query, hash.String(), tenantID, string(doc)); err != nil {
		return fmt.Errorf("registry replace failed: %w", err)
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, hash interfaces.BlobHash) (json.RawMessage, error) {
	filter, filterArgs := s.tenantFilter()
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE hash = ?%s`, s.table, filter)
	args := append([]any{hash.String()}, filterArgs...)

	var doc string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry lookup failed: %w", err)
	}
	return json.RawMessage(doc), nil
}

func (s *sqlStore) Orphans(ctx context.Context, limit int) ([]json.RawMessage, error) {
	filter, filterArgs := s.tenantFilter()
	query := fmt.Sprintf(`SELECT doc FROM %s
		WHERE COALESCE(json_extract(doc, '$.refCount'), 0) = 0%s
		ORDER BY hash`, s.table, filter)
	args := filterArgs
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("orphan scan failed: %w", err)
	}
	defer rows.Close()

	var orphans []json.RawMessage
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("orphan scan failed: %w", err)
		}
		orphans = append(orphans, json.RawMessage(doc))
	}
	return orphans, rows.Err()
}

func (s *sqlStore) Delete(ctx context.Context, hash interfaces.BlobHash) error {
	filter, filterArgs := s.tenantFilter()
	query := fmt.Sprintf(`DELETE FROM %s WHERE hash = ?%s`, s.table, filter)
	args := append([]any{hash.String()}, filterArgs...)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("registry delete failed: %w", err)
	}
	return nil
}

// documentTenant pulls the tenant tag off the document, falling back to the
// scope's tenant for documents that don't carry one.
func documentTenant(doc json.RawMessage, scope interfaces.Scope) string {
	var partial struct {
		TenantID string `json:"tenantId"`
	}
	if err := json.Unmarshal(doc, &partial); err == nil && partial.TenantID != "" {
		return partial.TenantID
	}
	return scope.TenantID
}
