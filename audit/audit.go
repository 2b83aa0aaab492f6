// Package audit provides fire-and-forget sinks for the append-only audit
// log. Sink failures are logged and swallowed; no blob lifecycle logic
// depends on the audit trail being written.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/abdplatform/blob-storage-backend/interfaces"
	_ "modernc.org/sqlite"
)

// SlogSink writes audit events to a structured logger.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink creates a sink emitting audit events as log records.
func NewSlogSink(log *slog.Logger) *SlogSink {
	return &SlogSink{log: log}
}

// Log implements interfaces.AuditSink.
func (s *SlogSink) Log(ctx context.Context, event interfaces.AuditEvent) {
	attrs := []any{
		slog.String("source", event.Source),
		slog.String("action", string(event.Action)),
		slog.String("correlation_id", event.CorrelationID),
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, slog.Any("details", event.Details))
	}

	switch event.Level {
	case interfaces.AuditError:
		s.log.Error(event.Message, attrs...)
	case interfaces.AuditWarn:
		s.log.Warn(event.Message, attrs...)
	default:
		s.log.Info(event.Message, attrs...)
	}
}

// SQLSink appends audit events to a SQLite table. Write failures are
// logged, never returned.
type SQLSink struct {
	db  *sql.DB
	log *slog.Logger
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	at             TEXT NOT NULL,
	level          TEXT NOT NULL,
	source         TEXT NOT NULL,
	action         TEXT NOT NULL,
	message        TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	details        TEXT
);`

// OpenSQLSink opens (or creates) the audit database at path.
func OpenSQLSink(path string, log *slog.Logger) (*SQLSink, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(auditSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}

	return &SQLSink{db: db, log: log}, nil
}

// Log implements interfaces.AuditSink.
func (s *SQLSink) Log(ctx context.Context, event interfaces.AuditEvent) {
	at := event.At
	if at.IsZero() {
		at = time.Now()
	}

	var details []byte
	if len(event.Details) > 0 {
		details, _ = json.Marshal(event.Details)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (at, level, source, action, message, correlation_id, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		at.UTC().Format(time.RFC3339Nano), string(event.Level), event.Source,
		string(event.Action), event.Message, event.CorrelationID, string(details))
	if err != nil {
		s.log.Warn("Failed to append audit event",
			slog.String("action", string(event.Action)),
			"err", err)
	}
}

// Close releases the underlying database connection.
func (s *SQLSink) Close() error {
	return s.db.Close()
}

// MultiSink fans an event out to several sinks.
type MultiSink []interfaces.AuditSink

// Log implements interfaces.AuditSink.
func (m MultiSink) Log(ctx context.Context, event interfaces.AuditEvent) {
	for _, sink := range m {
		sink.Log(ctx, event)
	}
}
