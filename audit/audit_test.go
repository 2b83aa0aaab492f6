package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/abdplatform/blob-storage-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(action interfaces.AuditAction, level interfaces.AuditLevel) interfaces.AuditEvent {
	return interfaces.AuditEvent{
		Level:         level,
		Source:        interfaces.AuditSourceBlobStorage,
		Action:        action,
		Message:       "test message",
		CorrelationID: "corr-1",
		Details:       map[string]any{"hash": "abc123"},
		At:            time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSlogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	sink.Log(context.Background(), testEvent(interfaces.ActionBlobRegistered, interfaces.AuditInfo))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "test message", record["msg"])
	assert.Equal(t, string(interfaces.ActionBlobRegistered), record["action"])
	assert.Equal(t, "corr-1", record["correlation_id"])
}

func TestSlogSink_Levels(t *testing.T) {
	tests := []struct {
		level    interfaces.AuditLevel
		expected string
	}{
		{interfaces.AuditInfo, "INFO"},
		{interfaces.AuditWarn, "WARN"},
		{interfaces.AuditError, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			var buf bytes.Buffer
			sink := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
			sink.Log(context.Background(), testEvent(interfaces.ActionGCStarted, tt.level))

			var record map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
			assert.Equal(t, tt.expected, record["level"])
		})
	}
}

func TestSQLSink_AppendsEvents(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink, err := OpenSQLSink(filepath.Join(t.TempDir(), "audit.sqlite"), log)
	require.NoError(t, err)
	defer sink.Close()

	sink.Log(context.Background(), testEvent(interfaces.ActionBlobDeduplicated, interfaces.AuditInfo))
	sink.Log(context.Background(), testEvent(interfaces.ActionGCCompleted, interfaces.AuditInfo))

	var count int
	require.NoError(t, sink.db.QueryRow(`SELECT COUNT(*) FROM audit_events`).Scan(&count))
	assert.Equal(t, 2, count)

	var action, correlation, details string
	require.NoError(t, sink.db.QueryRow(
		`SELECT action, correlation_id, details FROM audit_events ORDER BY id LIMIT 1`).
		Scan(&action, &correlation, &details))
	assert.Equal(t, string(interfaces.ActionBlobDeduplicated), action)
	assert.Equal(t, "corr-1", correlation)
	assert.JSONEq(t, `{"hash":"abc123"}`, details)
}

func TestSQLSink_SwallowsWriteFailures(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink, err := OpenSQLSink(filepath.Join(t.TempDir(), "audit.sqlite"), log)
	require.NoError(t, err)

	// A closed database makes every insert fail; Log must not panic and
	// must not surface the error.
	require.NoError(t, sink.Close())
	sink.Log(context.Background(), testEvent(interfaces.ActionGCStarted, interfaces.AuditInfo))
}

// countingSink counts received events.
type countingSink struct {
	mu    sync.Mutex
	count int
}

func (s *countingSink) Log(ctx context.Context, event interfaces.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
}

func TestMultiSink(t *testing.T) {
	first := &countingSink{}
	second := &countingSink{}
	multi := MultiSink{first, second}

	multi.Log(context.Background(), testEvent(interfaces.ActionGCStarted, interfaces.AuditInfo))
	multi.Log(context.Background(), testEvent(interfaces.ActionGCCompleted, interfaces.AuditInfo))

	assert.Equal(t, 2, first.count)
	assert.Equal(t, 2, second.count)
}
