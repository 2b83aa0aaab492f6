package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/abdplatform/blob-storage-backend/interfaces"
	"github.com/abdplatform/blob-storage-backend/metrics"
	"github.com/abdplatform/blob-storage-backend/registry"
)

// Config is the garbage collector's configuration surface.
type Config struct {
	// BatchSize caps how many orphans one sweep considers.
	BatchSize int

	// GracePeriod is how long a blob must sit at zero references before it
	// becomes deletable. This is the core safety mechanism against a
	// decrement racing an in-flight re-attach of identical content.
	GracePeriod time.Duration

	// MaxExecutionTime is the wall-clock budget per sweep. When exceeded,
	// the sweep stops early and reports partial completion; unprocessed
	// orphans stay eligible for the next run.
	MaxExecutionTime time.Duration
}

// Defaults match the production schedule the collector was tuned for:
// a daily-ish cron job with a generous safety margin.
const (
	DefaultBatchSize        = 100
	DefaultGracePeriod      = 24 * time.Hour
	DefaultMaxExecutionTime = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.MaxExecutionTime <= 0 {
		c.MaxExecutionTime = DefaultMaxExecutionTime
	}
	return c
}

// Result summarizes one sweep.
type Result struct {
	OrphansFound   int           `json:"orphansFound"`
	OrphansDeleted int           `json:"orphansDeleted"`
	BytesFreed     int64         `json:"bytesFreed"`
	Duration       time.Duration `json:"duration"`
	Errors         int           `json:"errors"`
	TimedOut       bool          `json:"timedOut"`
}

// Collector reclaims storage for content with zero active references. It
// never deletes a row that is referenced at the moment of deletion, and
// never deletes a row still inside the grace period at sweep start.
type Collector struct {
	accessor interfaces.CollectionAccessor
	router   interfaces.ProviderRouter
	audit    interfaces.AuditSink
	log      *slog.Logger
	cfg      Config

	// now is injected for deterministic tests.
	now func() time.Time
}

// New creates a collector. Zero config fields fall back to defaults.
func New(accessor interfaces.CollectionAccessor, router interfaces.ProviderRouter, audit interfaces.AuditSink, cfg Config, log *slog.Logger) *Collector {
	return &Collector{
		accessor: accessor,
		router:   router,
		audit:    audit,
		log:      log,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// WithClock overrides the collector's time source. Intended for tests.
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Sweep runs one garbage collection pass.
//
// Per-item failures (provider delete errors, unexpected row state) are
// counted and logged but never abort the sweep; any error returned here is
// fatal to the whole pass (registry unreachable, scan failure, context
// cancelled) and is also audited as such.
func (c *Collector) Sweep(ctx context.Context) (Result, error) {
	correlationID := uuid.NewString()
	start := c.now()
	scope := interfaces.Scope{
		TenantID:      interfaces.GlobalTenantID,
		CorrelationID: correlationID,
		Elevated:      true,
	}

	c.auditEvent(ctx, interfaces.AuditInfo, interfaces.ActionGCStarted,
		"Garbage collection sweep started", correlationID,
		map[string]any{"gracePeriod": c.cfg.GracePeriod.String(), "maxExecutionTime": c.cfg.MaxExecutionTime.String(), "batchSize": c.cfg.BatchSize})

	result, err := c.sweep(ctx, scope, start, correlationID)
	result.Duration = c.now().Sub(start)

	if err != nil {
		c.auditEvent(ctx, interfaces.AuditError, interfaces.ActionGCFatalError,
			fmt.Sprintf("Garbage collection sweep failed: %v", err), correlationID, nil)
		metrics.GCSweepsTotal.WithLabelValues("failed").Inc()
		return result, err
	}

	c.auditEvent(ctx, interfaces.AuditInfo, interfaces.ActionGCCompleted,
		fmt.Sprintf("GC completed: %d blobs deleted, %d bytes freed", result.OrphansDeleted, result.BytesFreed), correlationID,
		map[string]any{
			"orphansFound":   result.OrphansFound,
			"orphansDeleted": result.OrphansDeleted,
			"bytesFreed":     result.BytesFreed,
			"durationMs":     result.Duration.Milliseconds(),
			"errors":         result.Errors,
			"timedOut":       result.TimedOut,
		})
	if result.TimedOut {
		metrics.GCSweepsTotal.WithLabelValues("partial").Inc()
	} else {
		metrics.GCSweepsTotal.WithLabelValues("completed").Inc()
	}
	return result, nil
}

func (c *Collector) sweep(ctx context.Context, scope interfaces.Scope, start time.Time, correlationID string) (Result, error) {
	var result Result

	store, err := c.accessor.Collection(registry.CollectionName, scope)
	if err != nil {
		return result, fmt.Errorf("failed to open blob registry: %w", err)
	}

	rawOrphans, err := store.Orphans(ctx, c.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("orphan scan failed: %w", err)
	}
	result.OrphansFound = len(rawOrphans)

	c.auditEvent(ctx, interfaces.AuditInfo, interfaces.ActionOrphansFound,
		fmt.Sprintf("Found %d orphaned blobs", result.OrphansFound), correlationID,
		map[string]any{"orphanCount": result.OrphansFound})

	// Grace-period filter, evaluated against the sweep start time. Rows
	// that fail to decode are counted as errors and skipped; their state
	// is left untouched for a later sweep (or manual repair).
	cutoff := start.Add(-c.cfg.GracePeriod)
	var deletable []*interfaces.Blob
	for _, raw := range rawOrphans {
		blob, _, decodeErr := interfaces.DecodeBlob(raw, start)
		if decodeErr != nil {
			result.Errors++
			metrics.GCErrorsTotal.Inc()
			c.log.Error("Skipping undecodable orphan row", "err", decodeErr)
			continue
		}
		if blob.LastSeenAt.Before(cutoff) {
			deletable = append(deletable, blob)
		}
	}

	c.auditEvent(ctx, interfaces.AuditInfo, interfaces.ActionDeletableBlobsFound,
		fmt.Sprintf("%d of %d orphans are deletable (grace period passed)", len(deletable), result.OrphansFound), correlationID,
		map[string]any{"deletableCount": len(deletable), "totalOrphans": result.OrphansFound, "gracePeriod": c.cfg.GracePeriod.String()})

	for i, blob := range deletable {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if c.now().Sub(start) > c.cfg.MaxExecutionTime {
			result.TimedOut = true
			c.auditEvent(ctx, interfaces.AuditWarn, interfaces.ActionGCTimeout,
				fmt.Sprintf("GC sweep timed out after processing %d/%d blobs", i, len(deletable)), correlationID,
				map[string]any{"processedCount": i, "totalCount": len(deletable), "maxExecutionTime": c.cfg.MaxExecutionTime.String()})
			break
		}

		deleted, freed, err := c.deleteOrphan(ctx, store, blob)
		if err != nil {
			result.Errors++
			metrics.GCErrorsTotal.Inc()
			c.auditEvent(ctx, interfaces.AuditError, interfaces.ActionGCDeleteError,
				fmt.Sprintf("Failed to delete orphaned blob %s: %v", blob.Hash, err), correlationID,
				map[string]any{"hash": blob.Hash.String(), "provider": blob.Provider.String()})
			continue
		}
		if deleted {
			result.OrphansDeleted++
			result.BytesFreed += freed
			metrics.GCDeletedTotal.Inc()
			metrics.GCBytesFreedTotal.Add(float64(freed))
		}
	}

	return result, nil
}

// deleteOrphan removes one blob: defensive re-read, physical delete, then
// registry delete - in that order. If the physical delete fails the row
// survives and stays a valid candidate for a future sweep; the inverse
// (object gone, row delete fails) is acceptable because provider deletes
// are idempotent.
func (c *Collector) deleteOrphan(ctx context.Context, store interfaces.RegistryStore, blob *interfaces.Blob) (bool, int64, error) {
	raw, err := store.Get(ctx, blob.Hash)
	if err != nil {
		if errors.Is(err, interfaces.ErrBlobNotFound) {
			// Already gone; nothing to reclaim.
			return false, 0, nil
		}
		return false, 0, err
	}

	current, _, err := interfaces.DecodeBlob(raw, c.now())
	if err != nil {
		return false, 0, err
	}
	if current.RefCount > 0 {
		// Re-attached since the scan; no longer an orphan.
		c.log.Debug("Skipping re-attached blob",
			slog.String("hash", blob.Hash.String()),
			slog.Int64("refCount", current.RefCount))
		return false, 0, nil
	}

	deleter, err := c.router.DeleterFor(current.Provider)
	if err != nil {
		return false, 0, err
	}
	if err := deleter.Delete(ctx, current.ProviderID); err != nil {
		return false, 0, err
	}

	if err := store.Delete(ctx, blob.Hash); err != nil {
		return false, 0, err
	}

	c.log.Info("Deleted orphaned blob",
		slog.String("hash", blob.Hash.String()),
		slog.String("provider", current.Provider.String()),
		slog.Int64("bytesFreed", current.SizeBytes))
	return true, current.SizeBytes, nil
}

// RunPeriodic sweeps on a fixed interval until the context is cancelled.
// Sweep errors are logged and the loop continues; overlapping sweeps are
// impossible because the loop is serial.
func (c *Collector) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := c.Sweep(ctx)
			if err != nil {
				c.log.Error("Scheduled GC sweep failed", "err", err)
				continue
			}
			c.log.Info("Scheduled GC sweep finished",
				slog.Int("orphansFound", result.OrphansFound),
				slog.Int("orphansDeleted", result.OrphansDeleted),
				slog.Int64("bytesFreed", result.BytesFreed),
				slog.Duration("duration", result.Duration),
				slog.Int("errors", result.Errors))
		}
	}
}

func (c *Collector) auditEvent(ctx context.Context, level interfaces.AuditLevel, action interfaces.AuditAction, message, correlationID string, details map[string]any) {
	if c.audit == nil {
		return
	}
	c.audit.Log(ctx, interfaces.AuditEvent{
		Level:         level,
		Source:        interfaces.AuditSourceBlobGC,
		Action:        action,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		At:            c.now(),
	})
}
