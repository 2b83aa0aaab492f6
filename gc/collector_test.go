package gc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/abdplatform/blob-storage-backend/interfaces"
	"github.com/abdplatform/blob-storage-backend/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockProvider implements interfaces.StorageProvider for testing
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Upload(ctx context.Context, data []byte, filename string, scope interfaces.Scope) (interfaces.UploadResult, error) {
	args := m.Called(ctx, data, filename, scope)
	return args.Get(0).(interfaces.UploadResult), args.Error(1)
}

func (m *MockProvider) Delete(ctx context.Context, providerID string) error {
	args := m.Called(ctx, providerID)
	return args.Error(0)
}

func (m *MockProvider) Available(ctx context.Context) bool { return true }

func (m *MockProvider) Kind() interfaces.ProviderKind { return interfaces.ProviderObjectStore }

func (m *MockProvider) Name() string { return "mock-provider" }

func (m *MockProvider) LocationURI() string { return "mock:" }

// stubRouter dispatches every kind to one provider.
type stubRouter struct {
	provider interfaces.StorageProvider
}

func (r stubRouter) ProviderFor(purpose interfaces.UploadPurpose) (interfaces.StorageProvider, error) {
	return r.provider, nil
}

func (r stubRouter) DeleterFor(kind interfaces.ProviderKind) (interfaces.StorageProvider, error) {
	return r.provider, nil
}

// fakeClock is a mutable time source for deterministic grace-period and
// budget tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedBlob(t *testing.T, accessor *registry.MemoryAccessor, content string, refCount int64, lastSeen time.Time) *interfaces.Blob {
	t.Helper()
	fp := interfaces.ComputeFingerprint([]byte(content))
	blob := &interfaces.Blob{
		Hash:        fp.Hash,
		Provider:    interfaces.ProviderObjectStore,
		ProviderID:  "objects/" + fp.Hash.String(),
		URL:         "http://store.example.com/" + fp.Hash.String(),
		SecureURL:   "https://store.example.com/" + fp.Hash.String(),
		MimeType:    "application/octet-stream",
		SizeBytes:   int64(len(content)),
		RefCount:    refCount,
		TenantID:    interfaces.GlobalTenantID,
		FirstSeenAt: lastSeen,
		LastSeenAt:  lastSeen,
	}
	doc, err := interfaces.EncodeBlob(blob)
	require.NoError(t, err)

	store, err := accessor.Collection(registry.CollectionName, interfaces.Scope{TenantID: "seed", CorrelationID: "seed", Elevated: true})
	require.NoError(t, err)
	require.NoError(t, store.Replace(context.Background(), fp.Hash, doc))
	return blob
}

func getBlob(t *testing.T, accessor *registry.MemoryAccessor, hash interfaces.BlobHash) (*interfaces.Blob, error) {
	t.Helper()
	store, err := accessor.Collection(registry.CollectionName, interfaces.Scope{TenantID: "seed", CorrelationID: "seed", Elevated: true})
	require.NoError(t, err)
	raw, err := store.Get(context.Background(), hash)
	if err != nil {
		return nil, err
	}
	blob, _, err := interfaces.DecodeBlob(raw, time.Now())
	require.NoError(t, err)
	return blob, nil
}

func TestSweep_DeletesExpiredOrphans(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	accessor := registry.NewMemoryAccessor()
	provider := &MockProvider{}

	orphan := seedBlob(t, accessor, "expired orphan", 0, clock.Now().Add(-48*time.Hour))
	provider.On("Delete", mock.Anything, orphan.ProviderID).Return(nil).Once()

	collector := New(accessor, stubRouter{provider}, nil, Config{}, testLogger()).WithClock(clock.Now)
	result, err := collector.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.OrphansFound)
	assert.Equal(t, 1, result.OrphansDeleted)
	assert.Equal(t, orphan.SizeBytes, result.BytesFreed)
	assert.Zero(t, result.Errors)
	assert.False(t, result.TimedOut)

	_, err = getBlob(t, accessor, orphan.Hash)
	assert.ErrorIs(t, err, interfaces.ErrBlobNotFound)
	provider.AssertExpectations(t)
}

func TestSweep_GracePeriodProtectsRecentOrphans(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	accessor := registry.NewMemoryAccessor()
	provider := &MockProvider{}

	// Orphaned one hour ago: still inside the 24h grace period.
	fresh := seedBlob(t, accessor, "fresh orphan", 0, clock.Now().Add(-time.Hour))

	collector := New(accessor, stubRouter{provider}, nil, Config{}, testLogger()).WithClock(clock.Now)
	result, err := collector.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.OrphansFound)
	assert.Zero(t, result.OrphansDeleted)

	_, err = getBlob(t, accessor, fresh.Hash)
	assert.NoError(t, err, "a fresh orphan must survive the sweep")
	provider.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestSweep_NeverTouchesReferencedBlobs(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	accessor := registry.NewMemoryAccessor()
	provider := &MockProvider{}

	referenced := seedBlob(t, accessor, "still referenced", 3, clock.Now().Add(-72*time.Hour))

	collector := New(accessor, stubRouter{provider}, nil, Config{}, testLogger()).WithClock(clock.Now)
	result, err := collector.Sweep(context.Background())
	require.NoError(t, err)

	assert.Zero(t, result.OrphansFound)
	assert.Zero(t, result.OrphansDeleted)

	_, err = getBlob(t, accessor, referenced.Hash)
	assert.NoError(t, err)
	provider.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

// staleScanAccessor returns scan results captured before a concurrent
// re-attach, exercising the pre-delete refCount re-check.
type staleScanAccessor struct {
	*registry.MemoryAccessor
	reattach interfaces.BlobHash
	once     sync.Once
}

func (a *staleScanAccessor) Collection(name string, scope interfaces.Scope) (interfaces.RegistryStore, error) {
	store, err := a.MemoryAccessor.Collection(name, scope)
	if err != nil {
		return nil, err
	}
	return &staleScanStore{RegistryStore: store, parent: a}, nil
}

type staleScanStore struct {
	interfaces.RegistryStore
	parent *staleScanAccessor
}

func (s *staleScanStore) Orphans(ctx context.Context, limit int) ([]json.RawMessage, error) {
	orphans, err := s.RegistryStore.Orphans(ctx, limit)
	if err != nil {
		return nil, err
	}
	// Simulate a re-attach landing right after the scan.
	s.parent.once.Do(func() {
		_, _ = s.RegistryStore.TouchAndIncrement(ctx, s.parent.reattach, time.Now())
	})
	return orphans, nil
}

func TestSweep_RechecksRefCountBeforeDelete(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	provider := &MockProvider{}

	mem := registry.NewMemoryAccessor()
	reattached := seedBlob(t, mem, "reattached orphan", 0, clock.Now().Add(-48*time.Hour))
	accessor := &staleScanAccessor{MemoryAccessor: mem, reattach: reattached.Hash}

	collector := New(accessor, stubRouter{provider}, nil, Config{}, testLogger()).WithClock(clock.Now)
	result, err := collector.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.OrphansFound)
	assert.Zero(t, result.OrphansDeleted, "a re-attached blob must not be deleted")
	assert.Zero(t, result.Errors)

	blob, err := getBlob(t, mem, reattached.Hash)
	require.NoError(t, err)
	assert.Equal(t, int64(1), blob.RefCount)
	provider.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestSweep_PerItemErrorsDoNotAbort(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	accessor := registry.NewMemoryAccessor()
	provider := &MockProvider{}

	bad := seedBlob(t, accessor, "provider rejects this", 0, clock.Now().Add(-48*time.Hour))
	good := seedBlob(t, accessor, "provider accepts this", 0, clock.Now().Add(-48*time.Hour))

	provider.On("Delete", mock.Anything, bad.ProviderID).
		Return(fmt.Errorf("%w: backend offline", interfaces.ErrProviderFailure))
	provider.On("Delete", mock.Anything, good.ProviderID).Return(nil)

	collector := New(accessor, stubRouter{provider}, nil, Config{}, testLogger()).WithClock(clock.Now)
	result, err := collector.Sweep(context.Background())
	require.NoError(t, err, "per-item failures must not fail the sweep")

	assert.Equal(t, 2, result.OrphansFound)
	assert.Equal(t, 1, result.OrphansDeleted)
	assert.Equal(t, 1, result.Errors)

	// The failed row survives for the next sweep; delete ordering means no
	// registry row is removed before its object.
	_, err = getBlob(t, accessor, bad.Hash)
	assert.NoError(t, err)
	_, err = getBlob(t, accessor, good.Hash)
	assert.ErrorIs(t, err, interfaces.ErrBlobNotFound)
}

func TestSweep_StopsAtTimeBudget(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	accessor := registry.NewMemoryAccessor()
	provider := &MockProvider{}

	for i := 0; i < 3; i++ {
		seedBlob(t, accessor, fmt.Sprintf("budgeted orphan %d", i), 0, clock.Now().Add(-48*time.Hour))
	}

	// Each physical delete burns more than the whole budget.
	provider.On("Delete", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { clock.Advance(10 * time.Minute) }).
		Return(nil)

	collector := New(accessor, stubRouter{provider}, nil, Config{}, testLogger()).WithClock(clock.Now)
	result, err := collector.Sweep(context.Background())
	require.NoError(t, err)

	assert.True(t, result.TimedOut)
	assert.Equal(t, 3, result.OrphansFound)
	assert.Equal(t, 1, result.OrphansDeleted, "the budget check runs before each item")
}

func TestSweep_SkipsUndecodableRows(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	accessor := registry.NewMemoryAccessor()
	provider := &MockProvider{}

	hash := interfaces.ComputeFingerprint([]byte("undecodable")).Hash
	store, err := accessor.Collection(registry.CollectionName, interfaces.Scope{TenantID: "seed", CorrelationID: "seed", Elevated: true})
	require.NoError(t, err)
	// Valid JSON, zero refCount, but no usable identity or provider id.
	require.NoError(t, store.Replace(context.Background(), hash, json.RawMessage(`{"refCount":0,"url":"http://x"}`)))

	collector := New(accessor, stubRouter{provider}, nil, Config{}, testLogger()).WithClock(clock.Now)
	result, err := collector.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.OrphansFound)
	assert.Zero(t, result.OrphansDeleted)
	assert.Equal(t, 1, result.Errors)
	provider.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

// failingAccessor always fails to open the collection.
type failingAccessor struct{}

func (failingAccessor) Collection(name string, scope interfaces.Scope) (interfaces.RegistryStore, error) {
	return nil, errors.New("registry unreachable")
}

func TestSweep_FatalErrorOnRegistryFailure(t *testing.T) {
	sink := &captureSink{}
	collector := New(failingAccessor{}, stubRouter{&MockProvider{}}, sink, Config{}, testLogger())

	_, err := collector.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry unreachable")

	assert.Contains(t, sink.actions(), interfaces.ActionGCFatalError)
}

func TestSweep_AuditTrail(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	accessor := registry.NewMemoryAccessor()
	provider := &MockProvider{}
	sink := &captureSink{}

	orphan := seedBlob(t, accessor, "audited orphan", 0, clock.Now().Add(-48*time.Hour))
	provider.On("Delete", mock.Anything, orphan.ProviderID).Return(nil).Once()

	collector := New(accessor, stubRouter{provider}, sink, Config{}, testLogger()).WithClock(clock.Now)
	_, err := collector.Sweep(context.Background())
	require.NoError(t, err)

	actions := sink.actions()
	assert.Equal(t, []interfaces.AuditAction{
		interfaces.ActionGCStarted,
		interfaces.ActionOrphansFound,
		interfaces.ActionDeletableBlobsFound,
		interfaces.ActionGCCompleted,
	}, actions)

	for _, e := range sink.events() {
		assert.Equal(t, interfaces.AuditSourceBlobGC, e.Source)
		assert.NotEmpty(t, e.CorrelationID)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultGracePeriod, cfg.GracePeriod)
	assert.Equal(t, DefaultMaxExecutionTime, cfg.MaxExecutionTime)

	custom := Config{BatchSize: 5, GracePeriod: time.Hour, MaxExecutionTime: time.Minute}.withDefaults()
	assert.Equal(t, 5, custom.BatchSize)
	assert.Equal(t, time.Hour, custom.GracePeriod)
	assert.Equal(t, time.Minute, custom.MaxExecutionTime)
}

// captureSink records audit events for assertions.
type captureSink struct {
	mu     sync.Mutex
	logged []interfaces.AuditEvent
}

func (s *captureSink) Log(ctx context.Context, event interfaces.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logged = append(s.logged, event)
}

func (s *captureSink) actions() []interfaces.AuditAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := make([]interfaces.AuditAction, 0, len(s.logged))
	for _, e := range s.logged {
		actions = append(actions, e.Action)
	}
	return actions
}

func (s *captureSink) events() []interfaces.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]interfaces.AuditEvent(nil), s.logged...)
}
