package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/abdplatform/blob-storage-backend/interfaces"
)

// MemoryAccessor is an in-memory CollectionAccessor. It backs tests and
// single-process deployments; every collection handle shares one mutex, so
// the document operations have the same atomicity guarantees as the SQL
// store.
type MemoryAccessor struct {
	mu          sync.Mutex
	collections map[string]map[interfaces.BlobHash]json.RawMessage
}

// NewMemoryAccessor creates an empty in-memory accessor.
func NewMemoryAccessor() *MemoryAccessor {
	return &MemoryAccessor{
		collections: make(map[string]map[interfaces.BlobHash]json.RawMessage),
	}
}

// Collection returns a handle to a named collection. The blob registry is
// globally visible, so handles require an elevated scope.
func (a *MemoryAccessor) Collection(name string, scope interfaces.Scope) (interfaces.RegistryStore, error) {
	if !scope.Elevated {
		return nil, fmt.Errorf("%w: collection %q requires elevated visibility", interfaces.ErrScopeDenied, name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	docs, ok := a.collections[name]
	if !ok {
		docs = make(map[interfaces.BlobHash]json.RawMessage)
		a.collections[name] = docs
	}
	return &memoryStore{mu: &a.mu, docs: docs}, nil
}

type memoryStore struct {
	mu   *sync.Mutex
	docs map[interfaces.BlobHash]json.RawMessage
}

// refCountDocument is the slice of the stored document the atomic
// operations touch.
type refCountDocument struct {
	RefCount   *int64    `json:"refCount"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

func (s *memoryStore) TouchAndIncrement(ctx context.Context, hash interfaces.BlobHash, now time.Time) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.docs[hash]
	if !ok {
		return nil, interfaces.ErrBlobNotFound
	}

	updated, err := patchRefCount(raw, +1, now)
	if err != nil {
		return nil, err
	}
	s.docs[hash] = updated
	return append(json.RawMessage(nil), updated...), nil
}

func (s *memoryStore) Decrement(ctx context.Context, hash interfaces.BlobHash, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.docs[hash]
	if !ok {
		return interfaces.ErrBlobNotFound
	}

	updated, err := patchRefCount(raw, -1, now)
	if err != nil {
		return err
	}
	s.docs[hash] = updated
	return nil
}

func (s *memoryStore) Insert(ctx context.Context, hash interfaces.BlobHash, doc json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[hash]; ok {
		return interfaces.ErrDuplicateBlob
	}
	s.docs[hash] = append(json.RawMessage(nil), doc...)
	return nil
}

func (s *memoryStore) Replace(ctx context.Context, hash interfaces.BlobHash, doc json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[hash] = append(json.RawMessage(nil), doc...)
	return nil
}

func (s *memoryStore) Get(ctx context.Context, hash interfaces.BlobHash) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.docs[hash]
	if !ok {
		return nil, interfaces.ErrBlobNotFound
	}
	return append(json.RawMessage(nil), raw...), nil
}

func (s *memoryStore) Orphans(ctx context.Context, limit int) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orphans []json.RawMessage
	for _, raw := range s.docs {
		var doc refCountDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		// A missing refCount field counts as zero, matching the SQL store.
		if doc.RefCount == nil || *doc.RefCount == 0 {
			orphans = append(orphans, append(json.RawMessage(nil), raw...))
			if limit > 0 && len(orphans) >= limit {
				break
			}
		}
	}
	return orphans, nil
}

func (s *memoryStore) Delete(ctx context.Context, hash interfaces.BlobHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs, hash)
	return nil
}

// patchRefCount applies the atomic read-modify-write to a stored document:
// refCount += delta (missing counts as zero), lastSeenAt = now. The rest of
// the document is preserved untouched.
func patchRefCount(raw json.RawMessage, delta int64, now time.Time) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("malformed registry document: %w", err)
	}

	var refCount int64
	if rc, ok := fields["refCount"]; ok {
		if err := json.Unmarshal(rc, &refCount); err != nil {
			return nil, fmt.Errorf("malformed refCount field: %w", err)
		}
	}
	refCount += delta

	rcRaw, _ := json.Marshal(refCount)
	seenRaw, _ := json.Marshal(now)
	fields["refCount"] = rcRaw
	fields["lastSeenAt"] = seenRaw

	updated, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return updated, nil
}
