package blobstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cumulusvec/cumulus/errs"
)

// MemoryStore is an in-memory Store implementation for tests. Thread-safe;
// PutIfAbsent is atomic, which is what the lease and counter tests rely on.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject

	// FailNext makes the next matching operation fail with a transient
	// error. Used by retry and quarantine tests.
	failMu   sync.Mutex
	failures map[string]int
}

type memoryObject struct {
	data     []byte
	etag     string
	modified time.Time
}

// NewMemoryStore creates a new in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:  make(map[string]memoryObject),
		failures: make(map[string]int),
	}
}

// FailNext arranges for the next n operations on key to fail transiently.
// Put, PutIfAbsent, Get, GetRange and Delete consume the injected failures;
// Head and List ignore them.
func (m *MemoryStore) FailNext(key string, n int) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.failures[key] = n
}

func (m *MemoryStore) maybeFail(op, key string) error {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	if n := m.failures[key]; n > 0 {
		m.failures[key] = n - 1
		return errs.Newf(errs.KindTransient, op, "injected failure for %s", key)
	}
	return nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.maybeFail("blobstore.put", key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(key, data)
	return nil
}

func (m *MemoryStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.maybeFail("blobstore.put_if_absent", key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[key]; exists {
		return errs.Newf(errs.KindConflict, "blobstore.put_if_absent", "object %s exists", key)
	}
	m.store(key, data)
	return nil
}

func (m *MemoryStore) store(key string, data []byte) {
	copied := make([]byte, len(data))
	copy(copied, data)
	m.objects[key] = memoryObject{
		data:     copied,
		etag:     fmt.Sprintf("%d-%d", len(copied), time.Now().UnixNano()),
		modified: time.Now().UTC(),
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	return m.GetRange(ctx, key, 0, -1)
}

func (m *MemoryStore) GetRange(ctx context.Context, key string, off, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.maybeFail("blobstore.get", key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "blobstore.get", "object %s", key)
	}
	if off < 0 || off > int64(len(obj.data)) {
		return nil, errs.Newf(errs.KindValidation, "blobstore.get", "range start %d out of bounds for %s", off, key)
	}
	end := int64(len(obj.data))
	if length >= 0 && off+length < end {
		end = off + length
	}
	copied := make([]byte, end-off)
	copy(copied, obj.data[off:end])
	return copied, nil
}

func (m *MemoryStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, errs.Newf(errs.KindNotFound, "blobstore.head", "object %s", key)
	}
	return ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ETag:         obj.etag,
		LastModified: obj.modified,
	}, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.maybeFail("blobstore.delete", key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
