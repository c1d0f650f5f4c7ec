// Package lease implements the per-index build lease: the single-writer
// token guarding manifest mutation and slice-counter assignment.
//
// The lease is a small object created with a conditional put. Holders renew
// every ttl/3; a lease whose last renewal is older than 2*ttl is considered
// abandoned and may be taken over. Takeover is delete-then-conditional-create
// and therefore racy on stores without a native conditional put; correctness
// still holds because the build path is idempotent under the temp-then-ready
// publication pattern.
package lease

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cumulusvec/cumulus/blobstore"
	"github.com/cumulusvec/cumulus/errs"
	"github.com/cumulusvec/cumulus/layout"
)

// DefaultTTL is the lease time-to-live when none is configured.
const DefaultTTL = 30 * time.Second

// record is the lease object body.
type record struct {
	OwnerID    string    `json:"ownerId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	RenewedAt  time.Time `json:"renewedAt"`
	TTL        string    `json:"ttl"`
}

// Manager acquires build leases for one worker process.
type Manager struct {
	store   blobstore.Store
	ownerID string
	ttl     time.Duration
	now     func() time.Time
}

// NewManager creates a lease manager with a fresh owner identity.
func NewManager(store blobstore.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		store:   store,
		ownerID: uuid.NewString(),
		ttl:     ttl,
		now:     time.Now,
	}
}

// OwnerID returns this manager's owner identity.
func (m *Manager) OwnerID() string { return m.ownerID }

// Lease is a held build lease.
type Lease struct {
	mgr    *Manager
	bucket string
	index  string
}

// Acquire takes the build lease for (bucket, index). Returns Conflict while
// another live holder owns it; abandoned leases are taken over.
func (m *Manager) Acquire(ctx context.Context, bucket, index string) (*Lease, error) {
	key := layout.Lease(bucket, index)

	err := m.store.PutIfAbsent(ctx, key, m.body())
	if err == nil {
		return &Lease{mgr: m, bucket: bucket, index: index}, nil
	}
	if !errs.IsConflict(err) {
		return nil, err
	}

	// Somebody holds it. Check for abandonment.
	data, getErr := m.store.Get(ctx, key)
	if getErr != nil {
		if errs.IsNotFound(getErr) {
			// Released between our put and get; try again once.
			if err := m.store.PutIfAbsent(ctx, key, m.body()); err != nil {
				return nil, err
			}
			return &Lease{mgr: m, bucket: bucket, index: index}, nil
		}
		return nil, getErr
	}

	var rec record
	if jerr := json.Unmarshal(data, &rec); jerr != nil {
		// Unreadable lease counts as abandoned.
		rec = record{}
	}
	if rec.OwnerID == m.ownerID {
		// Re-entrant acquire after a crash of our own cycle.
		return &Lease{mgr: m, bucket: bucket, index: index}, nil
	}
	if m.now().Sub(rec.RenewedAt) < 2*m.ttl {
		return nil, errs.Newf(errs.KindConflict, "lease.acquire",
			"lease on %s/%s held by %s", bucket, index, rec.OwnerID)
	}

	// Abandoned: take over.
	if derr := m.store.Delete(ctx, key); derr != nil {
		return nil, derr
	}
	if perr := m.store.PutIfAbsent(ctx, key, m.body()); perr != nil {
		return nil, perr
	}
	return &Lease{mgr: m, bucket: bucket, index: index}, nil
}

func (m *Manager) body() []byte {
	now := m.now().UTC()
	data, _ := json.Marshal(record{
		OwnerID:    m.ownerID,
		AcquiredAt: now,
		RenewedAt:  now,
		TTL:        m.ttl.String(),
	})
	return data
}

// Renew refreshes the lease. Conflict if the lease is no longer ours: the
// caller must abort its cycle rather than publish.
func (l *Lease) Renew(ctx context.Context) error {
	key := layout.Lease(l.bucket, l.index)

	data, err := l.mgr.store.Get(ctx, key)
	if err != nil {
		return err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return errs.New(errs.KindCorruption, "lease.renew", err)
	}
	if rec.OwnerID != l.mgr.ownerID {
		return errs.Newf(errs.KindConflict, "lease.renew",
			"lease on %s/%s stolen by %s", l.bucket, l.index, rec.OwnerID)
	}

	rec.RenewedAt = l.mgr.now().UTC()
	body, _ := json.Marshal(rec)
	return l.mgr.store.Put(ctx, key, body)
}

// KeepAlive renews every ttl/3 until ctx is canceled. Returns on the first
// renewal failure; the caller should abort its build cycle when that happens.
func (l *Lease) KeepAlive(ctx context.Context) error {
	ticker := time.NewTicker(l.mgr.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Renew(ctx); err != nil {
				return err
			}
		}
	}
}

// Release drops the lease if still owned. Safe to call after a failed cycle.
func (l *Lease) Release(ctx context.Context) error {
	key := layout.Lease(l.bucket, l.index)

	data, err := l.mgr.store.Get(ctx, key)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil
		}
		return err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err == nil && rec.OwnerID != l.mgr.ownerID {
		// Stolen; not ours to delete.
		return nil
	}
	return l.mgr.store.Delete(ctx, key)
}
