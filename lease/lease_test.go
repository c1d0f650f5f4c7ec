package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusvec/cumulus/blobstore"
	"github.com/cumulusvec/cumulus/errs"
)

func TestAcquireReleaseAcquire(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	a := NewManager(store, time.Second)
	lease, err := a.Acquire(ctx, "docs", "embeddings")
	require.NoError(t, err)

	b := NewManager(store, time.Second)
	_, err = b.Acquire(ctx, "docs", "embeddings")
	assert.True(t, errs.IsConflict(err))

	require.NoError(t, lease.Release(ctx))

	_, err = b.Acquire(ctx, "docs", "embeddings")
	require.NoError(t, err)
}

func TestAcquireIsReentrantForSameOwner(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	m := NewManager(store, time.Second)
	_, err := m.Acquire(ctx, "docs", "embeddings")
	require.NoError(t, err)

	// Same worker, e.g. after a crashed cycle: acquire succeeds again.
	_, err = m.Acquire(ctx, "docs", "embeddings")
	require.NoError(t, err)
}

func TestStaleLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	dead := NewManager(store, time.Second)
	base := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	dead.now = func() time.Time { return base }
	_, err := dead.Acquire(ctx, "docs", "embeddings")
	require.NoError(t, err)

	successor := NewManager(store, time.Second)
	successor.now = func() time.Time { return base.Add(5 * time.Second) } // > 2*ttl
	lease, err := successor.Acquire(ctx, "docs", "embeddings")
	require.NoError(t, err)
	require.NotNil(t, lease)

	// The dead owner's renew must now fail.
	deadLease := &Lease{mgr: dead, bucket: "docs", index: "embeddings"}
	err = deadLease.Renew(ctx)
	assert.True(t, errs.IsConflict(err))
}

func TestFreshLeaseIsNotTakenOver(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	holder := NewManager(store, time.Minute)
	_, err := holder.Acquire(ctx, "docs", "embeddings")
	require.NoError(t, err)

	contender := NewManager(store, time.Minute)
	_, err = contender.Acquire(ctx, "docs", "embeddings")
	assert.True(t, errs.IsConflict(err))
}

func TestRenewExtendsLease(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	holder := NewManager(store, time.Second)
	base := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	clock := base
	holder.now = func() time.Time { return clock }
	lease, err := holder.Acquire(ctx, "docs", "embeddings")
	require.NoError(t, err)

	clock = base.Add(1500 * time.Millisecond)
	require.NoError(t, lease.Renew(ctx))

	// A contender at base+2.5s sees the renewal at +1.5s, still fresh.
	contender := NewManager(store, time.Second)
	contender.now = func() time.Time { return base.Add(2500 * time.Millisecond) }
	_, err = contender.Acquire(ctx, "docs", "embeddings")
	assert.True(t, errs.IsConflict(err))
}

func TestReleaseOfStolenLeaseIsNoop(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	dead := NewManager(store, time.Second)
	base := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	dead.now = func() time.Time { return base }
	oldLease, err := dead.Acquire(ctx, "docs", "embeddings")
	require.NoError(t, err)

	successor := NewManager(store, time.Second)
	successor.now = func() time.Time { return base.Add(5 * time.Second) }
	_, err = successor.Acquire(ctx, "docs", "embeddings")
	require.NoError(t, err)

	// Old holder releasing must not drop the successor's lease.
	require.NoError(t, oldLease.Release(ctx))

	third := NewManager(store, time.Second)
	third.now = func() time.Time { return base.Add(5 * time.Second) }
	_, err = third.Acquire(ctx, "docs", "embeddings")
	assert.True(t, errs.IsConflict(err))
}
