package blobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusvec/cumulus/errs"
)

func newFastRetrying(inner Store) *Retrying {
	r := NewRetrying(inner, WithPolicy(RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
	}))
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestRetryingRecoversFromTransient(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	require.NoError(t, mem.Put(ctx, "k", []byte("v")))
	mem.FailNext("k", 2)

	r := newFastRetrying(mem)
	data, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
}

func TestRetryingExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	require.NoError(t, mem.Put(ctx, "k", []byte("v")))
	mem.FailNext("k", 10)

	r := newFastRetrying(mem)
	_, err := r.Get(ctx, "k")
	assert.True(t, errs.IsKind(err, errs.KindTransient))
}

func TestRetryingDoesNotRetryNotFound(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()

	r := newFastRetrying(mem)
	_, err := r.Get(ctx, "missing")
	assert.True(t, errs.IsNotFound(err))
}

func TestRetryingDoesNotRetryConflict(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	require.NoError(t, mem.Put(ctx, "k", []byte("a")))

	r := newFastRetrying(mem)
	err := r.PutIfAbsent(ctx, "k", []byte("b"))
	assert.True(t, errs.IsConflict(err))
}

func TestRetryingHonorsContextCancel(t *testing.T) {
	mem := NewMemoryStore()
	mem.FailNext("k", 10)

	r := NewRetrying(mem) // real sleeper, 100ms base
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffIsBounded(t *testing.T) {
	r := NewRetrying(NewMemoryStore(), WithPolicy(RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
	}))
	for attempt := 1; attempt < 8; attempt++ {
		for i := 0; i < 20; i++ {
			d := r.backoff(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, time.Second)
		}
	}
}
