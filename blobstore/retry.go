package blobstore

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/cumulusvec/cumulus/errs"
)

// RetryPolicy bounds the exponential backoff applied to transient failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// DefaultRetryPolicy is 6 attempts, 100ms base, 10s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 6,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Retrying wraps a Store and retries transient failures with full-jitter
// exponential backoff. Validation, NotFound and Conflict pass through
// untouched. An optional rate limiter caps the request rate against the
// store, counting retries as requests.
type Retrying struct {
	inner   Store
	policy  RetryPolicy
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

// RetryOption configures a Retrying store.
type RetryOption func(*Retrying)

// WithRateLimit caps outgoing requests at rps with the given burst.
func WithRateLimit(rps float64, burst int) RetryOption {
	return func(r *Retrying) {
		r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithPolicy overrides the default retry policy.
func WithPolicy(p RetryPolicy) RetryOption {
	return func(r *Retrying) { r.policy = p }
}

// NewRetrying wraps inner with the default policy.
func NewRetrying(inner Store, opts ...RetryOption) *Retrying {
	r := &Retrying{
		inner:  inner,
		policy: DefaultRetryPolicy(),
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Retrying) do(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if serr := r.sleep(ctx, r.backoff(attempt)); serr != nil {
				return serr
			}
		}
		if r.limiter != nil {
			if lerr := r.limiter.Wait(ctx); lerr != nil {
				return lerr
			}
		}

		err = op()
		if err == nil || !errs.Retryable(err) {
			return err
		}
	}
	return err
}

// backoff computes the full-jitter delay for the given attempt (1-based).
func (r *Retrying) backoff(attempt int) time.Duration {
	d := r.policy.BaseDelay << (attempt - 1)
	if d > r.policy.MaxDelay || d <= 0 {
		d = r.policy.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

func (r *Retrying) Put(ctx context.Context, key string, data []byte) error {
	return r.do(ctx, func() error { return r.inner.Put(ctx, key, data) })
}

func (r *Retrying) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	return r.do(ctx, func() error { return r.inner.PutIfAbsent(ctx, key, data) })
}

func (r *Retrying) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.do(ctx, func() error {
		var err error
		out, err = r.inner.Get(ctx, key)
		return err
	})
	return out, err
}

func (r *Retrying) GetRange(ctx context.Context, key string, off, length int64) ([]byte, error) {
	var out []byte
	err := r.do(ctx, func() error {
		var err error
		out, err = r.inner.GetRange(ctx, key, off, length)
		return err
	})
	return out, err
}

func (r *Retrying) Head(ctx context.Context, key string) (ObjectInfo, error) {
	var out ObjectInfo
	err := r.do(ctx, func() error {
		var err error
		out, err = r.inner.Head(ctx, key)
		return err
	})
	return out, err
}

func (r *Retrying) Delete(ctx context.Context, key string) error {
	return r.do(ctx, func() error { return r.inner.Delete(ctx, key) })
}

func (r *Retrying) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := r.do(ctx, func() error {
		var err error
		out, err = r.inner.List(ctx, prefix)
		return err
	})
	return out, err
}
