package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/cumulusvec/cumulus/blobstore"
	"github.com/cumulusvec/cumulus/errs"
)

// Counter assigns monotone slice numbers for one index using only the
// conditional-create primitive: value N is owned by whoever creates the
// claim object `raw/.counter.{N}`. A hint object `raw/.counter` remembers
// the last assigned value so the claim loop starts near the tip instead of
// scanning from 1. Claims are permanent markers, never released, so a value
// cannot be reissued after its slice is reclaimed.
type Counter struct {
	store  blobstore.Store
	bucket string
	index  string
}

// NewCounter creates a Counter for (bucket, index).
func NewCounter(store blobstore.Store, bucket, index string) *Counter {
	return &Counter{store: store, bucket: bucket, index: index}
}

type counterHint struct {
	Last uint64 `json:"last"`
}

func (c *Counter) hintKey() string {
	return path.Join(c.bucket, c.index, "raw", ".counter")
}

// ClaimKey returns the claim object key for value n.
func (c *Counter) ClaimKey(n uint64) string {
	return path.Join(c.bucket, c.index, "raw", fmt.Sprintf(".counter.%020d", n))
}

// IsCounterKey reports whether a key under raw/ belongs to the counter
// machinery rather than to a slice object.
func IsCounterKey(key string) bool {
	base := path.Base(key)
	return len(base) > 0 && base[0] == '.'
}

// Next assigns and returns the next counter value. Safe under concurrent
// writers: losers of a claim race simply move one value up.
func (c *Counter) Next(ctx context.Context) (uint64, error) {
	next := uint64(1)
	if data, err := c.store.Get(ctx, c.hintKey()); err == nil {
		var hint counterHint
		if json.Unmarshal(data, &hint) == nil {
			next = hint.Last + 1
		}
	} else if !errs.IsNotFound(err) {
		return 0, err
	}

	for {
		err := c.store.PutIfAbsent(ctx, c.ClaimKey(next), nil)
		if err == nil {
			break
		}
		if !errs.IsConflict(err) {
			return 0, err
		}
		next++
	}

	// Hint update is best effort; a stale hint only lengthens the next
	// claim loop.
	if data, err := json.Marshal(counterHint{Last: next}); err == nil {
		_ = c.store.Put(ctx, c.hintKey(), data)
	}
	return next, nil
}

// CounterValue extracts the counter component from a slice id.
func CounterValue(sliceID string) (uint64, error) {
	var n uint64
	if _, err := fmt.Sscanf(sliceID, "%d-", &n); err != nil {
		return 0, errs.Newf(errs.KindValidation, "ingest.counter", "slice id %q has no counter prefix", sliceID)
	}
	return n, nil
}
