package x402

import (
	"context"
	"encoding/json"
	"fmt"

	"stronghold/internal/kv"
)

// IdempotencyCache lets a client-chosen paymentId short-circuit a repeated
// request to the same already-settled payment (spec §4.9, I3, P3/P6).
type IdempotencyCache struct {
	store kv.Store
}

// NewIdempotencyCache wraps a kv.Store with the idempotency lifecycle.
func NewIdempotencyCache(store kv.Store) *IdempotencyCache {
	return &IdempotencyCache{store: store}
}

// Get returns the stored record for paymentId, if present and unexpired.
func (c *IdempotencyCache) Get(ctx context.Context, paymentID string) (IdempotencyRecord, bool, error) {
	raw, found, err := c.store.Get(ctx, idempotencyStoreKey(paymentID))
	if err != nil || !found {
		return IdempotencyRecord{}, false, err
	}
	var record IdempotencyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("unmarshal idempotency record: %w", err)
	}
	return record, true, nil
}

// Put unconditionally writes a response record, overwriting any prior
// record for the same paymentId, with a fixed TTL.
func (c *IdempotencyCache) Put(ctx context.Context, paymentID string, record IdempotencyRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if err := c.store.Delete(ctx, idempotencyStoreKey(paymentID)); err != nil {
		return err
	}
	_, err = c.store.SetNX(ctx, idempotencyStoreKey(paymentID), value, IdempotencyTTL)
	return err
}

func idempotencyStoreKey(paymentID string) string {
	return "x402:idempotency:" + paymentID
}
