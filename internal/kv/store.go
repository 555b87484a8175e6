// Package kv provides the durable nonce/idempotency store the payment
// middleware depends on: SET-if-absent with TTL, GET, DEL (spec §3/§7).
// The Postgres-backed Store follows internal/db's pool-wrapping idiom;
// an in-memory Store is provided for unit tests.
package kv

import (
	"context"
	"time"
)

// Store is the KV backend contract the nonce coordinator and idempotency
// cache depend on. Implementations must make SetNX atomic: under
// concurrent callers racing the same key, exactly one call may observe
// (true, nil) (spec I2 / P2).
type Store interface {
	// SetNX sets key to value with the given TTL if and only if no
	// unexpired entry exists for key. Returns true iff this call set it.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Get returns the value for key, or ok=false if absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Delete unconditionally removes key.
	Delete(ctx context.Context, key string) error
}
