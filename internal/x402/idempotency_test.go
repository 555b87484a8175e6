package x402_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stronghold/internal/kv"
	"stronghold/internal/x402"
)

// P3: after Put succeeds, Get returns the same record byte-for-byte.
func TestIdempotencyCache_GetAfterPut(t *testing.T) {
	cache := x402.NewIdempotencyCache(kv.NewMemoryStore())
	ctx := context.Background()

	record := x402.IdempotencyRecord{
		TimestampMs: 1000,
		Response: x402.IdempotencyResponseCache{
			PaymentResponseHeader: "base64-header-value",
			Settlement:            x402.SettlementReceipt{TxHash: "0xabc", Network: "eip155:8453"},
		},
	}
	require.NoError(t, cache.Put(ctx, "test-payment-id-12345678", record))

	got, found, err := cache.Get(ctx, "test-payment-id-12345678")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, record, got)
}

func TestIdempotencyCache_GetMissReturnsNotFound(t *testing.T) {
	cache := x402.NewIdempotencyCache(kv.NewMemoryStore())

	_, found, err := cache.Get(context.Background(), "no-such-payment-id-000000")
	require.NoError(t, err)
	assert.False(t, found)
}
