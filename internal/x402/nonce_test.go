package x402_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stronghold/internal/kv"
	"stronghold/internal/x402"
)

func TestDeriveKey(t *testing.T) {
	evmPayload := &x402.PaymentPayload{
		Payload: x402.InnerPayload{EVMPayload: x402.EVMPayload{Authorization: x402.EVMAuthorization{Nonce: "0xdeadbeef"}}},
	}
	key, ok := x402.DeriveKey(evmPayload, x402.VMEVM, false)
	require.True(t, ok)
	assert.Equal(t, "evm:0xdeadbeef", key)

	_, ok = x402.DeriveKey(evmPayload, x402.VMEVM, true)
	assert.False(t, ok, "evm-facilitator owns no gateway-side nonce record")

	svmPayload := &x402.PaymentPayload{
		Payload: x402.InnerPayload{SVMPayload: x402.SVMPayload{Transaction: "same-tx-bytes"}},
	}
	svmKey1, ok := x402.DeriveKey(svmPayload, x402.VMSVM, false)
	require.True(t, ok)
	svmKey2, _ := x402.DeriveKey(svmPayload, x402.VMSVM, false)
	assert.Equal(t, svmKey1, svmKey2)
	assert.Contains(t, svmKey1, "svm:")
}

// P2: exactly one of N concurrent claims on the same key succeeds.
func TestNonceCoordinator_Claim_ExactlyOneWinner(t *testing.T) {
	coordinator := x402.NewNonceCoordinator(kv.NewMemoryStore())
	ctx := context.Background()

	const racers = 40
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			ok, err := coordinator.Claim(ctx, "shared-key", x402.NonceRecord{})
			require.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins)
}

// P5: after Release, a subsequent claim on the same key succeeds.
func TestNonceCoordinator_ReleaseAllowsReclaim(t *testing.T) {
	coordinator := x402.NewNonceCoordinator(kv.NewMemoryStore())
	ctx := context.Background()

	ok, err := coordinator.Claim(ctx, "k", x402.NonceRecord{})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = coordinator.Claim(ctx, "k", x402.NonceRecord{})
	require.NoError(t, err)
	assert.False(t, ok, "a second claim before release must fail")

	require.NoError(t, coordinator.Release(ctx, "k"))

	ok, err = coordinator.Claim(ctx, "k", x402.NonceRecord{})
	require.NoError(t, err)
	assert.True(t, ok, "released key must be reclaimable")
}

func TestNonceCoordinator_ConfirmPromotesStatus(t *testing.T) {
	coordinator := x402.NewNonceCoordinator(kv.NewMemoryStore())
	ctx := context.Background()

	ok, err := coordinator.Claim(ctx, "k", x402.NonceRecord{Network: "eip155:8453", Payer: "0xabc"})
	require.NoError(t, err)
	require.True(t, ok)

	record, found, err := coordinator.Lookup(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, x402.NonceStatusPending, record.Status)

	bn := uint64(99)
	err = coordinator.Confirm(ctx, "k", x402.SettlementReceipt{TxHash: "0xtx", BlockNumber: &bn}, record)
	require.NoError(t, err)

	record, found, err = coordinator.Lookup(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, x402.NonceStatusConfirmed, record.Status)
	assert.Equal(t, "0xtx", record.TxHash)

	// Confirmed claims cannot be reclaimed: I1.
	ok, err = coordinator.Claim(ctx, "k", x402.NonceRecord{})
	require.NoError(t, err)
	assert.False(t, ok)
}
