package svmfacilitator

import (
	"context"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stronghold/internal/x402"
)

func testNetwork() x402.NetworkDescriptor {
	return x402.NetworkDescriptor{
		VM:        x402.VMSVM,
		NetworkID: "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdpKuc147dw2N9d",
		Token:     x402.TokenDescriptor{Address: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6},
	}
}

func testRoute() x402.RouteDescriptor {
	return x402.RouteDescriptor{PayToSol: "11111111111111111111111111111111"}
}

func TestAdapter_Verify_RejectsUndecodableTransaction(t *testing.T) {
	adapter := New("https://api.mainnet-beta.solana.com", "")

	payload := &x402.PaymentPayload{Payload: x402.InnerPayload{SVMPayload: x402.SVMPayload{Transaction: "not-base64!!"}}}

	result, err := adapter.Verify(context.Background(), payload, testRoute(), testNetwork())
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Reason, "invalid transaction encoding")
}

func TestAdapter_DeriveNonceKey_HashesRawTransactionBytes(t *testing.T) {
	adapter := New("https://api.mainnet-beta.solana.com", "")

	payload := &x402.PaymentPayload{Payload: x402.InnerPayload{SVMPayload: x402.SVMPayload{Transaction: "same-bytes"}}}

	key1, ok1 := adapter.DeriveNonceKey(payload)
	key2, ok2 := adapter.DeriveNonceKey(payload)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, key1, key2, "hashing the same transaction bytes twice must derive the same key")

	other := &x402.PaymentPayload{Payload: x402.InnerPayload{SVMPayload: x402.SVMPayload{Transaction: "different-bytes"}}}
	key3, _ := adapter.DeriveNonceKey(other)
	assert.NotEqual(t, key1, key3)
}

func TestAdapter_FeePayerAddress_InvalidKeyErrors(t *testing.T) {
	adapter := New("https://api.mainnet-beta.solana.com", "not-a-valid-base58-key")

	_, err := adapter.FeePayerAddress()
	require.Error(t, err)
}

// The signer is initialized once and shared across every caller, including
// concurrent first-callers (spec §5): every goroutine must observe the
// same resulting fee payer address.
func TestAdapter_FeePayerAddress_SingleFlightAcrossConcurrentCallers(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	adapter := New("https://api.mainnet-beta.solana.com", key.String())

	const callers = 25
	addrs := make([]string, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(idx int) {
			defer wg.Done()
			addr, err := adapter.FeePayerAddress()
			require.NoError(t, err)
			addrs[idx] = addr
		}(i)
	}
	wg.Wait()

	want := key.PublicKey().String()
	for _, addr := range addrs {
		assert.Equal(t, want, addr)
	}
}
