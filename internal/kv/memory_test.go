package kv_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stronghold/internal/kv"
)

func TestMemoryStore_SetNX_ExactlyOneWinner(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	const racers = 50
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			ok, err := store.SetNX(ctx, "nonce:shared", []byte("v"), time.Hour)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins, "exactly one caller must win the claim (spec I2/P2)")
}

func TestMemoryStore_GetAfterSet(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "idempotency:pid", []byte(`{"a":1}`), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	value, found, err := store.Get(ctx, "idempotency:pid")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"a":1}`, string(value))
}

func TestMemoryStore_ExpiredEntryIsReclaimable(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "nonce:x", []byte("v1"), time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	_, found, err := store.Get(ctx, "nonce:x")
	require.NoError(t, err)
	assert.False(t, found, "expired entries must read as absent (fail-open reads)")

	ok, err = store.SetNX(ctx, "nonce:x", []byte("v2"), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "an expired pending claim must be reclaimable (spec I4)")
}

func TestMemoryStore_Delete(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	_, err := store.SetNX(ctx, "nonce:y", []byte("v"), time.Hour)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "nonce:y"))

	ok, err := store.SetNX(ctx, "nonce:y", []byte("v2"), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "a released nonce must be claimable again (spec P5)")
}
