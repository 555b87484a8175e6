package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"stronghold/internal/x402"
)

func TestCalculateBackoff(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
		{5, 160 * time.Second},
		{6, 5 * time.Minute},
		{10, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := calculateBackoff(tc.attempts); got != tc.want {
			t.Errorf("calculateBackoff(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}

// fakeAdapter lets tests control whether a retried settlement succeeds.
type fakeAdapter struct {
	err   error
	calls int
}

func (f *fakeAdapter) Verify(ctx context.Context, payload *x402.PaymentPayload, route x402.RouteDescriptor, network x402.NetworkDescriptor) (x402.VerifyResult, error) {
	return x402.VerifyResult{Valid: true}, nil
}

func (f *fakeAdapter) Settle(ctx context.Context, payload *x402.PaymentPayload, route x402.RouteDescriptor, network x402.NetworkDescriptor) (x402.SettlementReceipt, error) {
	f.calls++
	if f.err != nil {
		return x402.SettlementReceipt{}, f.err
	}
	return x402.SettlementReceipt{TxHash: "0xsettled", Network: network.NetworkID}, nil
}

func (f *fakeAdapter) DeriveNonceKey(payload *x402.PaymentPayload) (string, bool) {
	return "", false
}

func testRegistries() (x402.NetworkRegistry, x402.RouteRegistry) {
	networks := x402.NetworkRegistry{
		"eip155:8453": x402.NetworkDescriptor{VM: x402.VMEVM, NetworkID: "eip155:8453"},
	}
	routes := x402.RouteRegistry{
		"myapi": x402.RouteDescriptor{RouteKey: "myapi", BackendURL: "http://backend.internal"},
	}
	return networks, routes
}

func TestWorker_RouteAndNetworkLookup(t *testing.T) {
	networks, routes := testRegistries()
	adapter := &fakeAdapter{}
	w := NewWorker(nil, networks, routes, adapter, DefaultWorkerConfig())

	if _, ok := w.routes.Lookup("does-not-exist"); ok {
		t.Fatal("expected unknown route lookup to miss")
	}
	if _, ok := w.networks.Lookup("eip155:8453"); !ok {
		t.Fatal("expected known network lookup to hit")
	}
}

func TestWorker_SettleCalledWithReconstructedContext(t *testing.T) {
	networks, routes := testRegistries()
	adapter := &fakeAdapter{err: errors.New("facilitator unavailable")}
	route, _ := routes.Lookup("myapi")
	network, _ := networks.Lookup("eip155:8453")

	payload := &x402.PaymentPayload{X402Version: x402.ProtocolVersion, Scheme: x402.SchemeExact, Network: "eip155:8453"}
	_, err := adapter.Settle(context.Background(), payload, route, network)
	if err == nil {
		t.Fatal("expected fake adapter to return its configured error")
	}
	if adapter.calls != 1 {
		t.Errorf("expected one Settle call, got %d", adapter.calls)
	}
}
