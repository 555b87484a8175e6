package x402

import "context"

// ChainAdapter is the narrow capability set each settlement path
// implements (spec §9's re-architecture note): verify a payload against
// a route's requirements, settle it, and derive its nonce key if the
// path owns replay protection locally.
type ChainAdapter interface {
	Verify(ctx context.Context, payload *PaymentPayload, route RouteDescriptor, network NetworkDescriptor) (VerifyResult, error)
	Settle(ctx context.Context, payload *PaymentPayload, route RouteDescriptor, network NetworkDescriptor) (SettlementReceipt, error)
	// DeriveNonceKey returns the nonce key for this payload, or ok=false if
	// this path does not own replay protection (EVM-facilitator: the
	// external facilitator owns it).
	DeriveNonceKey(payload *PaymentPayload) (key string, ok bool)
}

// Dispatcher is a pure selector over the three ChainAdapter variants
// (spec §4.4).
type Dispatcher struct {
	EVMLocal       ChainAdapter
	EVMFacilitator ChainAdapter
	SVMFacilitator ChainAdapter
}

// Select returns the adapter responsible for a network, per the table in
// spec §4.4.
func (d *Dispatcher) Select(network NetworkDescriptor) ChainAdapter {
	switch network.VM {
	case VMSVM:
		return d.SVMFacilitator
	case VMEVM:
		if network.Facilitator != nil {
			return d.EVMFacilitator
		}
		return d.EVMLocal
	default:
		return nil
	}
}
