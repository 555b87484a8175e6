// Package x402 implements the payment middleware state machine described
// by the gateway's x402 protocol support: envelope decoding, route/network
// resolution, dispatch to a chain-specific verify/settle path, nonce
// coordination, idempotency caching, and response finalization.
package x402

import (
	"encoding/json"
	"math/big"
	"time"

	"stronghold/internal/usdc"
)

// VM identifies a chain family.
type VM string

const (
	VMEVM VM = "evm"
	VMSVM VM = "svm"
)

// ProtocolVersion is the x402Version this gateway speaks.
const ProtocolVersion = 2

// SchemeExact is the only payment scheme honored by the core.
const SchemeExact = "exact"

// EVMAuthorization is an EIP-3009 transferWithAuthorization record.
type EVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// EVMPayload is the payload body for an evm-family payment.
type EVMPayload struct {
	Authorization EVMAuthorization `json:"authorization"`
	Signature     string           `json:"signature"`
}

// SVMPayload is the payload body for an svm-family payment.
type SVMPayload struct {
	Transaction string `json:"transaction"` // base64-encoded partially-signed tx
}

// PaymentIdentifierExtension is the only recognized extensions entry.
type PaymentIdentifierExtension struct {
	PaymentID string `json:"paymentId"`
}

// Extensions holds the recognized extension block.
type Extensions struct {
	PaymentIdentifier *PaymentIdentifierExtension `json:"payment-identifier,omitempty"`
}

// InnerPayload is the payload.payload body, which may itself carry
// extensions (the client is free to place them at either level).
type InnerPayload struct {
	EVMPayload
	SVMPayload
	Extensions *Extensions `json:"extensions,omitempty"`
}

// PaymentPayload is the decoded envelope (spec §3, "Payment Payload").
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     InnerPayload    `json:"payload"`
	Extensions  *Extensions     `json:"extensions,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// FacilitatorConfig describes an external EVM settlement delegate.
type FacilitatorConfig struct {
	URL                 string
	APIKeyEnv           string
	NetworkAlias        string
	FacilitatorContract string
	ProtocolVersion     int
}

// TokenDescriptor describes the settlement asset on a network.
type TokenDescriptor struct {
	Address      string
	DisplayName  string
	DomainVersion string
	Decimals     int
}

// NetworkDescriptor is spec §3's "Network Descriptor".
type NetworkDescriptor struct {
	VM          VM
	NetworkID   string // CAIP-2 identifier, e.g. "eip155:8453"
	ChainID     int64  // EVM only
	RPCEnvVar   string
	Token       TokenDescriptor
	Facilitator *FacilitatorConfig // non-nil => EVM settlement delegated
}

// IsActive reports whether this network has the credentials it needs to
// be advertised in a 402 response (spec §4.3).
func (n NetworkDescriptor) IsActive(rpcURL string, svmFeePayer string) bool {
	if n.VM == VMSVM {
		return svmFeePayer != ""
	}
	return rpcURL != "" || n.Facilitator != nil
}

// RouteDescriptor is spec §3's "Route Descriptor".
type RouteDescriptor struct {
	RouteKey            string
	Path                string
	BackendName          string
	BackendURL           string
	BackendAPIKeyEnv     string
	BackendAPIKeyHeader  string
	Price                usdc.MicroUSDC // display price
	PriceAtomic          *big.Int       // base units at 6-decimal reference
	PayTo                string         // EVM recipient
	PayToSol             string         // SVM recipient
	Description          string
	MimeType             string
}

// NonceStatus is the lifecycle state of a NonceRecord.
type NonceStatus string

const (
	NonceStatusPending   NonceStatus = "pending"
	NonceStatusConfirmed NonceStatus = "confirmed"
)

// NonceRecord is spec §3's "Nonce Record".
type NonceRecord struct {
	Status      NonceStatus `json:"status"`
	TimestampMs int64       `json:"timestampMs"`
	Network     string      `json:"network"`
	Payer       string      `json:"payer"`
	Route       string      `json:"route"`
	VM          VM          `json:"vm"`
	TxHash      string      `json:"txHash,omitempty"`
	BlockNumber *uint64     `json:"blockNumber,omitempty"`
}

const (
	// NoncePendingTTL is how long a pending claim survives before it is
	// reclaimable (spec I4).
	NoncePendingTTL = 1 * time.Hour
	// NonceConfirmedTTL is how long a confirmed nonce blocks replay (spec I1).
	NonceConfirmedTTL = 7 * 24 * time.Hour
	// IdempotencyTTL is how long an idempotency record survives (spec I3).
	IdempotencyTTL = 1 * time.Hour
)

// SettlementReceipt is spec §3's "Settlement Receipt".
type SettlementReceipt struct {
	TxHash      string  `json:"txHash"`
	Network     string  `json:"network"`
	BlockNumber *uint64 `json:"blockNumber"`
	Payer       string  `json:"payer,omitempty"`
	Facilitator string  `json:"facilitator,omitempty"`
}

// IdempotencyRecord is spec §3's "Idempotency Record".
type IdempotencyRecord struct {
	TimestampMs int64                    `json:"timestampMs"`
	Response    IdempotencyResponseCache `json:"response"`
}

// IdempotencyResponseCache is the cached response payload.
type IdempotencyResponseCache struct {
	PaymentResponseHeader string             `json:"paymentResponseHeader"`
	Settlement            SettlementReceipt  `json:"settlement"`
}

// PaymentContext is created in-memory after a successful settlement and
// lives only for the duration of the backend proxy call.
type PaymentContext struct {
	Payer       string
	Network     string
	Route       *RouteDescriptor
	Receipt     SettlementReceipt
}

// VerifyResult is returned by a ChainAdapter's Verify call.
type VerifyResult struct {
	Valid  bool
	Reason string
	Payer  string
}

// AcceptEntry is one entry of a 402 response's "accepts" array.
type AcceptEntry struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	Amount            string         `json:"amount"`
	MaxAmountRequired  string         `json:"maxAmountRequired,omitempty"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Asset             string         `json:"asset"`
	Resource          *ResourceInfo  `json:"resource,omitempty"`
	Description       string         `json:"description,omitempty"`
	MimeType          string         `json:"mimeType,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// ResourceInfo describes the priced resource being requested.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// PaymentRequiredBody is the 402 JSON response body (spec §4.3).
type PaymentRequiredBody struct {
	X402Version int                    `json:"x402Version"`
	Accepts     []AcceptEntry          `json:"accepts"`
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Extensions  map[string]any         `json:"extensions"`
}

// PaymentResponseData is the base64-encoded body of the PAYMENT-RESPONSE header.
type PaymentResponseData struct {
	Success     bool    `json:"success"`
	TxHash      string  `json:"txHash"`
	Network     string  `json:"network"`
	BlockNumber *uint64 `json:"blockNumber"`
	Facilitator string  `json:"facilitator,omitempty"`
}
