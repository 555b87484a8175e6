package x402

import (
	"encoding/base64"
	"encoding/json"
)

// Headers accepted for the payment envelope, in preference order.
const (
	HeaderPaymentSignature = "Payment-Signature"
	HeaderXPayment         = "X-Payment"
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
	HeaderXX402Payer       = "X-X402-Payer"
)

// DecodeEnvelope reads the first non-empty value among Payment-Signature
// and X-Payment (case-insensitive; Payment-Signature preferred when both
// are present) via getHeader, base64-decodes it, and parses it as a
// PaymentPayload.
//
// A nil payload with a nil error means no payment was attempted at all —
// the caller should build a 402. A non-nil error is always
// ErrEnvelopeMalformed and is terminal (spec §4.1).
func DecodeEnvelope(getHeader func(string) string) (*PaymentPayload, error) {
	raw := getHeader(HeaderPaymentSignature)
	if raw == "" {
		raw = getHeader(HeaderXPayment)
	}
	if raw == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, ErrEnvelopeMalformed
	}

	var payload PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, ErrEnvelopeMalformed
	}
	payload.Raw = decoded
	return &payload, nil
}
