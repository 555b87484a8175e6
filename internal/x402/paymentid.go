package x402

import "regexp"

// paymentIDPattern matches a valid client-chosen payment identifier:
// 16-128 characters of [A-Za-z0-9_-].
var paymentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// ExtractPaymentID looks for the payment-identifier extension at either
// the top level or inside payload.payload, and returns it only if it
// matches the recognized format. Anything else — missing, malformed,
// wrong length — is treated as absent, never as an error (spec §4.2).
func ExtractPaymentID(p *PaymentPayload) string {
	if p == nil {
		return ""
	}
	if id := extractFrom(p.Extensions); id != "" {
		return id
	}
	return extractFrom(p.Payload.Extensions)
}

func extractFrom(ext *Extensions) string {
	if ext == nil || ext.PaymentIdentifier == nil {
		return ""
	}
	id := ext.PaymentIdentifier.PaymentID
	if !paymentIDPattern.MatchString(id) {
		return ""
	}
	return id
}
