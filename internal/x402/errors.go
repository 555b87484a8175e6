package x402

import "errors"

// Error kinds, named by meaning rather than implementation type (spec §7).
var (
	// ErrEnvelopeMalformed is terminal: 400, base64/JSON decode failure.
	ErrEnvelopeMalformed = errors.New("invalid payment payload encoding")
	// ErrPaymentAbsent signals no payment header was attempted; not a true
	// error, just the trigger for the 402 builder.
	ErrPaymentAbsent = errors.New("payment required")
	// ErrUnsupportedNetwork is returned when the payload's network has no
	// registered NetworkDescriptor.
	ErrUnsupportedNetwork = errors.New("unsupported network")
	// ErrUnsupportedScheme is returned for any scheme other than "exact".
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	// ErrUnknownRoute is a configuration error: the route key in the
	// request does not exist in the route registry.
	ErrUnknownRoute = errors.New("unknown route")
	// ErrNonceContended is returned when a nonce claim is lost to a
	// concurrent caller or the nonce was already settled.
	ErrNonceContended = errors.New("nonce already used or settlement in progress")
)

// VerificationError wraps a verification failure with its sub-reason
// (amount, recipient, time window, signature, balance, nonce-replay).
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string { return e.Reason }

// SettlementError wraps a settlement failure (RPC error, facilitator
// error, SVM adapter error). The nonce record is released whenever this
// error is raised (spec P5).
type SettlementError struct {
	Reason string
	Err    error
}

func (e *SettlementError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *SettlementError) Unwrap() error { return e.Err }
