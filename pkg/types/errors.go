package types

import "errors"

// Error kinds shared across the engine. Components wrap these with context
// via fmt.Errorf("...: %w", err) and callers classify with errors.Is.
var (
	// Transient network: timeouts, refused connections, non-success status
	// on read-only endpoints.
	ErrUnavailable = errors.New("unavailable")
	// Malformed data: unparseable encodings, mismatched outcome/token arrays.
	ErrMalformed = errors.New("malformed data")

	// Precondition failures requiring an out-of-band funding or approval action.
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// Protocol failures: the order attempt is abandoned, never retried.
	ErrIncompleteSignature = errors.New("incomplete signature response")
	ErrRejected            = errors.New("order rejected")

	// Settlement failures.
	ErrSettlementFailed = errors.New("settlement failed")
	ErrOutcomeUnknown   = errors.New("outcome unknown, verify on-chain")

	// No market anywhere had a usable book.
	ErrNoCandidates = errors.New("no eligible market")
)
