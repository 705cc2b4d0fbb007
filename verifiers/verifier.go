// Package verifiers implements the rail verifier contract: one
// implementation per settlement rail, selected by Funds.Method. Each
// verifier performs a single external check and maps the rail-specific
// amount, currency, and recipient representation into the shared
// normalization the negotiation state machine compares against the request.
//
// Domain failures (bad signature, short amount, wrong recipient) come back
// as an unverified VerificationResult. Infrastructure outcomes come back as
// typed errors: ErrPendingSettlement when the rail reports not-yet-final,
// ErrNetworkFailure on transient I/O. The gate owns the retry loop; a
// verifier never polls internally.
package verifiers

import (
	"context"

	"github.com/vitwit/paygate/types"
)

// Verifier is the capability contract shared by all rails.
type Verifier interface {
	// Method returns the rail this verifier handles.
	Method() types.Method

	// Verify checks the commitment's transaction reference against the
	// expected funds and seller recipient for this rail.
	Verify(ctx context.Context, commitment *types.PaymentCommitment, expected types.Funds, recipient string) (*types.VerificationResult, error)
}

func unverified(reason string) *types.VerificationResult {
	return &types.VerificationResult{Verified: false, FailureReason: reason}
}
