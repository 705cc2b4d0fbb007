package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Method identifies the settlement rail used to prove a payment.
type Method string

const (
	// MethodLedgerTransfer is an on-chain token transfer proven by a
	// transaction hash on a public ledger.
	MethodLedgerTransfer Method = "ledger_transfer"

	// MethodBearerCharge is a signed bearer token debited against an
	// external charge endpoint.
	MethodBearerCharge Method = "bearer_charge"

	// MethodHostedCheckout is a hosted checkout session identified by a
	// session id and confirmed by a status lookup.
	MethodHostedCheckout Method = "hosted_checkout"
)

func (m Method) String() string {
	return string(m)
}

// Valid reports whether m is one of the supported rails.
func (m Method) Valid() bool {
	switch m {
	case MethodLedgerTransfer, MethodBearerCharge, MethodHostedCheckout:
		return true
	}
	return false
}

// Funds is a price: an amount of a currency settled over a specific rail.
//
// Amount is kept as a decimal string, never a binary float, so that
// comparisons against rail-reported amounts are exact.
type Funds struct {
	Amount   string `json:"amount" validate:"required"`
	Currency string `json:"currency" validate:"required"`
	Method   Method `json:"paymentMethod" validate:"required"`
}

// Decimal parses the amount string.
func (f Funds) Decimal() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(f.Amount)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q: %w", f.Amount, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("amount %q is negative", f.Amount)
	}
	return d, nil
}

// PaymentRequest is issued by the seller to ask the counter-party for
// payment before a gated action runs.
type PaymentRequest struct {
	// ID is the seller-generated reference for this request.
	ID string `json:"id"`

	// AcceptedFunds lists the prices the seller will accept, one entry
	// per rail offered. Never empty.
	AcceptedFunds []Funds `json:"acceptedFunds"`

	// Recipient is the seller identity payment must reach: a ledger
	// address, a bearer-token audience, or a checkout account id.
	Recipient string `json:"recipient"`

	// Deadline is the absolute time after which commitments are rejected
	// without contacting a rail.
	Deadline time.Time `json:"deadline"`

	// Description of the gated action being paid for.
	Description string `json:"description,omitempty"`

	// MethodHints carries opaque per-rail details the counter-party needs
	// to pay (service ids, network names, checkout URLs).
	MethodHints map[string]string `json:"methodHints,omitempty"`
}

// PaymentCommitment is the counter-party's claim that payment was made,
// carrying the rail-specific proof handle.
type PaymentCommitment struct {
	Funds     Funds  `json:"funds"`
	Recipient string `json:"recipient"`

	// TransactionReference is the external proof: a ledger tx hash, a
	// signed bearer token, or a checkout session id.
	TransactionReference string `json:"transactionReference"`

	// ProofMetadata carries rail-specific extras (payer address, network).
	ProofMetadata map[string]string `json:"proofMetadata,omitempty"`

	SubmittedAt time.Time `json:"submittedAt"`
}

// VerificationResult is the outcome of exactly one rail verifier inspecting
// a commitment. Amounts and identities are normalized into the request's
// vocabulary so the negotiation logic can compare them directly.
type VerificationResult struct {
	Verified bool `json:"verified"`

	// NormalizedAmount is the settled amount in the requested currency's
	// units, as a decimal string.
	NormalizedAmount string `json:"normalizedAmount,omitempty"`

	// NormalizedCurrency is the settled currency code.
	NormalizedCurrency string `json:"normalizedCurrency,omitempty"`

	// NormalizedRecipient is the identity the value actually reached.
	NormalizedRecipient string `json:"normalizedRecipient,omitempty"`

	// Payer identifies the paying party where the rail exposes it.
	Payer string `json:"payer,omitempty"`

	// Evidence holds rail-reported facts backing the result (charged
	// amounts, confirmations, checkout status).
	Evidence map[string]string `json:"evidence,omitempty"`

	// FailureReason is set when Verified is false.
	FailureReason string `json:"failureReason,omitempty"`
}

// Amount parses the normalized amount.
func (r *VerificationResult) Amount() (decimal.Decimal, error) {
	return decimal.NewFromString(r.NormalizedAmount)
}

// SessionState is the negotiation state of a payment session.
type SessionState string

const (
	StateIdle            SessionState = "idle"
	StateAwaitingPayment SessionState = "awaiting_payment"
	StateVerifying       SessionState = "verifying"
	StateFulfilled       SessionState = "fulfilled"
	StateRejected        SessionState = "rejected"
	StateCancelled       SessionState = "cancelled"
	StateExpired         SessionState = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	switch s {
	case StateFulfilled, StateRejected, StateCancelled, StateExpired:
		return true
	}
	return false
}

// PaymentSession is the aggregate tracking one gated action awaiting
// payment. One session exists per gate opening; it is mutated by the
// negotiation state machine and destroyed or archived on a terminal state.
type PaymentSession struct {
	SessionID  string             `json:"sessionId"`
	Request    PaymentRequest     `json:"request"`
	Commitment *PaymentCommitment `json:"commitment,omitempty"`
	State      SessionState       `json:"state"`

	// Verification is the result that drove the terminal transition.
	Verification *VerificationResult `json:"verification,omitempty"`

	// FulfilledReference is the transaction reference that triggered
	// fulfillment, kept for idempotent re-commits.
	FulfilledReference string `json:"fulfilledReference,omitempty"`

	// FailureKind records the error kind behind Rejected/Expired states.
	FailureKind ErrorKind `json:"failureKind,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AcceptedFor returns the requested funds entry matching the given method,
// or false when the session does not accept that rail.
func (s *PaymentSession) AcceptedFor(method Method) (Funds, bool) {
	for _, f := range s.Request.AcceptedFunds {
		if f.Method == method {
			return f, true
		}
	}
	return Funds{}, false
}

// Expired reports whether the request deadline has passed at t.
func (s *PaymentSession) Expired(t time.Time) bool {
	return t.After(s.Request.Deadline)
}
