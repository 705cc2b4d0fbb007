package types

// ErrorKind classifies every failure the gate can report. Verifier-internal
// errors are always converted to one of these before crossing back into the
// negotiation state machine; raw network errors never reach the counter-party.
type ErrorKind string

const (
	// ErrInvalidRequest marks a malformed request (empty accepted funds,
	// non-positive deadline). Caller bug, never retried.
	ErrInvalidRequest ErrorKind = "INVALID_REQUEST"

	// ErrInvalidState marks an operation against a session not in the
	// state the operation requires.
	ErrInvalidState ErrorKind = "INVALID_STATE"

	// ErrExpired marks a commitment submitted after the request deadline.
	ErrExpired ErrorKind = "EXPIRED"

	// ErrUnverifiedTransaction marks a terminal verification failure:
	// bad signature, short amount, wrong recipient, consumed reference.
	ErrUnverifiedTransaction ErrorKind = "UNVERIFIED_TRANSACTION"

	// ErrPendingSettlement marks a rail reporting not-yet-final. Retried
	// up to a bound, then treated as expired if the deadline passes.
	ErrPendingSettlement ErrorKind = "PENDING_SETTLEMENT"

	// ErrNetworkFailure marks a transient I/O error calling a rail.
	// Retried with backoff before surfacing as a rejection.
	ErrNetworkFailure ErrorKind = "NETWORK_FAILURE"

	// ErrAlreadyFulfilled marks a duplicate commitment with a different
	// reference on a completed session.
	ErrAlreadyFulfilled ErrorKind = "ALREADY_FULFILLED"

	// ErrConfiguration marks missing credentials or keys for an enabled
	// rail. Fatal at construction, never per-session.
	ErrConfiguration ErrorKind = "CONFIGURATION_ERROR"
)

// PaymentError is the typed error crossing package boundaries inside the
// gate. Kind drives transition logic; Err keeps the underlying cause for
// logs without ever leaking it to the counter-party.
type PaymentError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may clear on a later attempt.
func (e *PaymentError) Retryable() bool {
	return e.Kind == ErrPendingSettlement || e.Kind == ErrNetworkFailure
}

// NewError creates a PaymentError without an underlying cause.
func NewError(kind ErrorKind, message string) *PaymentError {
	return &PaymentError{Kind: kind, Message: message}
}

// WrapError creates a PaymentError keeping the underlying cause.
func WrapError(kind ErrorKind, message string, err error) *PaymentError {
	return &PaymentError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the error kind, defaulting unknown errors to
// ErrNetworkFailure so nothing untyped decides a session outcome.
func KindOf(err error) ErrorKind {
	if pe, ok := err.(*PaymentError); ok {
		return pe.Kind
	}
	return ErrNetworkFailure
}

// Reason renders the counter-party-facing reason string for a kind. This is
// the only text that travels in RejectPayment/CancelPayment messages.
func (k ErrorKind) Reason() string {
	switch k {
	case ErrInvalidRequest:
		return "payment request was invalid"
	case ErrInvalidState:
		return "payment session is not accepting commitments"
	case ErrExpired:
		return "payment deadline has passed"
	case ErrUnverifiedTransaction:
		return "payment could not be verified"
	case ErrPendingSettlement:
		return "payment was not settled in time"
	case ErrNetworkFailure:
		return "payment verification is temporarily unavailable"
	case ErrAlreadyFulfilled:
		return "payment was already completed with a different transaction"
	default:
		return "payment failed"
	}
}
