// Package mandate bridges an external cart/payment-mandate negotiation into
// the gate's native request/commit/outcome vocabulary. The bridge is purely
// translational: it holds no state beyond mapping identifiers, and it
// preserves the cart fingerprint end to end so the counter-party can
// correlate success or failure with the cart it submitted.
package mandate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// PaymentCurrencyAmount is a priced value in the mandate vocabulary.
// Value is a decimal string.
type PaymentCurrencyAmount struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

// PaymentItem is one labelled line of a cart.
type PaymentItem struct {
	Label  string                `json:"label"`
	Amount PaymentCurrencyAmount `json:"amount"`
}

// PaymentMethodData advertises one settlement method a cart accepts, with
// method-specific hints (a service id, a token contract, a checkout account).
type PaymentMethodData struct {
	SupportedMethods string            `json:"supportedMethods"`
	Data             map[string]string `json:"data,omitempty"`
}

// PaymentDetails carries the cart lines and total.
type PaymentDetails struct {
	ID           string        `json:"id"`
	DisplayItems []PaymentItem `json:"displayItems,omitempty"`
	Total        PaymentItem   `json:"total"`
}

// CartPaymentRequest is the cart's payment section: accepted methods plus
// the priced details.
type CartPaymentRequest struct {
	MethodData []PaymentMethodData `json:"methodData"`
	Details    PaymentDetails      `json:"details"`
}

// CartContents is the signed-over body of a cart mandate.
type CartContents struct {
	ID             string             `json:"id"`
	MerchantName   string             `json:"merchantName,omitempty"`
	CartExpiry     time.Time          `json:"cartExpiry"`
	PaymentRequest CartPaymentRequest `json:"paymentRequest"`
}

// CartMandate is the cart artifact the counter-party submits. CartHash is
// the fingerprint correlating the cart with its eventual outcome.
type CartMandate struct {
	Contents              CartContents `json:"contents"`
	MerchantAuthorization string       `json:"merchantAuthorization,omitempty"`
	CartHash              string       `json:"cartHash,omitempty"`
}

// PaymentMandate is the payment-mandate artifact carrying the settlement
// token for a previously submitted cart.
type PaymentMandate struct {
	MandateID  string      `json:"mandateId"`
	CartID     string      `json:"cartId"`
	CartHash   string      `json:"cartHash,omitempty"`
	MethodName string      `json:"methodName"`
	Total      PaymentItem `json:"total"`

	// Details carries the method-specific response fields; the settlement
	// token travels under "transaction_token" or "token".
	Details map[string]any `json:"details,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// PaymentSuccess reports a fulfilled payment back to the counter-party.
type PaymentSuccess struct {
	CartID        string    `json:"cartId"`
	CartHash      string    `json:"cartHash,omitempty"`
	TransactionID string    `json:"transactionId"`
	Timestamp     time.Time `json:"timestamp"`
}

// PaymentFailure reports a rejected or expired payment with the typed
// reason surfaced as human-readable text.
type PaymentFailure struct {
	CartID   string `json:"cartId"`
	CartHash string `json:"cartHash,omitempty"`
	Reason   string `json:"reason"`
}

// PaymentDeny reports a cancelled negotiation.
type PaymentDeny struct {
	CartID   string `json:"cartId"`
	CartHash string `json:"cartHash,omitempty"`
	Reason   string `json:"reason"`
}

// ComputeCartHash fingerprints cart contents: the sha256 of their canonical
// JSON encoding, hex encoded. Map keys marshal in sorted order, so equal
// contents always produce the same fingerprint.
func ComputeCartHash(contents CartContents) string {
	data, err := json.Marshal(contents)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
