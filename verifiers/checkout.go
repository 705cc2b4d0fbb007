package verifiers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitwit/paygate/types"
)

// CheckoutConfig configures the hosted-checkout rail.
type CheckoutConfig struct {
	// APIBase is the checkout provider's API root.
	APIBase string

	// SecretKey authenticates the seller account.
	SecretKey string

	// AccountID is the seller account sessions settle to. This is the
	// rail's seller identity.
	AccountID string
}

// checkout session expiry bounds imposed by the provider.
const (
	minCheckoutExpiry = 30 * time.Minute
	maxCheckoutExpiry = 24 * time.Hour
)

// CheckoutVerifier proves payment by looking up the commitment's transaction
// reference as a hosted checkout session id and reading its payment status:
// paid is success, unpaid is pending settlement for the gate to retry,
// expired or canceled is a terminal rejection.
type CheckoutVerifier struct {
	cfg        CheckoutConfig
	httpClient *http.Client
}

// NewCheckoutVerifier validates the rail credentials.
func NewCheckoutVerifier(cfg CheckoutConfig) (*CheckoutVerifier, error) {
	if cfg.APIBase == "" || cfg.SecretKey == "" || cfg.AccountID == "" {
		return nil, types.NewError(types.ErrConfiguration,
			"hosted checkout rail requires API base, secret key and account id")
	}
	return &CheckoutVerifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Method implements Verifier.
func (v *CheckoutVerifier) Method() types.Method {
	return types.MethodHostedCheckout
}

// CheckoutSession is the provider's view of a hosted checkout session.
type CheckoutSession struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	URL           string            `json:"url,omitempty"`
	ClientSecret  string            `json:"client_secret,omitempty"`
	ExpiresAt     int64             `json:"expires_at,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Verify implements Verifier.
func (v *CheckoutVerifier) Verify(ctx context.Context, commitment *types.PaymentCommitment, expected types.Funds, recipient string) (*types.VerificationResult, error) {
	id := commitment.TransactionReference
	if id == "" {
		return unverified("missing checkout session id"), nil
	}

	cs, status, err := v.retrieveSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return unverified(fmt.Sprintf("unknown checkout session %s", id)), nil
	}

	switch {
	case cs.PaymentStatus == "paid":
		// Amounts arrive in the provider's minor units.
		amount := decimal.New(cs.AmountTotal, -2)
		return &types.VerificationResult{
			Verified:            true,
			NormalizedAmount:    amount.String(),
			NormalizedCurrency:  strings.ToUpper(cs.Currency),
			NormalizedRecipient: v.cfg.AccountID,
			Evidence: map[string]string{
				"checkout_session": cs.ID,
				"payment_status":   cs.PaymentStatus,
			},
		}, nil
	case cs.Status == "expired" || cs.Status == "canceled":
		return unverified(fmt.Sprintf("checkout session %s is %s", id, cs.Status)), nil
	default:
		// open/unpaid: the buyer may still be completing payment.
		return nil, types.NewError(types.ErrPendingSettlement,
			fmt.Sprintf("checkout session %s is not paid yet", id))
	}
}

func (v *CheckoutVerifier) retrieveSession(ctx context.Context, id string) (*CheckoutSession, int, error) {
	url := strings.TrimRight(v.cfg.APIBase, "/") + "/v1/checkout/sessions/" + id
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, types.WrapError(types.ErrNetworkFailure, "build checkout lookup", err)
	}
	req.Header.Set("Authorization", "Bearer "+v.cfg.SecretKey)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, 0, types.WrapError(types.ErrNetworkFailure, "checkout endpoint unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, resp.StatusCode, nil
	case resp.StatusCode >= 400:
		return nil, 0, types.NewError(types.ErrNetworkFailure,
			fmt.Sprintf("checkout endpoint returned %d", resp.StatusCode))
	}

	var cs CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&cs); err != nil {
		return nil, 0, types.WrapError(types.ErrNetworkFailure, "decode checkout session", err)
	}
	return &cs, resp.StatusCode, nil
}

// CheckoutParams describes the session to open for a priced action.
type CheckoutParams struct {
	Funds       types.Funds
	Description string

	// SessionID is the paygate session awaiting this payment; carried in
	// the checkout metadata so the webhook side can correlate.
	SessionID string

	// ExpiresIn is clamped to the provider's [30m, 24h] window.
	ExpiresIn time.Duration
}

// CreateSession opens a hosted checkout session for a priced action. The
// returned session id is what the counter-party later submits as its
// transaction reference.
func (v *CheckoutVerifier) CreateSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	amount, err := p.Funds.Decimal()
	if err != nil {
		return nil, types.WrapError(types.ErrInvalidRequest, "invalid checkout amount", err)
	}

	expiry := p.ExpiresIn
	if expiry < minCheckoutExpiry {
		expiry = minCheckoutExpiry
	}
	if expiry > maxCheckoutExpiry {
		expiry = maxCheckoutExpiry
	}

	body, err := json.Marshal(map[string]interface{}{
		"mode":         "payment",
		"amount_total": amount.Shift(2).IntPart(),
		"currency":     strings.ToLower(p.Funds.Currency),
		"description":  p.Description,
		"expires_at":   time.Now().Add(expiry).Unix(),
		"metadata": map[string]string{
			"paygate_session_id": p.SessionID,
		},
	})
	if err != nil {
		return nil, types.WrapError(types.ErrNetworkFailure, "encode checkout session", err)
	}

	url := strings.TrimRight(v.cfg.APIBase, "/") + "/v1/checkout/sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, types.WrapError(types.ErrNetworkFailure, "build checkout create", err)
	}
	req.Header.Set("Authorization", "Bearer "+v.cfg.SecretKey)
	req.Header.Set("content-type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, types.WrapError(types.ErrNetworkFailure, "checkout endpoint unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, types.NewError(types.ErrNetworkFailure,
			fmt.Sprintf("checkout session create returned %d", resp.StatusCode))
	}

	var cs CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&cs); err != nil {
		return nil, types.WrapError(types.ErrNetworkFailure, "decode checkout session", err)
	}
	return &cs, nil
}
