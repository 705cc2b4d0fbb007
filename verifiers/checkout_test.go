package verifiers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/paygate/types"
)

func checkoutFixture(t *testing.T, handler http.HandlerFunc) *CheckoutVerifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	v, err := NewCheckoutVerifier(CheckoutConfig{
		APIBase:   srv.URL,
		SecretKey: "sk_test_123",
		AccountID: "acct_seller",
	})
	require.NoError(t, err)
	return v
}

func sessionJSON(w http.ResponseWriter, cs CheckoutSession) {
	json.NewEncoder(w).Encode(cs)
}

func usd(amount string) types.Funds {
	return types.Funds{Amount: amount, Currency: "USD", Method: types.MethodHostedCheckout}
}

func TestCheckoutVerifyPaid(t *testing.T) {
	v := checkoutFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/checkout/sessions/cs_123"))
		sessionJSON(w, CheckoutSession{
			ID:            "cs_123",
			Status:        "complete",
			PaymentStatus: "paid",
			AmountTotal:   500,
			Currency:      "usd",
		})
	})

	commitment := &types.PaymentCommitment{TransactionReference: "cs_123"}
	result, err := v.Verify(context.Background(), commitment, usd("5.00"), "acct_seller")
	require.NoError(t, err)

	assert.True(t, result.Verified)
	assert.Equal(t, "5", result.NormalizedAmount)
	assert.Equal(t, "USD", result.NormalizedCurrency)
	assert.Equal(t, "acct_seller", result.NormalizedRecipient)
	assert.Equal(t, "paid", result.Evidence["payment_status"])
}

func TestCheckoutVerifyUnpaidIsPending(t *testing.T) {
	v := checkoutFixture(t, func(w http.ResponseWriter, r *http.Request) {
		sessionJSON(w, CheckoutSession{ID: "cs_123", Status: "open", PaymentStatus: "unpaid"})
	})

	commitment := &types.PaymentCommitment{TransactionReference: "cs_123"}
	_, err := v.Verify(context.Background(), commitment, usd("5.00"), "acct_seller")
	require.Error(t, err)
	assert.Equal(t, types.ErrPendingSettlement, types.KindOf(err))
}

func TestCheckoutVerifyUnpaidThenPaid(t *testing.T) {
	var calls int64
	v := checkoutFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			sessionJSON(w, CheckoutSession{ID: "cs_123", Status: "open", PaymentStatus: "unpaid"})
			return
		}
		sessionJSON(w, CheckoutSession{
			ID:            "cs_123",
			Status:        "complete",
			PaymentStatus: "paid",
			AmountTotal:   500,
			Currency:      "usd",
		})
	})

	commitment := &types.PaymentCommitment{TransactionReference: "cs_123"}

	_, err := v.Verify(context.Background(), commitment, usd("5.00"), "acct_seller")
	require.Error(t, err)
	assert.Equal(t, types.ErrPendingSettlement, types.KindOf(err))

	result, err := v.Verify(context.Background(), commitment, usd("5.00"), "acct_seller")
	require.NoError(t, err)
	assert.True(t, result.Verified)
}

func TestCheckoutVerifyExpiredIsTerminal(t *testing.T) {
	v := checkoutFixture(t, func(w http.ResponseWriter, r *http.Request) {
		sessionJSON(w, CheckoutSession{ID: "cs_123", Status: "expired", PaymentStatus: "unpaid"})
	})

	commitment := &types.PaymentCommitment{TransactionReference: "cs_123"}
	result, err := v.Verify(context.Background(), commitment, usd("5.00"), "acct_seller")
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Contains(t, result.FailureReason, "expired")
}

func TestCheckoutVerifyUnknownSession(t *testing.T) {
	v := checkoutFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	commitment := &types.PaymentCommitment{TransactionReference: "cs_missing"}
	result, err := v.Verify(context.Background(), commitment, usd("5.00"), "acct_seller")
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Contains(t, result.FailureReason, "unknown checkout session")
}

func TestCheckoutVerifyServerErrorIsRetryable(t *testing.T) {
	v := checkoutFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	commitment := &types.PaymentCommitment{TransactionReference: "cs_123"}
	_, err := v.Verify(context.Background(), commitment, usd("5.00"), "acct_seller")
	require.Error(t, err)
	assert.Equal(t, types.ErrNetworkFailure, types.KindOf(err))
}

func TestCheckoutCreateSessionClampsExpiry(t *testing.T) {
	var captured map[string]interface{}
	v := checkoutFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		sessionJSON(w, CheckoutSession{ID: "cs_new", Status: "open", PaymentStatus: "unpaid", URL: "https://pay.example/cs_new"})
	})

	before := time.Now()
	cs, err := v.CreateSession(context.Background(), CheckoutParams{
		Funds:       usd("5.00"),
		Description: "daily horoscope",
		SessionID:   "sess-1",
		ExpiresIn:   time.Minute, // below the provider floor
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_new", cs.ID)

	assert.Equal(t, float64(500), captured["amount_total"])
	assert.Equal(t, "usd", captured["currency"])

	meta := captured["metadata"].(map[string]interface{})
	assert.Equal(t, "sess-1", meta["paygate_session_id"])

	expiresAt := time.Unix(int64(captured["expires_at"].(float64)), 0)
	assert.True(t, expiresAt.After(before.Add(29*time.Minute)),
		"expiry below the floor must be clamped up to 30 minutes")
	assert.True(t, expiresAt.Before(before.Add(25*time.Hour)))
}
