package mandate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/paygate"
	"github.com/vitwit/paygate/types"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func usdcCart(method string, expiry time.Time) *CartMandate {
	return &CartMandate{
		Contents: CartContents{
			ID:           "cart-abc123",
			MerchantName: "Demo Store",
			CartExpiry:   expiry,
			PaymentRequest: CartPaymentRequest{
				MethodData: []PaymentMethodData{
					{SupportedMethods: method, Data: map[string]string{"seller_service_id": "svc-1"}},
				},
				Details: PaymentDetails{
					ID: "cart-abc123",
					DisplayItems: []PaymentItem{
						{Label: "Sticker pack", Amount: PaymentCurrencyAmount{Currency: "USDC", Value: "1.00"}},
					},
					Total: PaymentItem{Label: "Total", Amount: PaymentCurrencyAmount{Currency: "USDC", Value: "1.00"}},
				},
			},
		},
	}
}

func TestRequestFromCart(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBridge(WithClock(fixedClock(now)))

	cart := usdcCart("checkout", now.Add(10*time.Minute))
	msg, err := b.RequestFromCart(cart)
	require.NoError(t, err)

	require.Len(t, msg.AcceptedFunds, 1)
	assert.Equal(t, types.Funds{Amount: "1.00", Currency: "USDC", Method: types.MethodHostedCheckout}, msg.AcceptedFunds[0])
	assert.Equal(t, 600, msg.DeadlineSeconds)
	assert.Equal(t, "cart-abc123", msg.Reference)
	assert.Equal(t, ComputeCartHash(cart.Contents), msg.Metadata["cart_hash"])
	assert.Equal(t, "svc-1", msg.Metadata["seller_service_id"])
}

func TestRequestFromCartMethodMapping(t *testing.T) {
	now := time.Now()
	b := NewBridge()

	cases := map[string]types.Method{
		"skyfire": types.MethodBearerCharge,
		"fet":     types.MethodLedgerTransfer,
		"card":    types.MethodHostedCheckout,
	}
	for name, want := range cases {
		msg, err := b.RequestFromCart(usdcCart(name, now.Add(time.Hour)))
		require.NoError(t, err, name)
		assert.Equal(t, want, msg.AcceptedFunds[0].Method)
	}

	_, err := b.RequestFromCart(usdcCart("carrier-pigeon", now.Add(time.Hour)))
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.KindOf(err))
}

func TestRequestFromCartExpired(t *testing.T) {
	now := time.Now()
	b := NewBridge(WithClock(fixedClock(now)))

	_, err := b.RequestFromCart(usdcCart("skyfire", now.Add(-time.Minute)))
	require.Error(t, err)
	assert.Equal(t, types.ErrExpired, types.KindOf(err))
}

func TestCommitmentFromMandate(t *testing.T) {
	b := NewBridge()

	pm := &PaymentMandate{
		MandateID:  "pm-1",
		CartID:     "cart-abc123",
		CartHash:   "deadbeef",
		MethodName: "skyfire",
		Total:      PaymentItem{Label: "Total", Amount: PaymentCurrencyAmount{Currency: "USDC", Value: "1.00"}},
		Details:    map[string]any{"transaction_token": "eyJ.token.sig"},
	}
	msg, err := b.CommitmentFromMandate(pm)
	require.NoError(t, err)
	assert.Equal(t, "eyJ.token.sig", msg.TransactionID)
	assert.Equal(t, types.MethodBearerCharge, msg.Funds.Method)
	assert.Equal(t, "deadbeef", msg.Metadata["cart_hash"])

	pm.Details = map[string]any{"token": "alt.token"}
	msg, err = b.CommitmentFromMandate(pm)
	require.NoError(t, err)
	assert.Equal(t, "alt.token", msg.TransactionID)

	pm.Details = map[string]any{"note": "no token here"}
	_, err = b.CommitmentFromMandate(pm)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.KindOf(err))
}

func TestOutcomeArtifactRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBridge(WithClock(fixedClock(now)))
	cart := usdcCart("checkout", now.Add(10*time.Minute))
	hash := ComputeCartHash(cart.Contents)

	success := b.OutcomeArtifact(cart, &paygate.Outcome{
		SessionID: "s-1",
		State:     types.StateFulfilled,
		Reference: "cs_test_123",
	})
	ps, ok := success.(*PaymentSuccess)
	require.True(t, ok)
	assert.Equal(t, hash, ps.CartHash)
	assert.Equal(t, "cs_test_123", ps.TransactionID)

	failure := b.OutcomeArtifact(cart, &paygate.Outcome{
		SessionID:   "s-1",
		State:       types.StateRejected,
		FailureKind: types.ErrUnverifiedTransaction,
		Reason:      types.ErrUnverifiedTransaction.Reason(),
	})
	pf, ok := failure.(*PaymentFailure)
	require.True(t, ok)
	assert.Equal(t, hash, pf.CartHash)
	assert.Equal(t, "payment could not be verified", pf.Reason)

	deny := b.OutcomeArtifact(cart, &paygate.Outcome{
		SessionID: "s-1",
		State:     types.StateCancelled,
		Reason:    "buyer walked away",
	})
	pd, ok := deny.(*PaymentDeny)
	require.True(t, ok)
	assert.Equal(t, hash, pd.CartHash)
	assert.Equal(t, "buyer walked away", pd.Reason)
}

func TestComputeCartHashStable(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	a := usdcCart("checkout", now.Add(time.Hour))
	b := usdcCart("checkout", now.Add(time.Hour))
	assert.Equal(t, ComputeCartHash(a.Contents), ComputeCartHash(b.Contents))

	b.Contents.PaymentRequest.Details.Total.Amount.Value = "2.00"
	assert.NotEqual(t, ComputeCartHash(a.Contents), ComputeCartHash(b.Contents))
}
