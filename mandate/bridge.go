package mandate

import (
	"fmt"
	"time"

	"github.com/vitwit/paygate"
	"github.com/vitwit/paygate/types"
)

// Bridge translates between the mandate vocabulary and the gate's native
// messages.
type Bridge struct {
	now func() time.Time
}

type BridgeOption func(*Bridge)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) BridgeOption {
	return func(b *Bridge) {
		b.now = now
	}
}

func NewBridge(opts ...BridgeOption) *Bridge {
	b := &Bridge{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// methodFor maps a mandate method name onto a settlement rail.
func methodFor(name string) (types.Method, error) {
	switch name {
	case "skyfire":
		return types.MethodBearerCharge, nil
	case "fet", "fet_direct", "ledger":
		return types.MethodLedgerTransfer, nil
	case "card", "basic-card", "checkout", "stripe":
		return types.MethodHostedCheckout, nil
	}
	return "", types.NewError(types.ErrInvalidRequest,
		fmt.Sprintf("unsupported mandate payment method: %s", name))
}

// RequestFromCart translates an incoming cart mandate into the native
// payment request shape: the cart total becomes the accepted funds, one
// entry per advertised method, and the cart expiry becomes the deadline.
// The cart fingerprint is placed in the metadata for later correlation.
//
// The recipient field is left empty; the gate stamps its own identity when
// the session opens.
func (b *Bridge) RequestFromCart(cart *CartMandate) (*types.RequestPayment, error) {
	if cart == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "cart mandate is required")
	}
	pr := cart.Contents.PaymentRequest
	if len(pr.MethodData) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "cart accepts no payment methods")
	}

	total := pr.Details.Total.Amount
	funds := make([]types.Funds, 0, len(pr.MethodData))
	metadata := map[string]string{
		"cart_id":   cart.Contents.ID,
		"cart_hash": b.fingerprint(cart),
	}
	for _, md := range pr.MethodData {
		method, err := methodFor(md.SupportedMethods)
		if err != nil {
			return nil, err
		}
		f := types.Funds{Amount: total.Value, Currency: total.Currency, Method: method}
		if _, err := f.Decimal(); err != nil {
			return nil, types.WrapError(types.ErrInvalidRequest, "invalid cart total", err)
		}
		funds = append(funds, f)
		for k, v := range md.Data {
			metadata[k] = v
		}
	}

	deadline := cart.Contents.CartExpiry.Sub(b.now())
	if deadline <= 0 {
		return nil, types.NewError(types.ErrExpired, "cart has already expired")
	}

	return &types.RequestPayment{
		AcceptedFunds:   funds,
		DeadlineSeconds: int(deadline.Seconds()),
		Reference:       cart.Contents.ID,
		Description:     cart.Contents.MerchantName,
		Metadata:        metadata,
	}, nil
}

// CommitmentFromMandate translates an incoming payment mandate into the
// native commitment shape, lifting the settlement token out of the
// method-specific response details.
func (b *Bridge) CommitmentFromMandate(pm *PaymentMandate) (*types.CommitPayment, error) {
	if pm == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "payment mandate is required")
	}
	method, err := methodFor(pm.MethodName)
	if err != nil {
		return nil, err
	}
	token := settlementToken(pm.Details)
	if token == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "payment mandate carries no settlement token")
	}

	funds := types.Funds{
		Amount:   pm.Total.Amount.Value,
		Currency: pm.Total.Amount.Currency,
		Method:   method,
	}
	if _, err := funds.Decimal(); err != nil {
		return nil, types.WrapError(types.ErrInvalidRequest, "invalid mandate total", err)
	}

	return &types.CommitPayment{
		Funds:         funds,
		TransactionID: token,
		Metadata: map[string]string{
			"cart_id":    pm.CartID,
			"cart_hash":  pm.CartHash,
			"mandate_id": pm.MandateID,
		},
	}, nil
}

// OutcomeArtifact shapes a gate outcome into the mandate vocabulary:
// PaymentSuccess for a fulfilled session, PaymentDeny for a cancelled one,
// PaymentFailure otherwise. Every artifact carries the cart fingerprint.
func (b *Bridge) OutcomeArtifact(cart *CartMandate, out *paygate.Outcome) any {
	hash := b.fingerprint(cart)
	switch {
	case out.Fulfilled():
		return &PaymentSuccess{
			CartID:        cart.Contents.ID,
			CartHash:      hash,
			TransactionID: out.Reference,
			Timestamp:     b.now(),
		}
	case out.State == types.StateCancelled:
		return &PaymentDeny{
			CartID:   cart.Contents.ID,
			CartHash: hash,
			Reason:   out.Reason,
		}
	default:
		return &PaymentFailure{
			CartID:   cart.Contents.ID,
			CartHash: hash,
			Reason:   out.Reason,
		}
	}
}

func (b *Bridge) fingerprint(cart *CartMandate) string {
	if cart.CartHash != "" {
		return cart.CartHash
	}
	return ComputeCartHash(cart.Contents)
}

// settlementToken extracts the token from the method-specific response
// details, accepting both key spellings seen in the wild.
func settlementToken(details map[string]any) string {
	for _, key := range []string{"transaction_token", "token"} {
		if v, ok := details[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
