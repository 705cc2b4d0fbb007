package verifiers

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vitwit/paygate/types"
)

// BearerConfig configures the bearer-token charge rail.
type BearerConfig struct {
	// JWKSURL is where the token network publishes its signing keys.
	JWKSURL string

	// Issuer is the required iss claim.
	Issuer string

	// Audience is the seller account id the token must be addressed to.
	// This is also the rail's seller identity.
	Audience string

	// ServiceID is the seller service the token must be bound to (ssi
	// claim). Empty skips the binding check.
	ServiceID string

	// ChargeURL is the endpoint that debits a verified token.
	ChargeURL string

	// APIKey authenticates the seller to the charge endpoint.
	APIKey string
}

// BearerVerifier proves payment by validating the commitment's transaction
// reference as a signed bearer token (ES256 against the published key set,
// issuer, audience and service binding, expiry) and then debiting it for
// the requested amount at the charge endpoint. A signature or claim failure
// is terminal and never reaches the charge endpoint; a charge transport
// failure is retryable.
type BearerVerifier struct {
	cfg        BearerConfig
	httpClient *http.Client

	mu   sync.Mutex
	keys map[string]*ecdsa.PublicKey
}

// NewBearerVerifier validates the rail credentials.
func NewBearerVerifier(cfg BearerConfig) (*BearerVerifier, error) {
	if cfg.JWKSURL == "" || cfg.Issuer == "" || cfg.Audience == "" ||
		cfg.ChargeURL == "" || cfg.APIKey == "" {
		return nil, types.NewError(types.ErrConfiguration,
			"bearer rail requires JWKS URL, issuer, audience, charge URL and API key")
	}
	return &BearerVerifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		keys:       make(map[string]*ecdsa.PublicKey),
	}, nil
}

// Method implements Verifier.
func (v *BearerVerifier) Method() types.Method {
	return types.MethodBearerCharge
}

// Verify implements Verifier.
func (v *BearerVerifier) Verify(ctx context.Context, commitment *types.PaymentCommitment, expected types.Funds, recipient string) (*types.VerificationResult, error) {
	token := commitment.TransactionReference

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, v.keyfunc(ctx),
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		// A JWKS transport problem is retryable; anything else means
		// the token itself does not check out and retrying cannot help.
		var pe *types.PaymentError
		if errors.As(err, &pe) && pe.Retryable() {
			return nil, pe
		}
		return unverified(fmt.Sprintf("bearer token rejected: %v", err)), nil
	}

	if v.cfg.ServiceID != "" {
		if ssi, _ := claims["ssi"].(string); ssi != v.cfg.ServiceID {
			return unverified(fmt.Sprintf("bearer token is not issued for service %s", v.cfg.ServiceID)), nil
		}
	}

	charge, err := v.charge(ctx, token, expected.Amount)
	if err != nil {
		return nil, err
	}
	if !charge.ok {
		return unverified(charge.reason), nil
	}

	amount := charge.amountCharged
	if amount == "" {
		amount = expected.Amount
	}
	result := &types.VerificationResult{
		Verified:            true,
		NormalizedAmount:    amount,
		NormalizedCurrency:  expected.Currency,
		NormalizedRecipient: v.cfg.Audience,
		Evidence: map[string]string{
			"amount_charged": charge.amountCharged,
		},
	}
	if charge.remainingBalance != "" {
		result.Evidence["remaining_balance"] = charge.remainingBalance
	}
	if sub, _ := claims["sub"].(string); sub != "" {
		result.Payer = sub
	}
	return result, nil
}

type chargeOutcome struct {
	ok               bool
	reason           string
	amountCharged    string
	remainingBalance string
}

// charge debits the token for the requested amount. A 4xx answer is a
// terminal refusal by the token network; transport errors and 5xx answers
// are retryable.
func (v *BearerVerifier) charge(ctx context.Context, token, amount string) (*chargeOutcome, error) {
	body, err := json.Marshal(map[string]string{
		"token":        token,
		"chargeAmount": amount,
	})
	if err != nil {
		return nil, types.WrapError(types.ErrNetworkFailure, "encode charge request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.ChargeURL, bytes.NewReader(body))
	if err != nil {
		return nil, types.WrapError(types.ErrNetworkFailure, "build charge request", err)
	}
	req.Header.Set("skyfire-api-key", v.cfg.APIKey)
	req.Header.Set("skyfire-api-version", "2")
	req.Header.Set("content-type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, types.WrapError(types.ErrNetworkFailure, "charge endpoint unreachable", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	switch {
	case resp.StatusCode >= 500:
		return nil, types.NewError(types.ErrNetworkFailure,
			fmt.Sprintf("charge endpoint returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return &chargeOutcome{
			ok:     false,
			reason: fmt.Sprintf("charge refused with status %d", resp.StatusCode),
		}, nil
	}

	var parsed struct {
		AmountCharged    json.Number `json:"amountCharged"`
		RemainingBalance json.Number `json:"remainingBalance"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		// Charge went through; evidence fields are best-effort.
		return &chargeOutcome{ok: true}, nil
	}
	return &chargeOutcome{
		ok:               true,
		amountCharged:    parsed.AmountCharged.String(),
		remainingBalance: parsed.RemainingBalance.String(),
	}, nil
}

// keyfunc resolves the token's kid against the published key set.
func (v *BearerVerifier) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token header missing kid")
		}
		return v.signingKey(ctx, kid)
	}
}

func (v *BearerVerifier) signingKey(ctx context.Context, kid string) (*ecdsa.PublicKey, error) {
	v.mu.Lock()
	key, ok := v.keys[kid]
	v.mu.Unlock()
	if ok {
		return key, nil
	}

	keys, err := v.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.keys = keys
	key, ok = v.keys[kid]
	v.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no published key with kid %s", kid)
	}
	return key, nil
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (v *BearerVerifier) fetchJWKS(ctx context.Context) (map[string]*ecdsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return nil, types.WrapError(types.ErrNetworkFailure, "build JWKS request", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, types.WrapError(types.ErrNetworkFailure, "failed to fetch JWKS", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.ErrNetworkFailure,
			fmt.Sprintf("JWKS endpoint returned %d", resp.StatusCode))
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, types.WrapError(types.ErrNetworkFailure, "decode JWKS", err)
	}

	keys := make(map[string]*ecdsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "EC" || k.Crv != "P-256" || k.Kid == "" {
			continue
		}
		pub, err := parseECKey(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func parseECKey(k jwk) (*ecdsa.PublicKey, error) {
	xb, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode x coordinate: %w", err)
	}
	yb, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y coordinate: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xb),
		Y:     new(big.Int).SetBytes(yb),
	}, nil
}
