package verifiers

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/paygate/types"
)

const (
	testIssuer    = "https://tokens.example"
	testAudience  = "seller-account-1"
	testServiceID = "svc-image-gen"
)

type bearerFixture struct {
	verifier  *BearerVerifier
	key       *ecdsa.PrivateKey
	jwksSrv   *httptest.Server
	chargeSrv *httptest.Server
	charges   *int64
}

func newBearerFixture(t *testing.T, chargeStatus int) *bearerFixture {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pub := key.PublicKey
		xb := make([]byte, 32)
		yb := make([]byte, 32)
		pub.X.FillBytes(xb)
		pub.Y.FillBytes(yb)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "EC",
				"crv": "P-256",
				"kid": "test-key",
				"x":   base64.RawURLEncoding.EncodeToString(xb),
				"y":   base64.RawURLEncoding.EncodeToString(yb),
			}},
		})
	}))
	t.Cleanup(jwksSrv.Close)

	var charges int64
	chargeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&charges, 1)
		assert.Equal(t, "test-api-key", r.Header.Get("skyfire-api-key"))
		w.WriteHeader(chargeStatus)
		if chargeStatus < 300 {
			json.NewEncoder(w).Encode(map[string]string{
				"amountCharged":    "0.001",
				"remainingBalance": "4.999",
			})
		}
	}))
	t.Cleanup(chargeSrv.Close)

	verifier, err := NewBearerVerifier(BearerConfig{
		JWKSURL:   jwksSrv.URL,
		Issuer:    testIssuer,
		Audience:  testAudience,
		ServiceID: testServiceID,
		ChargeURL: chargeSrv.URL,
		APIKey:    "test-api-key",
	})
	require.NoError(t, err)

	return &bearerFixture{
		verifier:  verifier,
		key:       key,
		jwksSrv:   jwksSrv,
		chargeSrv: chargeSrv,
		charges:   &charges,
	}
}

func (f *bearerFixture) token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = "test-key"
	signed, err := tok.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"ssi": testServiceID,
		"sub": "buyer-account-7",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	}
}

func usdc(amount string) types.Funds {
	return types.Funds{Amount: amount, Currency: "USDC", Method: types.MethodBearerCharge}
}

func TestBearerVerifyAndCharge(t *testing.T) {
	f := newBearerFixture(t, http.StatusOK)

	commitment := &types.PaymentCommitment{TransactionReference: f.token(t, validClaims())}
	result, err := f.verifier.Verify(context.Background(), commitment, usdc("0.001"), testAudience)
	require.NoError(t, err)

	assert.True(t, result.Verified)
	assert.Equal(t, "0.001", result.NormalizedAmount)
	assert.Equal(t, "USDC", result.NormalizedCurrency)
	assert.Equal(t, testAudience, result.NormalizedRecipient)
	assert.Equal(t, "buyer-account-7", result.Payer)
	assert.Equal(t, "4.999", result.Evidence["remaining_balance"])
	assert.Equal(t, int64(1), atomic.LoadInt64(f.charges))
}

func TestBearerWrongAudienceSkipsCharge(t *testing.T) {
	f := newBearerFixture(t, http.StatusOK)

	claims := validClaims()
	claims["aud"] = "some-other-seller"
	commitment := &types.PaymentCommitment{TransactionReference: f.token(t, claims)}

	result, err := f.verifier.Verify(context.Background(), commitment, usdc("0.001"), testAudience)
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Equal(t, int64(0), atomic.LoadInt64(f.charges),
		"a token bound to another seller must never reach the charge endpoint")
}

func TestBearerWrongServiceBindingSkipsCharge(t *testing.T) {
	f := newBearerFixture(t, http.StatusOK)

	claims := validClaims()
	claims["ssi"] = "svc-other"
	commitment := &types.PaymentCommitment{TransactionReference: f.token(t, claims)}

	result, err := f.verifier.Verify(context.Background(), commitment, usdc("0.001"), testAudience)
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Contains(t, result.FailureReason, testServiceID)
	assert.Equal(t, int64(0), atomic.LoadInt64(f.charges))
}

func TestBearerExpiredToken(t *testing.T) {
	f := newBearerFixture(t, http.StatusOK)

	claims := validClaims()
	claims["exp"] = time.Now().Add(-time.Minute).Unix()
	commitment := &types.PaymentCommitment{TransactionReference: f.token(t, claims)}

	result, err := f.verifier.Verify(context.Background(), commitment, usdc("0.001"), testAudience)
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Equal(t, int64(0), atomic.LoadInt64(f.charges))
}

func TestBearerForgedSignature(t *testing.T) {
	f := newBearerFixture(t, http.StatusOK)

	// Token signed by a different key under the same kid.
	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, validClaims())
	tok.Header["kid"] = "test-key"
	forged, err := tok.SignedString(otherKey)
	require.NoError(t, err)

	result, verr := f.verifier.Verify(context.Background(),
		&types.PaymentCommitment{TransactionReference: forged}, usdc("0.001"), testAudience)
	require.NoError(t, verr)
	assert.False(t, result.Verified)
	assert.Equal(t, int64(0), atomic.LoadInt64(f.charges))
}

func TestBearerChargeRefusalIsTerminal(t *testing.T) {
	f := newBearerFixture(t, http.StatusPaymentRequired)

	commitment := &types.PaymentCommitment{TransactionReference: f.token(t, validClaims())}
	result, err := f.verifier.Verify(context.Background(), commitment, usdc("0.001"), testAudience)
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Contains(t, result.FailureReason, "charge refused")
}

func TestBearerChargeServerErrorIsRetryable(t *testing.T) {
	f := newBearerFixture(t, http.StatusInternalServerError)

	commitment := &types.PaymentCommitment{TransactionReference: f.token(t, validClaims())}
	_, err := f.verifier.Verify(context.Background(), commitment, usdc("0.001"), testAudience)
	require.Error(t, err)
	assert.Equal(t, types.ErrNetworkFailure, types.KindOf(err))
}

func TestBearerJWKSUnreachableIsRetryable(t *testing.T) {
	f := newBearerFixture(t, http.StatusOK)
	token := f.token(t, validClaims())
	f.jwksSrv.Close()

	commitment := &types.PaymentCommitment{TransactionReference: token}
	_, err := f.verifier.Verify(context.Background(), commitment, usdc("0.001"), testAudience)
	require.Error(t, err)
	assert.Equal(t, types.ErrNetworkFailure, types.KindOf(err))
}
