package verifiers

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/vitwit/paygate/types"
)

// transferTopic is the ERC-20 Transfer(address,address,uint256) event id.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// LedgerConfig configures the on-chain transfer rail.
type LedgerConfig struct {
	// RPCURL is the ledger RPC endpoint.
	RPCURL string

	// TokenAddress is the contract of the accepted asset.
	TokenAddress string

	// TokenSymbol is the currency code advertised in accepted funds.
	TokenSymbol string

	// TokenDecimals converts atomic transfer amounts to Funds units.
	TokenDecimals int32
}

// LedgerVerifier proves payment by looking up the commitment's transaction
// hash on a public ledger and inspecting its transfer events for a payment
// of the expected asset, of at least the requested amount, to the seller's
// own address. A transaction the ledger has not seen yet is reported as
// pending settlement, not rejected: the gate retries the lookup up to its
// bound.
type LedgerVerifier struct {
	cfg    LedgerConfig
	token  common.Address
	client *ethclient.Client
}

// NewLedgerVerifier connects to the ledger RPC endpoint.
func NewLedgerVerifier(cfg LedgerConfig) (*LedgerVerifier, error) {
	if cfg.RPCURL == "" || cfg.TokenAddress == "" || cfg.TokenSymbol == "" {
		return nil, types.NewError(types.ErrConfiguration,
			"ledger rail requires RPC URL, token address and token symbol")
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, types.NewError(types.ErrConfiguration,
			fmt.Sprintf("invalid token address: %s", cfg.TokenAddress))
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, types.WrapError(types.ErrConfiguration, "failed to connect to ledger RPC", err)
	}
	return &LedgerVerifier{
		cfg:    cfg,
		token:  common.HexToAddress(cfg.TokenAddress),
		client: client,
	}, nil
}

// Method implements Verifier.
func (v *LedgerVerifier) Method() types.Method {
	return types.MethodLedgerTransfer
}

// Verify implements Verifier.
func (v *LedgerVerifier) Verify(ctx context.Context, commitment *types.PaymentCommitment, expected types.Funds, recipient string) (*types.VerificationResult, error) {
	if !strings.EqualFold(expected.Currency, v.cfg.TokenSymbol) {
		return unverified(fmt.Sprintf("asset %s is not accepted on the ledger rail", expected.Currency)), nil
	}
	if err := validateTxHash(commitment.TransactionReference); err != nil {
		return unverified(err.Error()), nil
	}
	if !common.IsHexAddress(recipient) {
		return nil, types.NewError(types.ErrConfiguration,
			fmt.Sprintf("seller ledger recipient is not a valid address: %s", recipient))
	}

	hash := common.HexToHash(commitment.TransactionReference)
	receipt, err := v.client.TransactionReceipt(ctx, hash)
	if err == ethereum.NotFound {
		return nil, types.NewError(types.ErrPendingSettlement,
			fmt.Sprintf("transaction %s not yet visible on ledger", hash.Hex()))
	}
	if err != nil {
		return nil, types.WrapError(types.ErrNetworkFailure, "ledger receipt lookup failed", err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return unverified("transaction reverted on ledger"), nil
	}

	return v.inspectLogs(receipt.Logs, expected, common.HexToAddress(recipient))
}

// inspectLogs walks receipt logs for a Transfer of the accepted token to the
// seller's address. Per event: the recipient must match exactly, the amount
// must be at least the requested amount after decimal normalization.
func (v *LedgerVerifier) inspectLogs(logs []*ethtypes.Log, expected types.Funds, recipient common.Address) (*types.VerificationResult, error) {
	want, err := expected.Decimal()
	if err != nil {
		return nil, types.WrapError(types.ErrInvalidRequest, "invalid expected amount", err)
	}

	var best *types.VerificationResult
	for _, lg := range logs {
		if lg.Address != v.token || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		if to != recipient {
			continue
		}
		from := common.BytesToAddress(lg.Topics[1].Bytes())
		atomic := new(big.Int).SetBytes(lg.Data)
		amount := decimal.NewFromBigInt(atomic, -v.cfg.TokenDecimals)

		result := &types.VerificationResult{
			Verified:            amount.GreaterThanOrEqual(want),
			NormalizedAmount:    amount.String(),
			NormalizedCurrency:  v.cfg.TokenSymbol,
			NormalizedRecipient: to.Hex(),
			Payer:               from.Hex(),
			Evidence: map[string]string{
				"token":         v.token.Hex(),
				"atomic_amount": atomic.String(),
			},
		}
		if result.Verified {
			return result, nil
		}
		// Keep the short transfer so the failure reports what arrived.
		best = result
	}

	if best != nil {
		best.FailureReason = fmt.Sprintf(
			"transfer of %s %s is below the requested %s %s",
			best.NormalizedAmount, v.cfg.TokenSymbol, want.String(), expected.Currency)
		return best, nil
	}
	return unverified("no transfer of the accepted asset to the seller address found in transaction"), nil
}

// Close releases the RPC connection.
func (v *LedgerVerifier) Close() {
	if v.client != nil {
		v.client.Close()
	}
}

func validateTxHash(hash string) error {
	if !strings.HasPrefix(hash, "0x") || len(hash) != 66 {
		return fmt.Errorf("transaction hash must be 0x-prefixed and 66 characters long")
	}
	for _, c := range hash[2:] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return fmt.Errorf("transaction hash must be valid hex")
		}
	}
	return nil
}
