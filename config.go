package paygate

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/metrics"
	"github.com/vitwit/paygate/session"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/verifiers"
)

// Config holds everything needed to assemble a gate from the environment.
// A rail is enabled by filling its credential block; Validate rejects a
// partially configured rail at construction rather than per-session.
type Config struct {
	LogLevel      string
	EnableMetrics bool

	VerifyTimeout time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	SweepInterval time.Duration

	// RedisAddr switches session storage from in-memory to Redis.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Ledger   verifiers.LedgerConfig
	Bearer   verifiers.BearerConfig
	Checkout verifiers.CheckoutConfig

	// LedgerRecipient is the seller address on the ledger rail. It lives
	// beside the rail config because the verifier itself is
	// recipient-agnostic.
	LedgerRecipient string
}

// LoadConfig reads the configuration from the environment, loading a .env
// file when present.
func LoadConfig() *Config {
	godotenv.Load()

	return &Config{
		LogLevel:      getEnvOrDefault("PAYGATE_LOG_LEVEL", "info"),
		EnableMetrics: os.Getenv("PAYGATE_ENABLE_METRICS") == "true",
		VerifyTimeout: getEnvDuration("PAYGATE_VERIFY_TIMEOUT", 30*time.Second),
		RetryAttempts: getEnvInt("PAYGATE_RETRY_ATTEMPTS", 3),
		RetryBackoff:  getEnvDuration("PAYGATE_RETRY_BACKOFF", 2*time.Second),
		SweepInterval: getEnvDuration("PAYGATE_SWEEP_INTERVAL", 30*time.Second),
		RedisAddr:     os.Getenv("PAYGATE_REDIS_ADDR"),
		RedisPassword: os.Getenv("PAYGATE_REDIS_PASSWORD"),
		RedisDB:       getEnvInt("PAYGATE_REDIS_DB", 0),
		Ledger: verifiers.LedgerConfig{
			RPCURL:        os.Getenv("PAYGATE_LEDGER_RPC_URL"),
			TokenAddress:  os.Getenv("PAYGATE_LEDGER_TOKEN_ADDRESS"),
			TokenSymbol:   getEnvOrDefault("PAYGATE_LEDGER_TOKEN_SYMBOL", "FET"),
			TokenDecimals: int32(getEnvInt("PAYGATE_LEDGER_TOKEN_DECIMALS", 18)),
		},
		Bearer: verifiers.BearerConfig{
			JWKSURL:   os.Getenv("PAYGATE_BEARER_JWKS_URL"),
			Issuer:    os.Getenv("PAYGATE_BEARER_ISSUER"),
			Audience:  os.Getenv("PAYGATE_BEARER_AUDIENCE"),
			ServiceID: os.Getenv("PAYGATE_BEARER_SERVICE_ID"),
			ChargeURL: os.Getenv("PAYGATE_BEARER_CHARGE_URL"),
			APIKey:    os.Getenv("PAYGATE_BEARER_API_KEY"),
		},
		Checkout: verifiers.CheckoutConfig{
			APIBase:   os.Getenv("PAYGATE_CHECKOUT_API_BASE"),
			SecretKey: os.Getenv("PAYGATE_CHECKOUT_SECRET_KEY"),
			AccountID: os.Getenv("PAYGATE_CHECKOUT_ACCOUNT_ID"),
		},
		LedgerRecipient: os.Getenv("PAYGATE_LEDGER_RECIPIENT"),
	}
}

// LedgerEnabled reports whether any ledger rail setting is present.
func (c *Config) LedgerEnabled() bool {
	return c.Ledger.RPCURL != "" || c.Ledger.TokenAddress != "" || c.LedgerRecipient != ""
}

// BearerEnabled reports whether any bearer rail setting is present.
func (c *Config) BearerEnabled() bool {
	return c.Bearer.JWKSURL != "" || c.Bearer.ChargeURL != "" || c.Bearer.APIKey != ""
}

// CheckoutEnabled reports whether any checkout rail setting is present.
func (c *Config) CheckoutEnabled() bool {
	return c.Checkout.SecretKey != "" || c.Checkout.AccountID != ""
}

// Validate checks that every enabled rail is fully configured. It returns a
// ConfigurationError naming the first missing setting.
func (c *Config) Validate() error {
	if !c.LedgerEnabled() && !c.BearerEnabled() && !c.CheckoutEnabled() {
		return types.NewError(types.ErrConfiguration, "no payment rail is configured")
	}
	if c.LedgerEnabled() {
		switch {
		case c.Ledger.RPCURL == "":
			return types.NewError(types.ErrConfiguration, "PAYGATE_LEDGER_RPC_URL is required")
		case c.Ledger.TokenAddress == "":
			return types.NewError(types.ErrConfiguration, "PAYGATE_LEDGER_TOKEN_ADDRESS is required")
		case c.LedgerRecipient == "":
			return types.NewError(types.ErrConfiguration, "PAYGATE_LEDGER_RECIPIENT is required")
		}
	}
	if c.BearerEnabled() {
		switch {
		case c.Bearer.JWKSURL == "":
			return types.NewError(types.ErrConfiguration, "PAYGATE_BEARER_JWKS_URL is required")
		case c.Bearer.Issuer == "":
			return types.NewError(types.ErrConfiguration, "PAYGATE_BEARER_ISSUER is required")
		case c.Bearer.Audience == "":
			return types.NewError(types.ErrConfiguration, "PAYGATE_BEARER_AUDIENCE is required")
		case c.Bearer.ChargeURL == "":
			return types.NewError(types.ErrConfiguration, "PAYGATE_BEARER_CHARGE_URL is required")
		case c.Bearer.APIKey == "":
			return types.NewError(types.ErrConfiguration, "PAYGATE_BEARER_API_KEY is required")
		}
	}
	if c.CheckoutEnabled() {
		switch {
		case c.Checkout.SecretKey == "":
			return types.NewError(types.ErrConfiguration, "PAYGATE_CHECKOUT_SECRET_KEY is required")
		case c.Checkout.AccountID == "":
			return types.NewError(types.ErrConfiguration, "PAYGATE_CHECKOUT_ACCOUNT_ID is required")
		}
	}
	return nil
}

// NewFromConfig validates the configuration and assembles a gate: session
// store, enabled rail verifiers, recipients, logging and metrics. Extra
// options are applied last and may override any of it.
func NewFromConfig(ctx context.Context, cfg *Config, opts ...Option) (*Gate, error) {
	if cfg == nil {
		return nil, types.NewError(types.ErrConfiguration, "config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var store session.Store
	if cfg.RedisAddr != "" {
		rs, err := session.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, types.WrapError(types.ErrConfiguration,
				fmt.Sprintf("failed to connect to redis at %s", cfg.RedisAddr), err)
		}
		store = rs
	} else {
		store = session.NewMemoryStore()
	}

	assembled := []Option{
		WithLogger(logger.NewZapLogger(cfg.LogLevel)),
		WithTimeout(cfg.VerifyTimeout),
		WithRetry(cfg.RetryAttempts, cfg.RetryBackoff, 0),
		WithSweepInterval(cfg.SweepInterval),
	}
	if cfg.EnableMetrics {
		assembled = append(assembled, WithMetrics(metrics.NewPrometheusRecorder()))
	}

	if cfg.LedgerEnabled() {
		v, err := verifiers.NewLedgerVerifier(cfg.Ledger)
		if err != nil {
			return nil, err
		}
		assembled = append(assembled,
			WithVerifier(v),
			WithRecipient(types.MethodLedgerTransfer, cfg.LedgerRecipient))
	}
	if cfg.BearerEnabled() {
		v, err := verifiers.NewBearerVerifier(cfg.Bearer)
		if err != nil {
			return nil, err
		}
		assembled = append(assembled,
			WithVerifier(v),
			WithRecipient(types.MethodBearerCharge, cfg.Bearer.Audience))
	}
	if cfg.CheckoutEnabled() {
		v, err := verifiers.NewCheckoutVerifier(cfg.Checkout)
		if err != nil {
			return nil, err
		}
		assembled = append(assembled,
			WithVerifier(v),
			WithRecipient(types.MethodHostedCheckout, cfg.Checkout.AccountID))
	}

	assembled = append(assembled, opts...)
	return New(store, assembled...), nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
