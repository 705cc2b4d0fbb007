package paygate

import (
	"time"

	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/metrics"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/verifiers"
)

type Option func(*Gate)

func WithLogger(l logger.Logger) Option {
	return func(g *Gate) {
		g.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(g *Gate) {
		g.metrics = r
	}
}

// WithTimeout bounds each individual verifier call.
func WithTimeout(t time.Duration) Option {
	return func(g *Gate) {
		g.timeout = t
	}
}

// WithRetry sets the verify retry budget: attempts is the total number of
// verifier calls per commitment, backoff the initial delay between them.
// The delay doubles per attempt up to maxBackoff.
func WithRetry(attempts int, backoff, maxBackoff time.Duration) Option {
	return func(g *Gate) {
		if attempts > 0 {
			g.retryAttempts = attempts
		}
		if backoff > 0 {
			g.retryBackoff = backoff
		}
		if maxBackoff > 0 {
			g.maxBackoff = maxBackoff
		}
	}
}

// WithSweepInterval sets how often the background timer scans for sessions
// still awaiting payment past their deadline.
func WithSweepInterval(d time.Duration) Option {
	return func(g *Gate) {
		g.sweepInterval = d
	}
}

// WithVerifier registers a rail verifier. The last verifier registered for
// a method wins.
func WithVerifier(v verifiers.Verifier) Option {
	return func(g *Gate) {
		g.rails[v.Method()] = v
	}
}

// WithRecipient sets the seller identity payment must reach on the given
// rail: a ledger address, a bearer-token audience, or a checkout account id.
func WithRecipient(method types.Method, identity string) Option {
	return func(g *Gate) {
		g.recipients[method] = identity
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}
