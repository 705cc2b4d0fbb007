// Package paygate implements a seller-side payment gate for autonomous
// agents: a payment negotiation state machine with pluggable settlement
// rail verifiers. The host agent opens the gate with a priced action, sends
// the resulting payment request to its counter-party, feeds commitments
// back in, and the gate verifies settlement and runs the action exactly
// once per verified payment.
package paygate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/metrics"
	"github.com/vitwit/paygate/session"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/verifiers"
)

// GatedAction is the opaque paid operation. The gate runs it at most once
// per session, after the payment commitment has been verified.
type GatedAction func(ctx context.Context) error

// Outcome is the result of a commit, cancel, or status lookup, shaped for
// the counter-party: either a completion or a typed, human-readable refusal.
type Outcome struct {
	SessionID string
	State     types.SessionState

	// FailureKind is set on any non-fulfilled outcome, and on a duplicate
	// commit against a fulfilled session.
	FailureKind types.ErrorKind

	// Reason is the counter-party-facing text derived from FailureKind.
	Reason string

	// Verification backs a fulfilled or rejected outcome where a rail
	// verifier was consulted.
	Verification *types.VerificationResult

	// Reference is the transaction reference that fulfilled the session.
	Reference string

	// ActionErr reports a gated action that failed after payment was
	// taken. The session stays fulfilled; the host decides how to recover.
	ActionErr error
}

// Fulfilled reports whether this outcome completes the payment.
func (o *Outcome) Fulfilled() bool {
	return o.State == types.StateFulfilled && o.FailureKind == ""
}

// Complete returns the completion message for a fulfilled outcome, nil
// otherwise.
func (o *Outcome) Complete() *types.CompletePayment {
	if !o.Fulfilled() {
		return nil
	}
	return &types.CompletePayment{Reference: o.Reference}
}

// Reject returns the refusal message for a failed outcome, nil otherwise.
func (o *Outcome) Reject() *types.RejectPayment {
	if o.FailureKind == "" {
		return nil
	}
	return &types.RejectPayment{Reference: o.SessionID, Reason: o.Reason}
}

// Gate is the negotiation state machine. Sessions are independent; a
// session-scoped lock guards state transitions and fulfillment dispatch so
// duplicate deliveries from the messaging layer cannot dispatch twice.
type Gate struct {
	store      session.Store
	rails      map[types.Method]verifiers.Verifier
	recipients map[types.Method]string

	log     logger.Logger
	metrics metrics.Recorder

	timeout       time.Duration
	retryAttempts int
	retryBackoff  time.Duration
	maxBackoff    time.Duration
	sweepInterval time.Duration

	now func() time.Time

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	actions map[string]GatedAction

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a gate over the given session store. Rails and recipients are
// supplied through options; an accepted method with no registered verifier
// fails at Open, not per-commit.
func New(store session.Store, opts ...Option) *Gate {
	g := &Gate{
		store:         store,
		rails:         make(map[types.Method]verifiers.Verifier),
		recipients:    make(map[types.Method]string),
		log:           logger.NoopLogger{},
		metrics:       metrics.NoopRecorder{},
		timeout:       30 * time.Second,
		retryAttempts: 3,
		retryBackoff:  2 * time.Second,
		maxBackoff:    30 * time.Second,
		sweepInterval: 30 * time.Second,
		now:           time.Now,
		locks:         make(map[string]*sync.Mutex),
		actions:       make(map[string]GatedAction),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.wg.Add(1)
	go g.sweep()

	return g
}

// Open creates a payment session gating the given action and returns the
// request to send to the counter-party. The session awaits a commitment
// until deadlineSeconds elapse.
func (g *Gate) Open(ctx context.Context, action GatedAction, acceptedFunds []types.Funds, deadlineSeconds int, description string) (*types.PaymentRequest, error) {
	if action == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "gated action is required")
	}
	if len(acceptedFunds) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "accepted funds must not be empty")
	}
	if deadlineSeconds <= 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "deadline must be positive")
	}

	hints := make(map[string]string)
	for _, f := range acceptedFunds {
		if !f.Method.Valid() {
			return nil, types.NewError(types.ErrInvalidRequest,
				fmt.Sprintf("unsupported payment method: %s", f.Method))
		}
		if _, err := f.Decimal(); err != nil {
			return nil, types.WrapError(types.ErrInvalidRequest, "invalid accepted funds", err)
		}
		if _, ok := g.rails[f.Method]; !ok {
			return nil, types.NewError(types.ErrConfiguration,
				fmt.Sprintf("no verifier configured for method %s", f.Method))
		}
		identity, ok := g.recipients[f.Method]
		if !ok || identity == "" {
			return nil, types.NewError(types.ErrConfiguration,
				fmt.Sprintf("no recipient identity configured for method %s", f.Method))
		}
		hints["recipient_"+f.Method.String()] = identity
	}

	id, err := newSessionID()
	if err != nil {
		return nil, types.WrapError(types.ErrConfiguration, "failed to generate session id", err)
	}

	now := g.now()
	req := types.PaymentRequest{
		ID:            id,
		AcceptedFunds: acceptedFunds,
		Recipient:     g.recipients[acceptedFunds[0].Method],
		Deadline:      now.Add(time.Duration(deadlineSeconds) * time.Second),
		Description:   description,
		MethodHints:   hints,
	}
	sess := &types.PaymentSession{
		SessionID: id,
		Request:   req,
		State:     types.StateAwaitingPayment,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := g.store.Put(ctx, sess); err != nil {
		return nil, types.WrapError(types.ErrNetworkFailure, "failed to persist session", err)
	}

	g.mu.Lock()
	g.actions[id] = action
	g.mu.Unlock()

	g.metrics.IncCounter("session_opened", map[string]string{"method": acceptedFunds[0].Method.String()})
	g.log.Info("payment session opened", map[string]any{
		"session_id": id,
		"deadline":   req.Deadline,
		"methods":    len(acceptedFunds),
	})
	return &req, nil
}

// Commit processes a counter-party payment commitment: it verifies the
// transaction reference on the committed rail and, when every invariant
// holds, runs the gated action and fulfills the session.
//
// The returned error is reserved for caller bugs and store failures;
// negotiation failures travel inside the Outcome so the host can relay
// them as a RejectPayment.
func (g *Gate) Commit(ctx context.Context, sessionID string, msg *types.CommitPayment) (*Outcome, error) {
	if msg == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "commitment is required")
	}
	if !msg.Funds.Method.Valid() {
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("unsupported payment method: %s", msg.Funds.Method))
	}

	lock := g.sessionLock(sessionID)
	lock.Lock()

	sess, err := g.store.Get(ctx, sessionID)
	if err != nil {
		lock.Unlock()
		if errors.Is(err, session.ErrNotFound) {
			return nil, types.NewError(types.ErrInvalidState, "unknown payment session")
		}
		return nil, types.WrapError(types.ErrNetworkFailure, "failed to load session", err)
	}

	// Idempotent re-commit: same reference returns the recorded outcome,
	// a different reference is refused without touching the original.
	if sess.State == types.StateFulfilled {
		defer lock.Unlock()
		if msg.TransactionID == sess.FulfilledReference {
			return g.outcomeOf(sess), nil
		}
		return &Outcome{
			SessionID:   sessionID,
			State:       sess.State,
			FailureKind: types.ErrAlreadyFulfilled,
			Reason:      types.ErrAlreadyFulfilled.Reason(),
		}, nil
	}
	if sess.State != types.StateAwaitingPayment {
		defer lock.Unlock()
		return &Outcome{
			SessionID:   sessionID,
			State:       sess.State,
			FailureKind: types.ErrInvalidState,
			Reason:      types.ErrInvalidState.Reason(),
		}, nil
	}

	now := g.now()
	if sess.Expired(now) {
		out := g.finishLocked(ctx, sess, types.StateExpired, types.ErrExpired, nil)
		lock.Unlock()
		return out, nil
	}

	expected, ok := sess.AcceptedFor(msg.Funds.Method)
	if !ok {
		out := g.finishLocked(ctx, sess, types.StateRejected, types.ErrUnverifiedTransaction, &types.VerificationResult{
			FailureReason: fmt.Sprintf("method %s is not accepted for this session", msg.Funds.Method),
		})
		lock.Unlock()
		return out, nil
	}
	verifier, ok := g.rails[msg.Funds.Method]
	if !ok {
		lock.Unlock()
		return nil, types.NewError(types.ErrConfiguration,
			fmt.Sprintf("no verifier configured for method %s", msg.Funds.Method))
	}
	recipient := g.recipients[msg.Funds.Method]

	commitment := &types.PaymentCommitment{
		Funds:                msg.Funds,
		Recipient:            msg.Recipient,
		TransactionReference: msg.TransactionID,
		ProofMetadata:        msg.Metadata,
		SubmittedAt:          now,
	}
	sess.Commitment = commitment
	sess.State = types.StateVerifying
	sess.UpdatedAt = now
	if err := g.store.Put(ctx, sess); err != nil {
		lock.Unlock()
		return nil, types.WrapError(types.ErrNetworkFailure, "failed to persist session", err)
	}

	// The verifier call suspends; release the session lock so cancel and
	// deadline expiry stay responsive while it is in flight.
	lock.Unlock()

	log := g.log.With(map[string]any{
		"session_id": sessionID,
		"method":     expected.Method.String(),
	})

	start := g.now()
	result, verr := g.verifyWithRetry(ctx, verifier, commitment, expected, recipient, sess.Request.Deadline)
	g.metrics.ObserveLatency("verify", g.now().Sub(start), map[string]string{"method": expected.Method.String()})

	lock.Lock()
	defer lock.Unlock()

	sess, err = g.store.Get(ctx, sessionID)
	if err != nil {
		return nil, types.WrapError(types.ErrNetworkFailure, "failed to reload session", err)
	}
	// Cooperative cancellation: if the session moved on while the verifier
	// was in flight, its result is discarded, never dispatched.
	if sess.State != types.StateVerifying {
		log.Info("discarding verification result for settled session", map[string]any{
			"state": sess.State,
		})
		return g.outcomeOf(sess), nil
	}

	if verr != nil {
		kind := types.KindOf(verr)
		state := types.StateRejected
		if kind == types.ErrPendingSettlement && g.now().After(sess.Request.Deadline) {
			state, kind = types.StateExpired, types.ErrExpired
		}
		log.Warn("payment verification failed", map[string]any{
			"kind":  string(kind),
			"error": verr.Error(),
		})
		return g.finishLocked(ctx, sess, state, kind, nil), nil
	}

	if !result.Verified {
		return g.finishLocked(ctx, sess, types.StateRejected, types.ErrUnverifiedTransaction, result), nil
	}
	if reason := g.checkInvariants(result, expected, recipient); reason != "" {
		result.Verified = false
		result.FailureReason = reason
		return g.finishLocked(ctx, sess, types.StateRejected, types.ErrUnverifiedTransaction, result), nil
	}

	// Global replay ledger: a reference that ever fulfilled for this
	// recipient can never fulfill again, across all sessions.
	fresh, err := g.store.ConsumeReference(ctx, recipient, commitment.TransactionReference)
	if err != nil {
		return nil, types.WrapError(types.ErrNetworkFailure, "failed to record transaction reference", err)
	}
	if !fresh {
		result.Verified = false
		result.FailureReason = "transaction reference was already used"
		return g.finishLocked(ctx, sess, types.StateRejected, types.ErrUnverifiedTransaction, result), nil
	}

	sess.State = types.StateFulfilled
	sess.FulfilledReference = commitment.TransactionReference
	sess.Verification = result
	sess.UpdatedAt = g.now()
	if err := g.store.Put(ctx, sess); err != nil {
		return nil, types.WrapError(types.ErrNetworkFailure, "failed to persist session", err)
	}

	out := g.outcomeOf(sess)
	out.ActionErr = g.dispatchOnce(ctx, sessionID)

	g.metrics.IncCounter("session_fulfilled", map[string]string{"method": expected.Method.String()})
	log.Info("payment fulfilled", map[string]any{
		"reference": commitment.TransactionReference,
		"amount":    result.NormalizedAmount,
	})
	return out, nil
}

// Cancel transitions any non-terminal session to cancelled. A verifier call
// already in flight is not interrupted; its result is discarded when it
// lands.
func (g *Gate) Cancel(ctx context.Context, sessionID, reason string) (*Outcome, error) {
	lock := g.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := g.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, types.NewError(types.ErrInvalidState, "unknown payment session")
		}
		return nil, types.WrapError(types.ErrNetworkFailure, "failed to load session", err)
	}
	if sess.State.Terminal() {
		return g.outcomeOf(sess), nil
	}

	sess.State = types.StateCancelled
	sess.UpdatedAt = g.now()
	if err := g.store.Put(ctx, sess); err != nil {
		return nil, types.WrapError(types.ErrNetworkFailure, "failed to persist session", err)
	}
	g.dropAction(sessionID)

	g.metrics.IncCounter("session_cancelled", map[string]string{"method": ""})
	g.log.Info("payment session cancelled", map[string]any{
		"session_id": sessionID,
		"reason":     reason,
	})

	out := g.outcomeOf(sess)
	if reason != "" {
		out.Reason = reason
	}
	return out, nil
}

// Reject handles a counter-party RejectPayment: the buyer declined to pay,
// so the session is cancelled with their reason.
func (g *Gate) Reject(ctx context.Context, sessionID, reason string) (*Outcome, error) {
	if reason == "" {
		reason = "payment declined by counter-party"
	}
	return g.Cancel(ctx, sessionID, reason)
}

// Outcome returns the current outcome for a session without mutating it.
func (g *Gate) Outcome(ctx context.Context, sessionID string) (*Outcome, error) {
	sess, err := g.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, types.NewError(types.ErrInvalidState, "unknown payment session")
		}
		return nil, types.WrapError(types.ErrNetworkFailure, "failed to load session", err)
	}
	return g.outcomeOf(sess), nil
}

// Forget removes a terminal session from the store. The global replay
// ledger of consumed references is unaffected.
func (g *Gate) Forget(ctx context.Context, sessionID string) error {
	lock := g.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := g.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return types.WrapError(types.ErrNetworkFailure, "failed to load session", err)
	}
	if !sess.State.Terminal() {
		return types.NewError(types.ErrInvalidState, "session is still active")
	}
	if err := g.store.Delete(ctx, sessionID); err != nil {
		return types.WrapError(types.ErrNetworkFailure, "failed to delete session", err)
	}
	g.dropAction(sessionID)
	return nil
}

// Close stops the deadline sweeper and releases rail connections.
func (g *Gate) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
	})
	g.wg.Wait()
	for _, v := range g.rails {
		if c, ok := v.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

// verifyWithRetry runs the verifier with a bounded retry-with-backoff loop.
// Only retryable errors (pending settlement, transient network failures)
// re-enter the loop; a verdict, verified or not, returns immediately. The
// loop stops early once the request deadline has passed.
func (g *Gate) verifyWithRetry(ctx context.Context, v verifiers.Verifier, c *types.PaymentCommitment, expected types.Funds, recipient string, deadline time.Time) (*types.VerificationResult, error) {
	backoff := g.retryBackoff
	var lastErr error

	for attempt := 1; attempt <= g.retryAttempts; attempt++ {
		if attempt > 1 {
			if g.now().After(deadline) {
				break
			}
			select {
			case <-ctx.Done():
				return nil, types.WrapError(types.ErrNetworkFailure, "verification aborted", ctx.Err())
			case <-g.done:
				return nil, types.NewError(types.ErrNetworkFailure, "gate is shutting down")
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > g.maxBackoff {
				backoff = g.maxBackoff
			}
		}

		vctx, cancel := context.WithTimeout(ctx, g.timeout)
		result, err := v.Verify(vctx, c, expected, recipient)
		cancel()
		if err == nil {
			return result, nil
		}

		var pe *types.PaymentError
		if !errors.As(err, &pe) || !pe.Retryable() {
			return nil, err
		}
		lastErr = err
		g.metrics.IncCounter("verify_retry", map[string]string{"method": expected.Method.String()})
		g.log.Debug("verification not final, retrying", map[string]any{
			"attempt": attempt,
			"method":  expected.Method.String(),
			"kind":    string(pe.Kind),
		})
	}
	return nil, lastErr
}

// checkInvariants compares a verified result against the request. It returns
// an empty string when the payment may fulfill the session.
func (g *Gate) checkInvariants(result *types.VerificationResult, expected types.Funds, recipient string) string {
	wanted, err := expected.Decimal()
	if err != nil {
		return "requested amount is invalid"
	}
	got, err := result.Amount()
	if err != nil {
		return "settled amount is invalid"
	}
	if !strings.EqualFold(result.NormalizedCurrency, expected.Currency) {
		return fmt.Sprintf("settled currency %s does not match requested %s",
			result.NormalizedCurrency, expected.Currency)
	}
	if got.LessThan(wanted) {
		return fmt.Sprintf("settled amount %s is below the requested %s",
			got.String(), wanted.String())
	}
	if !strings.EqualFold(result.NormalizedRecipient, recipient) {
		return "payment did not reach the seller"
	}
	return ""
}

// dispatchOnce runs and forgets the session's gated action. The action is
// removed before it runs, so a concurrent or repeated commit can never run
// it twice.
func (g *Gate) dispatchOnce(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	action, ok := g.actions[sessionID]
	delete(g.actions, sessionID)
	g.mu.Unlock()
	if !ok || action == nil {
		g.log.Warn("no gated action registered for fulfilled session", map[string]any{
			"session_id": sessionID,
		})
		return nil
	}

	if err := action(ctx); err != nil {
		g.metrics.IncCounter("action_failed", map[string]string{"method": ""})
		g.log.Error("gated action failed after payment", map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return err
	}
	return nil
}

// finishLocked moves a session to a terminal failure state. Caller holds the
// session lock.
func (g *Gate) finishLocked(ctx context.Context, sess *types.PaymentSession, state types.SessionState, kind types.ErrorKind, result *types.VerificationResult) *Outcome {
	sess.State = state
	sess.FailureKind = kind
	if result != nil {
		sess.Verification = result
	}
	sess.UpdatedAt = g.now()
	if err := g.store.Put(ctx, sess); err != nil {
		g.log.Error("failed to persist terminal session", map[string]any{
			"session_id": sess.SessionID,
			"error":      err.Error(),
		})
	}
	g.dropAction(sess.SessionID)

	method := ""
	if sess.Commitment != nil {
		method = sess.Commitment.Funds.Method.String()
	}
	counter := "session_rejected"
	if state == types.StateExpired {
		counter = "session_expired"
	}
	g.metrics.IncCounter(counter, map[string]string{"method": method})
	g.log.Info("payment session closed", map[string]any{
		"session_id": sess.SessionID,
		"state":      string(state),
		"kind":       string(kind),
	})
	return g.outcomeOf(sess)
}

// outcomeOf shapes a stored session into its counter-party-facing outcome.
func (g *Gate) outcomeOf(sess *types.PaymentSession) *Outcome {
	out := &Outcome{
		SessionID:    sess.SessionID,
		State:        sess.State,
		FailureKind:  sess.FailureKind,
		Verification: sess.Verification,
		Reference:    sess.FulfilledReference,
	}
	if out.FailureKind != "" {
		out.Reason = out.FailureKind.Reason()
	} else if sess.State == types.StateCancelled {
		out.Reason = "payment request was cancelled"
	}
	return out
}

// sweep proactively expires sessions still awaiting payment past their
// deadline, so abandoned requests do not hold resources until a commit
// happens to arrive.
func (g *Gate) sweep() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		ids, err := g.store.ExpiredBefore(ctx, g.now())
		if err != nil {
			g.log.Warn("deadline sweep failed", map[string]any{"error": err.Error()})
			cancel()
			continue
		}
		for _, id := range ids {
			g.expire(ctx, id)
		}
		cancel()
	}
}

func (g *Gate) expire(ctx context.Context, sessionID string) {
	lock := g.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := g.store.Get(ctx, sessionID)
	if err != nil {
		return
	}
	if sess.State != types.StateAwaitingPayment || !sess.Expired(g.now()) {
		return
	}
	g.finishLocked(ctx, sess, types.StateExpired, types.ErrExpired, nil)
}

func (g *Gate) sessionLock(sessionID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[sessionID] = lock
	}
	return lock
}

func (g *Gate) dropAction(sessionID string) {
	g.mu.Lock()
	delete(g.actions, sessionID)
	g.mu.Unlock()
}

func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
