package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/paygate/types"
)

func newSession(id string, deadline time.Time) *types.PaymentSession {
	return &types.PaymentSession{
		SessionID: id,
		State:     types.StateAwaitingPayment,
		Request: types.PaymentRequest{
			ID:            "req-" + id,
			AcceptedFunds: []types.Funds{{Amount: "0.1", Currency: "FET", Method: types.MethodLedgerTransfer}},
			Recipient:     "fetch1seller",
			Deadline:      deadline,
		},
		CreatedAt: time.Now(),
	}
}

func TestMemoryStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s := newSession("s1", time.Now().Add(time.Minute))
	require.NoError(t, store.Put(ctx, s))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, types.StateAwaitingPayment, got.State)

	// Mutating the returned copy must not affect stored state.
	got.State = types.StateFulfilled
	again, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.StateAwaitingPayment, again.State)

	require.NoError(t, store.Delete(ctx, "s1"))
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is fine.
	require.NoError(t, store.Delete(ctx, "s1"))
}

func TestMemoryStoreExpiredBefore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.Put(ctx, newSession("past", now.Add(-time.Minute))))
	require.NoError(t, store.Put(ctx, newSession("future", now.Add(time.Hour))))

	done := newSession("done", now.Add(-time.Minute))
	done.State = types.StateFulfilled
	require.NoError(t, store.Put(ctx, done))

	ids, err := store.ExpiredBefore(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"past"}, ids)
}

func TestMemoryStoreConsumeReference(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ok, err := store.ConsumeReference(ctx, "fetch1seller", "0xabc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ConsumeReference(ctx, "fetch1seller", "0xabc")
	require.NoError(t, err)
	assert.False(t, ok, "same reference for same recipient must not consume twice")

	// Same reference toward a different seller identity is a distinct proof.
	ok, err = store.ConsumeReference(ctx, "fetch1other", "0xabc")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreConcurrentConsume(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	const workers = 32
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		go func() {
			ok, err := store.ConsumeReference(ctx, "seller", "tx-1")
			if err != nil {
				wins <- false
				return
			}
			wins <- ok
		}()
	}

	won := 0
	for i := 0; i < workers; i++ {
		if <-wins {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one concurrent consumer may win")
}

func TestMemoryStoreShardDistribution(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("session-%d", i)
		require.NoError(t, store.Put(ctx, newSession(id, time.Now().Add(time.Hour))))
	}
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("session-%d", i)
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.SessionID)
	}
}
