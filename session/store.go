// Package session stores per-conversation payment state with deadline-driven
// eviction, replacing unbounded process-lifetime maps keyed by chat sender.
// It also keeps the global ledger of consumed transaction references so a
// proof that fulfilled once can never trigger fulfillment again.
package session

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/vitwit/paygate/types"
)

// ErrNotFound is returned when no session exists for the given id.
var ErrNotFound = errors.New("session not found")

// Store persists payment sessions and the consumed-reference ledger.
// Implementations must be safe for concurrent use; sessions are independent
// and need no cross-session ordering.
type Store interface {
	// Put creates or replaces a session.
	Put(ctx context.Context, s *types.PaymentSession) error

	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*types.PaymentSession, error)

	// Delete removes a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, sessionID string) error

	// ExpiredBefore returns ids of sessions still awaiting payment whose
	// deadline passed before t.
	ExpiredBefore(ctx context.Context, t time.Time) ([]string, error)

	// ConsumeReference records a transaction reference as used for the
	// given recipient. It returns false when the reference was already
	// consumed, which must never trigger fulfillment again.
	ConsumeReference(ctx context.Context, recipient, reference string) (bool, error)
}

const memoryShards = 16

type memoryShard struct {
	mu       sync.RWMutex
	sessions map[string]*types.PaymentSession
}

// MemoryStore is the in-process store: sessions sharded by id, a single
// consumed-reference set. Suitable for a single-process seller agent; use
// RedisStore when sessions must survive the process or scale horizontally.
type MemoryStore struct {
	shards [memoryShards]*memoryShard

	refMu    sync.Mutex
	consumed map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{consumed: make(map[string]struct{})}
	for i := range m.shards {
		m.shards[i] = &memoryShard{sessions: make(map[string]*types.PaymentSession)}
	}
	return m
}

func (m *MemoryStore) shard(sessionID string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return m.shards[h.Sum32()%memoryShards]
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, s *types.PaymentSession) error {
	sh := m.shard(s.SessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cp := *s
	sh.sessions[s.SessionID] = &cp
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, sessionID string) (*types.PaymentSession, error) {
	sh := m.shard(sessionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	sh := m.shard(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.sessions, sessionID)
	return nil
}

// ExpiredBefore implements Store.
func (m *MemoryStore) ExpiredBefore(_ context.Context, t time.Time) ([]string, error) {
	var ids []string
	for _, sh := range m.shards {
		sh.mu.RLock()
		for id, s := range sh.sessions {
			if s.State == types.StateAwaitingPayment && s.Expired(t) {
				ids = append(ids, id)
			}
		}
		sh.mu.RUnlock()
	}
	return ids, nil
}

// ConsumeReference implements Store.
func (m *MemoryStore) ConsumeReference(_ context.Context, recipient, reference string) (bool, error) {
	key := recipient + "\x00" + reference
	m.refMu.Lock()
	defer m.refMu.Unlock()
	if _, used := m.consumed[key]; used {
		return false, nil
	}
	m.consumed[key] = struct{}{}
	return true, nil
}
