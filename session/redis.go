package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/vitwit/paygate/types"
)

const (
	sessionKeyPrefix  = "paygate:session:"
	consumedKeyPrefix = "paygate:ref:"
	deadlineIndexKey  = "paygate:deadlines"

	// Sessions linger past their deadline so idempotent re-commits can
	// find the cached outcome before eviction.
	sessionRetention = 24 * time.Hour
)

// RedisStore keeps sessions in Redis so a sharded seller deployment shares
// one session space and one consumed-reference ledger. A sorted set indexes
// open sessions by deadline for the sweeper.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis at addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client, for callers that manage
// their own connection pool.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, s *types.PaymentSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.SessionID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+s.SessionID, data, sessionRetention)
	if s.State == types.StateAwaitingPayment {
		pipe.ZAdd(ctx, deadlineIndexKey, &redis.Z{
			Score:  float64(s.Request.Deadline.Unix()),
			Member: s.SessionID,
		})
	} else {
		pipe.ZRem(ctx, deadlineIndexKey, s.SessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store session %s: %w", s.SessionID, err)
	}
	return nil
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, sessionID string) (*types.PaymentSession, error) {
	data, err := r.client.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var s types.PaymentSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &s, nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+sessionID)
	pipe.ZRem(ctx, deadlineIndexKey, sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// ExpiredBefore implements Store.
func (r *RedisStore) ExpiredBefore(ctx context.Context, t time.Time) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, deadlineIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(t.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan expired sessions: %w", err)
	}
	return ids, nil
}

// ConsumeReference implements Store. SETNX gives the whole deployment a
// single winner per (recipient, reference) pair.
func (r *RedisStore) ConsumeReference(ctx context.Context, recipient, reference string) (bool, error) {
	ok, err := r.client.SetNX(ctx, consumedKeyPrefix+recipient+":"+reference, 1, 0).Result()
	if err != nil {
		return false, fmt.Errorf("consume reference: %w", err)
	}
	return ok, nil
}

// Close releases the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
