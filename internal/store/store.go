// Package store implements the orchestrator's Persistence Store: a thin,
// Redis-backed key/value and set abstraction. Every method wraps I/O
// failures in apperr.ErrStoreUnavailable.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/agentswarm/orchestrator/internal/apperr"
)

// Store is the Persistence Store contract: a small set of primitives every
// higher-level component (locks, tasks) builds on.
// Nothing above this layer is allowed to assume cross-key transactionality.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
	SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	// Scan returns every key matching prefix+"*". Order is unspecified and,
	// under concurrent writes, a key may be returned more than once -
	// callers must tolerate both.
	Scan(ctx context.Context, prefix string) ([]string, error)
	// Pipeline executes a batch of SetEX operations best-effort. It is NOT
	// a transaction: a failure partway through may leave some writes
	// applied and others not. Callers (file lock acquisition in
	// particular) must be written to tolerate partial application.
	Pipeline(ctx context.Context, ops []SetEXOp) error
}

// SetEXOp is one write in a Pipeline batch.
type SetEXOp struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// RedisStore is the production Store, backed by go-redis.
type RedisStore struct {
	client *redis.Client
}

// New connects to the given redis:// URL. Connection is lazy in the sense
// that go-redis dials on first use; New only validates the URL parses.
func New(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis url")
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an already-constructed client, the injection point
// tests use to point at a miniredis instance.
func NewFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func wrapUnavailable(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(errors.Wrap(apperr.ErrStoreUnavailable, err.Error()), msg)
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapUnavailable(err, "failed to get key "+key)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return wrapUnavailable(err, "failed to set key "+key)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return wrapUnavailable(err, "failed to delete key "+key)
	}
	return nil
}

func (s *RedisStore) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrapUnavailable(err, "failed to setex key "+key)
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	// EXPIRE on a missing key is a documented no-op in Redis; go-redis
	// surfaces that as ok=false with no error, which we treat as success
	// per the contract ("no-op if key is missing").
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return wrapUnavailable(err, "failed to expire key "+key)
	}
	return nil
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return wrapUnavailable(err, "failed to sadd key "+key)
	}
	return nil
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		return wrapUnavailable(err, "failed to srem key "+key)
	}
	return nil
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrapUnavailable(err, "failed to smembers key "+key)
	}
	return members, nil
}

// Scan uses SCAN cursors rather than KEYS - KEYS blocks the
// server and would give false atomicity guarantees this store doesn't make.
func (s *RedisStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, wrapUnavailable(err, "failed to scan prefix "+prefix)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Pipeline batches independent SETEX writes with go-redis's Pipeliner. This
// reduces round trips but is explicitly not atomic: redis.Pipeline does not
// wrap the batch in MULTI/EXEC, so a connection error partway through can
// leave a partial write set. Higher layers (file lock acquisition) are
// written to tolerate that.
func (s *RedisStore) Pipeline(ctx context.Context, ops []SetEXOp) error {
	if len(ops) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, op := range ops {
		pipe.Set(ctx, op.Key, op.Value, op.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapUnavailable(err, "failed to execute pipeline")
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
