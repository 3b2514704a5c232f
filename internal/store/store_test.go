package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewFromClient(client)
}

func TestGetSetDel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "task:1", []byte("payload")))

	val, ok, err := s.Get(ctx, "task:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "payload", string(val))

	require.NoError(t, s.Del(ctx, "task:1"))
	_, ok, err = s.Get(ctx, "task:1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetEXAndExpire(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetEX(ctx, "lock:repo:a.go", []byte("task-1"), time.Hour))
	val, ok, err := s.Get(ctx, "lock:repo:a.go")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "task-1", string(val))

	// Expire on a missing key is documented as a no-op, not an error.
	require.NoError(t, s.Expire(ctx, "lock:repo:missing", time.Minute))
}

func TestSetMembership(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SAdd(ctx, "tasks:active", "issue-1", "issue-2"))
	members, err := s.SMembers(ctx, "tasks:active")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"issue-1", "issue-2"}, members)

	require.NoError(t, s.SRem(ctx, "tasks:active", "issue-1"))
	members, err = s.SMembers(ctx, "tasks:active")
	require.NoError(t, err)
	require.Equal(t, []string{"issue-2"}, members)
}

func TestScanByPrefix(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, "lock:repo:a.go", []byte("task-1")))
	require.NoError(t, s.Set(ctx, "lock:repo:b.go", []byte("task-2")))
	require.NoError(t, s.Set(ctx, "lock:other:c.go", []byte("task-3")))

	keys, err := s.Scan(ctx, "lock:repo:")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"lock:repo:a.go", "lock:repo:b.go"}, keys)
}

func TestPipelineBatchWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Pipeline(ctx, []SetEXOp{
		{Key: "lock:repo:a.go", Value: []byte("task-1"), TTL: time.Hour},
		{Key: "lock:repo:b.go", Value: []byte("task-1"), TTL: time.Hour},
	})
	require.NoError(t, err)

	for _, key := range []string{"lock:repo:a.go", "lock:repo:b.go"} {
		val, ok, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "task-1", string(val))
	}
}

func TestStoreUnavailableOnClosedConnection(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, client.Close())

	s := NewFromClient(client)
	_, _, err := s.Get(ctx, "anything")
	require.Error(t, err)
}
