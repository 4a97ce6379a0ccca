package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmigrate/zmigrate/pkg/types"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStoreSetGet(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	mr.FastForward(2 * time.Minute)

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStoreGetMissing(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStoreDelAndExists(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", 0))

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.Del(ctx, "k", "absent")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreSets(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SAdd(ctx, "owners", "a", "b", "c"))

	require.NoError(t, s.SRem(ctx, "owners", "b"))

	members, err := s.SMembers(ctx, "owners")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, members)
}

func TestStoreHashes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "job:1", map[string]string{
		"status": "pending",
		"type":   "replication",
	}))

	v, err := s.HGet(ctx, "job:1", "status")
	require.NoError(t, err)
	assert.Equal(t, "pending", v)

	_, err = s.HGet(ctx, "job:1", "absent")
	assert.ErrorIs(t, err, types.ErrNotFound)

	all, err := s.HGetAll(ctx, "job:1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	n, err := s.HIncrBy(ctx, "stats", "created", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.HIncrBy(ctx, "stats", "created", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestStoreHGetAllMissingHash(t *testing.T) {
	s, _ := newTestStore(t)

	all, err := s.HGetAll(context.Background(), "absent")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStoreQueue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RPush(ctx, "q", "job-1", "job-2"))

	n, err := s.LLen(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	v, ok, err := s.BLPop(ctx, 50*time.Millisecond, "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-1", v)

	v, ok, err = s.BLPop(ctx, 50*time.Millisecond, "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-2", v)

	_, ok, err = s.BLPop(ctx, 50*time.Millisecond, "q")
	require.NoError(t, err)
	assert.False(t, ok, "empty queue should report no value, not an error")
}

func TestStoreTTLAndExpire(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", 0))

	d, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Negative(t, d, "keys without expiry report a negative TTL")

	require.NoError(t, s.Expire(ctx, "k", time.Minute))

	d, err = s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	mr.FastForward(30 * time.Second)

	d, err = s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
}

func TestStoreScan(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "zmigrate:token:a", "1", 0))
	require.NoError(t, s.Set(ctx, "zmigrate:token:b", "2", 0))
	require.NoError(t, s.Set(ctx, "zmigrate:owner:x", "3", 0))

	keys, err := s.Scan(ctx, "zmigrate:token:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"zmigrate:token:a", "zmigrate:token:b"}, keys)
}

func TestStoreFailsClosed(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.Get(context.Background(), "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
}
