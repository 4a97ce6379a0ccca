package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/zmigrate/zmigrate/pkg/config"
	"github.com/zmigrate/zmigrate/pkg/log"
	"github.com/zmigrate/zmigrate/pkg/types"
)

// Store is the Redis-backed persistence layer shared by the token store
// and the job manager. Driver-level retry is configured with a one
// second floor doubling to a ten second ceiling; an operation that still
// fails after the configured attempts surfaces ErrStoreUnavailable so
// callers fail closed instead of guessing.
type Store struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// New builds a Store from the daemon configuration. The connection is
// lazy; call Ping to verify reachability at startup.
func New(cfg config.RedisConfig) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout.Std(),
		ReadTimeout:     cfg.OpTimeout.Std(),
		WriteTimeout:    cfg.OpTimeout.Std(),
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: time.Second,
		MaxRetryBackoff: 10 * time.Second,
	})

	return &Store{
		rdb:    rdb,
		logger: log.WithComponent("storage"),
	}
}

// NewWithClient wraps an existing client. Tests point this at a
// miniredis instance.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{
		rdb:    rdb,
		logger: log.WithComponent("storage"),
	}
}

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.wrap("ping", s.rdb.Ping(ctx).Err())
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Client exposes the underlying connection for transactional command
// sequences the typed helpers do not cover.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// Get returns the string value at key. A missing key is ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", s.wrap("get", err)
	}
	return v, nil
}

// Set stores value at key. A zero ttl means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.wrap("set", s.rdb.Set(ctx, key, value, ttl).Err())
}

// Del removes keys and reports how many existed.
func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, s.wrap("del", err)
	}
	return n, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, s.wrap("exists", err)
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of key. Keys without an expiry
// report a negative duration, mirroring the server's convention.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, s.wrap("ttl", err)
	}
	return d, nil
}

// Expire sets the lifetime of an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.wrap("expire", s.rdb.Expire(ctx, key, ttl).Err())
}

// SAdd adds members to the set at key.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.wrap("sadd", s.rdb.SAdd(ctx, key, args...).Err())
}

// SRem removes members from the set at key.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.wrap("srem", s.rdb.SRem(ctx, key, args...).Err())
}

// SMembers returns every member of the set at key.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, s.wrap("smembers", err)
	}
	return members, nil
}

// HSet writes fields into the hash at key.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	return s.wrap("hset", s.rdb.HSet(ctx, key, args...).Err())
}

// HGet returns one field of the hash at key. A missing field is
// ErrNotFound.
func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err != nil {
		return "", s.wrap("hget", err)
	}
	return v, nil
}

// HGetAll returns every field of the hash at key. A missing hash comes
// back as an empty map, matching the server's behaviour.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, s.wrap("hgetall", err)
	}
	return m, nil
}

// HIncrBy adds delta to a hash counter field and returns the new value.
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := s.rdb.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, s.wrap("hincrby", err)
	}
	return n, nil
}

// RPush appends values to the list at key.
func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.wrap("rpush", s.rdb.RPush(ctx, key, args...).Err())
}

// BLPop pops the head of the list at key, blocking up to timeout. The
// second return is false when the wait expired with nothing queued.
func (s *Store) BLPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	vals, err := s.rdb.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.wrap("blpop", err)
	}
	// BLPOP replies [key, value].
	return vals[1], true, nil
}

// LLen returns the length of the list at key.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, s.wrap("llen", err)
	}
	return n, nil
}

// Scan walks keys matching pattern without blocking the server the way
// KEYS would.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, s.wrap("scan", err)
	}
	return keys, nil
}

// wrap classifies a driver error. Missing keys become ErrNotFound so
// callers can branch on the sentinel; everything else that survived the
// driver's retries is ErrStoreUnavailable.
func (s *Store) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return types.ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		s.logger.Error().Err(err).Str("op", op).Msg("Redis operation failed")
		return fmt.Errorf("redis %s: %w: %w", op, types.ErrStoreUnavailable, err)
	}
}
