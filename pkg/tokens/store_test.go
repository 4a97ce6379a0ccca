package tokens

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmigrate/zmigrate/pkg/config"
	"github.com/zmigrate/zmigrate/pkg/storage"
	"github.com/zmigrate/zmigrate/pkg/types"
)

func testConfig() config.TokenConfig {
	return config.TokenConfig{
		Prefix:      "zmigrate",
		DefaultTTL:  config.Duration(time.Hour),
		MaxTTL:      config.Duration(24 * time.Hour),
		MaxPerOwner: 4,
		SingleUse:   true,
		MACSecret:   "test-secret",
	}
}

func newTestTokenStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := storage.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = st.Close() })
	return NewStore(st, testConfig()), mr
}

func sendRequest() IssueRequest {
	return IssueRequest{
		Operation: types.OperationSend,
		Dataset:   "tank/data",
		Snapshot:  "tank/data@s1",
		OwnerID:   "host-a",
	}
}

func TestIssue(t *testing.T) {
	s, mr := newTestTokenStore(t)
	ctx := context.Background()

	tok, err := s.Issue(ctx, sendRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, tok.ID)
	assert.Equal(t, types.OperationSend, tok.Operation)
	assert.Equal(t, "tank/data", tok.Dataset)
	assert.False(t, tok.Used)
	assert.True(t, tagValid("test-secret", tok))
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, 5*time.Second)

	assert.True(t, mr.Exists("zmigrate:token:"+tok.ID))
	assert.True(t, mr.Exists("zmigrate:token:stats:"+tok.ID))
	assert.True(t, mr.Exists("zmigrate:owner:host-a"))

	ttl := mr.TTL("zmigrate:token:" + tok.ID)
	assert.Equal(t, time.Hour, ttl)
}

func TestIssueClampsTTL(t *testing.T) {
	s, _ := newTestTokenStore(t)

	req := sendRequest()
	req.TTL = 100 * 24 * time.Hour
	tok, err := s.Issue(context.Background(), req)
	require.NoError(t, err)

	assert.WithinDuration(t, time.Now().Add(24*time.Hour), tok.ExpiresAt, 5*time.Second)
}

func TestIssueRejectsBadRequests(t *testing.T) {
	s, _ := newTestTokenStore(t)
	ctx := context.Background()

	_, err := s.Issue(ctx, IssueRequest{Operation: "sideways", Dataset: "tank/data", OwnerID: "o"})
	assert.True(t, types.IsValidation(err))

	_, err = s.Issue(ctx, IssueRequest{Operation: types.OperationSend, OwnerID: "o"})
	assert.True(t, types.IsValidation(err))

	_, err = s.Issue(ctx, IssueRequest{Operation: types.OperationSend, Dataset: "tank/data"})
	assert.True(t, types.IsValidation(err))
}

func TestIssueEnforcesQuota(t *testing.T) {
	s, mr := newTestTokenStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.Issue(ctx, sendRequest())
		require.NoError(t, err)
	}

	_, err := s.Issue(ctx, sendRequest())
	assert.ErrorIs(t, err, types.ErrQuotaExceeded)

	// A different owner is unaffected.
	req := sendRequest()
	req.OwnerID = "host-b"
	_, err = s.Issue(ctx, req)
	require.NoError(t, err)

	// Expired tokens are pruned from the index on the next check.
	mr.FastForward(2 * time.Hour)
	_, err = s.Issue(ctx, sendRequest())
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	s, _ := newTestTokenStore(t)
	ctx := context.Background()

	tok, err := s.Issue(ctx, sendRequest())
	require.NoError(t, err)

	got, err := s.Validate(ctx, tok.ID, "")
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)
	assert.Equal(t, tok.Dataset, got.Dataset)

	// Validation does not consume.
	again, err := s.Validate(ctx, tok.ID, "")
	require.NoError(t, err)
	assert.False(t, again.Used)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Validation.Success)
}

func TestValidateUnknownToken(t *testing.T) {
	s, _ := newTestTokenStore(t)
	ctx := context.Background()

	_, err := s.Validate(ctx, "nope", "")
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Validation.NotFound)
}

func TestValidateRejectsOversizedID(t *testing.T) {
	s, _ := newTestTokenStore(t)

	long := make([]byte, maxTokenIDLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := s.Validate(context.Background(), string(long), "")
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Validation.InvalidData)
}

func TestValidateDetectsTampering(t *testing.T) {
	s, mr := newTestTokenStore(t)
	ctx := context.Background()

	tok, err := s.Issue(ctx, sendRequest())
	require.NoError(t, err)

	// Rewrite the record with a widened grant; the tag no longer matches.
	raw, err := mr.Get("zmigrate:token:" + tok.ID)
	require.NoError(t, err)
	tampered := strings.Replace(raw, "tank/data", "tank/secret", 1)
	require.NoError(t, mr.Set("zmigrate:token:"+tok.ID, tampered))

	_, err = s.Validate(ctx, tok.ID, "")
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Validation.ChecksumFail)
}

func TestValidateDeletesCorruptRecord(t *testing.T) {
	s, mr := newTestTokenStore(t)
	ctx := context.Background()

	tok, err := s.Issue(ctx, sendRequest())
	require.NoError(t, err)
	require.NoError(t, mr.Set("zmigrate:token:"+tok.ID, "{not json"))

	_, err = s.Validate(ctx, tok.ID, "")
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	assert.False(t, mr.Exists("zmigrate:token:"+tok.ID))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Validation.InvalidData)
}

func TestValidateExpiredRecord(t *testing.T) {
	s, _ := newTestTokenStore(t)
	ctx := context.Background()

	tok, err := s.Issue(ctx, sendRequest())
	require.NoError(t, err)

	// The record is still in the store but past its embedded expiry.
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = s.Validate(ctx, tok.ID, "")
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Validation.Expired)
}

func TestValidatePeerBinding(t *testing.T) {
	s, _ := newTestTokenStore(t)
	ctx := context.Background()

	req := sendRequest()
	req.BoundPeer = "10.0.0.5"
	tok, err := s.Issue(ctx, req)
	require.NoError(t, err)

	_, err = s.Validate(ctx, tok.ID, "10.0.0.5")
	require.NoError(t, err)

	_, err = s.Validate(ctx, tok.ID, "10.0.0.99")
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	_, err = s.Validate(ctx, tok.ID, "")
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestMarkUsedEnforcesSingleUse(t *testing.T) {
	s, _ := newTestTokenStore(t)
	ctx := context.Background()

	tok, err := s.Issue(ctx, sendRequest())
	require.NoError(t, err)

	require.NoError(t, s.MarkUsed(ctx, tok.ID, "10.0.0.5"))

	err = s.MarkUsed(ctx, tok.ID, "10.0.0.6")
	assert.ErrorIs(t, err, types.ErrTokenReused)

	_, err = s.Validate(ctx, tok.ID, "")
	assert.ErrorIs(t, err, types.ErrTokenReused)

	got, err := s.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.True(t, got.Used)
	assert.Equal(t, 1, got.UseCount)
	assert.Equal(t, "10.0.0.5", got.LastUsedBy)

	// Both the second redemption and the later validate count as reuse.
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Validation.AlreadyUsed)
}

func TestMarkUsedRace(t *testing.T) {
	s, _ := newTestTokenStore(t)
	ctx := context.Background()

	tok, err := s.Issue(ctx, sendRequest())
	require.NoError(t, err)

	const racers = 8
	errs := make(chan error, racers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			<-start
			errs <- s.MarkUsed(ctx, tok.ID, peer)
		}("10.0.0." + strconv.Itoa(i))
	}
	close(start)
	wg.Wait()
	close(errs)

	var won, reused int
	for err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, types.ErrTokenReused):
			reused++
		default:
			t.Fatalf("unexpected mark-used error: %v", err)
		}
	}
	assert.Equal(t, 1, won, "exactly one racer may redeem the token")
	assert.Equal(t, racers-1, reused)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, racers-1, stats.Validation.AlreadyUsed)
}

func TestMarkUsedPreservesRemainingTTL(t *testing.T) {
	s, mr := newTestTokenStore(t)
	ctx := context.Background()

	tok, err := s.Issue(ctx, sendRequest())
	require.NoError(t, err)

	mr.FastForward(30 * time.Minute)
	require.NoError(t, s.MarkUsed(ctx, tok.ID, "peer"))

	ttl := mr.TTL("zmigrate:token:" + tok.ID)
	assert.InDelta(t, float64(30*time.Minute), float64(ttl), float64(2*time.Second),
		"the used record should keep its remaining lifetime")
}

func TestMarkUsedMissingToken(t *testing.T) {
	s, _ := newTestTokenStore(t)

	err := s.MarkUsed(context.Background(), "nope", "peer")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRevoke(t *testing.T) {
	s, mr := newTestTokenStore(t)
	ctx := context.Background()

	tok, err := s.Issue(ctx, sendRequest())
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, tok.ID))
	assert.False(t, mr.Exists("zmigrate:token:"+tok.ID))
	assert.False(t, mr.Exists("zmigrate:token:stats:"+tok.ID))

	_, err = s.Get(ctx, tok.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Idempotent.
	require.NoError(t, s.Revoke(ctx, tok.ID))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TokensRevoked)

	// The owner slot is freed immediately.
	cfgMax := testConfig().MaxPerOwner
	for i := 0; i < cfgMax; i++ {
		_, err := s.Issue(ctx, sendRequest())
		require.NoError(t, err)
	}
}

func TestList(t *testing.T) {
	s, _ := newTestTokenStore(t)
	ctx := context.Background()

	first, err := s.Issue(ctx, sendRequest())
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(time.Minute) }
	req := sendRequest()
	req.Operation = types.OperationReceive
	second, err := s.Issue(ctx, req)
	require.NoError(t, err)

	tokens, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, second.ID, tokens[0].ID, "newest first")
	assert.Equal(t, first.ID, tokens[1].ID)
}

func TestStatsCountsActiveTokens(t *testing.T) {
	s, mr := newTestTokenStore(t)
	ctx := context.Background()

	_, err := s.Issue(ctx, sendRequest())
	require.NoError(t, err)
	tok, err := s.Issue(ctx, sendRequest())
	require.NoError(t, err)

	recv := sendRequest()
	recv.Operation = types.OperationReceive
	_, err = s.Issue(ctx, recv)
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.ActiveTokens)
	assert.Equal(t, int64(3), stats.TokensCreated)

	// Issue counters are kept per operation.
	assert.Equal(t, "2", mr.HGet("zmigrate:stats:tokens_created", "send"))
	assert.Equal(t, "1", mr.HGet("zmigrate:stats:tokens_created", "receive"))

	require.NoError(t, s.Revoke(ctx, tok.ID))
	assert.Equal(t, "1", mr.HGet("zmigrate:stats:tokens_revoked", "send"))
	mr.FastForward(time.Second)

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ActiveTokens)
	assert.Equal(t, int64(1), stats.TokensRevoked)
}

func TestStoreUnavailableFailsClosed(t *testing.T) {
	s, mr := newTestTokenStore(t)
	mr.Close()

	_, err := s.Validate(context.Background(), "some-id", "")
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
}
