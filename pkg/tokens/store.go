package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/zmigrate/zmigrate/pkg/config"
	"github.com/zmigrate/zmigrate/pkg/log"
	"github.com/zmigrate/zmigrate/pkg/metrics"
	"github.com/zmigrate/zmigrate/pkg/storage"
	"github.com/zmigrate/zmigrate/pkg/types"
)

// Validation outcomes. These are both the fields of the aggregate
// validation hash and the label values on the validation counter.
const (
	outcomeSuccess      = "success"
	outcomeNotFound     = "not_found"
	outcomeInvalidData  = "invalid_data"
	outcomeExpired      = "expired"
	outcomeChecksumFail = "checksum_fail"
	outcomeAlreadyUsed  = "already_used"
)

// maxTokenIDLen bounds presented ids before any lookup; generated ids
// are 22 characters, anything much longer is garbage or probing.
const maxTokenIDLen = 128

// IssueRequest describes the grant a new token should carry.
type IssueRequest struct {
	Operation    types.Operation
	Dataset      string
	Snapshot     string
	FromSnapshot string
	Parameters   types.TransferFlags
	OwnerID      string
	BoundPeer    string
	TTL          time.Duration // zero means the configured default
}

// Store issues, validates, and consumes single-use capability tokens
// backed by Redis. Every record carries an HMAC integrity tag, expires
// server-side via key TTL, and is indexed per owner for quota
// enforcement.
type Store struct {
	store  *storage.Store
	cfg    config.TokenConfig
	logger zerolog.Logger

	now func() time.Time // test hook
}

// NewStore builds a token store on the shared persistence layer.
func NewStore(st *storage.Store, cfg config.TokenConfig) *Store {
	return &Store{
		store:  st,
		cfg:    cfg,
		logger: log.WithComponent("tokens"),
		now:    time.Now,
	}
}

func (s *Store) tokenKey(id string) string      { return s.cfg.Prefix + ":token:" + id }
func (s *Store) tokenStatsKey(id string) string { return s.cfg.Prefix + ":token:stats:" + id }
func (s *Store) ownerKey(owner string) string   { return s.cfg.Prefix + ":owner:" + owner }
func (s *Store) createdKey() string             { return s.cfg.Prefix + ":stats:tokens_created" }
func (s *Store) revokedKey() string             { return s.cfg.Prefix + ":stats:tokens_revoked" }
func (s *Store) validationKey() string          { return s.cfg.Prefix + ":stats:validation" }

// Issue mints a token for one streaming operation. The TTL is clamped to
// the configured maximum and the owner's live-token quota is enforced
// before anything is written.
func (s *Store) Issue(ctx context.Context, req IssueRequest) (*types.Token, error) {
	if !req.Operation.Valid() {
		return nil, types.NewValidationError("operation", "must be send or receive")
	}
	if req.Dataset == "" {
		return nil, types.NewValidationError("dataset", "is required")
	}
	if req.OwnerID == "" {
		return nil, types.NewValidationError("owner_id", "is required")
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL.Std()
	}
	if max := s.cfg.MaxTTL.Std(); max > 0 && ttl > max {
		ttl = max
	}

	if err := s.enforceQuota(ctx, req.OwnerID); err != nil {
		return nil, err
	}

	id, err := newTokenID()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	tok := &types.Token{
		ID:           id,
		Operation:    req.Operation,
		Dataset:      req.Dataset,
		Snapshot:     req.Snapshot,
		FromSnapshot: req.FromSnapshot,
		Parameters:   req.Parameters,
		OwnerID:      req.OwnerID,
		BoundPeer:    req.BoundPeer,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		IntegrityTag: integrityTag(s.cfg.MACSecret, id, req.Operation, req.Dataset, req.OwnerID),
	}

	data, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token: %w", err)
	}

	if err := s.store.Set(ctx, s.tokenKey(id), string(data), ttl); err != nil {
		return nil, err
	}
	if err := s.store.HSet(ctx, s.tokenStatsKey(id), map[string]string{
		"created_at": now.Format(time.RFC3339),
		"use_count":  "0",
	}); err != nil {
		return nil, err
	}
	if err := s.store.Expire(ctx, s.tokenStatsKey(id), ttl); err != nil {
		return nil, err
	}

	// The owner index outlives the longest possible token so expired ids
	// are pruned lazily on the next quota check rather than orphaned.
	ownerKey := s.ownerKey(req.OwnerID)
	if err := s.store.SAdd(ctx, ownerKey, id); err != nil {
		return nil, err
	}
	if err := s.store.Expire(ctx, ownerKey, s.cfg.MaxTTL.Std()+time.Minute); err != nil {
		return nil, err
	}

	if _, err := s.store.HIncrBy(ctx, s.createdKey(), string(req.Operation), 1); err != nil {
		return nil, err
	}

	metrics.TokensIssued.WithLabelValues(string(req.Operation)).Inc()
	s.logger.Info().
		Str("token_id", id).
		Str("operation", string(req.Operation)).
		Str("dataset", req.Dataset).
		Str("owner_id", req.OwnerID).
		Time("expires_at", tok.ExpiresAt).
		Msg("Issued capability token")

	return tok, nil
}

// enforceQuota counts the owner's live tokens, dropping index entries
// whose records already expired.
func (s *Store) enforceQuota(ctx context.Context, owner string) error {
	if s.cfg.MaxPerOwner <= 0 {
		return nil
	}
	ids, err := s.store.SMembers(ctx, s.ownerKey(owner))
	if err != nil {
		return err
	}
	live := 0
	for _, id := range ids {
		ok, err := s.store.Exists(ctx, s.tokenKey(id))
		if err != nil {
			return err
		}
		if !ok {
			if err := s.store.SRem(ctx, s.ownerKey(owner), id); err != nil {
				return err
			}
			continue
		}
		live++
	}
	if live >= s.cfg.MaxPerOwner {
		return fmt.Errorf("%w: owner %q holds %d live tokens", types.ErrQuotaExceeded, owner, live)
	}
	return nil
}

// Get fetches a token without touching any counter, for the control API.
func (s *Store) Get(ctx context.Context, id string) (*types.Token, error) {
	data, err := s.store.Get(ctx, s.tokenKey(id))
	if err != nil {
		return nil, err
	}
	var tok types.Token
	if err := json.Unmarshal([]byte(data), &tok); err != nil {
		return nil, fmt.Errorf("failed to decode token %s: %w", id, err)
	}
	return &tok, nil
}

// Validate checks a presented token against every policy without
// mutating it: existence, record integrity, the HMAC tag, expiry, the
// single-use flag, and peer binding. Each rejection increments its
// outcome counter. Validation never consumes the token; pair it with
// MarkUsed once the authorized work actually starts.
func (s *Store) Validate(ctx context.Context, id, peer string) (*types.Token, error) {
	if id == "" || len(id) > maxTokenIDLen {
		s.countOutcome(ctx, outcomeInvalidData)
		return nil, types.ErrUnauthorized
	}

	data, err := s.store.Get(ctx, s.tokenKey(id))
	if errors.Is(err, types.ErrNotFound) {
		s.countOutcome(ctx, outcomeNotFound)
		return nil, types.ErrUnauthorized
	}
	if err != nil {
		// Store unreachable: fail closed.
		return nil, err
	}

	var tok types.Token
	if err := json.Unmarshal([]byte(data), &tok); err != nil {
		// A record that does not decode is beyond repair.
		_, _ = s.store.Del(ctx, s.tokenKey(id), s.tokenStatsKey(id))
		s.countOutcome(ctx, outcomeInvalidData)
		s.logger.Warn().Str("token_id", id).Msg("Deleted undecodable token record")
		return nil, types.ErrUnauthorized
	}

	if !tagValid(s.cfg.MACSecret, &tok) {
		s.countOutcome(ctx, outcomeChecksumFail)
		s.logger.Warn().Str("token_id", id).Msg("Token integrity tag mismatch")
		return nil, types.ErrUnauthorized
	}

	if tok.Expired(s.now()) {
		s.countOutcome(ctx, outcomeExpired)
		return nil, types.ErrUnauthorized
	}

	if s.cfg.SingleUse && tok.Used {
		s.countOutcome(ctx, outcomeAlreadyUsed)
		return nil, types.ErrTokenReused
	}

	if tok.BoundPeer != "" && peer != tok.BoundPeer {
		s.countOutcome(ctx, outcomeInvalidData)
		s.logger.Warn().
			Str("token_id", id).
			Str("peer", peer).
			Str("bound_peer", tok.BoundPeer).
			Msg("Token presented from unbound peer")
		return nil, types.ErrUnauthorized
	}

	s.countOutcome(ctx, outcomeSuccess)
	return &tok, nil
}

// MarkUsed flips the token to used, preserving whatever lifetime the
// record has left. The read-check-write runs under WATCH so exactly one
// of two racing redemptions wins; the loser sees ErrTokenReused.
func (s *Store) MarkUsed(ctx context.Context, id, usedBy string) error {
	key := s.tokenKey(id)
	rdb := s.store.Client()

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return types.ErrNotFound
		}
		if err != nil {
			return err
		}

		var tok types.Token
		if err := json.Unmarshal([]byte(data), &tok); err != nil {
			return types.ErrUnauthorized
		}
		if s.cfg.SingleUse && tok.Used {
			return types.ErrTokenReused
		}

		now := s.now().UTC()
		tok.Used = true
		tok.UseCount++
		tok.LastUsedAt = now
		tok.LastUsedBy = usedBy

		remaining, err := tx.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if remaining < 0 {
			remaining = 0
		}

		buf, err := json.Marshal(&tok)
		if err != nil {
			return fmt.Errorf("failed to encode token %s: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, remaining)
			pipe.HIncrBy(ctx, s.tokenStatsKey(id), "use_count", 1)
			pipe.HSet(ctx, s.tokenStatsKey(id),
				"last_used_at", now.Format(time.RFC3339),
				"last_used_by", usedBy)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			// Lost the race; the re-read will see the winner's write.
			continue
		}
		if errors.Is(err, types.ErrTokenReused) {
			s.countOutcome(ctx, outcomeAlreadyUsed)
		}
		return markUsedErr(err)
	}
	s.countOutcome(ctx, outcomeAlreadyUsed)
	return types.ErrTokenReused
}

// markUsedErr keeps domain sentinels intact and classifies everything
// else as a store failure.
func markUsedErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrTokenReused),
		errors.Is(err, types.ErrUnauthorized),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("redis mark-used: %w: %w", types.ErrStoreUnavailable, err)
	}
}

// Revoke deletes a token. Revoking an id that never existed or already
// expired is not an error.
func (s *Store) Revoke(ctx context.Context, id string) error {
	data, err := s.store.Get(ctx, s.tokenKey(id))
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	operation := "unknown"
	var tok types.Token
	if err := json.Unmarshal([]byte(data), &tok); err == nil {
		if tok.Operation != "" {
			operation = string(tok.Operation)
		}
		if tok.OwnerID != "" {
			if err := s.store.SRem(ctx, s.ownerKey(tok.OwnerID), id); err != nil {
				return err
			}
		}
	}

	n, err := s.store.Del(ctx, s.tokenKey(id), s.tokenStatsKey(id))
	if err != nil {
		return err
	}
	if n > 0 {
		if _, err := s.store.HIncrBy(ctx, s.revokedKey(), operation, 1); err != nil {
			return err
		}
		metrics.TokensRevoked.Inc()
		s.logger.Info().Str("token_id", id).Msg("Revoked capability token")
	}
	return nil
}

// List returns every live token, newest first.
func (s *Store) List(ctx context.Context) ([]*types.Token, error) {
	keys, err := s.scanTokenKeys(ctx)
	if err != nil {
		return nil, err
	}

	tokens := make([]*types.Token, 0, len(keys))
	for _, key := range keys {
		data, err := s.store.Get(ctx, key)
		if errors.Is(err, types.ErrNotFound) {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, err
		}
		var tok types.Token
		if err := json.Unmarshal([]byte(data), &tok); err != nil {
			s.logger.Warn().Str("key", key).Msg("Skipping undecodable token record")
			continue
		}
		tokens = append(tokens, &tok)
	}

	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].CreatedAt.After(tokens[j].CreatedAt)
	})
	return tokens, nil
}

// Stats aggregates the live-token count with the lifetime counters.
func (s *Store) Stats(ctx context.Context) (*types.TokenStats, error) {
	keys, err := s.scanTokenKeys(ctx)
	if err != nil {
		return nil, err
	}

	created, err := s.store.HGetAll(ctx, s.createdKey())
	if err != nil {
		return nil, err
	}
	revoked, err := s.store.HGetAll(ctx, s.revokedKey())
	if err != nil {
		return nil, err
	}
	outcomes, err := s.store.HGetAll(ctx, s.validationKey())
	if err != nil {
		return nil, err
	}

	return &types.TokenStats{
		ActiveTokens:  int64(len(keys)),
		TokensCreated: counterSum(created),
		TokensRevoked: counterSum(revoked),
		Validation: types.ValidationStats{
			Success:      counterValue(outcomes, outcomeSuccess),
			NotFound:     counterValue(outcomes, outcomeNotFound),
			InvalidData:  counterValue(outcomes, outcomeInvalidData),
			Expired:      counterValue(outcomes, outcomeExpired),
			ChecksumFail: counterValue(outcomes, outcomeChecksumFail),
			AlreadyUsed:  counterValue(outcomes, outcomeAlreadyUsed),
		},
	}, nil
}

// scanTokenKeys returns token record keys, excluding the per-token stats
// hashes that share the prefix.
func (s *Store) scanTokenKeys(ctx context.Context) ([]string, error) {
	keys, err := s.store.Scan(ctx, s.cfg.Prefix+":token:*")
	if err != nil {
		return nil, err
	}
	statsPrefix := s.cfg.Prefix + ":token:stats:"
	out := keys[:0]
	for _, k := range keys {
		if !strings.HasPrefix(k, statsPrefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Store) countOutcome(ctx context.Context, outcome string) {
	metrics.TokenValidations.WithLabelValues(outcome).Inc()
	if _, err := s.store.HIncrBy(ctx, s.validationKey(), outcome, 1); err != nil {
		s.logger.Warn().Err(err).Str("outcome", outcome).Msg("Failed to record validation outcome")
	}
}

// counterSum totals a per-operation counters hash.
func counterSum(m map[string]string) int64 {
	var total int64
	for _, v := range m {
		n, _ := strconv.ParseInt(v, 10, 64)
		total += n
	}
	return total
}

func counterValue(m map[string]string, field string) int64 {
	n, _ := strconv.ParseInt(m[field], 10, 64)
	return n
}
