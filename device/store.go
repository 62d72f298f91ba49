// Package device persists trusted-device grants used to bypass the MFA
// challenge on subsequent logins. Device tokens are opaque; rows are keyed
// by the token hash and bound to a fingerprint hash.
package device

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when no trust record matches the token hash.
	ErrNotFound = errors.New("trusted device not found")
	// ErrRecordCorrupt is returned when a stored row cannot be decoded.
	ErrRecordCorrupt = errors.New("trusted device record corrupt")
	// ErrUnavailable wraps Redis transport failures.
	ErrUnavailable = errors.New("device store unavailable")
)

// Record is one trusted-device grant.
type Record struct {
	TokenHashHex       string
	UserID             string
	FingerprintHashHex string
	CreatedAt          int64
	ExpiresAt          int64
	LastUsedAt         int64
}

// Store is the Redis-backed trusted-device store.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	clock  func() time.Time
}

// NewStore creates a device [Store]. clock may be nil (time.Now).
func NewStore(client redis.UniversalClient, prefix string, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{redis: client, prefix: prefix, clock: clock}
}

func (s *Store) key(tokenHashHex string) string {
	return s.prefix + ":d:" + tokenHashHex
}

func (s *Store) userKey(userID string) string {
	return s.prefix + ":du:" + userID
}

// Save persists a trust grant and indexes it under the owning user so
// RevokeUser can find it later.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	ttl := time.Duration(rec.ExpiresAt-s.clock().Unix()) * time.Second
	if ttl <= 0 {
		return fmt.Errorf("%w: grant already expired", ErrRecordCorrupt)
	}

	key := s.key(rec.TokenHashHex)
	userKey := s.userKey(rec.UserID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"user", rec.UserID,
			"fp", rec.FingerprintHashHex,
			"created", rec.CreatedAt,
			"exp", rec.ExpiresAt,
			"lastused", rec.LastUsedAt,
		)
		pipe.Expire(ctx, key, ttl)
		pipe.SAdd(ctx, userKey, rec.TokenHashHex)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// CheckTrust reports whether the token hash names a live grant whose
// fingerprint matches. A fingerprint mismatch and a missing record are
// indistinguishable to the caller. On success the grant's last-used
// timestamp is refreshed.
func (s *Store) CheckTrust(ctx context.Context, tokenHashHex, fingerprintHashHex string) (string, bool, error) {
	raw, err := s.redis.HGetAll(ctx, s.key(tokenHashHex)).Result()
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(raw) == 0 {
		return "", false, nil
	}

	rec, err := recordFromHash(tokenHashHex, raw)
	if err != nil {
		return "", false, err
	}

	now := s.clock()
	if rec.ExpiresAt <= now.Unix() {
		_ = s.remove(ctx, rec)
		return "", false, nil
	}
	if subtle.ConstantTimeCompare([]byte(rec.FingerprintHashHex), []byte(fingerprintHashHex)) != 1 {
		return "", false, nil
	}

	_, _ = s.redis.HSet(ctx, s.key(tokenHashHex), "lastused", now.Unix()).Result()
	return rec.UserID, true, nil
}

// Revoke removes one grant by token hash.
func (s *Store) Revoke(ctx context.Context, tokenHashHex string) error {
	raw, err := s.redis.HGetAll(ctx, s.key(tokenHashHex)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(raw) == 0 {
		return ErrNotFound
	}
	rec, err := recordFromHash(tokenHashHex, raw)
	if err != nil {
		return err
	}
	return s.remove(ctx, rec)
}

// RevokeUser removes every grant belonging to the user and returns how many
// were dropped.
func (s *Store) RevokeUser(ctx context.Context, userID string) (int, error) {
	hashes, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	revoked := 0
	for _, hash := range hashes {
		if n, err := s.redis.Del(ctx, s.key(hash)).Result(); err == nil {
			revoked += int(n)
		}
	}
	if _, err := s.redis.Del(ctx, s.userKey(userID)).Result(); err != nil {
		return revoked, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return revoked, nil
}

// PurgeExpired removes grants past their expiry and prunes the per-user
// index sets, which carry no TTL of their own.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	now := s.clock().Unix()

	var (
		cursor uint64
		purged int
	)
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, s.prefix+":d:*", 512).Result()
		if err != nil {
			return purged, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		for _, key := range keys {
			raw, err := s.redis.HGetAll(ctx, key).Result()
			if err != nil || len(raw) == 0 {
				continue
			}
			exp, err := strconv.ParseInt(raw["exp"], 10, 64)
			if err != nil {
				continue
			}
			if exp <= now {
				hash := key[len(s.prefix)+3:]
				if err := s.remove(ctx, &Record{TokenHashHex: hash, UserID: raw["user"]}); err == nil {
					purged++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return purged, nil
		}
	}
}

func (s *Store) remove(ctx context.Context, rec *Record) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(rec.TokenHashHex))
		pipe.SRem(ctx, s.userKey(rec.UserID), rec.TokenHashHex)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func recordFromHash(tokenHashHex string, raw map[string]string) (*Record, error) {
	rec := &Record{
		TokenHashHex:       tokenHashHex,
		UserID:             raw["user"],
		FingerprintHashHex: raw["fp"],
	}
	if rec.UserID == "" || rec.FingerprintHashHex == "" {
		return nil, ErrRecordCorrupt
	}

	var err error
	if rec.CreatedAt, err = strconv.ParseInt(raw["created"], 10, 64); err != nil {
		return nil, ErrRecordCorrupt
	}
	if rec.ExpiresAt, err = strconv.ParseInt(raw["exp"], 10, 64); err != nil {
		return nil, ErrRecordCorrupt
	}
	if rec.LastUsedAt, err = strconv.ParseInt(raw["lastused"], 10, 64); err != nil {
		return nil, ErrRecordCorrupt
	}
	return rec, nil
}
