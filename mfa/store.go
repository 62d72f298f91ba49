// Package mfa persists the short-lived server-side state of a pending
// second-factor verification: one challenge record per login attempt, plus
// the single-use backup-code sets.
package mfa

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when no challenge matches the token hash.
	ErrNotFound = errors.New("mfa challenge not found")
	// ErrExpired is returned when the challenge exists but its TTL elapsed;
	// the record is deleted as a side effect.
	ErrExpired = errors.New("mfa challenge expired")
	// ErrRecordCorrupt is returned when a stored row cannot be decoded.
	ErrRecordCorrupt = errors.New("mfa challenge record corrupt")
	// ErrUnavailable wraps Redis transport failures.
	ErrUnavailable = errors.New("mfa store unavailable")
)

// Challenge is the server-side record binding a login attempt to a pending
// second-factor verification. The challenge token itself is never stored;
// rows are keyed by its hash.
type Challenge struct {
	UserID      string
	CodeHashHex string
	CreatedAt   int64
	ExpiresAt   int64
	Attempts    int64
	// LastResendAt gates the resend cooldown; initially the creation time.
	LastResendAt int64
	RememberMe   bool
}

// Store is the Redis-backed challenge store.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	clock  func() time.Time
}

// NewStore creates a challenge [Store]. clock may be nil (time.Now).
func NewStore(client redis.UniversalClient, prefix string, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{redis: client, prefix: prefix, clock: clock}
}

func (s *Store) key(tokenHashHex string) string {
	return s.prefix + ":c:" + tokenHashHex
}

func (s *Store) keyPrefix() string {
	return s.prefix + ":c:"
}

// Save persists a fresh challenge under the hash of its opaque token.
func (s *Store) Save(ctx context.Context, tokenHashHex string, ch *Challenge) error {
	ttl := time.Duration(ch.ExpiresAt-s.clock().Unix()) * time.Second
	if ttl <= 0 {
		return fmt.Errorf("%w: challenge already expired", ErrRecordCorrupt)
	}

	remember := 0
	if ch.RememberMe {
		remember = 1
	}

	key := s.key(tokenHashHex)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"user", ch.UserID,
			"code", ch.CodeHashHex,
			"created", ch.CreatedAt,
			"exp", ch.ExpiresAt,
			"attempts", ch.Attempts,
			"resend", ch.LastResendAt,
			"remember", remember,
		)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get loads a challenge. An expired record is deleted and reported as
// ErrExpired.
func (s *Store) Get(ctx context.Context, tokenHashHex string) (*Challenge, error) {
	raw, err := s.redis.HGetAll(ctx, s.key(tokenHashHex)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}

	ch, err := challengeFromHash(raw)
	if err != nil {
		return nil, err
	}
	if s.clock().Unix() > ch.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(tokenHashHex)).Result()
		return nil, ErrExpired
	}
	return ch, nil
}

// IncrementAttempts bumps the attempt counter atomically and returns the new
// value. It runs before the code comparison so a crash mid-check still
// counts against the budget.
func (s *Store) IncrementAttempts(ctx context.Context, tokenHashHex string) (int64, error) {
	n, err := s.redis.HIncrBy(ctx, s.key(tokenHashHex), "attempts", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

const updateCodeScript = `
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
  return 0
end
redis.call("HSET", key, "code", ARGV[1], "exp", ARGV[2], "resend", ARGV[3])
redis.call("EXPIRE", key, tonumber(ARGV[4]))
return 1
`

var updateCodeLua = redis.NewScript(updateCodeScript)

// UpdateCode swaps the stored code hash and extends expiry for a resend,
// preserving the attempt counter.
func (s *Store) UpdateCode(ctx context.Context, tokenHashHex, codeHashHex string, expiresAt, resendAt int64) error {
	ttl := expiresAt - s.clock().Unix()
	if ttl <= 0 {
		return fmt.Errorf("%w: challenge already expired", ErrRecordCorrupt)
	}

	n, err := updateCodeLua.Run(
		ctx,
		s.redis,
		[]string{s.key(tokenHashHex)},
		codeHashHex,
		expiresAt,
		resendAt,
		ttl,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a challenge and reports whether it still existed; the false
// case lets callers detect a concurrently consumed challenge.
func (s *Store) Delete(ctx context.Context, tokenHashHex string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(tokenHashHex)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// PurgeExpired removes challenges whose expiry has passed. Redis TTLs cover
// the normal case; the sweep catches rows surviving under a skewed clock.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	now := s.clock().Unix()

	var (
		cursor uint64
		purged int
	)
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, s.keyPrefix()+"*", 512).Result()
		if err != nil {
			return purged, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		for _, key := range keys {
			exp, err := s.redis.HGet(ctx, key, "exp").Int64()
			if err != nil {
				continue
			}
			if exp <= now {
				if n, err := s.redis.Del(ctx, key).Result(); err == nil {
					purged += int(n)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return purged, nil
		}
	}
}

func challengeFromHash(raw map[string]string) (*Challenge, error) {
	ch := &Challenge{
		UserID:      raw["user"],
		CodeHashHex: raw["code"],
		RememberMe:  raw["remember"] == "1",
	}
	if ch.UserID == "" || ch.CodeHashHex == "" {
		return nil, ErrRecordCorrupt
	}

	var err error
	if ch.CreatedAt, err = strconv.ParseInt(raw["created"], 10, 64); err != nil {
		return nil, ErrRecordCorrupt
	}
	if ch.ExpiresAt, err = strconv.ParseInt(raw["exp"], 10, 64); err != nil {
		return nil, ErrRecordCorrupt
	}
	if ch.Attempts, err = strconv.ParseInt(raw["attempts"], 10, 64); err != nil {
		return nil, ErrRecordCorrupt
	}
	if ch.LastResendAt, err = strconv.ParseInt(raw["resend"], 10, 64); err != nil {
		return nil, ErrRecordCorrupt
	}
	return ch, nil
}
