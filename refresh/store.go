// Package refresh persists refresh-token families and implements the atomic
// rotation claim that reuse detection depends on. Every multi-key step runs
// inside one Lua script so a cancelled call either committed fully or not at
// all; there is no state where a token is claimed but its child is missing.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when no record matches the presented hash.
	ErrNotFound = errors.New("refresh token not found")
	// ErrRecordCorrupt is returned when a stored row cannot be decoded.
	ErrRecordCorrupt = errors.New("refresh token record corrupt")
	// ErrUnavailable wraps Redis transport failures.
	ErrUnavailable = errors.New("refresh store unavailable")
)

// RotateStatus discriminates the outcome of the atomic rotation claim.
type RotateStatus int

const (
	// StatusRotated: the presented token was claimed and a child inserted.
	StatusRotated RotateStatus = iota
	// StatusNotFound: no row for the presented hash.
	StatusNotFound
	// StatusRevoked: the row exists but was revoked earlier.
	StatusRevoked
	// StatusExpired: the row exists but is past its expiry.
	StatusExpired
	// StatusReuseDetected: the row was already rotated once; every live row
	// in its family has been revoked as part of this call.
	StatusReuseDetected
)

// RotateResult reports the claim outcome together with the family identity
// needed to issue the follow-up access token or audit the reuse.
type RotateResult struct {
	Status         RotateStatus
	FamilyID       string
	UserID         string
	RevokedCount   int
	ChildExpiresAt int64
}

const (
	rotateNotFound int64 = 0
	rotateRevoked  int64 = 1
	rotateExpired  int64 = 2
	rotateReuse    int64 = 3
	rotateRotated  int64 = 4
	rotateCorrupt  int64 = 5
)

// rotateScript claims the parent token and inserts its child in one atomic
// unit; a parent already claimed once revokes the whole family instead.
// ARGV: familyPrefix, tokenPrefix, parentHex, childHex, now, ttl,
// rememberTTL, retention, clientIP.
const rotateScript = `
local parent_key = KEYS[1]
local family_prefix = ARGV[1]
local token_prefix = ARGV[2]
local parent_hex = ARGV[3]
local child_hex = ARGV[4]
local now = tonumber(ARGV[5])
local ttl = tonumber(ARGV[6])
local remember_ttl = tonumber(ARGV[7])
local retention = tonumber(ARGV[8])
local client_ip = ARGV[9]

if redis.call("EXISTS", parent_key) == 0 then
  return {0}
end

local vals = redis.call("HMGET", parent_key, "family", "user", "exp", "used", "revoked", "remember")
local family = vals[1]
local user = vals[2]
local exp = tonumber(vals[3])
local used = tonumber(vals[4])
local revoked = tonumber(vals[5])
local remember = tonumber(vals[6])
if not family or not user or not exp or not used or not revoked then
  return {5}
end

if revoked ~= 0 then
  return {1}
end
if exp <= now then
  return {2}
end

local family_key = family_prefix .. family

if used ~= 0 then
  local members = redis.call("SMEMBERS", family_key)
  local count = 0
  for i = 1, #members do
    local k = token_prefix .. members[i]
    if redis.call("EXISTS", k) == 1 then
      if tonumber(redis.call("HGET", k, "revoked")) == 0 then
        redis.call("HSET", k, "revoked", now)
        count = count + 1
      end
    end
  end
  return {3, family, user, count}
end

redis.call("HSET", parent_key, "used", now)

local child_ttl = ttl
if remember == 1 then
  child_ttl = remember_ttl
end
local child_exp = now + child_ttl
local child_key = token_prefix .. child_hex

redis.call("HSET", child_key,
  "family", family,
  "parent", parent_hex,
  "user", user,
  "iat", now,
  "exp", child_exp,
  "used", 0,
  "revoked", 0,
  "remember", remember,
  "ip", client_ip)
redis.call("SADD", family_key, child_hex)
redis.call("EXPIRE", child_key, child_exp + retention - now)

return {4, family, user, child_exp}
`

var rotateLua = redis.NewScript(rotateScript)

const revokeFamilyScript = `
local family_key = KEYS[1]
local token_prefix = ARGV[1]
local now = tonumber(ARGV[2])

local members = redis.call("SMEMBERS", family_key)
local count = 0
for i = 1, #members do
  local k = token_prefix .. members[i]
  if redis.call("EXISTS", k) == 1 then
    if tonumber(redis.call("HGET", k, "revoked")) == 0 then
      redis.call("HSET", k, "revoked", now)
      count = count + 1
    end
  end
end
return count
`

var revokeFamilyLua = redis.NewScript(revokeFamilyScript)

const revokeTokenScript = `
local token_key = KEYS[1]
local now = tonumber(ARGV[1])

if redis.call("EXISTS", token_key) == 0 then
  return 0
end
if tonumber(redis.call("HGET", token_key, "revoked")) ~= 0 then
  return 0
end
redis.call("HSET", token_key, "revoked", now)
return 1
`

var revokeTokenLua = redis.NewScript(revokeTokenScript)

// Store is the Redis-backed refresh-token store.
type Store struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
	clock     func() time.Time
}

// NewStore creates a refresh-token [Store]. prefix namespaces the keys;
// retention keeps used/revoked rows queryable for reuse detection after they
// become inert; clock may be nil (time.Now).
func NewStore(client redis.UniversalClient, prefix string, retention time.Duration, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{redis: client, prefix: prefix, retention: retention, clock: clock}
}

func (s *Store) tokenKey(hashHex string) string {
	return s.prefix + ":t:" + hashHex
}

func (s *Store) tokenPrefix() string {
	return s.prefix + ":t:"
}

func (s *Store) familyKey(familyID string) string {
	return s.prefix + ":f:" + familyID
}

func (s *Store) familyPrefix() string {
	return s.prefix + ":f:"
}

// Insert persists the root record of a new family.
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	now := s.clock().Unix()
	keyTTL := time.Duration(rec.ExpiresAt-now)*time.Second + s.retention
	if keyTTL <= 0 {
		return fmt.Errorf("%w: record already expired", ErrRecordCorrupt)
	}

	key := s.tokenKey(rec.TokenHashHex)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, rec.fields()...)
		pipe.Expire(ctx, key, keyTTL)
		pipe.SAdd(ctx, s.familyKey(rec.FamilyID), rec.TokenHashHex)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// GetByHash loads one record by the hex of its token hash.
func (s *Store) GetByHash(ctx context.Context, hashHex string) (*Record, error) {
	raw, err := s.redis.HGetAll(ctx, s.tokenKey(hashHex)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}
	return recordFromHash(hashHex, raw)
}

// Rotate atomically claims the presented token and inserts its child. When
// the token was already claimed once it instead revokes the whole family.
// Exactly one of two concurrent calls for the same parent observes
// StatusRotated.
func (s *Store) Rotate(
	ctx context.Context,
	parentHashHex, childHashHex string,
	ttl, rememberTTL time.Duration,
	clientIP string,
) (*RotateResult, error) {
	raw, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{s.tokenKey(parentHashHex)},
		s.familyPrefix(),
		s.tokenPrefix(),
		parentHashHex,
		childHashHex,
		s.clock().Unix(),
		int64(ttl/time.Second),
		int64(rememberTTL/time.Second),
		int64(s.retention/time.Second),
		clientIP,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := raw.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", ErrUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", ErrUnavailable)
	}

	switch code {
	case rotateNotFound:
		return &RotateResult{Status: StatusNotFound}, nil
	case rotateRevoked:
		return &RotateResult{Status: StatusRevoked}, nil
	case rotateExpired:
		return &RotateResult{Status: StatusExpired}, nil
	case rotateReuse:
		if len(parts) < 4 {
			return nil, fmt.Errorf("%w: short reuse response", ErrUnavailable)
		}
		return &RotateResult{
			Status:       StatusReuseDetected,
			FamilyID:     scriptString(parts[1]),
			UserID:       scriptString(parts[2]),
			RevokedCount: int(scriptInt(parts[3])),
		}, nil
	case rotateRotated:
		if len(parts) < 4 {
			return nil, fmt.Errorf("%w: short rotate response", ErrUnavailable)
		}
		return &RotateResult{
			Status:         StatusRotated,
			FamilyID:       scriptString(parts[1]),
			UserID:         scriptString(parts[2]),
			ChildExpiresAt: scriptInt(parts[3]),
		}, nil
	case rotateCorrupt:
		return nil, ErrRecordCorrupt
	default:
		return nil, fmt.Errorf("%w: unknown rotate script status", ErrUnavailable)
	}
}

// RevokeFamily revokes every live row sharing familyID and returns how many
// rows it touched.
func (s *Store) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	n, err := revokeFamilyLua.Run(
		ctx,
		s.redis,
		[]string{s.familyKey(familyID)},
		s.tokenPrefix(),
		s.clock().Unix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// RevokeByHash revokes a single row. Returns false when the row is absent or
// already revoked.
func (s *Store) RevokeByHash(ctx context.Context, hashHex string) (bool, error) {
	n, err := revokeTokenLua.Run(
		ctx,
		s.redis,
		[]string{s.tokenKey(hashHex)},
		s.clock().Unix(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n == 1, nil
}

// PurgeExpired removes rows whose expiry (plus retention) has passed and
// trims family index sets. It is an O(n) sweep operation and must not be
// called from request hot paths.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	now := s.clock().Unix()
	retention := int64(s.retention / time.Second)

	var (
		cursor uint64
		purged int
	)
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, s.tokenPrefix()+"*", 512).Result()
		if err != nil {
			return purged, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		for _, key := range keys {
			raw, err := s.redis.HGetAll(ctx, key).Result()
			if err != nil {
				return purged, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			if len(raw) == 0 {
				continue
			}

			hashHex := key[len(s.tokenPrefix()):]
			rec, err := recordFromHash(hashHex, raw)
			if err != nil {
				// Undecodable rows are dead weight; drop them.
				_ = s.redis.Del(ctx, key).Err()
				purged++
				continue
			}
			if rec.ExpiresAt+retention > now {
				continue
			}

			_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, s.familyKey(rec.FamilyID), hashHex)
				return nil
			})
			if err != nil {
				return purged, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			purged++

			if card, err := s.redis.SCard(ctx, s.familyKey(rec.FamilyID)).Result(); err == nil && card == 0 {
				_ = s.redis.Del(ctx, s.familyKey(rec.FamilyID)).Err()
			}
		}

		cursor = next
		if cursor == 0 {
			return purged, nil
		}
	}
}

func scriptString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

func scriptInt(v interface{}) int64 {
	n, _ := v.(int64)
	return n
}
