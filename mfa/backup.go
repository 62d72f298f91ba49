package mfa

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// BackupStore persists per-user backup-code sets. Codes are stored only as
// hashes; each hash maps to 0 while unused and to the consumption timestamp
// afterwards.
type BackupStore struct {
	redis  redis.UniversalClient
	prefix string
	clock  func() time.Time
}

// NewBackupStore creates a [BackupStore]. clock may be nil (time.Now).
func NewBackupStore(client redis.UniversalClient, prefix string, clock func() time.Time) *BackupStore {
	if clock == nil {
		clock = time.Now
	}
	return &BackupStore{redis: client, prefix: prefix, clock: clock}
}

func (s *BackupStore) key(userID string) string {
	return s.prefix + ":b:" + userID
}

// Replace swaps the user's entire backup-code set for the given hashes.
// Regeneration always goes through here so stale codes cannot survive.
func (s *BackupStore) Replace(ctx context.Context, userID string, codeHashes []string) error {
	key := s.key(userID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		for _, hash := range codeHashes {
			pipe.HSet(ctx, key, hash, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

const consumeBackupScript = `
local used = redis.call("HGET", KEYS[1], ARGV[1])
if not used then
  return 0
end
if used ~= "0" then
  return -1
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`

var consumeBackupLua = redis.NewScript(consumeBackupScript)

// Consume marks a backup code used if and only if it exists and is unused.
// Concurrent submissions of the same code admit exactly one caller.
func (s *BackupStore) Consume(ctx context.Context, userID, codeHashHex string) (bool, error) {
	n, err := consumeBackupLua.Run(
		ctx,
		s.redis,
		[]string{s.key(userID)},
		codeHashHex,
		s.clock().Unix(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n == 1, nil
}

// Remaining returns how many unused codes the user still has.
func (s *BackupStore) Remaining(ctx context.Context, userID string) (int, error) {
	all, err := s.redis.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	remaining := 0
	for _, used := range all {
		if used == "0" {
			remaining++
		}
	}
	return remaining, nil
}

// Configured reports whether the user has any backup-code set at all,
// used or not.
func (s *BackupStore) Configured(ctx context.Context, userID string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.key(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// Clear removes the user's backup-code set entirely.
func (s *BackupStore) Clear(ctx context.Context, userID string) error {
	if _, err := s.redis.Del(ctx, s.key(userID)).Result(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
