package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compare-and-delete so a slow holder cannot free a lock that already
// expired and was re-acquired by someone else.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// AcquireLock takes the named lock for holder with the given TTL. It
// reports whether this caller is now the holder.
func (s *Store) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("error acquiring lock %s: %w", key, err)
	}
	return ok, nil
}

// ReleaseLock frees the lock only while holder still owns it. Releasing a
// lock held by another holder or already expired is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, key, holder string) error {
	if err := releaseScript.Run(ctx, s.client, []string{key}, holder).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("error releasing lock %s: %w", key, err)
	}
	return nil
}
