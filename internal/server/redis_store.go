package server

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"chime-live/internal/apperrors"
)

// windowScript counts a hit in a fixed window and returns the count and the
// window's remaining lifetime in milliseconds.
var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {count, redis.call('PTTL', KEYS[1])}
`)

type redisWindowStore struct {
	client redis.UniversalClient
}

func newRedisWindowStore(client redis.UniversalClient) *redisWindowStore {
	return &redisWindowStore{client: client}
}

func (s *redisWindowStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1000
	}
	reply, err := windowScript.Run(ctx, s.client, []string{key}, windowMs).Int64Slice()
	if err != nil {
		return false, 0, apperrors.Transient("ratelimit.allow", err)
	}
	if len(reply) != 2 {
		return false, 0, apperrors.Transient("ratelimit.allow", fmt.Errorf("unexpected reply %v", reply))
	}
	if reply[0] <= int64(limit) {
		return true, 0, nil
	}
	if reply[1] < 0 {
		return false, window, nil
	}
	return false, time.Duration(reply[1]) * time.Millisecond, nil
}
