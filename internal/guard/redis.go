package guard

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still carries the caller's token,
// so an expired holder cannot drop a lock someone else has since taken.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Guard shared by every process pointed at the same Redis. Key
// expiry takes the place of the in-memory sweeper.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Guard = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (g *Redis) Acquire(ctx context.Context, key string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.prefix+key, token, g.ttl).Result()
	if err != nil {
		return "", false, errors.Wrap(err, "redis setnx")
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (g *Redis) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, g.client, []string{g.prefix + key}, token).Err(); err != nil {
		return errors.Wrap(err, "redis release")
	}
	return nil
}
