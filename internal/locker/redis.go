package locker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLeaseTTL  = 30 * time.Second
	acquirePollEvery = 50 * time.Millisecond
)

// releaseScript deletes the lease only when this holder still owns it, so an
// expired lease taken over by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a SET NX lease Locker for running more than one gateway process.
// The TTL bounds how long a crashed holder can block a conversation.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "parlo:lock:"
	}
	return &Redis{client: client, prefix: prefix, ttl: defaultLeaseTTL}
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	full := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("locker: setnx %s: %w", full, err)
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = releaseScript.Run(ctx, r.client, []string{full}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquirePollEvery):
		}
	}
}
