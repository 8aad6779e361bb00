package lease

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Manager backed by SET NX PX, shared across controller replicas.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis connects to addr and verifies the server responds.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return NewRedisWithClient(client), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient) *Redis {
	return &Redis{client: client, prefix: "releasectl:lease:"}
}

// Acquire implements Manager.
func (r *Redis) Acquire(ctx context.Context, key, owner string, ttl time.Duration) error {
	ok, err := r.client.SetNX(ctx, r.prefix+key, owner, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrHeld
	}
	return nil
}

// Release implements Manager.
func (r *Redis) Release(ctx context.Context, key, owner string) error {
	err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, owner).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
