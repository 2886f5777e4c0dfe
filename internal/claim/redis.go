package claim

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores claims as keys without expiry, so supervisors on different
// hosts can share one batch directory.
type Redis struct {
	client *redis.Client
	prefix string
}

func OpenRedis(ctx context.Context, addr, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting claims redis %s: %w", addr, err)
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) Claim(ctx context.Context, name string, owner Owner) error {
	owner.Claimed = time.Now().UTC()
	value, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.prefix+name, value, 0).Result()
	if err != nil {
		return fmt.Errorf("setting claim key: %w", err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", r.prefix+name, ErrClaimed)
	}
	return nil
}

func (r *Redis) Owner(ctx context.Context, name string) (Owner, error) {
	var owner Owner
	b, err := r.client.Get(ctx, r.prefix+name).Bytes()
	if err != nil {
		return owner, err
	}
	err = json.Unmarshal(b, &owner)
	return owner, err
}

func (r *Redis) Close() error {
	return r.client.Close()
}
