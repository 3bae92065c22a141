package outbox

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the list envelopes are pushed onto.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// Redis pushes JSON envelopes onto a list. Submitters pop from the other
// end with BRPOP.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, deliveryError(errors.New("address is empty"), "redis", "configure redis outbox")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, deliveryError(err, "redis", "connect to redis")
	}
	return NewRedisWithClient(client, cfg.Key), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, key string) *Redis {
	if key == "" {
		key = "geoattest:outbox"
	}
	return &Redis{client: client, key: key}
}

func (r *Redis) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return deliveryError(err, "redis", "encode envelope")
	}
	if err := r.client.LPush(ctx, r.key, body).Err(); err != nil {
		return deliveryError(err, "redis", "push envelope")
	}
	return nil
}

// Pending reports the list length.
func (r *Redis) Pending(ctx context.Context) (int64, error) {
	n, err := r.client.LLen(ctx, r.key).Result()
	if err != nil {
		return 0, deliveryError(err, "redis", "read outbox length")
	}
	return n, nil
}

func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
