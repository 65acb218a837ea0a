package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps the token table in Redis. Chosen at startup in cmd/server
// when a redis URL is configured; PostgreSQL is used otherwise.
type Redis struct {
	client *redis.Client
	prefix string
}

func OpenRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Redis{client: client, prefix: "token:"}, nil
}

// NewRedisWithClient wraps an existing client; the caller owns it.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "token:"}
}

func (r *Redis) TokenUsed(ctx context.Context, token string) (bool, error) {
	expires := strconv.FormatInt(time.Now().Unix(), 10)
	fresh, err := r.client.SetNX(ctx, r.prefix+token, expires, 0).Result()
	if err != nil {
		return false, fmt.Errorf("record token: %w", err)
	}
	return fresh, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
