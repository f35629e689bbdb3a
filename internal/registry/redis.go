package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis reads JSON records from webhook:<id> and org:<id>.
type Redis struct {
	client *redis.Client
	prefix string
	owned  bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	r := NewRedis(client, cfg.Prefix)
	r.owned = true
	return r, nil
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Webhook(ctx context.Context, id string) (Webhook, error) {
	var w Webhook
	if err := r.get(ctx, "webhook:"+id, &w); err != nil {
		return Webhook{}, err
	}
	if w.ID == "" {
		w.ID = id
	}
	if err := w.validate(); err != nil {
		return Webhook{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return w, nil
}

func (r *Redis) Tenant(ctx context.Context, id string) (Tenant, error) {
	var t Tenant
	if err := r.get(ctx, "org:"+id, &t); err != nil {
		return Tenant{}, err
	}
	if t.ID == "" {
		t.ID = id
	}
	return t, nil
}

func (r *Redis) get(ctx context.Context, key string, v any) error {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	// Corrupt records are treated like missing ones.
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotFound, key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
