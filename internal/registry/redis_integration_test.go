//go:build integration

package registry

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRegistryIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	prefix := "hookrelay-test:" + t.Name() + ":"
	require.NoError(t, client.Set(ctx, prefix+"webhook:w1", `{"orgId":"o1","chatId":"5","botToken":"x","format":"json"}`, 0).Err())
	require.NoError(t, client.Set(ctx, prefix+"org:o1", `{"premiumExpires":"2000-01-01T00:00:00Z","rateLimit":{"per15Min":5,"monthly":30}}`, 0).Err())
	require.NoError(t, client.Set(ctx, prefix+"webhook:bad", `{not json`, 0).Err())
	t.Cleanup(func() { client.Del(context.Background(), prefix+"webhook:w1", prefix+"org:o1", prefix+"webhook:bad") })

	reg := NewRedis(client, prefix)

	w, err := reg.Webhook(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "w1", w.ID)
	assert.Equal(t, "o1", w.TenantID)

	tn, err := reg.Tenant(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), tn.RateLimit.Short)

	_, err = reg.Webhook(ctx, "bad")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Webhook(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
