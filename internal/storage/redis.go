package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	logx "hookrelay/pkg/logx"
)

// Redis keeps each counter in its own key and lets EXPIREAT retire old
// buckets, so Prune has nothing to do.
type Redis struct {
	client *redis.Client
	prefix string
	owned  bool
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	st := NewRedis(client, cfg.Redis.Prefix)
	st.owned = true
	log.Debug("redis store opened", logx.String("addr", addr))
	return st, nil
}

// NewRedis wraps an existing client. Close leaves the client open.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(tenantID string, b Bucket) string {
	return r.prefix + "quota:" + tenantID + ":" + string(b.Kind) + ":" + b.ID
}

func (r *Redis) Counts(ctx context.Context, tenantID string, buckets ...Bucket) ([]int64, error) {
	if err := validBuckets(buckets); err != nil {
		return nil, err
	}
	out := make([]int64, len(buckets))
	if len(buckets) == 0 {
		return out, nil
	}
	keys := make([]string, len(buckets))
	for i, b := range buckets {
		keys[i] = r.key(tenantID, b)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func (r *Redis) Increment(ctx context.Context, tenantID string, buckets ...Bucket) error {
	if err := validBuckets(buckets); err != nil {
		return err
	}
	if len(buckets) == 0 {
		return nil
	}
	// MULTI/EXEC keeps the bucket increments together.
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, b := range buckets {
			k := r.key(tenantID, b)
			pipe.Incr(ctx, k)
			if !b.Expires.IsZero() {
				pipe.ExpireAt(ctx, k, b.Expires)
			}
		}
		return nil
	})
	return err
}

// incrementBelowScript reads every counter, and only when each is below its
// limit increments them all and sets their expiry. KEYS are the counters,
// ARGV holds the limits followed by the expiry unix times (0 for none).
// The reply is {applied, count1, count2, ...}.
var incrementBelowScript = redis.NewScript(`
local n = #KEYS
local reply = {1}
for i = 1, n do
  local c = tonumber(redis.call('GET', KEYS[i]) or '0')
  reply[i + 1] = c
  if c >= tonumber(ARGV[i]) then
    reply[1] = 0
  end
end
if reply[1] == 1 then
  for i = 1, n do
    redis.call('INCR', KEYS[i])
    local exp = tonumber(ARGV[n + i])
    if exp > 0 then
      redis.call('EXPIREAT', KEYS[i], exp)
    end
  end
end
return reply
`)

func (r *Redis) IncrementBelow(ctx context.Context, tenantID string, limits []int64, buckets ...Bucket) ([]int64, bool, error) {
	if err := validLimits(limits, buckets); err != nil {
		return nil, false, err
	}
	if len(buckets) == 0 {
		return []int64{}, true, nil
	}
	keys := make([]string, len(buckets))
	args := make([]any, 0, 2*len(buckets))
	for i, b := range buckets {
		keys[i] = r.key(tenantID, b)
		args = append(args, limits[i])
	}
	for _, b := range buckets {
		var exp int64
		if !b.Expires.IsZero() {
			exp = b.Expires.Unix()
		}
		args = append(args, exp)
	}
	reply, err := incrementBelowScript.Run(ctx, r.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, false, err
	}
	if len(reply) != len(buckets)+1 {
		return nil, false, fmt.Errorf("redis: unexpected script reply of %d values", len(reply))
	}
	return reply[1:], reply[0] == 1, nil
}

func (r *Redis) Prune(context.Context, Cutoff) (int64, error) { return 0, nil }

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
