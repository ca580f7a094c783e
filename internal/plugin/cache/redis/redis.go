package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chirino/conversation-service/internal/config"
	registrycache "github.com/chirino/conversation-service/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.SendReceiptCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: CONVERSATION_SERVICE_REDIS_URL is required")
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, cfg.CacheTTL)
}

// LoadFromURLWithTTL creates a SendReceiptCache from a Redis-compatible URL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.SendReceiptCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	return LoadFromOptionsWithTTL(ctx, opts, ttl)
}

// LoadFromOptionsWithTTL creates a cache from go-redis Options. This allows callers to
// customize options (e.g. Protocol for RESP2); the Infinispan plugin reuses it.
func LoadFromOptionsWithTTL(ctx context.Context, opts *goredis.Options, ttl time.Duration) (registrycache.SendReceiptCache, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisReceiptCache{client: client, ttl: ttl}, nil
}

type redisReceiptCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func receiptKey(messageID string) string {
	return "send-receipt:" + messageID
}

func (c *redisReceiptCache) Available() bool {
	return true
}

func (c *redisReceiptCache) Get(ctx context.Context, messageID string) (*registrycache.SendReceipt, error) {
	data, err := c.client.Get(ctx, receiptKey(messageID)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var receipt registrycache.SendReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *redisReceiptCache) Set(ctx context.Context, messageID string, receipt registrycache.SendReceipt, ttl time.Duration) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, receiptKey(messageID), data, ttl).Err()
}

func (c *redisReceiptCache) Remove(ctx context.Context, messageID string) error {
	return c.client.Del(ctx, receiptKey(messageID)).Err()
}

var _ registrycache.SendReceiptCache = (*redisReceiptCache)(nil)
