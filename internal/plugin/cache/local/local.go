// Package local is an in-process send-receipt cache for single-replica deployments.
package local

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/conversation-service/internal/config"
	registrycache "github.com/chirino/conversation-service/internal/registry/cache"
	"github.com/dgraph-io/ristretto/v2"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registrycache.SendReceiptCache, error) {
			cfg := config.FromContext(ctx)
			var ttl time.Duration
			maxEntries := int64(0)
			if cfg != nil {
				ttl = cfg.CacheTTL
				maxEntries = cfg.CacheMaxEntries
			}
			return New(maxEntries, ttl)
		},
	})
}

// New creates a cache holding at most maxEntries receipts.
func New(maxEntries int64, ttl time.Duration) (registrycache.SendReceiptCache, error) {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, registrycache.SendReceipt]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	return &localReceiptCache{cache: c, ttl: ttl}, nil
}

type localReceiptCache struct {
	cache *ristretto.Cache[string, registrycache.SendReceipt]
	ttl   time.Duration
}

func (c *localReceiptCache) Available() bool { return true }

func (c *localReceiptCache) Get(_ context.Context, messageID string) (*registrycache.SendReceipt, error) {
	receipt, ok := c.cache.Get(messageID)
	if !ok {
		return nil, nil
	}
	return &receipt, nil
}

func (c *localReceiptCache) Set(_ context.Context, messageID string, receipt registrycache.SendReceipt, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	c.cache.SetWithTTL(messageID, receipt, 1, ttl)
	// Writes are buffered; wait so an immediate replay observes the receipt.
	c.cache.Wait()
	return nil
}

func (c *localReceiptCache) Remove(_ context.Context, messageID string) error {
	c.cache.Del(messageID)
	return nil
}

var _ registrycache.SendReceiptCache = (*localReceiptCache)(nil)
