package noop

import (
	"context"
	"time"

	"github.com/chirino/conversation-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.SendReceiptCache, error) {
			return &noopReceiptCache{}, nil
		},
	})
}

type noopReceiptCache struct{}

func (n *noopReceiptCache) Available() bool { return false }
func (n *noopReceiptCache) Get(_ context.Context, _ string) (*cache.SendReceipt, error) {
	return nil, nil
}
func (n *noopReceiptCache) Set(_ context.Context, _ string, _ cache.SendReceipt, _ time.Duration) error {
	return nil
}
func (n *noopReceiptCache) Remove(_ context.Context, _ string) error { return nil }

var _ cache.SendReceiptCache = (*noopReceiptCache)(nil)
