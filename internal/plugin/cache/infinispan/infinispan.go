// Package infinispan keeps send receipts in Infinispan through its RESP endpoint,
// reusing the redis receipt cache.
package infinispan

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/config"
	"github.com/chirino/conversation-service/internal/plugin/cache/redis"
	registrycache "github.com/chirino/conversation-service/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "infinispan",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.SendReceiptCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.InfinispanHost == "" {
		return nil, fmt.Errorf("infinispan cache: CONVERSATION_SERVICE_INFINISPAN_HOST is required")
	}
	opts := Options(cfg.InfinispanHost, cfg.InfinispanUsername, cfg.InfinispanPassword)
	if err := WaitForRESP(ctx, opts, cfg.InfinispanStartupTimeout); err != nil {
		return nil, err
	}
	return redis.LoadFromOptionsWithTTL(ctx, opts, cfg.CacheTTL)
}

// Options returns go-redis options for an Infinispan RESP connector. The connector
// does not implement the RESP3 HELLO handshake, so the client is pinned to RESP2.
func Options(host, username, password string) *goredis.Options {
	return &goredis.Options{
		Addr:     host,
		Username: username,
		Password: password,
		Protocol: 2,
	}
}

// WaitForRESP pings until the RESP connector answers or timeout elapses. The
// connector starts after the rest of the server, so a fresh node refuses pings for
// a while.
func WaitForRESP(ctx context.Context, opts *goredis.Options, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := goredis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	attempts := 0
	for {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		pingCancel()
		attempts++
		if err == nil {
			return nil
		}
		log.Debug("Infinispan RESP not ready", "addr", opts.Addr, "attempt", attempts, "err", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("infinispan cache: RESP not ready after %d attempts: %w", attempts, err)
		case <-time.After(time.Second):
		}
	}
}
