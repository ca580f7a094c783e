package infinispan_test

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/conversation-service/internal/config"
	"github.com/chirino/conversation-service/internal/model"
	"github.com/chirino/conversation-service/internal/plugin/cache/infinispan"
	registrycache "github.com/chirino/conversation-service/internal/registry/cache"
	"github.com/chirino/conversation-service/internal/testutil/testinfinispan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadInfinispan(t *testing.T, cfg *config.Config) (registrycache.SendReceiptCache, error) {
	t.Helper()
	loader, err := registrycache.Select("infinispan")
	require.NoError(t, err)
	return loader(config.WithContext(context.Background(), cfg))
}

func TestLoadRequiresHost(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := loadInfinispan(t, &cfg)
	require.Error(t, err)
}

func TestWaitForRESPGivesUp(t *testing.T) {
	// Nothing listens on the discard port.
	err := infinispan.WaitForRESP(context.Background(), infinispan.Options("127.0.0.1:9", "", ""), 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}

func TestReceiptsOverRESP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping infinispan container test in short mode")
	}
	ispn := testinfinispan.StartInfinispan(t)

	cfg := config.DefaultConfig()
	ispn.Apply(&cfg)
	cache, err := loadInfinispan(t, &cfg)
	require.NoError(t, err)
	require.True(t, cache.Available())

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "m1", registrycache.SendReceipt{
		Message:     model.Message{ID: "m1", GroupID: "g1", SentBy: "alice"},
		CommittedAt: time.Now(),
	}, time.Minute))

	got, err := cache.Get(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.Message.SentBy)

	require.NoError(t, cache.Remove(ctx, "m1"))
	got, err = cache.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
