package testmongo

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/conversation-service/internal/config"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
)

// StartMongo starts a single-node replica set and returns its URI. The mongo
// store commits sends in multi-document transactions, which need a replica set.
func StartMongo(tb testing.TB) string {
	tb.Helper()

	ctx := context.Background()
	container, err := mongodb.Run(ctx, "mongo:7", mongodb.WithReplicaSet("rs0"))
	if err != nil {
		tb.Fatalf("start mongodb container: %v", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			tb.Errorf("terminate mongodb container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		tb.Fatalf("build mongodb connection string: %v", err)
	}
	return uri
}

// Configure starts MongoDB and points cfg's datastore at it.
func Configure(tb testing.TB, cfg *config.Config) string {
	tb.Helper()
	uri := StartMongo(tb)
	cfg.DatastoreType = "mongo"
	cfg.DBURL = uri
	cfg.DatastoreMigrateAtStart = true
	return uri
}
