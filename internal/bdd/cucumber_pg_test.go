package bdd

import (
	"testing"

	"github.com/chirino/conversation-service/internal/cmd/serve"
	"github.com/chirino/conversation-service/internal/testutil/cucumber"
	"github.com/chirino/conversation-service/internal/testutil/testpg"
	"github.com/chirino/conversation-service/internal/testutil/testredis"
)

func TestFeaturesPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	base := testConfig()
	dbURL := testpg.Configure(t, &base)
	testredis.Configure(t, &base)

	db := &PostgresTestDB{DBURL: dbURL}
	runFeatures(t, func(t *testing.T) (*serve.Server, cucumber.TestDB) {
		// Every feature file shares the database, so wipe it first.
		if err := db.ClearAll(t.Context()); err != nil {
			t.Fatal(err)
		}
		cfg := base
		return startServer(t, &cfg), db
	})
}
