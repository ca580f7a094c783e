package bdd

import (
	"testing"

	"github.com/chirino/conversation-service/internal/cmd/serve"
	"github.com/chirino/conversation-service/internal/testutil/cucumber"
	"github.com/chirino/conversation-service/internal/testutil/testmongo"
)

func TestFeaturesMongo(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	base := testConfig()
	mongoURL := testmongo.Configure(t, &base)

	db := &MongoTestDB{URL: mongoURL}
	runFeatures(t, func(t *testing.T) (*serve.Server, cucumber.TestDB) {
		if err := db.ClearAll(t.Context()); err != nil {
			t.Fatal(err)
		}
		cfg := base
		return startServer(t, &cfg), db
	})
}
