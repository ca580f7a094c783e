package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/config"
	registrymigrate "github.com/chirino/conversation-service/internal/registry/migrate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

//go:embed db/schema.sql
var schemaSQL string

func init() {
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Datastore: "postgres", Migrator: schemaMigrator{}})
}

type schemaMigrator struct{}

func (schemaMigrator) Name() string { return "postgres-schema" }

func (schemaMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return fmt.Errorf("postgres migration: no configuration in context")
	}
	return ApplySchema(ctx, cfg.DBURL)
}

// ApplySchema creates the conversation tables and indexes. The schema script is
// idempotent so it runs on every start when migrations are enabled.
func ApplySchema(ctx context.Context, dbURL string) error {
	log.Info("Applying postgres schema")
	db, err := gorm.Open(postgres.Open(dbURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("postgres migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres migration: failed to execute schema: %w", err)
	}
	return nil
}
