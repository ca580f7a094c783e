package bdd

import (
	"context"
	"errors"
	"fmt"

	"github.com/chirino/conversation-service/internal/plugin/store/memory"
	"github.com/chirino/conversation-service/internal/testutil/cucumber"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var (
	_ cucumber.TestDB = (*memory.Store)(nil)
	_ cucumber.TestDB = (*PostgresTestDB)(nil)
	_ cucumber.TestDB = (*MongoTestDB)(nil)
)

// tables in delete order; children first.
var tables = []string{
	"tasks",
	"message_custom_properties",
	"messages",
	"group_user_custom_properties",
	"group_users",
	"group_custom_properties",
	"groups",
}

// PostgresTestDB implements cucumber.TestDB for Postgres.
type PostgresTestDB struct {
	DBURL string
}

func (p *PostgresTestDB) ClearAll(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, p.DBURL)
	if err != nil {
		return fmt.Errorf("cleanup: failed to connect: %w", err)
	}
	defer conn.Close(ctx)

	for _, table := range tables {
		if _, err := conn.Exec(ctx, "DELETE FROM "+table); err != nil {
			var pgErr *pgconn.PgError
			// The schema does not exist until the first server start migrates it.
			if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
				continue
			}
			return fmt.Errorf("cleanup: failed to delete from %s: %w", table, err)
		}
	}
	return nil
}

func (p *PostgresTestDB) CountTasks(ctx context.Context, taskType string) (int, error) {
	conn, err := pgx.Connect(ctx, p.DBURL)
	if err != nil {
		return 0, err
	}
	defer conn.Close(ctx)
	var n int
	err = conn.QueryRow(ctx, "SELECT count(*) FROM tasks WHERE task_type = $1", taskType).Scan(&n)
	return n, err
}

// MongoTestDB implements cucumber.TestDB for MongoDB.
type MongoTestDB struct {
	URL string
}

const mongoDBName = "conversation_service"

func (m *MongoTestDB) withDB(ctx context.Context, fn func(db *mongo.Database) error) error {
	client, err := mongo.Connect(options.Client().ApplyURI(m.URL))
	if err != nil {
		return err
	}
	defer func() { _ = client.Disconnect(ctx) }()
	return fn(client.Database(mongoDBName))
}

func (m *MongoTestDB) ClearAll(ctx context.Context) error {
	return m.withDB(ctx, func(db *mongo.Database) error {
		for _, name := range tables {
			if _, err := db.Collection(name).DeleteMany(ctx, bson.M{}); err != nil {
				return fmt.Errorf("cleanup: failed to clear %s: %w", name, err)
			}
		}
		return nil
	})
}

func (m *MongoTestDB) CountTasks(ctx context.Context, taskType string) (int, error) {
	var n int64
	err := m.withDB(ctx, func(db *mongo.Database) error {
		var err error
		n, err = db.Collection("tasks").CountDocuments(ctx, bson.M{"task_type": taskType})
		return err
	})
	return int(n), err
}
