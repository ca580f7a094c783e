package migrate

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/config"
	registrymigrate "github.com/chirino/conversation-service/internal/registry/migrate"
	"github.com/urfave/cli/v3"

	// Store plugins register their migrators from init().
	_ "github.com/chirino/conversation-service/internal/plugin/store/mongo"
	_ "github.com/chirino/conversation-service/internal/plugin/store/postgres"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or update the conversation schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db-url",
				Sources: cli.EnvVars("CONVERSATION_SERVICE_DB_URL"),
				Usage:   "Database connection URL",
			},
			&cli.StringFlag{
				Name:    "db-kind",
				Sources: cli.EnvVars("CONVERSATION_SERVICE_DB_KIND"),
				Usage:   "Store backend (postgres|mongo)",
				Value:   "postgres",
			},
			&cli.BoolFlag{
				Name:  "list",
				Usage: "Print the migrations that would run for --db-kind and exit",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			kind := cmd.String("db-kind")
			pending := registrymigrate.For(kind)
			if cmd.Bool("list") {
				for _, p := range pending {
					fmt.Fprintln(cmd.Root().Writer, p.Migrator.Name())
				}
				return nil
			}
			if len(pending) == 0 {
				return fmt.Errorf("no migrations registered for db kind %q", kind)
			}
			if cmd.String("db-url") == "" {
				return fmt.Errorf("--db-url is required")
			}

			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			cfg.DatastoreType = kind
			cfg.DatastoreMigrateAtStart = true
			if err := cfg.ApplyEnv(); err != nil {
				return err
			}
			ctx = config.WithContext(ctx, &cfg)

			ran, err := registrymigrate.Run(ctx, kind)
			if err != nil {
				return err
			}
			log.Info("Migrations complete", "db", kind, "ran", ran)
			return nil
		},
	}
}
