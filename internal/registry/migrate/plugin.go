package migrate

import (
	"context"
	"fmt"
	"sort"
)

// Migrator creates or updates the schema of one datastore.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// Plugin binds a migrator to the datastore kind it prepares.
type Plugin struct {
	Order int
	// Datastore is the --db-kind this migrator applies to. Empty applies to all.
	Datastore string
	Migrator  Migrator
}

var plugins []Plugin

// Register adds a migration plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// For returns the migrators that apply to datastore in execution order.
func For(datastore string) []Plugin {
	var out []Plugin
	for _, p := range plugins {
		if p.Datastore == "" || p.Datastore == datastore {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Run executes the migrators for datastore and returns the names that ran.
// It stops at the first failure.
func Run(ctx context.Context, datastore string) ([]string, error) {
	var ran []string
	for _, p := range For(datastore) {
		if err := p.Migrator.Migrate(ctx); err != nil {
			return ran, fmt.Errorf("migration %s failed: %w", p.Migrator.Name(), err)
		}
		ran = append(ran, p.Migrator.Name())
	}
	return ran, nil
}
