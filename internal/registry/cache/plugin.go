package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/conversation-service/internal/model"
)

// SendReceipt is the committed result of a send, remembered so that a replayed send of
// the same message id does not fan out a second time.
type SendReceipt struct {
	Message          model.Message     `json:"message"`
	CustomProperties map[string]string `json:"customProperties,omitempty"`
	CommittedAt      time.Time         `json:"committedAt"`
}

// SendReceiptCache remembers committed sends keyed by message id.
type SendReceiptCache interface {
	Available() bool
	Get(ctx context.Context, messageID string) (*SendReceipt, error)
	Set(ctx context.Context, messageID string, receipt SendReceipt, ttl time.Duration) error
	Remove(ctx context.Context, messageID string) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (SendReceiptCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
