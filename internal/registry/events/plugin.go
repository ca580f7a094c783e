package events

import (
	"context"
	"fmt"
	"time"
)

// Event types written to the outbox.
const (
	TypeMessageSaved   = "message_saved"
	TypeMessagesRead   = "messages_read"
	TypeMessageRevoked = "message_revoked"
	TypeMessageUpdated = "message_updated"
)

// Event is a committed domain change published to downstream consumers.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	GroupID    string         `json:"groupId,omitempty"`
	Body       map[string]any `json:"body"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Publisher delivers events. Publish must be safe to call again with the same event
// after a failure; consumers deduplicate on Event.ID.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Loader creates a publisher from config.
type Loader func(ctx context.Context) (Publisher, error)

// Plugin represents an events plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an events plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered events plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named events plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown events publisher %q; valid: %v", name, Names())
}
