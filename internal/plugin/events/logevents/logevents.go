// Package logevents publishes outbox events to the application log. It is the default
// publisher when no broker is configured.
package logevents

import (
	"context"

	"github.com/charmbracelet/log"
	registryevents "github.com/chirino/conversation-service/internal/registry/events"
)

func init() {
	registryevents.Register(registryevents.Plugin{
		Name: "log",
		Loader: func(ctx context.Context) (registryevents.Publisher, error) {
			return &logPublisher{}, nil
		},
	})
}

type logPublisher struct{}

func (p *logPublisher) Publish(_ context.Context, event registryevents.Event) error {
	log.Info("Event", "id", event.ID, "type", event.Type, "groupId", event.GroupID, "body", event.Body)
	return nil
}

func (p *logPublisher) Close() error { return nil }
