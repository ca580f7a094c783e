package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chirino/conversation-service/internal/config"
	registryevents "github.com/chirino/conversation-service/internal/registry/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []registryevents.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event registryevents.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestTaskProcessorPublishesOutbox(t *testing.T) {
	st := newMemoryStore()
	svc, _ := newTestService(t, st, nil)
	ctx := context.Background()
	createGroup(t, svc, "g1", 0, nil, "alice", "bob")
	msg := send(t, svc, "g1", "alice", "hello", nil)

	pub := &recordingPublisher{}
	p := NewTaskProcessor(st, pub, testConfig())
	assert.Equal(t, 1, p.processBatch(ctx))

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, registryevents.TypeMessageSaved, ev.Type)
	assert.Equal(t, "g1", ev.GroupID)
	assert.Equal(t, msg.ID, ev.Body["messageId"])
	assert.NotEmpty(t, ev.ID)

	// Published tasks are gone.
	assert.Equal(t, 0, p.processBatch(ctx))
}

func TestTaskProcessorReschedulesFailures(t *testing.T) {
	st := newMemoryStore()
	svc, _ := newTestService(t, st, nil)
	ctx := context.Background()
	createGroup(t, svc, "g1", 0, nil, "alice", "bob")
	send(t, svc, "g1", "alice", "hello", nil)

	cfg := config.DefaultConfig()
	cfg.TaskRetryDelay = time.Hour
	pub := &recordingPublisher{err: errors.New("broker unavailable")}
	p := NewTaskProcessor(st, pub, &cfg)
	assert.Equal(t, 0, p.processBatch(ctx))

	// The task stays in the outbox but is not ready again until the retry delay passes.
	pub.err = nil
	assert.Equal(t, 0, p.processBatch(ctx))
	assert.Empty(t, pub.events)
}

func TestTaskProcessorRejectsUnknownTasks(t *testing.T) {
	st := newMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.CreateTask(ctx, "legacy_cleanup", map[string]interface{}{}))

	pub := &recordingPublisher{}
	p := NewTaskProcessor(st, pub, testConfig())
	assert.Equal(t, 0, p.processBatch(ctx))
	assert.Empty(t, pub.events)
}
