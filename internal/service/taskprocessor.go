package service

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/config"
	"github.com/chirino/conversation-service/internal/model"
	registryevents "github.com/chirino/conversation-service/internal/registry/events"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/chirino/conversation-service/internal/security"
)

// TaskProcessor polls the outbox for ready tasks and publishes them as events.
// Published tasks are deleted; failed ones are rescheduled after the retry delay.
type TaskProcessor struct {
	store      registrystore.Store
	publisher  registryevents.Publisher
	interval   time.Duration
	retryDelay time.Duration
	batchSize  int
}

// NewTaskProcessor creates a new background task processor.
func NewTaskProcessor(store registrystore.Store, publisher registryevents.Publisher, cfg *config.Config) *TaskProcessor {
	p := &TaskProcessor{
		store:      store,
		publisher:  publisher,
		interval:   1 * time.Minute,
		retryDelay: 10 * time.Minute,
		batchSize:  100,
	}
	if cfg != nil {
		if cfg.TaskProcessorInterval > 0 {
			p.interval = cfg.TaskProcessorInterval
		}
		if cfg.TaskRetryDelay > 0 {
			p.retryDelay = cfg.TaskRetryDelay
		}
		if cfg.TaskProcessorBatchSize > 0 {
			p.batchSize = cfg.TaskProcessorBatchSize
		}
	}
	return p
}

// Start begins the periodic task processing loop. Returns when ctx is cancelled.
func (p *TaskProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.processBatch(ctx)
		}
	}
}

func (p *TaskProcessor) processBatch(ctx context.Context) int {
	tasks, err := p.store.ClaimReadyTasks(ctx, p.batchSize)
	if err != nil {
		log.Error("TaskProcessor: claim tasks failed", "err", err)
		return 0
	}
	published := 0
	for _, task := range tasks {
		if err := p.executeTask(ctx, task); err != nil {
			security.ObserveOutboxPublish(task.TaskType, "failed")
			log.Error("TaskProcessor: task failed", "taskId", task.ID, "type", task.TaskType, "err", err)
			if fErr := p.store.FailTask(ctx, task.ID, err.Error(), p.retryDelay); fErr != nil {
				log.Error("TaskProcessor: fail task record failed", "taskId", task.ID, "err", fErr)
			}
			continue
		}
		security.ObserveOutboxPublish(task.TaskType, "published")
		published++
		if dErr := p.store.DeleteTask(ctx, task.ID); dErr != nil {
			log.Error("TaskProcessor: delete task failed", "taskId", task.ID, "err", dErr)
		}
	}
	return published
}

func (p *TaskProcessor) executeTask(ctx context.Context, task model.Task) error {
	switch task.TaskType {
	case registryevents.TypeMessageSaved,
		registryevents.TypeMessagesRead,
		registryevents.TypeMessageRevoked,
		registryevents.TypeMessageUpdated:
	default:
		return fmt.Errorf("unknown task type: %s", task.TaskType)
	}
	if p.publisher == nil {
		return nil // no publisher configured
	}
	groupID, _ := task.TaskBody["groupId"].(string)
	return p.publisher.Publish(ctx, registryevents.Event{
		ID:         task.ID.String(),
		Type:       task.TaskType,
		GroupID:    groupID,
		Body:       task.TaskBody,
		OccurredAt: task.CreatedAt,
	})
}
