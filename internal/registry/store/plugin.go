package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/conversation-service/internal/model"
	"github.com/google/uuid"
)

// PropertyTarget names the entity family a PropertyMatch is evaluated against.
type PropertyTarget int

const (
	// TargetGroupProperty matches GroupCustomProperty rows.
	TargetGroupProperty PropertyTarget = iota
	// TargetMessageProperty matches MessageCustomProperty rows.
	TargetMessageProperty
	// TargetMessageContent matches the message body. Key is ignored.
	TargetMessageContent
)

func (t PropertyTarget) String() string {
	switch t {
	case TargetGroupProperty:
		return "group-property"
	case TargetMessageProperty:
		return "message-property"
	case TargetMessageContent:
		return "message-content"
	default:
		return fmt.Sprintf("target(%d)", int(t))
	}
}

// PropertyMatch is a single keyword term. Exact compares whole values; otherwise Value
// is matched as a literal substring, never as a pattern.
type PropertyMatch struct {
	Target PropertyTarget
	Key    string
	Value  string
	Exact  bool
	// GroupIDs restricts the match to these groups. Nil means unrestricted; an empty,
	// non-nil slice matches nothing.
	GroupIDs []string
}

// UnreadQuery selects the groups of one user whose unread messages are counted.
// The read watermark is the user's membership LastReadTime in each group.
type UnreadQuery struct {
	UserID   string
	GroupIDs []string
	// ExcludeMessageProperties drops messages carrying any of these key/value pairs.
	ExcludeMessageProperties map[string]string
}

// MessagePageQuery selects a window of a group's messages, newest first.
type MessagePageQuery struct {
	GroupID string
	// After keeps only messages ordered after this position, i.e. older than it in
	// (created_date, id) descending order.
	After *MessageCursor
	Limit int
}

// MessageCursor is a keyset position in a group's message listing. Pages are ordered
// by CreatedDate then ID, both descending, so messages sharing a timestamp are never
// skipped.
type MessageCursor struct {
	CreatedDate time.Time
	ID          string
}

// Precedes reports whether m sorts strictly after the cursor position.
func (c MessageCursor) Precedes(m model.Message) bool {
	if !m.CreatedDate.Equal(c.CreatedDate) {
		return m.CreatedDate.Before(c.CreatedDate)
	}
	return m.ID < c.ID
}

// Ops is the set of store operations available both outside and inside a transaction.
type Ops interface {
	// Groups
	InsertGroup(ctx context.Context, group *model.Group) error
	GetGroups(ctx context.Context, groupIDs []string) ([]model.Group, error)
	InsertGroupCustomProperties(ctx context.Context, props []model.GroupCustomProperty) error
	GetGroupCustomProperties(ctx context.Context, groupIDs []string) ([]model.GroupCustomProperty, error)

	// Memberships
	InsertGroupUsers(ctx context.Context, users []model.GroupUser) error
	GetGroupUser(ctx context.Context, userID string, groupID string) (*model.GroupUser, error)
	// ListMemberships returns the user's memberships. A nil groupIDs returns all of them.
	ListMemberships(ctx context.Context, userID string, groupIDs []string) ([]model.GroupUser, error)
	ListGroupMembers(ctx context.Context, groupID string) ([]model.GroupUser, error)
	IncrementUnreadCounts(ctx context.Context, groupUserIDs []string) error
	MarkRead(ctx context.Context, groupID string, userIDs []string, readAt time.Time) (int64, error)
	DeleteGroupUser(ctx context.Context, groupUserID string) error
	InsertGroupUserCustomProperties(ctx context.Context, props []model.GroupUserCustomProperty) error
	GetGroupUserCustomProperties(ctx context.Context, groupUserIDs []string) ([]model.GroupUserCustomProperty, error)

	// Messages
	InsertMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)
	GetMessages(ctx context.Context, messageIDs []string) ([]model.Message, error)
	UpdateMessages(ctx context.Context, msgs []model.Message) error
	ListMessages(ctx context.Context, q MessagePageQuery) ([]model.Message, error)
	// LastMessages returns the most recent message of each group that has one.
	LastMessages(ctx context.Context, groupIDs []string) ([]model.Message, error)
	// CountUnread returns one row per group that has at least one message.
	CountUnread(ctx context.Context, q UnreadQuery) ([]model.GroupUnread, error)
	InsertMessageCustomProperties(ctx context.Context, props []model.MessageCustomProperty) error
	GetMessageCustomProperties(ctx context.Context, messageIDs []string) ([]model.MessageCustomProperty, error)
	DeleteMessageCustomProperties(ctx context.Context, messageIDs []string) error

	// Search
	MatchGroups(ctx context.Context, m PropertyMatch) ([]string, error)

	// Outbox task queue
	CreateTask(ctx context.Context, taskType string, taskBody map[string]interface{}) error
	ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error)
	DeleteTask(ctx context.Context, taskID uuid.UUID) error
	FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error
}

// Tx is a transaction scope. Exactly one of Commit or Rollback must be called.
type Tx interface {
	Ops
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the persistence boundary of the conversation service.
type Store interface {
	Ops
	Begin(ctx context.Context) (Tx, error)
}

const rollbackTimeout = 5 * time.Second

// Rollback aborts tx on a context that survives cancellation of ctx, so a cancelled
// request still releases its transaction.
func Rollback(ctx context.Context, tx Tx) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	return tx.Rollback(rctx)
}

// InTx runs fn inside a transaction, committing when fn succeeds and rolling back otherwise.
func InTx(ctx context.Context, s Store, fn func(tx Ops) error) (err error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = Rollback(ctx, tx)
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = Rollback(ctx, tx)
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = Rollback(ctx, tx)
		return err
	}
	return tx.Commit(ctx)
}

// Loader creates a Store from config.
type Loader func(ctx context.Context) (Store, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
