package metrics

import (
	"context"
	"time"

	"github.com/chirino/conversation-service/internal/model"
	"github.com/chirino/conversation-service/internal/registry/store"
	"github.com/chirino/conversation-service/internal/security"
	"github.com/google/uuid"
)

// Wrap returns a Store that records StoreLatency for every operation, including those
// run inside transactions it begins.
func Wrap(inner store.Store) store.Store {
	return &metricsStore{metricsOps: metricsOps{inner: inner}, inner: inner}
}

type metricsStore struct {
	metricsOps
	inner store.Store
}

// Unwrap returns the instrumented store.
func (m *metricsStore) Unwrap() store.Store { return m.inner }

func (m *metricsStore) Begin(ctx context.Context) (store.Tx, error) {
	defer observe("begin", time.Now())
	tx, err := m.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &metricsTx{metricsOps: metricsOps{inner: tx}, inner: tx}, nil
}

type metricsTx struct {
	metricsOps
	inner store.Tx
}

func (m *metricsTx) Commit(ctx context.Context) error {
	defer observe("commit", time.Now())
	return m.inner.Commit(ctx)
}

func (m *metricsTx) Rollback(ctx context.Context) error {
	defer observe("rollback", time.Now())
	return m.inner.Rollback(ctx)
}

func observe(op string, start time.Time) {
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

type metricsOps struct {
	inner store.Ops
}

func (m metricsOps) InsertGroup(ctx context.Context, group *model.Group) error {
	defer observe("insert_group", time.Now())
	return m.inner.InsertGroup(ctx, group)
}

func (m metricsOps) GetGroups(ctx context.Context, groupIDs []string) ([]model.Group, error) {
	defer observe("get_groups", time.Now())
	return m.inner.GetGroups(ctx, groupIDs)
}

func (m metricsOps) InsertGroupCustomProperties(ctx context.Context, props []model.GroupCustomProperty) error {
	defer observe("insert_group_custom_properties", time.Now())
	return m.inner.InsertGroupCustomProperties(ctx, props)
}

func (m metricsOps) GetGroupCustomProperties(ctx context.Context, groupIDs []string) ([]model.GroupCustomProperty, error) {
	defer observe("get_group_custom_properties", time.Now())
	return m.inner.GetGroupCustomProperties(ctx, groupIDs)
}

func (m metricsOps) InsertGroupUsers(ctx context.Context, users []model.GroupUser) error {
	defer observe("insert_group_users", time.Now())
	return m.inner.InsertGroupUsers(ctx, users)
}

func (m metricsOps) GetGroupUser(ctx context.Context, userID string, groupID string) (*model.GroupUser, error) {
	defer observe("get_group_user", time.Now())
	return m.inner.GetGroupUser(ctx, userID, groupID)
}

func (m metricsOps) ListMemberships(ctx context.Context, userID string, groupIDs []string) ([]model.GroupUser, error) {
	defer observe("list_memberships", time.Now())
	return m.inner.ListMemberships(ctx, userID, groupIDs)
}

func (m metricsOps) ListGroupMembers(ctx context.Context, groupID string) ([]model.GroupUser, error) {
	defer observe("list_group_members", time.Now())
	return m.inner.ListGroupMembers(ctx, groupID)
}

func (m metricsOps) IncrementUnreadCounts(ctx context.Context, groupUserIDs []string) error {
	defer observe("increment_unread_counts", time.Now())
	return m.inner.IncrementUnreadCounts(ctx, groupUserIDs)
}

func (m metricsOps) MarkRead(ctx context.Context, groupID string, userIDs []string, readAt time.Time) (int64, error) {
	defer observe("mark_read", time.Now())
	return m.inner.MarkRead(ctx, groupID, userIDs, readAt)
}

func (m metricsOps) DeleteGroupUser(ctx context.Context, groupUserID string) error {
	defer observe("delete_group_user", time.Now())
	return m.inner.DeleteGroupUser(ctx, groupUserID)
}

func (m metricsOps) InsertGroupUserCustomProperties(ctx context.Context, props []model.GroupUserCustomProperty) error {
	defer observe("insert_group_user_custom_properties", time.Now())
	return m.inner.InsertGroupUserCustomProperties(ctx, props)
}

func (m metricsOps) GetGroupUserCustomProperties(ctx context.Context, groupUserIDs []string) ([]model.GroupUserCustomProperty, error) {
	defer observe("get_group_user_custom_properties", time.Now())
	return m.inner.GetGroupUserCustomProperties(ctx, groupUserIDs)
}

func (m metricsOps) InsertMessage(ctx context.Context, msg *model.Message) error {
	defer observe("insert_message", time.Now())
	return m.inner.InsertMessage(ctx, msg)
}

func (m metricsOps) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	defer observe("get_message", time.Now())
	return m.inner.GetMessage(ctx, messageID)
}

func (m metricsOps) GetMessages(ctx context.Context, messageIDs []string) ([]model.Message, error) {
	defer observe("get_messages", time.Now())
	return m.inner.GetMessages(ctx, messageIDs)
}

func (m metricsOps) UpdateMessages(ctx context.Context, msgs []model.Message) error {
	defer observe("update_messages", time.Now())
	return m.inner.UpdateMessages(ctx, msgs)
}

func (m metricsOps) ListMessages(ctx context.Context, q store.MessagePageQuery) ([]model.Message, error) {
	defer observe("list_messages", time.Now())
	return m.inner.ListMessages(ctx, q)
}

func (m metricsOps) LastMessages(ctx context.Context, groupIDs []string) ([]model.Message, error) {
	defer observe("last_messages", time.Now())
	return m.inner.LastMessages(ctx, groupIDs)
}

func (m metricsOps) CountUnread(ctx context.Context, q store.UnreadQuery) ([]model.GroupUnread, error) {
	defer observe("count_unread", time.Now())
	return m.inner.CountUnread(ctx, q)
}

func (m metricsOps) InsertMessageCustomProperties(ctx context.Context, props []model.MessageCustomProperty) error {
	defer observe("insert_message_custom_properties", time.Now())
	return m.inner.InsertMessageCustomProperties(ctx, props)
}

func (m metricsOps) GetMessageCustomProperties(ctx context.Context, messageIDs []string) ([]model.MessageCustomProperty, error) {
	defer observe("get_message_custom_properties", time.Now())
	return m.inner.GetMessageCustomProperties(ctx, messageIDs)
}

func (m metricsOps) DeleteMessageCustomProperties(ctx context.Context, messageIDs []string) error {
	defer observe("delete_message_custom_properties", time.Now())
	return m.inner.DeleteMessageCustomProperties(ctx, messageIDs)
}

func (m metricsOps) MatchGroups(ctx context.Context, q store.PropertyMatch) ([]string, error) {
	defer observe("match_groups", time.Now())
	return m.inner.MatchGroups(ctx, q)
}

func (m metricsOps) CreateTask(ctx context.Context, taskType string, taskBody map[string]interface{}) error {
	defer observe("create_task", time.Now())
	return m.inner.CreateTask(ctx, taskType, taskBody)
}

func (m metricsOps) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	defer observe("claim_ready_tasks", time.Now())
	return m.inner.ClaimReadyTasks(ctx, limit)
}

func (m metricsOps) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	defer observe("delete_task", time.Now())
	return m.inner.DeleteTask(ctx, taskID)
}

func (m metricsOps) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error {
	defer observe("fail_task", time.Now())
	return m.inner.FailTask(ctx, taskID, errMsg, retryDelay)
}

var (
	_ store.Store = (*metricsStore)(nil)
	_ store.Tx    = (*metricsTx)(nil)
)
