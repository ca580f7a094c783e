package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chirino/conversation-service/internal/model"
	registryevents "github.com/chirino/conversation-service/internal/registry/events"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageProps(t *testing.T, st registrystore.Store, messageID string) map[string]string {
	t.Helper()
	rows, err := st.GetMessageCustomProperties(context.Background(), []string{messageID})
	require.NoError(t, err)
	return messagePropsByMessage(rows)[messageID]
}

func TestUpdateMessageDataReplacesProperties(t *testing.T) {
	st := newMemoryStore()
	svc, _ := newTestService(t, st, nil)
	ctx := context.Background()
	createGroup(t, svc, "g1", 0, nil, "alice", "bob")
	m1 := send(t, svc, "g1", "alice", "draft", map[string]string{"a": "1", "b": "2"})
	m2 := send(t, svc, "g1", "alice", "keep", map[string]string{"c": "3"})

	views, err := svc.UpdateMessageData(ctx, []MessageUpdate{
		{ID: m1.ID, Content: "final", Payload: `{"v":2}`, CustomProperties: []model.Property{{Key: "z", Value: "26"}}},
		{ID: m2.ID, Content: "kept props"},
	})
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "final", views[0].Content)
	assert.Equal(t, map[string]string{"z": "26"}, views[0].CustomProperties)
	assert.Equal(t, map[string]string{"c": "3"}, views[1].CustomProperties)

	assert.Equal(t, map[string]string{"z": "26"}, messageProps(t, st, m1.ID))
	assert.Equal(t, map[string]string{"c": "3"}, messageProps(t, st, m2.ID))
	stored, err := st.GetMessage(ctx, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, stored.Payload)
	assert.Equal(t, "alice", stored.SentBy)

	// An explicit empty list clears the set.
	_, err = svc.UpdateMessageData(ctx, []MessageUpdate{{ID: m2.ID, Content: "x", CustomProperties: []model.Property{}}})
	require.NoError(t, err)
	assert.Empty(t, messageProps(t, st, m2.ID))
}

func TestUpdateMessageDataFailureKeepsOriginalProperties(t *testing.T) {
	fs := newFaultStore(newMemoryStore())
	svc, _ := newTestService(t, fs, nil)
	ctx := context.Background()
	createGroup(t, svc, "g1", 0, nil, "alice", "bob")
	msg := send(t, svc, "g1", "alice", "original", map[string]string{"a": "1", "b": "2"})

	boom := errors.New("disk full")
	fs.failOn("UpdateMessages", func(int) error { return boom })

	_, err := svc.UpdateMessageData(ctx, []MessageUpdate{{
		ID:               msg.ID,
		Content:          "changed",
		CustomProperties: []model.Property{{Key: "c", Value: "3"}},
	}})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, messageProps(t, fs, msg.ID))
	stored, err := fs.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", stored.Content)
}

func TestUpdateMessageDataValidation(t *testing.T) {
	st := newMemoryStore()
	svc, _ := newTestService(t, st, nil)
	ctx := context.Background()
	createGroup(t, svc, "g1", 0, nil, "alice", "bob")
	msg := send(t, svc, "g1", "alice", "hi", nil)

	var notFound *registrystore.NotFoundError
	_, err := svc.UpdateMessageData(ctx, []MessageUpdate{{ID: msg.ID}, {ID: "ghost"}})
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, []string{"ghost"}, notFound.IDs)

	var invalid *registrystore.ValidationError
	_, err = svc.UpdateMessageData(ctx, []MessageUpdate{{ID: msg.ID, CustomProperties: []model.Property{{Key: "k"}, {Key: "k"}}}})
	require.True(t, errors.As(err, &invalid))

	_, err = svc.Revoke(ctx, "alice", msg.ID)
	require.NoError(t, err)
	var rule *registrystore.BusinessRuleError
	_, err = svc.UpdateMessageData(ctx, []MessageUpdate{{ID: msg.ID, Content: "edit"}})
	require.True(t, errors.As(err, &rule))
}

func TestRevoke(t *testing.T) {
	st := newMemoryStore()
	svc, clk := newTestService(t, st, nil)
	ctx := context.Background()
	createGroup(t, svc, "g1", 0, nil, "alice", "bob")
	msg := send(t, svc, "g1", "alice", "oops", nil)

	var rule *registrystore.BusinessRuleError
	_, err := svc.Revoke(ctx, "bob", msg.ID)
	require.True(t, errors.As(err, &rule))
	assert.Equal(t, "not_sender", rule.Code)

	revoked, err := svc.Revoke(ctx, "alice", msg.ID)
	require.NoError(t, err)
	assert.True(t, revoked.IsRevoked)

	_, err = svc.Revoke(ctx, "alice", msg.ID)
	require.True(t, errors.As(err, &rule))
	assert.Equal(t, "already_revoked", rule.Code)

	late := send(t, svc, "g1", "alice", "too late", nil)
	clk.Advance(3 * time.Minute)
	_, err = svc.Revoke(ctx, "alice", late.ID)
	require.True(t, errors.As(err, &rule))
	assert.Equal(t, "revoke_time_limit", rule.Code)

	var notFound *registrystore.NotFoundError
	_, err = svc.Revoke(ctx, "alice", "ghost")
	assert.True(t, errors.As(err, &notFound))
}

func TestMarkRead(t *testing.T) {
	st := newMemoryStore()
	svc, _ := newTestService(t, st, nil)
	ctx := context.Background()
	createGroup(t, svc, "g1", 0, nil, "alice", "bob", "carol")
	msg := send(t, svc, "g1", "alice", "one", nil)
	send(t, svc, "g1", "alice", "two", nil)

	require.NoError(t, svc.MarkReadByMessage(ctx, "bob", msg.ID))
	assert.Equal(t, 0, unreadOf(t, st, "bob", "g1"))
	assert.Equal(t, 2, unreadOf(t, st, "carol", "g1"))
	gu, err := st.GetGroupUser(ctx, "bob", "g1")
	require.NoError(t, err)
	require.NotNil(t, gu.LastReadTime)

	var forbidden *registrystore.ForbiddenError
	err = svc.MarkGroupRead(ctx, "bob", "g1", []string{"carol"}, false)
	require.True(t, errors.As(err, &forbidden))
	assert.Equal(t, 2, unreadOf(t, st, "carol", "g1"))

	require.NoError(t, svc.MarkGroupRead(ctx, "admin", "g1", []string{"carol"}, true))
	assert.Equal(t, 0, unreadOf(t, st, "carol", "g1"))

	var notFound *registrystore.NotFoundError
	err = svc.MarkReadByMessage(ctx, "mallory", msg.ID)
	assert.True(t, errors.As(err, &notFound))
	err = svc.MarkGroupRead(ctx, "admin", "missing", []string{"carol"}, true)
	assert.True(t, errors.As(err, &notFound))

	tasks, err := st.ClaimReadyTasks(ctx, 100)
	require.NoError(t, err)
	read := 0
	for _, task := range tasks {
		if task.TaskType == registryevents.TypeMessagesRead {
			read++
		}
	}
	assert.Equal(t, 2, read)
}

func TestRemoveConversation(t *testing.T) {
	st := newMemoryStore()
	svc, _ := newTestService(t, st, nil)
	ctx := context.Background()
	createGroup(t, svc, "g1", 0, nil, "alice", "bob")

	require.NoError(t, svc.RemoveConversation(ctx, "alice", "g1"))
	var notFound *registrystore.NotFoundError
	_, err := st.GetGroupUser(ctx, "alice", "g1")
	assert.True(t, errors.As(err, &notFound))
	err = svc.RemoveConversation(ctx, "alice", "g1")
	assert.True(t, errors.As(err, &notFound))
}
