package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chirino/conversation-service/internal/model"
	"github.com/chirino/conversation-service/internal/plugin/cache/local"
	registryevents "github.com/chirino/conversation-service/internal/registry/events"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendFanOutSkipsSenderAndExcludedMembers(t *testing.T) {
	st := newMemoryStore()
	svc, _ := newTestService(t, st, nil)
	ctx := context.Background()

	createGroup(t, svc, "g1", 0, nil, "alice", "bob")
	_, err := svc.AddMembers(ctx, "g1", []MemberRequest{{
		UserID:           "carol",
		CustomProperties: []model.Property{{Key: "muted", Value: "true"}},
	}})
	require.NoError(t, err)

	msg, err := svc.Send(ctx, SendRequest{
		Message:                       model.Message{GroupID: "g1", SentBy: "alice", Content: "hello"},
		CustomProperties:              []model.Property{{Key: "lang", Value: "en"}},
		ExcludeMemberCustomProperties: map[string]string{"muted": "true"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "alice", msg.CreatedBy)
	assert.False(t, msg.SentTime.IsZero())
	assert.Equal(t, map[string]string{"lang": "en"}, msg.CustomProperties)

	assert.Equal(t, 0, unreadOf(t, st, "alice", "g1"))
	assert.Equal(t, 1, unreadOf(t, st, "bob", "g1"))
	assert.Equal(t, 0, unreadOf(t, st, "carol", "g1"))

	stored, err := st.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Content)
	props, err := st.GetMessageCustomProperties(ctx, []string{msg.ID})
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, "lang", props[0].Key)

	tasks, err := st.ClaimReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, registryevents.TypeMessageSaved, tasks[0].TaskType)
	assert.Equal(t, msg.ID, tasks[0].TaskBody["messageId"])
	assert.Equal(t, 1, tasks[0].TaskBody["recipients"])
}

func TestSendRetryExhaustionIsFatal(t *testing.T) {
	fs := newFaultStore(newMemoryStore())
	svc, _ := newTestService(t, fs, nil)
	ctx := context.Background()
	createGroup(t, svc, "g1", 0, nil, "alice", "bob", "carol")

	fs.failOn("InsertMessage", func(int) error { return conflictErr() })

	_, err := svc.Send(ctx, SendRequest{Message: model.Message{ID: "m1", GroupID: "g1", SentBy: "alice", Content: "hi"}})
	require.Error(t, err)
	var conflict *registrystore.WriteConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 4, fs.callCount("InsertMessage"))

	assert.Equal(t, 0, unreadOf(t, fs, "bob", "g1"))
	assert.Equal(t, 0, unreadOf(t, fs, "carol", "g1"))
	_, err = fs.GetMessage(ctx, "m1")
	var notFound *registrystore.NotFoundError
	assert.True(t, errors.As(err, &notFound))
	tasks, err := fs.ClaimReadyTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSendRetriesTransientConflicts(t *testing.T) {
	fs := newFaultStore(newMemoryStore())
	svc, _ := newTestService(t, fs, nil)
	ctx := context.Background()
	createGroup(t, svc, "g1", 0, nil, "alice", "bob")

	fs.failOn("InsertMessage", func(attempt int) error {
		if attempt < 3 {
			return conflictErr()
		}
		return nil
	})

	msg, err := svc.Send(ctx, SendRequest{Message: model.Message{GroupID: "g1", SentBy: "alice", Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, 3, fs.callCount("InsertMessage"))
	assert.Equal(t, 1, unreadOf(t, fs, "bob", "g1"))

	_, err = fs.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
}

func TestSendDoesNotRetryOtherFailures(t *testing.T) {
	fs := newFaultStore(newMemoryStore())
	svc, _ := newTestService(t, fs, nil)
	ctx := context.Background()
	createGroup(t, svc, "g1", 0, nil, "alice", "bob")

	boom := errors.New("connection reset")
	fs.failOn("InsertMessage", func(int) error { return boom })

	_, err := svc.Send(ctx, SendRequest{Message: model.Message{GroupID: "g1", SentBy: "alice"}})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, fs.callCount("InsertMessage"))
	assert.Equal(t, 0, unreadOf(t, fs, "bob", "g1"))
}

func TestSendCancelledDuringBackoff(t *testing.T) {
	fs := newFaultStore(newMemoryStore())
	svc, _ := newTestService(t, fs, nil)
	svc.backoff = time.Minute
	createGroup(t, svc, "g1", 0, nil, "alice", "bob")

	ctx, cancel := context.WithCancel(context.Background())
	fs.failOn("InsertMessage", func(int) error {
		cancel()
		return conflictErr()
	})

	_, err := svc.Send(ctx, SendRequest{Message: model.Message{GroupID: "g1", SentBy: "alice"}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, unreadOf(t, fs, "bob", "g1"))
}

func TestSendPreconditions(t *testing.T) {
	st := newMemoryStore()
	svc, _ := newTestService(t, st, nil)
	ctx := context.Background()
	createGroup(t, svc, "g1", 0, nil, "alice", "bob")

	var notFound *registrystore.NotFoundError
	_, err := svc.Send(ctx, SendRequest{Message: model.Message{GroupID: "missing", SentBy: "alice"}})
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, []string{"missing"}, notFound.IDs)

	_, err = svc.Send(ctx, SendRequest{Message: model.Message{GroupID: "g1", SentBy: "mallory"}})
	require.True(t, errors.As(err, &notFound))

	var invalid *registrystore.ValidationError
	_, err = svc.Send(ctx, SendRequest{
		Message:          model.Message{GroupID: "g1", SentBy: "alice"},
		CustomProperties: []model.Property{{Key: "a", Value: "1"}, {Key: "a", Value: "2"}},
	})
	require.True(t, errors.As(err, &invalid))

	_, err = svc.Send(ctx, SendRequest{Message: model.Message{SentBy: "alice"}})
	require.True(t, errors.As(err, &invalid))

	assert.Equal(t, 0, unreadOf(t, st, "bob", "g1"))
}

func TestSendDuplicateIDWithoutReceiptIsConflict(t *testing.T) {
	st := newMemoryStore()
	svc, _ := newTestService(t, st, nil)
	ctx := context.Background()
	createGroup(t, svc, "g1", 0, nil, "alice", "bob")

	req := SendRequest{Message: model.Message{ID: "m1", GroupID: "g1", SentBy: "alice"}}
	_, err := svc.Send(ctx, req)
	require.NoError(t, err)
	_, err = svc.Send(ctx, req)
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 1, unreadOf(t, st, "bob", "g1"))
}

func TestSendReplaysCommittedReceipt(t *testing.T) {
	st := newMemoryStore()
	receipts, err := local.New(100, time.Minute)
	require.NoError(t, err)
	svc, _ := newTestService(t, st, receipts)
	ctx := context.Background()
	createGroup(t, svc, "g1", 0, nil, "alice", "bob")

	req := SendRequest{
		Message:          model.Message{ID: "m1", GroupID: "g1", SentBy: "alice", Content: "once"},
		CustomProperties: []model.Property{{Key: "k", Value: "v"}},
	}
	first, err := svc.Send(ctx, req)
	require.NoError(t, err)
	second, err := svc.Send(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.SentTime.Equal(second.SentTime))
	assert.Equal(t, map[string]string{"k": "v"}, second.CustomProperties)
	assert.Equal(t, 1, unreadOf(t, st, "bob", "g1"))

	// Another sender reusing the id is not a replay.
	_, err = svc.Send(ctx, SendRequest{Message: model.Message{ID: "m1", GroupID: "g1", SentBy: "bob"}})
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict))
}
