package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chirino/conversation-service/internal/config"
	"github.com/chirino/conversation-service/internal/model"
	"github.com/chirino/conversation-service/internal/plugin/store/postgres"
	registrymigrate "github.com/chirino/conversation-service/internal/registry/migrate"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/chirino/conversation-service/internal/testutil/testpg"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (registrystore.Store, context.Context) {
	t.Helper()

	dbURL := testpg.StartPostgres(t)

	cfg := config.DefaultConfig()
	cfg.DBURL = dbURL
	cfg.DatastoreType = "postgres"
	ctx := config.WithContext(context.Background(), &cfg)

	ran, err := registrymigrate.Run(ctx, "postgres")
	require.NoError(t, err)
	require.Equal(t, []string{"postgres-schema"}, ran)
	// The schema script is safe to re-apply.
	require.NoError(t, postgres.ApplySchema(ctx, dbURL))

	loader, err := registrystore.Select("postgres")
	require.NoError(t, err)

	store, err := loader(ctx)
	require.NoError(t, err)

	return store, ctx
}

func seedGroup(t *testing.T, ctx context.Context, s registrystore.Store, groupID string, users ...string) []model.GroupUser {
	t.Helper()
	require.NoError(t, s.InsertGroup(ctx, &model.Group{ID: groupID, Name: groupID, CreatedDate: time.Now()}))
	members := make([]model.GroupUser, len(users))
	for i, u := range users {
		members[i] = model.GroupUser{ID: uuid.NewString(), UserID: u, GroupID: groupID, CreatedDate: time.Now()}
	}
	require.NoError(t, s.InsertGroupUsers(ctx, members))
	return members
}

func seedMessage(t *testing.T, ctx context.Context, s registrystore.Store, groupID, sender, content string, sent time.Time, props map[string]string) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, s.InsertMessage(ctx, &model.Message{
		ID: id, GroupID: groupID, SentBy: sender, Content: content, SentTime: sent, CreatedDate: sent,
	}))
	var rows []model.MessageCustomProperty
	for k, v := range props {
		rows = append(rows, model.MessageCustomProperty{ID: uuid.NewString(), MessageID: id, Key: k, Value: v})
	}
	require.NoError(t, s.InsertMessageCustomProperties(ctx, rows))
	return id
}

func TestMembershipsAndDuplicates(t *testing.T) {
	store, ctx := setupTestStore(t)

	seedGroup(t, ctx, store, "g1", "alice", "bob")

	gu, err := store.GetGroupUser(ctx, "alice", "g1")
	require.NoError(t, err)
	assert.Equal(t, 0, gu.UnreadCount)
	assert.Nil(t, gu.LastReadTime)

	_, err = store.GetGroupUser(ctx, "carol", "g1")
	var notFound *registrystore.NotFoundError
	assert.True(t, errors.As(err, &notFound))

	err = store.InsertGroupUsers(ctx, []model.GroupUser{{ID: uuid.NewString(), UserID: "alice", GroupID: "g1"}})
	var conflict *registrystore.ConflictError
	assert.True(t, errors.As(err, &conflict))

	memberships, err := store.ListMemberships(ctx, "bob", nil)
	require.NoError(t, err)
	require.Len(t, memberships, 1)

	memberships, err = store.ListMemberships(ctx, "bob", []string{})
	require.NoError(t, err)
	assert.Empty(t, memberships)
}

func TestIncrementAndMarkRead(t *testing.T) {
	store, ctx := setupTestStore(t)

	members := seedGroup(t, ctx, store, "g1", "alice", "bob")
	ids := []string{members[0].ID, members[1].ID}
	require.NoError(t, store.IncrementUnreadCounts(ctx, ids))
	require.NoError(t, store.IncrementUnreadCounts(ctx, ids))

	gu, err := store.GetGroupUser(ctx, "bob", "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, gu.UnreadCount)

	readAt := time.Now().UTC().Truncate(time.Millisecond)
	n, err := store.MarkRead(ctx, "g1", []string{"bob"}, readAt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gu, err = store.GetGroupUser(ctx, "bob", "g1")
	require.NoError(t, err)
	assert.Equal(t, 0, gu.UnreadCount)
	require.NotNil(t, gu.LastReadTime)
	assert.True(t, readAt.Equal(gu.LastReadTime.UTC()))
}

func TestCountUnread(t *testing.T) {
	store, ctx := setupTestStore(t)

	seedGroup(t, ctx, store, "g1", "alice", "bob")
	seedGroup(t, ctx, store, "g2", "alice")
	seedGroup(t, ctx, store, "g3", "alice")

	base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)
	seedMessage(t, ctx, store, "g1", "bob", "one", base, nil)
	seedMessage(t, ctx, store, "g1", "bob", "two", base.Add(time.Minute), map[string]string{"Kind": "notice"})
	seedMessage(t, ctx, store, "g1", "alice", "mine", base.Add(2*time.Minute), nil)
	seedMessage(t, ctx, store, "g2", "bob", "old", base, nil)

	_, err := store.MarkRead(ctx, "g2", []string{"alice"}, base.Add(time.Second))
	require.NoError(t, err)

	rows, err := store.CountUnread(ctx, registrystore.UnreadQuery{UserID: "alice", GroupIDs: []string{"g1", "g2", "g3"}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "g1", rows[0].GroupID)
	assert.Equal(t, 2, rows[0].UnreadCount)
	require.NotNil(t, rows[0].LastSentTime)
	assert.True(t, base.Add(2*time.Minute).Equal(rows[0].LastSentTime.UTC()))
	assert.Equal(t, "g2", rows[1].GroupID)
	assert.Equal(t, 0, rows[1].UnreadCount)

	rows, err = store.CountUnread(ctx, registrystore.UnreadQuery{
		UserID:                   "alice",
		GroupIDs:                 []string{"g1"},
		ExcludeMessageProperties: map[string]string{"Kind": "notice"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].UnreadCount)
}

func TestMatchGroupsTreatsValueLiterally(t *testing.T) {
	store, ctx := setupTestStore(t)

	seedGroup(t, ctx, store, "g1", "alice")
	seedGroup(t, ctx, store, "g2", "alice")
	require.NoError(t, store.InsertGroupCustomProperties(ctx, []model.GroupCustomProperty{
		{ID: uuid.NewString(), GroupID: "g1", Key: "Title", Value: "100% done"},
		{ID: uuid.NewString(), GroupID: "g2", Key: "Title", Value: "100 items done"},
	}))
	seedMessage(t, ctx, store, "g2", "alice", "under_score", time.Now(), map[string]string{"Tag": "a_b"})

	ids, err := store.MatchGroups(ctx, registrystore.PropertyMatch{Target: registrystore.TargetGroupProperty, Key: "Title", Value: "0% d"})
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, ids)

	ids, err = store.MatchGroups(ctx, registrystore.PropertyMatch{Target: registrystore.TargetMessageContent, Value: "r_s"})
	require.NoError(t, err)
	assert.Equal(t, []string{"g2"}, ids)

	ids, err = store.MatchGroups(ctx, registrystore.PropertyMatch{Target: registrystore.TargetMessageProperty, Key: "Tag", Value: "a_b", Exact: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"g2"}, ids)

	ids, err = store.MatchGroups(ctx, registrystore.PropertyMatch{Target: registrystore.TargetGroupProperty, Key: "Title", Value: "done", GroupIDs: []string{"g2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"g2"}, ids)

	ids, err = store.MatchGroups(ctx, registrystore.PropertyMatch{Target: registrystore.TargetGroupProperty, Key: "Title", Value: "done", GroupIDs: []string{}})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestListAndLastMessages(t *testing.T) {
	store, ctx := setupTestStore(t)

	seedGroup(t, ctx, store, "g1", "alice")
	base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, seedMessage(t, ctx, store, "g1", "alice", "m", base.Add(time.Duration(i)*time.Minute), nil))
	}

	page, err := store.ListMessages(ctx, registrystore.MessagePageQuery{GroupID: "g1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	after := registrystore.MessageCursor{CreatedDate: page[1].CreatedDate, ID: page[1].ID}
	page, err = store.ListMessages(ctx, registrystore.MessagePageQuery{GroupID: "g1", After: &after, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[2], page[0].ID)

	// Messages sharing a timestamp are walked one by one without skips or repeats.
	seedGroup(t, ctx, store, "g2", "alice")
	same := base.Add(time.Hour)
	var tied []string
	for i := 0; i < 3; i++ {
		tied = append(tied, seedMessage(t, ctx, store, "g2", "alice", "m", same, nil))
	}
	var walked []string
	var cursor *registrystore.MessageCursor
	for range tied {
		page, err = store.ListMessages(ctx, registrystore.MessagePageQuery{GroupID: "g2", After: cursor, Limit: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		walked = append(walked, page[0].ID)
		cursor = &registrystore.MessageCursor{CreatedDate: page[0].CreatedDate, ID: page[0].ID}
	}
	assert.ElementsMatch(t, tied, walked)
	page, err = store.ListMessages(ctx, registrystore.MessagePageQuery{GroupID: "g2", After: cursor, Limit: 1})
	require.NoError(t, err)
	assert.Empty(t, page)

	last, err := store.LastMessages(ctx, []string{"g1", "missing"})
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, ids[4], last[0].ID)
}

func TestTransactionRollbackAndCommit(t *testing.T) {
	store, ctx := setupTestStore(t)

	seedGroup(t, ctx, store, "g1", "alice")

	err := registrystore.InTx(ctx, store, func(tx registrystore.Ops) error {
		if err := tx.InsertMessage(ctx, &model.Message{ID: "m1", GroupID: "g1", SentBy: "alice", SentTime: time.Now(), CreatedDate: time.Now()}); err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")
	_, err = store.GetMessage(ctx, "m1")
	var notFound *registrystore.NotFoundError
	assert.True(t, errors.As(err, &notFound))

	err = registrystore.InTx(ctx, store, func(tx registrystore.Ops) error {
		if err := tx.InsertMessage(ctx, &model.Message{ID: "m1", GroupID: "g1", SentBy: "alice", SentTime: time.Now(), CreatedDate: time.Now()}); err != nil {
			return err
		}
		return tx.CreateTask(ctx, "message_saved", map[string]interface{}{"messageId": "m1"})
	})
	require.NoError(t, err)
	msg, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.SentBy)

	tasks, err := store.ClaimReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "message_saved", tasks[0].TaskType)
	require.NoError(t, store.DeleteTask(ctx, tasks[0].ID))
}

func TestConcurrentSerializableWritesConflict(t *testing.T) {
	store, ctx := setupTestStore(t)

	members := seedGroup(t, ctx, store, "g1", "alice", "bob")

	tx1, err := store.Begin(ctx)
	require.NoError(t, err)
	tx2, err := store.Begin(ctx)
	require.NoError(t, err)

	_, err = tx1.ListGroupMembers(ctx, "g1")
	require.NoError(t, err)
	_, err = tx2.ListGroupMembers(ctx, "g1")
	require.NoError(t, err)

	require.NoError(t, tx1.IncrementUnreadCounts(ctx, []string{members[0].ID}))
	require.NoError(t, tx1.Commit(ctx))

	err = tx2.IncrementUnreadCounts(ctx, []string{members[0].ID})
	if err == nil {
		err = tx2.Commit(ctx)
	} else {
		_ = registrystore.Rollback(ctx, tx2)
	}
	require.Error(t, err)
	assert.True(t, registrystore.IsTransient(err), "expected write conflict, got %v", err)
}
