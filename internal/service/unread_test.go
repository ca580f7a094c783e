package service

import (
	"context"
	"testing"

	"github.com/chirino/conversation-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeUnreadEmptyGroupIDsSkipsStore(t *testing.T) {
	rec := &recordingStore{Store: newMemoryStore()}
	svc, _ := newTestService(t, rec, nil)

	unread, total, err := svc.ComputeUnread(context.Background(), "alice", nil, UnreadFilters{})
	require.NoError(t, err)
	assert.Empty(t, unread)
	assert.Zero(t, total)
	assert.Empty(t, rec.countUnreadCalls)
}

func TestComputeUnreadNonMemberContributesZero(t *testing.T) {
	rec := &recordingStore{Store: newMemoryStore()}
	svc, _ := newTestService(t, rec, nil)
	ctx := context.Background()

	createGroup(t, svc, "g1", 0, nil, "alice", "bob")
	createGroup(t, svc, "g2", 0, nil, "bob", "carol")
	send(t, svc, "g1", "bob", "hi alice", nil)
	send(t, svc, "g2", "carol", "hi bob", nil)
	send(t, svc, "g2", "carol", "still there?", nil)

	unread, total, err := svc.ComputeUnread(ctx, "alice", []string{"g1", "g2"}, UnreadFilters{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Contains(t, unread, "g1")
	assert.NotContains(t, unread, "g2")
	assert.Equal(t, 1, unread["g1"].UnreadCount)

	require.Len(t, rec.countUnreadCalls, 1)
	assert.Equal(t, []string{"g1"}, rec.countUnreadCalls[0])

	// A user with no membership at all never reaches the message count.
	rec.countUnreadCalls = nil
	unread, total, err = svc.ComputeUnread(ctx, "dave", []string{"g1", "g2"}, UnreadFilters{})
	require.NoError(t, err)
	assert.Empty(t, unread)
	assert.Zero(t, total)
	assert.Empty(t, rec.countUnreadCalls)
}

func TestComputeUnreadCountsSinceLastRead(t *testing.T) {
	st := newMemoryStore()
	svc, _ := newTestService(t, st, nil)
	ctx := context.Background()

	createGroup(t, svc, "g1", 0, nil, "alice", "bob")
	send(t, svc, "g1", "bob", "one", nil)
	send(t, svc, "g1", "alice", "own messages never count", nil)
	send(t, svc, "g1", "bob", "two", nil)

	unread, total, err := svc.ComputeUnread(ctx, "alice", []string{"g1"}, UnreadFilters{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.NotNil(t, unread["g1"].LastSentTime)

	require.NoError(t, svc.MarkGroupRead(ctx, "alice", "g1", nil, false))
	last := send(t, svc, "g1", "bob", "three", nil)

	unread, total, err = svc.ComputeUnread(ctx, "alice", []string{"g1"}, UnreadFilters{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, unread["g1"].UnreadCount)
	assert.True(t, unread["g1"].LastSentTime.Equal(last.SentTime))
}

func TestComputeUnreadKeepsRevokedMessages(t *testing.T) {
	svc, _ := newTestService(t, newMemoryStore(), nil)
	ctx := context.Background()

	createGroup(t, svc, "g1", 0, nil, "alice", "bob")
	msg := send(t, svc, "g1", "bob", "oops", nil)
	send(t, svc, "g1", "bob", "meant this", nil)
	_, err := svc.Revoke(ctx, "bob", msg.ID)
	require.NoError(t, err)

	// A revoked message stays in the listing as a tombstone and still counts as unread.
	unread, total, err := svc.ComputeUnread(ctx, "alice", []string{"g1"}, UnreadFilters{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, unread["g1"].UnreadCount)
}

func TestComputeUnreadFilters(t *testing.T) {
	st := newMemoryStore()
	svc, _ := newTestService(t, st, nil)
	ctx := context.Background()

	createGroup(t, svc, "support", 1, map[string]string{"channel": "web", "tier": "gold"}, "alice", "bob")
	createGroup(t, svc, "sales", 1, map[string]string{"channel": "web", "tier": "silver"}, "alice", "bob")
	createGroup(t, svc, "quiet", 1, map[string]string{"channel": "web", "tier": "gold"}, "bob")
	createGroup(t, svc, "empty", 1, map[string]string{"channel": "web", "tier": "gold"})
	_, err := svc.AddMembers(ctx, "empty", []MemberRequest{{
		UserID:           "alice",
		CustomProperties: []model.Property{{Key: "muted", Value: "true"}},
	}})
	require.NoError(t, err)

	send(t, svc, "support", "bob", "a", nil)
	send(t, svc, "support", "bob", "typing...", map[string]string{"kind": "typing"})
	send(t, svc, "sales", "bob", "b", nil)

	all := []string{"support", "sales", "quiet", "empty"}

	t.Run("group filter requires every pair", func(t *testing.T) {
		unread, total, err := svc.ComputeUnread(ctx, "alice", all, UnreadFilters{
			GroupCustomProperties: map[string]string{"channel": "web", "tier": "gold"},
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"support", "empty"}, keysOf(unread))
		assert.Equal(t, 2, total)
		assert.Zero(t, unread["empty"].UnreadCount)
	})

	t.Run("member filter uses the caller's membership", func(t *testing.T) {
		unread, total, err := svc.ComputeUnread(ctx, "alice", all, UnreadFilters{
			MemberCustomProperties: map[string]string{"muted": "true"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"empty"}, keysOf(unread))
		assert.Zero(t, total)
	})

	t.Run("message filter excludes matching messages", func(t *testing.T) {
		unread, total, err := svc.ComputeUnread(ctx, "alice", all, UnreadFilters{
			ExcludeMessageCustomProperties: map[string]string{"kind": "typing"},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, unread["support"].UnreadCount)
		assert.Equal(t, 1, unread["sales"].UnreadCount)
		assert.Equal(t, 2, total)
	})
}

func TestUnreadMessageCount(t *testing.T) {
	st := newMemoryStore()
	svc, _ := newTestService(t, st, nil)
	ctx := context.Background()

	createGroup(t, svc, "g1", 1, map[string]string{"team": "red", "archived": "false"}, "alice", "bob")
	createGroup(t, svc, "g2", 1, map[string]string{"team": "red", "archived": "true"}, "alice", "bob")
	createGroup(t, svc, "g3", 2, map[string]string{"team": "blue"}, "alice", "bob")
	for _, g := range []string{"g1", "g2", "g2", "g3", "g3", "g3"} {
		send(t, svc, g, "bob", "ping", nil)
	}

	total, err := svc.UnreadMessageCount(ctx, UnreadCountRequest{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 6, total)

	total, err = svc.UnreadMessageCount(ctx, UnreadCountRequest{UserID: "alice", GroupType: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	total, err = svc.UnreadMessageCount(ctx, UnreadCountRequest{
		UserID:                 "alice",
		IncludeGroupProperties: map[string]string{"team": "red"},
		ExcludeGroupProperties: map[string]string{"archived": "true", "team": "green"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	total, err = svc.UnreadMessageCount(ctx, UnreadCountRequest{UserID: "nobody"})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func keysOf(m map[string]model.GroupUnread) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
