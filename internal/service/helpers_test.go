package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chirino/conversation-service/internal/config"
	"github.com/chirino/conversation-service/internal/model"
	"github.com/chirino/conversation-service/internal/plugin/store/memory"
	registrycache "github.com/chirino/conversation-service/internal/registry/cache"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/stretchr/testify/require"
)

// clock is a manual time source; every read advances it by one millisecond so that
// consecutive writes get distinct timestamps.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.SendRetryBackoff = time.Millisecond
	return &cfg
}

func newTestService(t *testing.T, st registrystore.Store, receipts registrycache.SendReceiptCache) (*Service, *clock) {
	t.Helper()
	svc := New(st, receipts, testConfig())
	clk := newClock()
	svc.now = clk.Now
	return svc, clk
}

func createGroup(t *testing.T, svc *Service, id string, groupType int, props map[string]string, members ...string) {
	t.Helper()
	req := CreateGroupRequest{ID: id, Name: id, Type: groupType, CreatedBy: "admin"}
	for _, k := range sortedKeys(props) {
		req.CustomProperties = append(req.CustomProperties, model.Property{Key: k, Value: props[k]})
	}
	for _, m := range members {
		req.Members = append(req.Members, MemberRequest{UserID: m})
	}
	_, err := svc.CreateGroup(context.Background(), req)
	require.NoError(t, err)
}

func send(t *testing.T, svc *Service, groupID, sender, content string, props map[string]string) *model.MessageView {
	t.Helper()
	req := SendRequest{Message: model.Message{GroupID: groupID, SentBy: sender, Content: content}}
	for _, k := range sortedKeys(props) {
		req.CustomProperties = append(req.CustomProperties, model.Property{Key: k, Value: props[k]})
	}
	msg, err := svc.Send(context.Background(), req)
	require.NoError(t, err)
	return msg
}

func unreadOf(t *testing.T, st registrystore.Store, userID, groupID string) int {
	t.Helper()
	gu, err := st.GetGroupUser(context.Background(), userID, groupID)
	require.NoError(t, err)
	return gu.UnreadCount
}

// recordingStore records which groups the message-reading operations were asked about.
type recordingStore struct {
	registrystore.Store
	mu               sync.Mutex
	countUnreadCalls [][]string
	matchCalls       []registrystore.PropertyMatch
}

func (r *recordingStore) CountUnread(ctx context.Context, q registrystore.UnreadQuery) ([]model.GroupUnread, error) {
	r.mu.Lock()
	r.countUnreadCalls = append(r.countUnreadCalls, append([]string(nil), q.GroupIDs...))
	r.mu.Unlock()
	return r.Store.CountUnread(ctx, q)
}

func (r *recordingStore) MatchGroups(ctx context.Context, m registrystore.PropertyMatch) ([]string, error) {
	r.mu.Lock()
	r.matchCalls = append(r.matchCalls, m)
	r.mu.Unlock()
	return r.Store.MatchGroups(ctx, m)
}

// faultStore injects failures into the operations of the transactions it begins.
type faultStore struct {
	registrystore.Store
	mu    sync.Mutex
	fault map[string]func(attempt int) error
	calls map[string]int
}

func newFaultStore(inner registrystore.Store) *faultStore {
	return &faultStore{Store: inner, fault: map[string]func(int) error{}, calls: map[string]int{}}
}

func (f *faultStore) failOn(op string, fn func(attempt int) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fault[op] = fn
}

func (f *faultStore) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *faultStore) inject(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if fn, ok := f.fault[op]; ok {
		return fn(f.calls[op])
	}
	return nil
}

func (f *faultStore) Begin(ctx context.Context) (registrystore.Tx, error) {
	tx, err := f.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultTx{Tx: tx, f: f}, nil
}

type faultTx struct {
	registrystore.Tx
	f *faultStore
}

func (t *faultTx) InsertMessage(ctx context.Context, msg *model.Message) error {
	if err := t.Tx.InsertMessage(ctx, msg); err != nil {
		return err
	}
	return t.f.inject("InsertMessage")
}

func (t *faultTx) UpdateMessages(ctx context.Context, msgs []model.Message) error {
	if err := t.f.inject("UpdateMessages"); err != nil {
		return err
	}
	return t.Tx.UpdateMessages(ctx, msgs)
}

func conflictErr() error {
	return &registrystore.WriteConflictError{Op: "commit", Err: errors.New("could not serialize access due to concurrent update")}
}

func newMemoryStore() *memory.Store {
	return memory.New()
}
