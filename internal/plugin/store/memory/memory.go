// Package memory is an in-process store backend. Transactions work on a private copy of
// the data and commit optimistically: a commit that races with any other write fails
// with a WriteConflictError.
package memory

import (
	"context"
	"errors"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chirino/conversation-service/internal/model"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/google/uuid"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registrystore.Store, error) {
			return New(), nil
		},
	})
}

var errTxDone = errors.New("transaction has already been committed or rolled back")

type data struct {
	groups         map[string]model.Group
	groupProps     map[string]model.GroupCustomProperty
	groupUsers     map[string]model.GroupUser
	groupUserProps map[string]model.GroupUserCustomProperty
	messages       map[string]model.Message
	messageProps   map[string]model.MessageCustomProperty
	tasks          map[uuid.UUID]model.Task
}

func newData() *data {
	return &data{
		groups:         map[string]model.Group{},
		groupProps:     map[string]model.GroupCustomProperty{},
		groupUsers:     map[string]model.GroupUser{},
		groupUserProps: map[string]model.GroupUserCustomProperty{},
		messages:       map[string]model.Message{},
		messageProps:   map[string]model.MessageCustomProperty{},
		tasks:          map[uuid.UUID]model.Task{},
	}
}

func (d *data) clone() *data {
	return &data{
		groups:         maps.Clone(d.groups),
		groupProps:     maps.Clone(d.groupProps),
		groupUsers:     maps.Clone(d.groupUsers),
		groupUserProps: maps.Clone(d.groupUserProps),
		messages:       maps.Clone(d.messages),
		messageProps:   maps.Clone(d.messageProps),
		tasks:          maps.Clone(d.tasks),
	}
}

type accessor interface {
	view(ctx context.Context, fn func(d *data) error) error
	update(ctx context.Context, fn func(d *data) error) error
}

// Store is the in-memory Store implementation.
type Store struct {
	ops
	mu      sync.RWMutex
	d       *data
	version uint64
}

// New returns an empty in-memory store.
func New() *Store {
	s := &Store{d: newData()}
	s.ops = ops{acc: s}
	return s
}

func (s *Store) view(ctx context.Context, fn func(d *data) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.d)
}

func (s *Store) update(ctx context.Context, fn func(d *data) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Mutations apply to a copy so a failing operation leaves nothing behind.
	next := s.d.clone()
	if err := fn(next); err != nil {
		return err
	}
	s.d = next
	s.version++
	return nil
}

// Begin starts a transaction on a snapshot of the current data.
func (s *Store) Begin(ctx context.Context) (registrystore.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx := &memTx{store: s, d: s.d.clone(), base: s.version}
	tx.ops = ops{acc: tx}
	return tx, nil
}

type memTx struct {
	ops
	store *Store
	mu    sync.Mutex
	d     *data
	base  uint64
	done  bool
}

func (t *memTx) view(ctx context.Context, fn func(d *data) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxDone
	}
	return fn(t.d)
}

func (t *memTx) update(ctx context.Context, fn func(d *data) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxDone
	}
	next := t.d.clone()
	if err := fn(next); err != nil {
		return err
	}
	t.d = next
	return nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxDone
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != t.base {
		return &registrystore.WriteConflictError{Op: "commit"}
	}
	s.d = t.d
	s.version++
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.d = nil
	return nil
}

type ops struct {
	acc accessor
}

// --- Groups ---

func (o ops) InsertGroup(ctx context.Context, group *model.Group) error {
	return o.acc.update(ctx, func(d *data) error {
		if _, exists := d.groups[group.ID]; exists {
			return &registrystore.ConflictError{Message: "group already exists: " + group.ID, Code: "duplicate_group"}
		}
		d.groups[group.ID] = *group
		return nil
	})
}

func (o ops) GetGroups(ctx context.Context, groupIDs []string) ([]model.Group, error) {
	var result []model.Group
	err := o.acc.view(ctx, func(d *data) error {
		for _, id := range dedupe(groupIDs) {
			if g, ok := d.groups[id]; ok {
				result = append(result, g)
			}
		}
		return nil
	})
	return result, err
}

func (o ops) InsertGroupCustomProperties(ctx context.Context, props []model.GroupCustomProperty) error {
	return o.acc.update(ctx, func(d *data) error {
		for _, p := range props {
			d.groupProps[p.ID] = p
		}
		return nil
	})
}

func (o ops) GetGroupCustomProperties(ctx context.Context, groupIDs []string) ([]model.GroupCustomProperty, error) {
	var result []model.GroupCustomProperty
	err := o.acc.view(ctx, func(d *data) error {
		want := toSet(groupIDs)
		for _, p := range d.groupProps {
			if want[p.GroupID] {
				result = append(result, p)
			}
		}
		return nil
	})
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, err
}

// --- Memberships ---

func (o ops) InsertGroupUsers(ctx context.Context, users []model.GroupUser) error {
	return o.acc.update(ctx, func(d *data) error {
		for _, u := range users {
			for _, existing := range d.groupUsers {
				if existing.UserID == u.UserID && existing.GroupID == u.GroupID {
					return &registrystore.ConflictError{
						Message: "user is already a member of the group",
						Code:    "duplicate_group_user",
						Details: map[string]interface{}{"userId": u.UserID, "groupId": u.GroupID},
					}
				}
			}
			d.groupUsers[u.ID] = u
		}
		return nil
	})
}

func (o ops) GetGroupUser(ctx context.Context, userID string, groupID string) (*model.GroupUser, error) {
	var result *model.GroupUser
	err := o.acc.view(ctx, func(d *data) error {
		for _, gu := range d.groupUsers {
			if gu.UserID == userID && gu.GroupID == groupID {
				result = &gu
				return nil
			}
		}
		return registrystore.NewNotFound("group user", userID, groupID)
	})
	return result, err
}

func (o ops) ListMemberships(ctx context.Context, userID string, groupIDs []string) ([]model.GroupUser, error) {
	var result []model.GroupUser
	err := o.acc.view(ctx, func(d *data) error {
		want := toSet(groupIDs)
		for _, gu := range d.groupUsers {
			if gu.UserID != userID {
				continue
			}
			if groupIDs != nil && !want[gu.GroupID] {
				continue
			}
			result = append(result, gu)
		}
		return nil
	})
	sort.Slice(result, func(i, j int) bool { return result[i].GroupID < result[j].GroupID })
	return result, err
}

func (o ops) ListGroupMembers(ctx context.Context, groupID string) ([]model.GroupUser, error) {
	var result []model.GroupUser
	err := o.acc.view(ctx, func(d *data) error {
		for _, gu := range d.groupUsers {
			if gu.GroupID == groupID {
				result = append(result, gu)
			}
		}
		return nil
	})
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, err
}

func (o ops) IncrementUnreadCounts(ctx context.Context, groupUserIDs []string) error {
	return o.acc.update(ctx, func(d *data) error {
		for _, id := range dedupe(groupUserIDs) {
			gu, ok := d.groupUsers[id]
			if !ok {
				continue
			}
			gu.UnreadCount++
			d.groupUsers[id] = gu
		}
		return nil
	})
}

func (o ops) MarkRead(ctx context.Context, groupID string, userIDs []string, readAt time.Time) (int64, error) {
	var n int64
	err := o.acc.update(ctx, func(d *data) error {
		users := toSet(userIDs)
		for id, gu := range d.groupUsers {
			if gu.GroupID != groupID || !users[gu.UserID] {
				continue
			}
			at := readAt
			gu.UnreadCount = 0
			gu.LastReadTime = &at
			d.groupUsers[id] = gu
			n++
		}
		return nil
	})
	return n, err
}

func (o ops) DeleteGroupUser(ctx context.Context, groupUserID string) error {
	return o.acc.update(ctx, func(d *data) error {
		if _, ok := d.groupUsers[groupUserID]; !ok {
			return registrystore.NewNotFound("group user", groupUserID)
		}
		delete(d.groupUsers, groupUserID)
		for id, p := range d.groupUserProps {
			if p.GroupUserID == groupUserID {
				delete(d.groupUserProps, id)
			}
		}
		return nil
	})
}

func (o ops) InsertGroupUserCustomProperties(ctx context.Context, props []model.GroupUserCustomProperty) error {
	return o.acc.update(ctx, func(d *data) error {
		for _, p := range props {
			d.groupUserProps[p.ID] = p
		}
		return nil
	})
}

func (o ops) GetGroupUserCustomProperties(ctx context.Context, groupUserIDs []string) ([]model.GroupUserCustomProperty, error) {
	var result []model.GroupUserCustomProperty
	err := o.acc.view(ctx, func(d *data) error {
		want := toSet(groupUserIDs)
		for _, p := range d.groupUserProps {
			if want[p.GroupUserID] {
				result = append(result, p)
			}
		}
		return nil
	})
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, err
}

// --- Messages ---

func (o ops) InsertMessage(ctx context.Context, msg *model.Message) error {
	return o.acc.update(ctx, func(d *data) error {
		if _, exists := d.messages[msg.ID]; exists {
			return &registrystore.ConflictError{Message: "message already exists: " + msg.ID, Code: "duplicate_message"}
		}
		d.messages[msg.ID] = *msg
		return nil
	})
}

func (o ops) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	var result *model.Message
	err := o.acc.view(ctx, func(d *data) error {
		m, ok := d.messages[messageID]
		if !ok {
			return registrystore.NewNotFound("message", messageID)
		}
		result = &m
		return nil
	})
	return result, err
}

func (o ops) GetMessages(ctx context.Context, messageIDs []string) ([]model.Message, error) {
	var result []model.Message
	err := o.acc.view(ctx, func(d *data) error {
		for _, id := range dedupe(messageIDs) {
			if m, ok := d.messages[id]; ok {
				result = append(result, m)
			}
		}
		return nil
	})
	return result, err
}

func (o ops) UpdateMessages(ctx context.Context, msgs []model.Message) error {
	return o.acc.update(ctx, func(d *data) error {
		for _, m := range msgs {
			if _, ok := d.messages[m.ID]; !ok {
				return registrystore.NewNotFound("message", m.ID)
			}
			d.messages[m.ID] = m
		}
		return nil
	})
}

func (o ops) ListMessages(ctx context.Context, q registrystore.MessagePageQuery) ([]model.Message, error) {
	var result []model.Message
	err := o.acc.view(ctx, func(d *data) error {
		for _, m := range d.messages {
			if m.GroupID != q.GroupID {
				continue
			}
			if q.After != nil && !q.After.Precedes(m) {
				continue
			}
			result = append(result, m)
		}
		return nil
	})
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CreatedDate.Equal(b.CreatedDate) {
			return a.CreatedDate.After(b.CreatedDate)
		}
		return a.ID > b.ID
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, err
}

func (o ops) LastMessages(ctx context.Context, groupIDs []string) ([]model.Message, error) {
	latest := map[string]model.Message{}
	err := o.acc.view(ctx, func(d *data) error {
		want := toSet(groupIDs)
		for _, m := range d.messages {
			if !want[m.GroupID] {
				continue
			}
			if cur, ok := latest[m.GroupID]; !ok || newer(m, cur) {
				latest[m.GroupID] = m
			}
		}
		return nil
	})
	result := make([]model.Message, 0, len(latest))
	for _, m := range latest {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].GroupID < result[j].GroupID })
	return result, err
}

func (o ops) CountUnread(ctx context.Context, q registrystore.UnreadQuery) ([]model.GroupUnread, error) {
	stats := map[string]*model.GroupUnread{}
	err := o.acc.view(ctx, func(d *data) error {
		readTimes := map[string]*time.Time{}
		want := toSet(q.GroupIDs)
		for _, gu := range d.groupUsers {
			if gu.UserID == q.UserID && want[gu.GroupID] {
				readTimes[gu.GroupID] = gu.LastReadTime
			}
		}
		excluded := map[string]bool{}
		if len(q.ExcludeMessageProperties) > 0 {
			for _, p := range d.messageProps {
				if v, ok := q.ExcludeMessageProperties[p.Key]; ok && v == p.Value {
					excluded[p.MessageID] = true
				}
			}
		}
		for _, m := range d.messages {
			since, member := readTimes[m.GroupID]
			if !member {
				continue
			}
			st, ok := stats[m.GroupID]
			if !ok {
				st = &model.GroupUnread{GroupID: m.GroupID}
				stats[m.GroupID] = st
			}
			if st.LastSentTime == nil || m.SentTime.After(*st.LastSentTime) {
				t := m.SentTime
				st.LastSentTime = &t
			}
			if m.SentBy == q.UserID || excluded[m.ID] {
				continue
			}
			if since != nil && !m.SentTime.After(*since) {
				continue
			}
			st.UnreadCount++
		}
		return nil
	})
	result := make([]model.GroupUnread, 0, len(stats))
	for _, st := range stats {
		result = append(result, *st)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].GroupID < result[j].GroupID })
	return result, err
}

func (o ops) InsertMessageCustomProperties(ctx context.Context, props []model.MessageCustomProperty) error {
	return o.acc.update(ctx, func(d *data) error {
		for _, p := range props {
			d.messageProps[p.ID] = p
		}
		return nil
	})
}

func (o ops) GetMessageCustomProperties(ctx context.Context, messageIDs []string) ([]model.MessageCustomProperty, error) {
	var result []model.MessageCustomProperty
	err := o.acc.view(ctx, func(d *data) error {
		want := toSet(messageIDs)
		for _, p := range d.messageProps {
			if want[p.MessageID] {
				result = append(result, p)
			}
		}
		return nil
	})
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, err
}

func (o ops) DeleteMessageCustomProperties(ctx context.Context, messageIDs []string) error {
	return o.acc.update(ctx, func(d *data) error {
		want := toSet(messageIDs)
		for id, p := range d.messageProps {
			if want[p.MessageID] {
				delete(d.messageProps, id)
			}
		}
		return nil
	})
}

// --- Search ---

func (o ops) MatchGroups(ctx context.Context, m registrystore.PropertyMatch) ([]string, error) {
	if m.GroupIDs != nil && len(m.GroupIDs) == 0 {
		return []string{}, nil
	}
	matches := func(v string) bool {
		if m.Exact {
			return v == m.Value
		}
		return strings.Contains(v, m.Value)
	}
	found := map[string]bool{}
	err := o.acc.view(ctx, func(d *data) error {
		switch m.Target {
		case registrystore.TargetGroupProperty:
			for _, p := range d.groupProps {
				if p.Key == m.Key && matches(p.Value) {
					found[p.GroupID] = true
				}
			}
		case registrystore.TargetMessageProperty:
			for _, p := range d.messageProps {
				if p.Key != m.Key || !matches(p.Value) {
					continue
				}
				if msg, ok := d.messages[p.MessageID]; ok {
					found[msg.GroupID] = true
				}
			}
		case registrystore.TargetMessageContent:
			for _, msg := range d.messages {
				if matches(msg.Content) {
					found[msg.GroupID] = true
				}
			}
		default:
			return &registrystore.ValidationError{Field: "target", Message: "unsupported match target " + m.Target.String()}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	scope := toSet(m.GroupIDs)
	result := []string{}
	for id := range found {
		if m.GroupIDs == nil || scope[id] {
			result = append(result, id)
		}
	}
	sort.Strings(result)
	return result, nil
}

// --- Outbox task queue ---

func (o ops) CreateTask(ctx context.Context, taskType string, taskBody map[string]interface{}) error {
	now := time.Now()
	return o.acc.update(ctx, func(d *data) error {
		id := uuid.New()
		d.tasks[id] = model.Task{ID: id, TaskType: taskType, TaskBody: taskBody, CreatedAt: now, RetryAt: now}
		return nil
	})
}

// CountTasks returns the number of outbox tasks of the given type, claimed or not.
func (s *Store) CountTasks(ctx context.Context, taskType string) (int, error) {
	n := 0
	err := s.view(ctx, func(d *data) error {
		for _, t := range d.tasks {
			if t.TaskType == taskType {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (o ops) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	var claimed []model.Task
	now := time.Now()
	err := o.acc.update(ctx, func(d *data) error {
		var ready []model.Task
		for _, t := range d.tasks {
			if !t.RetryAt.After(now) {
				ready = append(ready, t)
			}
		}
		sort.Slice(ready, func(i, j int) bool {
			if !ready[i].RetryAt.Equal(ready[j].RetryAt) {
				return ready[i].RetryAt.Before(ready[j].RetryAt)
			}
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		})
		if limit > 0 && len(ready) > limit {
			ready = ready[:limit]
		}
		for _, t := range ready {
			t.RetryAt = now.Add(5 * time.Minute)
			d.tasks[t.ID] = t
			claimed = append(claimed, t)
		}
		return nil
	})
	return claimed, err
}

func (o ops) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	return o.acc.update(ctx, func(d *data) error {
		delete(d.tasks, taskID)
		return nil
	})
}

func (o ops) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error {
	return o.acc.update(ctx, func(d *data) error {
		t, ok := d.tasks[taskID]
		if !ok {
			return nil
		}
		t.RetryCount++
		t.RetryAt = time.Now().Add(retryDelay)
		t.LastError = &errMsg
		d.tasks[taskID] = t
		return nil
	})
}

// --- Helpers ---

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func newer(a, b model.Message) bool {
	if !a.SentTime.Equal(b.SentTime) {
		return a.SentTime.After(b.SentTime)
	}
	return a.ID > b.ID
}

var (
	_ registrystore.Store = (*Store)(nil)
	_ registrystore.Tx    = (*memTx)(nil)
)
