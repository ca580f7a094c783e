package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/chirino/conversation-service/internal/model"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
)

const (
	defaultMessagePageSize = 20
	maxMessagePageSize     = 200
)

// MessagePage is a forward-only window of a group's messages. AfterCursor is nil when
// no older messages remain.
type MessagePage struct {
	Data        []model.MessageView `json:"data"`
	AfterCursor *string             `json:"afterCursor"`
}

// Paginate returns the 1-based page of items selected by page. Pages past the end are
// empty; Total is always the full length.
func Paginate[T any](items []T, page model.PageSettings) model.Paged[T] {
	out := model.Paged[T]{Data: []T{}, Total: len(items)}
	if page.PageSize <= 0 {
		out.Data = append(out.Data, items...)
		return out
	}
	num := page.PageNum
	if num < 1 {
		num = 1
	}
	start := (num - 1) * page.PageSize
	if start >= len(items) {
		return out
	}
	end := min(start+page.PageSize, len(items))
	out.Data = append(out.Data, items[start:end]...)
	return out
}

// PageMessages returns up to limit messages of groupID, newest first. An empty
// afterCursor starts at the newest message; otherwise the page holds messages ordered
// after the cursor message by (created date, id). A cursor naming a message that no longer exists ends the
// listing with an empty page.
func (s *Service) PageMessages(ctx context.Context, userID, groupID, afterCursor string, limit int) (*MessagePage, error) {
	if _, err := s.store.GetGroupUser(ctx, userID, groupID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	limit = min(limit, maxMessagePageSize)

	q := registrystore.MessagePageQuery{GroupID: groupID, Limit: limit + 1}
	if afterCursor != "" {
		cursor, err := s.store.GetMessage(ctx, afterCursor)
		var notFound *registrystore.NotFoundError
		if errors.As(err, &notFound) {
			return &MessagePage{Data: []model.MessageView{}}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load cursor message: %w", err)
		}
		if cursor.GroupID != groupID {
			return &MessagePage{Data: []model.MessageView{}}, nil
		}
		q.After = &registrystore.MessageCursor{CreatedDate: cursor.CreatedDate, ID: cursor.ID}
	}

	msgs, err := s.store.ListMessages(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	page := &MessagePage{Data: []model.MessageView{}}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		next := msgs[len(msgs)-1].ID
		page.AfterCursor = &next
	}
	if len(msgs) == 0 {
		return page, nil
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	rows, err := s.store.GetMessageCustomProperties(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load message custom properties: %w", err)
	}
	props := messagePropsByMessage(rows)
	for _, m := range msgs {
		page.Data = append(page.Data, toMessageView(m, props[m.ID]))
	}
	return page, nil
}
