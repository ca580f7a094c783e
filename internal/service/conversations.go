package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/chirino/conversation-service/internal/model"
	"golang.org/x/sync/errgroup"
)

// ListRequest selects the conversations of one user.
type ListRequest struct {
	UserID string
	// GroupIDs is an optional allow list.
	GroupIDs  []string
	GroupType int
	Filters   UnreadFilters
	Page      model.PageSettings
}

// SearchRequest is a ListRequest narrowed by keyword terms.
type SearchRequest struct {
	ListRequest
	GroupSearchTerms   map[string]string
	MessageSearchTerms map[string]string
	// SearchParms is the deprecated name of MessageSearchTerms, used when the latter is empty.
	SearchParms map[string]string
	ExactMatch  bool
}

func (r SearchRequest) terms() SearchTerms {
	msgTerms := r.MessageSearchTerms
	if len(msgTerms) == 0 {
		msgTerms = r.SearchParms
	}
	return SearchTerms{Group: r.GroupSearchTerms, Message: msgTerms, Exact: r.ExactMatch}
}

// ListConversations returns a page of the user's conversations ordered by unread count,
// then by last message time.
func (s *Service) ListConversations(ctx context.Context, req ListRequest) (model.Paged[model.Conversation], error) {
	memberships, err := s.store.ListMemberships(ctx, req.UserID, allowList(req.GroupIDs))
	if err != nil {
		return model.Paged[model.Conversation]{}, fmt.Errorf("failed to list memberships: %w", err)
	}
	return s.conversationPage(ctx, req, membershipGroupIDs(memberships))
}

// SearchConversations is ListConversations restricted to groups matching the keyword
// terms. Without terms it behaves like ListConversations.
func (s *Service) SearchConversations(ctx context.Context, req SearchRequest) (model.Paged[model.Conversation], error) {
	terms := req.terms()
	if terms.Empty() {
		return s.ListConversations(ctx, req.ListRequest)
	}
	// conversationPage ranks by the filtered unread tally, so the candidates go in unranked.
	ids, err := s.searchCandidates(ctx, req.UserID, terms, req.GroupType, req.GroupIDs)
	if err != nil {
		return model.Paged[model.Conversation]{}, err
	}
	return s.conversationPage(ctx, req.ListRequest, ids)
}

// GetConversationProfile returns one conversation of the user with a freshly computed
// unread count. The user must be a member of the group.
func (s *Service) GetConversationProfile(ctx context.Context, userID, groupID string, filters UnreadFilters) (*model.Conversation, error) {
	if _, err := s.store.GetGroupUser(ctx, userID, groupID); err != nil {
		return nil, err
	}
	j, err := s.fetchConversations(ctx, userID, []string{groupID}, filters)
	if err != nil {
		return nil, err
	}
	if _, err := checkExist("group", []string{groupID}, j.groups, idOfGroup); err != nil {
		return nil, err
	}
	conv, ok := j.conversation(groupID, 0)
	if !ok {
		// Filtered out by the unread filters: still the user's conversation, with nothing unread.
		j.unread[groupID] = model.GroupUnread{GroupID: groupID}
		conv, _ = j.conversation(groupID, 0)
	}
	return &conv, nil
}

func (s *Service) conversationPage(ctx context.Context, req ListRequest, ids []string) (model.Paged[model.Conversation], error) {
	ids = uniqueStrings(ids)
	if len(ids) == 0 {
		return model.Paged[model.Conversation]{Data: []model.Conversation{}}, nil
	}
	j, err := s.fetchConversations(ctx, req.UserID, ids, req.Filters)
	if err != nil {
		return model.Paged[model.Conversation]{}, err
	}
	convs := make([]model.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, ok := j.conversation(id, req.GroupType)
		if !ok {
			continue
		}
		if conv.UnreadCount == 0 && !req.Page.IncludeZeroUnread {
			continue
		}
		convs = append(convs, conv)
	}
	sortConversations(convs)
	return Paginate(convs, req.Page), nil
}

// joined holds the four independent fetches a conversation is built from.
type joined struct {
	unread      map[string]model.GroupUnread
	groups      []model.Group
	groupByID   map[string]model.Group
	groupProps  map[string]map[string]string
	lastByGroup map[string]model.MessageView
}

func (s *Service) fetchConversations(ctx context.Context, userID string, ids []string, filters UnreadFilters) (*joined, error) {
	j := &joined{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		unread, _, err := s.ComputeUnread(gctx, userID, ids, filters)
		j.unread = unread
		return err
	})
	g.Go(func() error {
		groups, err := s.store.GetGroups(gctx, ids)
		if err != nil {
			return fmt.Errorf("failed to load groups: %w", err)
		}
		j.groups = groups
		return nil
	})
	g.Go(func() error {
		rows, err := s.store.GetGroupCustomProperties(gctx, ids)
		if err != nil {
			return fmt.Errorf("failed to load group custom properties: %w", err)
		}
		j.groupProps = groupPropsByGroup(rows)
		return nil
	})
	g.Go(func() error {
		last, err := s.lastMessages(gctx, ids)
		j.lastByGroup = last
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	j.groupByID = make(map[string]model.Group, len(j.groups))
	for _, grp := range j.groups {
		j.groupByID[grp.ID] = grp
	}
	return j, nil
}

func (s *Service) lastMessages(ctx context.Context, ids []string) (map[string]model.MessageView, error) {
	msgs, err := s.store.LastMessages(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load last messages: %w", err)
	}
	out := make(map[string]model.MessageView, len(msgs))
	if len(msgs) == 0 {
		return out, nil
	}
	msgIDs := make([]string, len(msgs))
	for i, m := range msgs {
		msgIDs[i] = m.ID
	}
	rows, err := s.store.GetMessageCustomProperties(ctx, msgIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load message custom properties: %w", err)
	}
	props := messagePropsByMessage(rows)
	for _, m := range msgs {
		out[m.GroupID] = toMessageView(m, props[m.ID])
	}
	return out, nil
}

// conversation joins the fetches for one group. Groups filtered out of the unread
// tally, missing from the group fetch, or of another type are dropped.
func (j *joined) conversation(groupID string, groupType int) (model.Conversation, bool) {
	unread, ok := j.unread[groupID]
	if !ok {
		return model.Conversation{}, false
	}
	grp, ok := j.groupByID[groupID]
	if !ok {
		return model.Conversation{}, false
	}
	if groupType != 0 && grp.Type != groupType {
		return model.Conversation{}, false
	}
	conv := model.Conversation{
		ConversationID: groupID,
		UnreadCount:    unread.UnreadCount,
		GroupProfile:   toGroupProfile(grp, j.groupProps[groupID]),
	}
	if last, ok := j.lastByGroup[groupID]; ok {
		conv.LastMessage = &last
		sent := last.SentTime
		conv.LastMessageSentTime = &sent
	} else if unread.LastSentTime != nil {
		sent := *unread.LastSentTime
		conv.LastMessageSentTime = &sent
	}
	return conv, true
}

func sortConversations(convs []model.Conversation) {
	sort.SliceStable(convs, func(a, b int) bool {
		return rankBefore(
			model.GroupUnread{GroupID: convs[a].ConversationID, UnreadCount: convs[a].UnreadCount, LastSentTime: convs[a].LastMessageSentTime},
			model.GroupUnread{GroupID: convs[b].ConversationID, UnreadCount: convs[b].UnreadCount, LastSentTime: convs[b].LastMessageSentTime},
		)
	})
}
