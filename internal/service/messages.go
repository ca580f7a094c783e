package service

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/model"
	registryevents "github.com/chirino/conversation-service/internal/registry/events"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
)

// MarkReadByMessage clears the caller's unread counter in the group of messageID.
func (s *Service) MarkReadByMessage(ctx context.Context, userID, messageID string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := s.store.GetGroupUser(ctx, userID, msg.GroupID); err != nil {
		return err
	}
	return s.markRead(ctx, msg.GroupID, []string{userID})
}

// MarkGroupRead clears unread counters in groupID. With no userIDs it clears the
// caller's own counter; clearing other users' counters requires admin.
func (s *Service) MarkGroupRead(ctx context.Context, callerID, groupID string, userIDs []string, isAdmin bool) error {
	userIDs = uniqueStrings(userIDs)
	if len(userIDs) == 0 {
		if _, err := s.store.GetGroupUser(ctx, callerID, groupID); err != nil {
			return err
		}
		return s.markRead(ctx, groupID, []string{callerID})
	}
	if !isAdmin {
		return &registrystore.ForbiddenError{}
	}
	groups, err := s.store.GetGroups(ctx, []string{groupID})
	if err != nil {
		return fmt.Errorf("failed to load group: %w", err)
	}
	if _, err := checkExist("group", []string{groupID}, groups, idOfGroup); err != nil {
		return err
	}
	return s.markRead(ctx, groupID, userIDs)
}

func (s *Service) markRead(ctx context.Context, groupID string, userIDs []string) error {
	readAt := s.now()
	return registrystore.InTx(ctx, s.store, func(tx registrystore.Ops) error {
		n, err := tx.MarkRead(ctx, groupID, userIDs, readAt)
		if err != nil {
			return fmt.Errorf("failed to mark read: %w", err)
		}
		if n == 0 {
			return nil
		}
		ids := make([]interface{}, len(userIDs))
		for i, id := range userIDs {
			ids[i] = id
		}
		return tx.CreateTask(ctx, registryevents.TypeMessagesRead, map[string]interface{}{
			"groupId": groupID,
			"userIds": ids,
			"readAt":  readAt.Format(time.RFC3339Nano),
		})
	})
}

// Revoke marks a message revoked. Only its sender may revoke it, and only within the
// configured time limit after it was sent.
func (s *Service) Revoke(ctx context.Context, userID, messageID string) (*model.Message, error) {
	var revoked model.Message
	err := registrystore.InTx(ctx, s.store, func(tx registrystore.Ops) error {
		msg, err := tx.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if msg.SentBy != userID {
			return &registrystore.BusinessRuleError{Code: "not_sender", Message: "only the sender can revoke a message"}
		}
		if msg.IsRevoked {
			return &registrystore.BusinessRuleError{Code: "already_revoked", Message: "message is already revoked"}
		}
		if s.revokeWindow > 0 && msg.SentTime.Add(s.revokeWindow).Before(s.now()) {
			return &registrystore.BusinessRuleError{
				Code:    "revoke_time_limit",
				Message: fmt.Sprintf("messages can only be revoked within %s of sending", s.revokeWindow),
			}
		}
		msg.IsRevoked = true
		if err := tx.UpdateMessages(ctx, []model.Message{*msg}); err != nil {
			return err
		}
		revoked = *msg
		return tx.CreateTask(ctx, registryevents.TypeMessageRevoked, map[string]interface{}{
			"messageId": msg.ID,
			"groupId":   msg.GroupID,
			"revokedBy": userID,
		})
	})
	if err != nil {
		return nil, err
	}
	s.forgetReceipts(ctx, revoked.ID)
	return &revoked, nil
}

// MessageUpdate replaces the scalar fields of a message. A nil CustomProperties keeps
// the current set; a non-nil one replaces it entirely.
type MessageUpdate struct {
	ID               string            `json:"id"`
	Content          string            `json:"content"`
	Type             model.MessageType `json:"type"`
	Payload          string            `json:"payload"`
	IsSystem         bool              `json:"isSystem"`
	CustomProperties []model.Property  `json:"customProperties"`
}

// UpdateMessageData applies a batch of message updates in one transaction. Custom
// property replacement deletes the old set and inserts the new one in that same
// transaction, so a failure leaves the previous set untouched.
func (s *Service) UpdateMessageData(ctx context.Context, updates []MessageUpdate) ([]model.MessageView, error) {
	if len(updates) == 0 {
		return []model.MessageView{}, nil
	}
	ids := make([]string, 0, len(updates))
	replace := map[string]map[string]string{}
	for i, u := range updates {
		if u.ID == "" {
			return nil, &registrystore.ValidationError{Field: fmt.Sprintf("[%d].id", i), Message: "is required"}
		}
		ids = append(ids, u.ID)
		if u.CustomProperties == nil {
			continue
		}
		props, err := validateProperties(fmt.Sprintf("[%d].customProperties", i), u.CustomProperties)
		if err != nil {
			return nil, err
		}
		replace[u.ID] = props
	}
	if len(uniqueStrings(ids)) != len(ids) {
		return nil, &registrystore.ValidationError{Field: "id", Message: "a message may only be updated once per request"}
	}

	var views []model.MessageView
	err := registrystore.InTx(ctx, s.store, func(tx registrystore.Ops) error {
		found, err := tx.GetMessages(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to load messages: %w", err)
		}
		byID, err := checkExist("message", ids, found, idOfMessage)
		if err != nil {
			return err
		}
		groupIDs := make([]string, 0, len(found))
		for _, m := range found {
			groupIDs = append(groupIDs, m.GroupID)
		}
		groups, err := tx.GetGroups(ctx, uniqueStrings(groupIDs))
		if err != nil {
			return fmt.Errorf("failed to load groups: %w", err)
		}
		if _, err := checkExist("group", groupIDs, groups, idOfGroup); err != nil {
			return err
		}

		msgs := make([]model.Message, 0, len(updates))
		for _, u := range updates {
			m := byID[u.ID]
			if m.IsRevoked {
				return &registrystore.BusinessRuleError{Code: "message_revoked", Message: "revoked message " + m.ID + " cannot be updated"}
			}
			m.Content = u.Content
			m.Type = u.Type
			m.Payload = u.Payload
			m.IsSystem = u.IsSystem
			msgs = append(msgs, m)
		}

		if len(replace) > 0 {
			replaced := make([]string, 0, len(replace))
			var rows []model.MessageCustomProperty
			for _, u := range updates {
				if props, ok := replace[u.ID]; ok {
					replaced = append(replaced, u.ID)
					rows = append(rows, messagePropertyRows(u.ID, props)...)
				}
			}
			if err := tx.DeleteMessageCustomProperties(ctx, replaced); err != nil {
				return fmt.Errorf("failed to delete message custom properties: %w", err)
			}
			if len(rows) > 0 {
				if err := tx.InsertMessageCustomProperties(ctx, rows); err != nil {
					return fmt.Errorf("failed to insert message custom properties: %w", err)
				}
			}
		}
		if err := tx.UpdateMessages(ctx, msgs); err != nil {
			return fmt.Errorf("failed to update messages: %w", err)
		}

		current, err := tx.GetMessageCustomProperties(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to load message custom properties: %w", err)
		}
		props := messagePropsByMessage(current)
		views = make([]model.MessageView, 0, len(msgs))
		for _, m := range msgs {
			views = append(views, toMessageView(m, props[m.ID]))
			if err := tx.CreateTask(ctx, registryevents.TypeMessageUpdated, map[string]interface{}{
				"messageId": m.ID,
				"groupId":   m.GroupID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.forgetReceipts(ctx, ids...)
	return views, nil
}

// UnreadCountRequest selects the memberships summed by UnreadMessageCount.
type UnreadCountRequest struct {
	UserID    string
	GroupIDs  []string
	GroupType int
	// IncludeGroupProperties keeps groups carrying all of these pairs.
	IncludeGroupProperties map[string]string
	// ExcludeGroupProperties drops groups carrying any of these pairs.
	ExcludeGroupProperties map[string]string
}

// UnreadMessageCount sums the unread counters of the selected memberships.
func (s *Service) UnreadMessageCount(ctx context.Context, req UnreadCountRequest) (int, error) {
	memberships, err := s.store.ListMemberships(ctx, req.UserID, allowList(req.GroupIDs))
	if err != nil {
		return 0, fmt.Errorf("failed to list memberships: %w", err)
	}
	if len(memberships) == 0 {
		return 0, nil
	}
	ids := membershipGroupIDs(memberships)

	var types map[string]int
	if req.GroupType != 0 {
		groups, err := s.store.GetGroups(ctx, ids)
		if err != nil {
			return 0, fmt.Errorf("failed to load groups: %w", err)
		}
		types = make(map[string]int, len(groups))
		for _, g := range groups {
			types[g.ID] = g.Type
		}
	}
	var props map[string]map[string]string
	if len(req.IncludeGroupProperties) > 0 || len(req.ExcludeGroupProperties) > 0 {
		rows, err := s.store.GetGroupCustomProperties(ctx, ids)
		if err != nil {
			return 0, fmt.Errorf("failed to load group custom properties: %w", err)
		}
		props = groupPropsByGroup(rows)
	}

	total := 0
	for _, m := range memberships {
		if types != nil && types[m.GroupID] != req.GroupType {
			continue
		}
		if len(req.IncludeGroupProperties) > 0 && !matchesAll(props[m.GroupID], req.IncludeGroupProperties) {
			continue
		}
		if len(req.ExcludeGroupProperties) > 0 && matchesAny(props[m.GroupID], req.ExcludeGroupProperties) {
			continue
		}
		total += m.UnreadCount
	}
	return total, nil
}

// RemoveConversation removes the caller's membership of groupID.
func (s *Service) RemoveConversation(ctx context.Context, userID, groupID string) error {
	gu, err := s.store.GetGroupUser(ctx, userID, groupID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteGroupUser(ctx, gu.ID); err != nil {
		return fmt.Errorf("failed to remove membership: %w", err)
	}
	log.Info("Conversation removed", "userId", userID, "groupId", groupID)
	return nil
}

func (s *Service) forgetReceipts(ctx context.Context, messageIDs ...string) {
	if !s.receiptsEnabled() {
		return
	}
	for _, id := range messageIDs {
		if err := s.receipts.Remove(ctx, id); err != nil {
			log.Warn("Failed to drop send receipt", "messageId", id, "err", err)
		}
	}
}
