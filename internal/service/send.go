package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/model"
	registrycache "github.com/chirino/conversation-service/internal/registry/cache"
	registryevents "github.com/chirino/conversation-service/internal/registry/events"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/chirino/conversation-service/internal/security"
	"github.com/google/uuid"
)

// SendRequest is a new message plus the members that must not be notified of it.
type SendRequest struct {
	Message          model.Message
	CustomProperties []model.Property
	// ExcludeMemberCustomProperties skips the unread increment for members whose
	// membership carries all of these pairs (for example a mute flag).
	ExcludeMemberCustomProperties map[string]string
}

// Send stores a message and bumps the unread counter of every other member of its
// group in one transaction. Transactions that lose a write conflict are retried after
// a fixed backoff; any other failure, or a conflict on the last attempt, is returned.
func (s *Service) Send(ctx context.Context, req SendRequest) (*model.MessageView, error) {
	msg := req.Message
	if strings.TrimSpace(msg.GroupID) == "" {
		return nil, &registrystore.ValidationError{Field: "groupId", Message: "is required"}
	}
	if strings.TrimSpace(msg.SentBy) == "" {
		return nil, &registrystore.ValidationError{Field: "sentBy", Message: "is required"}
	}
	props, err := validateProperties("customProperties", req.CustomProperties)
	if err != nil {
		return nil, err
	}

	if msg.ID != "" {
		if replay := s.replaySend(ctx, msg); replay != nil {
			return replay, nil
		}
	} else {
		msg.ID = uuid.NewString()
	}

	groups, err := s.store.GetGroups(ctx, []string{msg.GroupID})
	if err != nil {
		return nil, fmt.Errorf("failed to load group: %w", err)
	}
	if _, err := checkExist("group", []string{msg.GroupID}, groups, idOfGroup); err != nil {
		return nil, err
	}
	if _, err := s.store.GetGroupUser(ctx, msg.SentBy, msg.GroupID); err != nil {
		return nil, err
	}

	now := s.now()
	msg.SentTime = now
	msg.CreatedDate = now
	if msg.CreatedBy == "" {
		msg.CreatedBy = msg.SentBy
	}
	msg.IsRevoked = false

	for attempt := 1; ; attempt++ {
		err := s.sendOnce(ctx, msg, props, req.ExcludeMemberCustomProperties)
		if err == nil {
			security.ObserveSendAttempt("committed")
			break
		}
		if !registrystore.IsTransient(err) || attempt >= s.maxAttempts {
			security.ObserveSendAttempt("failed")
			log.Error("Send failed", "messageId", msg.ID, "groupId", msg.GroupID, "attempt", attempt, "err", err)
			return nil, fmt.Errorf("send message %s failed after %d attempt(s): %w", msg.ID, attempt, err)
		}
		security.ObserveSendAttempt("retried")
		log.Warn("Send retry", "messageId", msg.ID, "groupId", msg.GroupID, "attempt", attempt, "err", err)
		if err := sleepCtx(ctx, s.backoff); err != nil {
			return nil, err
		}
	}

	if s.receiptsEnabled() {
		receipt := registrycache.SendReceipt{Message: msg, CustomProperties: props, CommittedAt: s.now()}
		if err := s.receipts.Set(ctx, msg.ID, receipt, s.receiptTTL); err != nil {
			log.Warn("Failed to remember send receipt", "messageId", msg.ID, "err", err)
		}
	}
	view := toMessageView(msg, props)
	return &view, nil
}

func (s *Service) sendOnce(ctx context.Context, msg model.Message, props map[string]string, exclude map[string]string) error {
	return registrystore.InTx(ctx, s.store, func(tx registrystore.Ops) error {
		members, err := tx.ListGroupMembers(ctx, msg.GroupID)
		if err != nil {
			return fmt.Errorf("failed to list group members: %w", err)
		}
		recipients := make([]string, 0, len(members))
		for _, m := range members {
			if m.UserID != msg.SentBy {
				recipients = append(recipients, m.ID)
			}
		}
		if len(exclude) > 0 && len(recipients) > 0 {
			rows, err := tx.GetGroupUserCustomProperties(ctx, recipients)
			if err != nil {
				return fmt.Errorf("failed to load membership custom properties: %w", err)
			}
			memberProps := memberPropsByMember(rows)
			kept := recipients[:0]
			for _, id := range recipients {
				if !matchesAll(memberProps[id], exclude) {
					kept = append(kept, id)
				}
			}
			recipients = kept
		}
		if len(recipients) > 0 {
			if err := tx.IncrementUnreadCounts(ctx, recipients); err != nil {
				return err
			}
		}
		if len(props) > 0 {
			if err := tx.InsertMessageCustomProperties(ctx, messagePropertyRows(msg.ID, props)); err != nil {
				return err
			}
		}
		if err := tx.InsertMessage(ctx, &msg); err != nil {
			return err
		}
		return tx.CreateTask(ctx, registryevents.TypeMessageSaved, map[string]interface{}{
			"messageId":  msg.ID,
			"groupId":    msg.GroupID,
			"sentBy":     msg.SentBy,
			"sentTime":   msg.SentTime.Format(time.RFC3339Nano),
			"recipients": len(recipients),
		})
	})
}

// replaySend returns the committed message when the same sender already sent this id.
func (s *Service) replaySend(ctx context.Context, msg model.Message) *model.MessageView {
	if !s.receiptsEnabled() {
		return nil
	}
	receipt, err := s.receipts.Get(ctx, msg.ID)
	if err != nil {
		log.Warn("Send receipt lookup failed", "messageId", msg.ID, "err", err)
		return nil
	}
	if receipt == nil || receipt.Message.SentBy != msg.SentBy || receipt.Message.GroupID != msg.GroupID {
		if security.CacheMissesTotal != nil {
			security.CacheMissesTotal.Inc()
		}
		return nil
	}
	if security.CacheHitsTotal != nil {
		security.CacheHitsTotal.Inc()
	}
	log.Debug("Send replayed from receipt", "messageId", msg.ID)
	view := toMessageView(receipt.Message, receipt.CustomProperties)
	return &view
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
