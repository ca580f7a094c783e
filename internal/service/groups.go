package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chirino/conversation-service/internal/model"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/google/uuid"
)

// MemberRequest describes one membership to create.
type MemberRequest struct {
	UserID           string           `json:"userId"`
	IsMaster         bool             `json:"isMaster"`
	IsAdmin          bool             `json:"isAdmin"`
	CustomProperties []model.Property `json:"customProperties"`
}

// CreateGroupRequest describes a group, its custom properties and its initial members.
type CreateGroupRequest struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Type             int              `json:"type"`
	CreatedBy        string           `json:"createdBy"`
	CustomProperties []model.Property `json:"customProperties"`
	Members          []MemberRequest  `json:"members"`
}

// CreateGroup creates a group with its custom properties and initial members in one
// transaction.
func (s *Service) CreateGroup(ctx context.Context, req CreateGroupRequest) (*model.GroupProfile, error) {
	props, err := validateProperties("customProperties", req.CustomProperties)
	if err != nil {
		return nil, err
	}
	group := model.Group{
		ID:          strings.TrimSpace(req.ID),
		Name:        req.Name,
		Type:        req.Type,
		CreatedBy:   req.CreatedBy,
		CreatedDate: s.now(),
	}
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	members, memberProps, err := s.buildMembers(group.ID, req.Members)
	if err != nil {
		return nil, err
	}

	err = registrystore.InTx(ctx, s.store, func(tx registrystore.Ops) error {
		if err := tx.InsertGroup(ctx, &group); err != nil {
			return err
		}
		if len(props) > 0 {
			if err := tx.InsertGroupCustomProperties(ctx, groupPropertyRows(group.ID, props)); err != nil {
				return err
			}
		}
		return insertMembers(ctx, tx, members, memberProps)
	})
	if err != nil {
		return nil, err
	}
	return toGroupProfile(group, props), nil
}

// AddMembers adds users to an existing group. A user may hold only one membership per
// group; existing memberships are rejected with a ConflictError before anything is written.
func (s *Service) AddMembers(ctx context.Context, groupID string, reqs []MemberRequest) ([]model.GroupUser, error) {
	members, memberProps, err := s.buildMembers(groupID, reqs)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []model.GroupUser{}, nil
	}
	err = registrystore.InTx(ctx, s.store, func(tx registrystore.Ops) error {
		groups, err := tx.GetGroups(ctx, []string{groupID})
		if err != nil {
			return fmt.Errorf("failed to load group: %w", err)
		}
		if _, err := checkExist("group", []string{groupID}, groups, idOfGroup); err != nil {
			return err
		}
		for _, m := range members {
			_, err := tx.GetGroupUser(ctx, m.UserID, groupID)
			var notFound *registrystore.NotFoundError
			switch {
			case err == nil:
				return &registrystore.ConflictError{
					Message: "user is already a member of the group",
					Code:    "duplicate_group_user",
					Details: map[string]interface{}{"userId": m.UserID, "groupId": groupID},
				}
			case !errors.As(err, &notFound):
				return err
			}
		}
		return insertMembers(ctx, tx, members, memberProps)
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (s *Service) buildMembers(groupID string, reqs []MemberRequest) ([]model.GroupUser, map[string]map[string]string, error) {
	seen := map[string]bool{}
	members := make([]model.GroupUser, 0, len(reqs))
	memberProps := map[string]map[string]string{}
	now := s.now()
	for i, r := range reqs {
		userID := strings.TrimSpace(r.UserID)
		if userID == "" {
			return nil, nil, &registrystore.ValidationError{Field: fmt.Sprintf("members[%d].userId", i), Message: "is required"}
		}
		if seen[userID] {
			return nil, nil, &registrystore.ValidationError{Field: fmt.Sprintf("members[%d].userId", i), Message: "duplicate member " + userID}
		}
		seen[userID] = true
		props, err := validateProperties(fmt.Sprintf("members[%d].customProperties", i), r.CustomProperties)
		if err != nil {
			return nil, nil, err
		}
		gu := model.GroupUser{
			ID:          uuid.NewString(),
			UserID:      userID,
			GroupID:     groupID,
			IsMaster:    r.IsMaster,
			IsAdmin:     r.IsAdmin,
			CreatedDate: now,
		}
		members = append(members, gu)
		if len(props) > 0 {
			memberProps[gu.ID] = props
		}
	}
	return members, memberProps, nil
}

func insertMembers(ctx context.Context, tx registrystore.Ops, members []model.GroupUser, memberProps map[string]map[string]string) error {
	if len(members) == 0 {
		return nil
	}
	if err := tx.InsertGroupUsers(ctx, members); err != nil {
		return err
	}
	var rows []model.GroupUserCustomProperty
	for _, m := range members {
		rows = append(rows, memberPropertyRows(m.ID, memberProps[m.ID])...)
	}
	if len(rows) == 0 {
		return nil
	}
	return tx.InsertGroupUserCustomProperties(ctx, rows)
}
