package service

import (
	"context"
	"fmt"

	"github.com/chirino/conversation-service/internal/model"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
)

// UnreadFilters narrows which groups and messages take part in an unread tally.
type UnreadFilters struct {
	// GroupCustomProperties keeps groups carrying all of these pairs.
	GroupCustomProperties map[string]string `json:"groupCustomProperties,omitempty"`
	// MemberCustomProperties keeps groups where the caller's membership carries all of these pairs.
	MemberCustomProperties map[string]string `json:"memberCustomProperties,omitempty"`
	// ExcludeMessageCustomProperties drops messages carrying any of these pairs from the count.
	ExcludeMessageCustomProperties map[string]string `json:"excludeMessageCustomProperties,omitempty"`
}

// ComputeUnread returns the unread tally of every group in groupIDs that the user is a
// member of and that survives the filters, together with the sum over those groups.
// Groups without unread messages are present with a zero count. Groups the user is not
// a member of contribute nothing and their messages are never counted.
func (s *Service) ComputeUnread(ctx context.Context, userID string, groupIDs []string, f UnreadFilters) (map[string]model.GroupUnread, int, error) {
	result := map[string]model.GroupUnread{}
	groupIDs = uniqueStrings(groupIDs)
	if len(groupIDs) == 0 {
		return result, 0, nil
	}
	return s.computeUnread(ctx, s.store, userID, groupIDs, f)
}

func (s *Service) computeUnread(ctx context.Context, ops registrystore.Ops, userID string, groupIDs []string, f UnreadFilters) (map[string]model.GroupUnread, int, error) {
	result := map[string]model.GroupUnread{}

	memberships, err := ops.ListMemberships(ctx, userID, groupIDs)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list memberships: %w", err)
	}
	memberships, err = filterMemberships(ctx, ops, memberships, f.GroupCustomProperties, f.MemberCustomProperties)
	if err != nil {
		return nil, 0, err
	}
	if len(memberships) == 0 {
		return result, 0, nil
	}

	ids := membershipGroupIDs(memberships)
	for _, id := range ids {
		result[id] = model.GroupUnread{GroupID: id}
	}
	rows, err := ops.CountUnread(ctx, registrystore.UnreadQuery{
		UserID:                   userID,
		GroupIDs:                 ids,
		ExcludeMessageProperties: f.ExcludeMessageCustomProperties,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	total := 0
	for _, row := range rows {
		if _, ok := result[row.GroupID]; !ok {
			continue
		}
		result[row.GroupID] = row
		total += row.UnreadCount
	}
	return result, total, nil
}

// filterMemberships keeps memberships whose group carries all groupFilter pairs and
// whose own custom properties carry all memberFilter pairs.
func filterMemberships(ctx context.Context, ops registrystore.Ops, memberships []model.GroupUser, groupFilter, memberFilter map[string]string) ([]model.GroupUser, error) {
	if len(memberships) > 0 && len(groupFilter) > 0 {
		rows, err := ops.GetGroupCustomProperties(ctx, membershipGroupIDs(memberships))
		if err != nil {
			return nil, fmt.Errorf("failed to load group custom properties: %w", err)
		}
		props := groupPropsByGroup(rows)
		kept := memberships[:0:0]
		for _, m := range memberships {
			if matchesAll(props[m.GroupID], groupFilter) {
				kept = append(kept, m)
			}
		}
		memberships = kept
	}
	if len(memberships) > 0 && len(memberFilter) > 0 {
		memberIDs := make([]string, 0, len(memberships))
		for _, m := range memberships {
			memberIDs = append(memberIDs, m.ID)
		}
		rows, err := ops.GetGroupUserCustomProperties(ctx, memberIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to load membership custom properties: %w", err)
		}
		props := memberPropsByMember(rows)
		kept := memberships[:0:0]
		for _, m := range memberships {
			if matchesAll(props[m.ID], memberFilter) {
				kept = append(kept, m)
			}
		}
		memberships = kept
	}
	return memberships, nil
}
