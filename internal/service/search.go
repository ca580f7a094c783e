package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/chirino/conversation-service/internal/model"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
)

// SearchTerms are the keyword terms of a conversation search.
type SearchTerms struct {
	// Group terms match group custom properties.
	Group map[string]string
	// Message terms match message custom properties. The reserved key model.ContentKey
	// matches the message body.
	Message map[string]string
	// Exact compares whole values and requires every term of a family to match.
	// Otherwise values match as literal substrings and any term of a family suffices.
	Exact bool
}

// Empty reports whether neither family carries a term.
func (t SearchTerms) Empty() bool {
	return len(t.Group) == 0 && len(t.Message) == 0
}

// Search resolves the groups of userID matching terms, restricted to groupType when
// non-zero and to the allow list when one is given. The result is ordered by unread
// count, then by last message time, most recent first.
func (s *Service) Search(ctx context.Context, userID string, terms SearchTerms, groupType int, groupIDs []string) ([]string, error) {
	candidates, err := s.searchCandidates(ctx, userID, terms, groupType, groupIDs)
	if err != nil || len(candidates) == 0 {
		return candidates, err
	}

	unread, err := s.store.CountUnread(ctx, registrystore.UnreadQuery{UserID: userID, GroupIDs: candidates})
	if err != nil {
		return nil, fmt.Errorf("failed to count unread messages: %w", err)
	}
	stats := make(map[string]model.GroupUnread, len(unread))
	for _, row := range unread {
		stats[row.GroupID] = row
	}
	ranked := make([]model.GroupUnread, 0, len(candidates))
	for _, id := range candidates {
		row, ok := stats[id]
		if !ok {
			row = model.GroupUnread{GroupID: id}
		}
		ranked = append(ranked, row)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return rankBefore(ranked[i], ranked[j]) })

	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.GroupID
	}
	return out, nil
}

// searchCandidates returns the unordered groups of userID matching terms within the
// type and allow-list scope.
func (s *Service) searchCandidates(ctx context.Context, userID string, terms SearchTerms, groupType int, groupIDs []string) ([]string, error) {
	memberships, err := s.store.ListMemberships(ctx, userID, allowList(groupIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	scope := membershipGroupIDs(memberships)
	if len(scope) == 0 {
		return []string{}, nil
	}

	if groupType != 0 {
		groups, err := s.store.GetGroups(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to load groups: %w", err)
		}
		scope = scope[:0:0]
		for _, g := range groups {
			if g.Type == groupType {
				scope = append(scope, g.ID)
			}
		}
		if len(scope) == 0 {
			return []string{}, nil
		}
	}

	if terms.Empty() {
		return scope, nil
	}
	candidates, err := s.matchTerms(ctx, terms, scope)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []string{}, nil
	}
	return candidates, nil
}

// matchTerms unions the group family and the message family matches within scope.
func (s *Service) matchTerms(ctx context.Context, terms SearchTerms, scope []string) ([]string, error) {
	var families [][]string
	if len(terms.Group) > 0 {
		ids, err := s.matchFamily(ctx, registrystore.TargetGroupProperty, terms.Group, terms.Exact, scope)
		if err != nil {
			return nil, err
		}
		families = append(families, ids)
	}
	if len(terms.Message) > 0 {
		ids, err := s.matchFamily(ctx, registrystore.TargetMessageProperty, terms.Message, terms.Exact, scope)
		if err != nil {
			return nil, err
		}
		families = append(families, ids)
	}
	return union(families...), nil
}

// matchFamily runs one store match per term and combines them: intersection for exact
// searches, union otherwise.
func (s *Service) matchFamily(ctx context.Context, target registrystore.PropertyTarget, terms map[string]string, exact bool, scope []string) ([]string, error) {
	var sets [][]string
	for _, key := range sortedKeys(terms) {
		m := registrystore.PropertyMatch{
			Target:   target,
			Key:      key,
			Value:    terms[key],
			Exact:    exact,
			GroupIDs: scope,
		}
		if target == registrystore.TargetMessageProperty && key == model.ContentKey {
			m.Target = registrystore.TargetMessageContent
		}
		ids, err := s.store.MatchGroups(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("failed to match %s %q: %w", m.Target, key, err)
		}
		sets = append(sets, ids)
		if exact && len(ids) == 0 {
			return []string{}, nil
		}
	}
	if exact {
		return intersect(sets...), nil
	}
	return union(sets...), nil
}

// rankBefore orders by unread count descending, then last sent time descending (groups
// without messages last), then group id.
func rankBefore(a, b model.GroupUnread) bool {
	if a.UnreadCount != b.UnreadCount {
		return a.UnreadCount > b.UnreadCount
	}
	switch {
	case a.LastSentTime != nil && b.LastSentTime == nil:
		return true
	case a.LastSentTime == nil && b.LastSentTime != nil:
		return false
	case a.LastSentTime != nil && !a.LastSentTime.Equal(*b.LastSentTime):
		return a.LastSentTime.After(*b.LastSentTime)
	}
	return a.GroupID < b.GroupID
}

func union(sets ...[]string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, set := range sets {
		for _, id := range set {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

func intersect(sets ...[]string) []string {
	if len(sets) == 0 {
		return []string{}
	}
	counts := map[string]int{}
	for _, set := range sets {
		for _, id := range uniqueStrings(set) {
			counts[id]++
		}
	}
	out := []string{}
	for id, n := range counts {
		if n == len(sets) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
