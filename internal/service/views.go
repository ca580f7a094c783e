package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chirino/conversation-service/internal/model"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/google/uuid"
)

// checkExist indexes found by id and fails with a NotFoundError naming every requested
// id that is missing.
func checkExist[T any](resource string, ids []string, found []T, idOf func(T) string) (map[string]T, error) {
	byID := make(map[string]T, len(found))
	for _, item := range found {
		byID[idOf(item)] = item
	}
	var missing []string
	for _, id := range uniqueStrings(ids) {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, registrystore.NewNotFound(resource, missing...)
	}
	return byID, nil
}

func idOfGroup(g model.Group) string     { return g.ID }
func idOfMessage(m model.Message) string { return m.ID }

// validateProperties turns a writer's property list into a map, rejecting empty and
// repeated keys.
func validateProperties(field string, props []model.Property) (map[string]string, error) {
	out := make(map[string]string, len(props))
	for _, p := range props {
		key := strings.TrimSpace(p.Key)
		if key == "" {
			return nil, &registrystore.ValidationError{Field: field, Message: "custom property key must not be empty"}
		}
		if _, dup := out[key]; dup {
			return nil, &registrystore.ValidationError{Field: field, Message: fmt.Sprintf("duplicate custom property key %q", key)}
		}
		out[key] = p.Value
	}
	return out, nil
}

func messagePropertyRows(messageID string, props map[string]string) []model.MessageCustomProperty {
	rows := make([]model.MessageCustomProperty, 0, len(props))
	for _, k := range sortedKeys(props) {
		rows = append(rows, model.MessageCustomProperty{ID: uuid.NewString(), MessageID: messageID, Key: k, Value: props[k]})
	}
	return rows
}

func groupPropertyRows(groupID string, props map[string]string) []model.GroupCustomProperty {
	rows := make([]model.GroupCustomProperty, 0, len(props))
	for _, k := range sortedKeys(props) {
		rows = append(rows, model.GroupCustomProperty{ID: uuid.NewString(), GroupID: groupID, Key: k, Value: props[k]})
	}
	return rows
}

func memberPropertyRows(groupUserID string, props map[string]string) []model.GroupUserCustomProperty {
	rows := make([]model.GroupUserCustomProperty, 0, len(props))
	for _, k := range sortedKeys(props) {
		rows = append(rows, model.GroupUserCustomProperty{ID: uuid.NewString(), GroupUserID: groupUserID, Key: k, Value: props[k]})
	}
	return rows
}

func groupPropsByGroup(rows []model.GroupCustomProperty) map[string]map[string]string {
	out := map[string]map[string]string{}
	for _, p := range rows {
		if out[p.GroupID] == nil {
			out[p.GroupID] = map[string]string{}
		}
		out[p.GroupID][p.Key] = p.Value
	}
	return out
}

func memberPropsByMember(rows []model.GroupUserCustomProperty) map[string]map[string]string {
	out := map[string]map[string]string{}
	for _, p := range rows {
		if out[p.GroupUserID] == nil {
			out[p.GroupUserID] = map[string]string{}
		}
		out[p.GroupUserID][p.Key] = p.Value
	}
	return out
}

func messagePropsByMessage(rows []model.MessageCustomProperty) map[string]map[string]string {
	out := map[string]map[string]string{}
	for _, p := range rows {
		if out[p.MessageID] == nil {
			out[p.MessageID] = map[string]string{}
		}
		out[p.MessageID][p.Key] = p.Value
	}
	return out
}

// matchesAll reports whether props carries every pair of filter.
func matchesAll(props, filter map[string]string) bool {
	for k, v := range filter {
		if got, ok := props[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// matchesAny reports whether props carries at least one pair of filter.
func matchesAny(props, filter map[string]string) bool {
	for k, v := range filter {
		if got, ok := props[k]; ok && got == v {
			return true
		}
	}
	return false
}

func toGroupProfile(g model.Group, props map[string]string) *model.GroupProfile {
	if props == nil {
		props = map[string]string{}
	}
	return &model.GroupProfile{
		ID:               g.ID,
		Name:             g.Name,
		Type:             g.Type,
		CreatedBy:        g.CreatedBy,
		CreatedDate:      g.CreatedDate,
		CustomProperties: props,
	}
}

func toMessageView(m model.Message, props map[string]string) model.MessageView {
	if props == nil {
		props = map[string]string{}
	}
	return model.MessageView{Message: m, CustomProperties: props}
}

func membershipGroupIDs(memberships []model.GroupUser) []string {
	ids := make([]string, 0, len(memberships))
	for _, m := range memberships {
		ids = append(ids, m.GroupID)
	}
	return ids
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func uniqueStrings(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// allowList normalizes a caller supplied group id list: an empty list means no restriction.
func allowList(ids []string) []string {
	ids = uniqueStrings(ids)
	if len(ids) == 0 {
		return nil
	}
	return ids
}
