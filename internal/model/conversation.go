package model

import "time"

// GroupProfile is a group together with its custom properties.
type GroupProfile struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Type             int               `json:"type"`
	CreatedBy        string            `json:"createdBy"`
	CreatedDate      time.Time         `json:"createdDate"`
	CustomProperties map[string]string `json:"customProperties"`
}

// MessageView is a message together with its custom properties.
type MessageView struct {
	Message
	CustomProperties map[string]string `json:"customProperties"`
}

// Conversation is a group seen from one user's perspective. It is derived on every
// read and never persisted.
type Conversation struct {
	ConversationID      string        `json:"conversationId"`
	UnreadCount         int           `json:"unreadCount"`
	LastMessage         *MessageView  `json:"lastMessage,omitempty"`
	LastMessageSentTime *time.Time    `json:"lastMessageSentTime,omitempty"`
	GroupProfile        *GroupProfile `json:"groupProfile"`
}

// GroupUnread is the unread tally of one group for one user.
type GroupUnread struct {
	GroupID      string     `json:"groupId"`
	UnreadCount  int        `json:"unreadCount"`
	LastSentTime *time.Time `json:"lastSentTime,omitempty"`
}

// PageSettings selects a 1-based page of a listing. A PageSize of zero returns the
// whole listing. Conversations without unread messages are listed only when
// IncludeZeroUnread is set.
type PageSettings struct {
	PageNum           int  `json:"pageNum"`
	PageSize          int  `json:"pageSize"`
	IncludeZeroUnread bool `json:"includeZeroUnread"`
}

// Paged is one page of a listing plus the size of the whole listing.
type Paged[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
}

// Property is one custom-property key/value pair as supplied by a writer. Writers send
// lists so that a repeated key can be rejected instead of silently collapsed.
type Property struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
