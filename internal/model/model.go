package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageType tags the kind of content a message carries.
type MessageType int

const (
	MessageTypeText  MessageType = 0
	MessageTypeImage MessageType = 1
	MessageTypeFile  MessageType = 2
	MessageTypeAudio MessageType = 3
	MessageTypeVideo MessageType = 4
)

// ContentKey is the reserved search key that matches the message body instead of a custom property.
const ContentKey = "Content"

// Group is a conversation container. Users join it through GroupUser memberships.
type Group struct {
	ID          string    `json:"id"          gorm:"primaryKey"`
	Name        string    `json:"name"        gorm:"not null;default:''"`
	Type        int       `json:"type"        gorm:"not null;default:0;index"`
	CreatedBy   string    `json:"createdBy"   gorm:"not null;default:''"`
	CreatedDate time.Time `json:"createdDate" gorm:"not null;default:now()"`
}

func (Group) TableName() string { return "groups" }

// GroupCustomProperty is an open-ended key/value annotation on a group.
type GroupCustomProperty struct {
	ID      string `json:"id"      gorm:"primaryKey"`
	GroupID string `json:"groupId" gorm:"not null;index"`
	Key     string `json:"key"     gorm:"not null"`
	Value   string `json:"value"   gorm:"not null"`
}

func (GroupCustomProperty) TableName() string { return "group_custom_properties" }

// GroupUser is a user's membership in a group. UnreadCount is only ever incremented by
// message fan-out and reset by mark-read.
type GroupUser struct {
	ID           string     `json:"id"                     gorm:"primaryKey"`
	UserID       string     `json:"userId"                 gorm:"not null;uniqueIndex:ux_group_users_user_group,priority:1"`
	GroupID      string     `json:"groupId"                gorm:"not null;uniqueIndex:ux_group_users_user_group,priority:2;index"`
	UnreadCount  int        `json:"unreadCount"            gorm:"not null;default:0"`
	LastReadTime *time.Time `json:"lastReadTime,omitempty"`
	IsMaster     bool       `json:"isMaster"               gorm:"not null;default:false"`
	IsAdmin      bool       `json:"isAdmin"                gorm:"not null;default:false"`
	CreatedDate  time.Time  `json:"createdDate"            gorm:"not null;default:now()"`
}

func (GroupUser) TableName() string { return "group_users" }

// GroupUserCustomProperty is a key/value annotation on a membership (for example a mute flag).
type GroupUserCustomProperty struct {
	ID          string `json:"id"          gorm:"primaryKey"`
	GroupUserID string `json:"groupUserId" gorm:"not null;index"`
	Key         string `json:"key"         gorm:"not null"`
	Value       string `json:"value"       gorm:"not null"`
}

func (GroupUserCustomProperty) TableName() string { return "group_user_custom_properties" }

// Message is a single chat message. Once revoked only the revoked flag changes.
type Message struct {
	ID          string      `json:"id"          gorm:"primaryKey"`
	GroupID     string      `json:"groupId"     gorm:"not null;index:ix_messages_group_sent,priority:1"`
	Content     string      `json:"content"     gorm:"not null;default:''"`
	Type        MessageType `json:"type"        gorm:"not null;default:0"`
	SentBy      string      `json:"sentBy"      gorm:"not null"`
	SentTime    time.Time   `json:"sentTime"    gorm:"not null;index:ix_messages_group_sent,priority:2"`
	CreatedBy   string      `json:"createdBy"   gorm:"not null;default:''"`
	CreatedDate time.Time   `json:"createdDate" gorm:"not null;default:now()"`
	IsRevoked   bool        `json:"isRevoked"   gorm:"not null;default:false"`
	IsSystem    bool        `json:"isSystem"    gorm:"not null;default:false"`
	Payload     string      `json:"payload"     gorm:"not null;default:''"`
}

func (Message) TableName() string { return "messages" }

// MessageCustomProperty is a key/value annotation on a message.
type MessageCustomProperty struct {
	ID        string `json:"id"        gorm:"primaryKey"`
	MessageID string `json:"messageId" gorm:"not null;index"`
	Key       string `json:"key"       gorm:"not null"`
	Value     string `json:"value"     gorm:"not null"`
}

func (MessageCustomProperty) TableName() string { return "message_custom_properties" }

// Task represents a background task in the outbox queue.
type Task struct {
	ID         uuid.UUID              `json:"id"                  gorm:"primaryKey;type:uuid"`
	TaskType   string                 `json:"taskType"            gorm:"not null"`
	TaskBody   map[string]interface{} `json:"taskBody"            gorm:"type:jsonb;serializer:json;not null"`
	CreatedAt  time.Time              `json:"createdAt"           gorm:"not null;default:now()"`
	RetryAt    time.Time              `json:"retryAt"             gorm:"not null;default:now()"`
	LastError  *string                `json:"lastError,omitempty"`
	RetryCount int                    `json:"retryCount"          gorm:"not null;default:0"`
}

func (Task) TableName() string { return "tasks" }
