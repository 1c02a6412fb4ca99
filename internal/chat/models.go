package chat

import (
	"time"

	"gorm.io/datatypes"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

type Session struct {
	ID        string    `gorm:"primaryKey;type:varchar(26)" json:"id"`
	Title     string    `gorm:"type:varchar(255);not null;default:''" json:"title"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;index;autoUpdateTime:false" json:"updated_at"`

	// MessageCount is the next orderIndex to hand out; bumped in the same
	// transaction as every message insert.
	MessageCount int `gorm:"not null;default:0" json:"-"`
}

func (Session) TableName() string { return "chat_sessions" }

// Message is the persisted row. Whether it is still streaming lives in the
// coordinator, see MessageView.
type Message struct {
	ID         string         `gorm:"primaryKey;type:varchar(26)" json:"id"`
	SessionID  string         `gorm:"type:varchar(26);not null;index:uniq_chat_msg_session_order,unique,priority:1" json:"session_id"`
	Role       Role           `gorm:"type:varchar(16);not null" json:"role"`
	Content    string         `gorm:"type:text;not null" json:"content"`
	CreatedAt  time.Time      `gorm:"not null;autoCreateTime:false" json:"created_at"`
	OrderIndex int            `gorm:"not null;index:uniq_chat_msg_session_order,unique,priority:2" json:"order_index"`
	Meta       datatypes.JSON `json:"meta,omitempty"`
}

func (Message) TableName() string { return "chat_messages" }

// MessageView is a Message merged with its transient turn state.
type MessageView struct {
	Message
	Streaming bool `json:"streaming"`
}
