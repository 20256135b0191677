package models

import "time"

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

type Conversation struct {
	ID        string           `json:"id" db:"id"`
	Type      ConversationType `json:"type" db:"type"`
	Name      string           `json:"name,omitempty" db:"name"`
	CreatedBy string           `json:"created_by" db:"created_by"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`

	// DirectKey is the ordered user pair of a direct conversation, empty for groups.
	DirectKey string `json:"-" db:"direct_key"`

	Participants        []Profile  `json:"participants" db:"-"`
	LastMessage         *string    `json:"last_message,omitempty" db:"-"`
	LastMessageAt       *time.Time `json:"last_message_at,omitempty" db:"-"`
	LastMessageSenderID *string    `json:"last_message_sender_id,omitempty" db:"-"`
	UnreadCount         int        `json:"unread_count" db:"-"`
}

// ActivityAt is the time a conversation is ranked by.
func (c *Conversation) ActivityAt() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

type Participant struct {
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	UserID         string    `json:"user_id" db:"user_id"`
	JoinedAt       time.Time `json:"joined_at" db:"joined_at"`
	LastReadAt     time.Time `json:"last_read_at" db:"last_read_at"`
}

// DirectKey orders a user pair so both sides of a direct conversation share one key.
func DirectKey(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + ":" + userB
}
