package models

import "time"

type Message struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	SenderID       string    `json:"sender_id" db:"sender_id"`
	Content        string    `json:"content" db:"content"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`

	Sender *Profile `json:"sender,omitempty" db:"-"`
	// Local marks a message that only exists in memory for a local conversation.
	Local bool `json:"local,omitempty" db:"-"`
}
