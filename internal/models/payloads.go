package models

import (
	"encoding/json"
	"errors"
	"time"
)

var errMissingUserID = errors.New("payload: missing user_id")

// TypingPayload is published on typing:<conversation_id> with event "typing".
type TypingPayload struct {
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
}

func ParseTypingPayload(raw json.RawMessage) (TypingPayload, error) {
	var p TypingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, err
	}
	if p.UserID == "" {
		return p, errMissingUserID
	}
	return p, nil
}

// PresencePayload is tracked on the online-users channel, keyed by user id.
type PresencePayload struct {
	UserID   string    `json:"user_id"`
	OnlineAt time.Time `json:"online_at"`
}

func ParsePresencePayload(raw json.RawMessage) (PresencePayload, error) {
	var p PresencePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, err
	}
	if p.UserID == "" {
		return p, errMissingUserID
	}
	return p, nil
}

// ParseInsertPayload decodes a messages row delivered by a change subscription.
func ParseInsertPayload(raw json.RawMessage) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, err
	}
	if m.ID == "" || m.ConversationID == "" {
		return m, errors.New("payload: insert row missing id or conversation_id")
	}
	return m, nil
}
