// Package transport defines the backend capabilities the messaging core consumes:
// a relational store and a realtime service with change, broadcast and presence
// channels. Implementations live in database, realtime and transport/memory.
package transport

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/umar/bonded-messaging/internal/models"
)

// Store is the row-level-secured relational store. Implementations report a missing
// backing table with an apperr.CodeTableMissing error.
type Store interface {
	ListMemberships(ctx context.Context, userID string) ([]models.Participant, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// LatestMessage returns nil, nil when the conversation has no messages.
	LatestMessage(ctx context.Context, conversationID string) (*models.Message, error)
	ListParticipantProfiles(ctx context.Context, conversationID, excludeUserID string) ([]models.Profile, error)
	CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (int, error)
	UpdateLastRead(ctx context.Context, conversationID, userID string, at time.Time) error

	// FindDirectConversation returns "" when the pair has no direct conversation.
	FindDirectConversation(ctx context.Context, userA, userB string) (string, error)
	// CreateConversation fills in ID and CreatedAt. Creating a direct conversation whose
	// DirectKey already exists returns the existing row.
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	AddParticipants(ctx context.Context, conversationID string, userIDs []string) error

	// ListMessages returns up to limit messages ordered before the cursor, newest first.
	// A zero cursor means no upper bound.
	ListMessages(ctx context.Context, conversationID string, before Cursor, limit int) ([]models.Message, error)
	InsertMessage(ctx context.Context, conversationID, senderID, content string) (*models.Message, error)

	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
}

// Cursor is a position in a conversation's (created_at, id) order. Messages sharing a
// timestamp are ordered by id.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func CursorOf(m models.Message) Cursor { return Cursor{CreatedAt: m.CreatedAt, ID: m.ID} }

func (c Cursor) IsZero() bool { return c.CreatedAt.IsZero() }

// Before reports whether m sorts strictly before the cursor.
func (c Cursor) Before(m models.Message) bool {
	if c.IsZero() {
		return true
	}
	if !m.CreatedAt.Equal(c.CreatedAt) {
		return m.CreatedAt.Before(c.CreatedAt)
	}
	return c.ID != "" && m.ID < c.ID
}

// Subscription is a live channel. Unsubscribe stops future delivery only.
type Subscription interface {
	Unsubscribe() error
}

type BroadcastChannel interface {
	Subscription
	Send(ctx context.Context, event string, payload any) error
}

type PresenceChannel interface {
	Subscription
	Track(ctx context.Context, payload any) error
}

type PresenceEventKind string

const (
	PresenceSync  PresenceEventKind = "sync"
	PresenceJoin  PresenceEventKind = "join"
	PresenceLeave PresenceEventKind = "leave"
)

// PresenceEvent carries the affected presence keys and their tracked payloads.
// For PresenceSync, Keys is the full current state.
type PresenceEvent struct {
	Kind     PresenceEventKind
	Keys     []string
	Payloads map[string]json.RawMessage
}

type (
	InsertHandler    func(models.Message)
	BroadcastHandler func(event string, payload json.RawMessage)
	PresenceHandler  func(PresenceEvent)
)

// Realtime subscribe calls return once the backend has confirmed the subscription.
type Realtime interface {
	SubscribeInserts(ctx context.Context, conversationID string, fn InsertHandler) (Subscription, error)
	// JoinBroadcast joins topic; fn may be nil for publish-only channels. A channel never
	// receives its own broadcasts.
	JoinBroadcast(ctx context.Context, topic string, fn BroadcastHandler) (BroadcastChannel, error)
	JoinPresence(ctx context.Context, topic, key string, fn PresenceHandler) (PresenceChannel, error)
}

// Topic names shared by the client and the gateway.
const (
	PresenceTopic  = "online-users"
	TypingEvent    = "typing"
	InsertEvent    = "INSERT"
	typingPrefix   = "typing:"
	messagesPrefix = "messages:"
)

func TypingTopic(conversationID string) string   { return typingPrefix + conversationID }
func MessagesTopic(conversationID string) string { return messagesPrefix + conversationID }

// ConversationOfTopic extracts the conversation id of a typing: or messages: topic.
func ConversationOfTopic(topic string) (string, bool) {
	for _, p := range []string{typingPrefix, messagesPrefix} {
		if id, ok := strings.CutPrefix(topic, p); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

func IsMessagesTopic(topic string) bool {
	return strings.HasPrefix(topic, messagesPrefix) && len(topic) > len(messagesPrefix)
}
