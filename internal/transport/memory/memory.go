// Package memory is an in-process backend implementing transport.Store and
// transport.Realtime. It backs the offline mode of chatctl and the messaging tests.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/umar/bonded-messaging/internal/apperr"
	"github.com/umar/bonded-messaging/internal/models"
	"github.com/umar/bonded-messaging/internal/transport"
)

// Operation names accepted by FailOn.
const (
	OpListMemberships    = "ListMemberships"
	OpGetConversation    = "GetConversation"
	OpLatestMessage      = "LatestMessage"
	OpParticipants       = "ListParticipantProfiles"
	OpCountUnread        = "CountUnread"
	OpUpdateLastRead     = "UpdateLastRead"
	OpFindDirect         = "FindDirectConversation"
	OpCreateConversation = "CreateConversation"
	OpAddParticipants    = "AddParticipants"
	OpListMessages       = "ListMessages"
	OpInsertMessage      = "InsertMessage"
	OpGetProfile         = "GetProfile"
)

type Backend struct {
	clock clockwork.Clock

	mu            sync.Mutex
	profiles      map[string]models.Profile
	conversations map[string]*models.Conversation
	participants  map[string]map[string]*models.Participant // conversation -> user -> row
	messages      map[string][]models.Message
	failures      map[string]error
	tablesMissing bool
	inserts       int

	topics   map[string]map[*channel]struct{}
	presence map[string]map[string]json.RawMessage // topic -> key -> payload
}

func New(clock clockwork.Clock) *Backend {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Backend{
		clock:         clock,
		profiles:      make(map[string]models.Profile),
		conversations: make(map[string]*models.Conversation),
		participants:  make(map[string]map[string]*models.Participant),
		messages:      make(map[string][]models.Message),
		failures:      make(map[string]error),
		topics:        make(map[string]map[*channel]struct{}),
		presence:      make(map[string]map[string]json.RawMessage),
	}
}

// --- test and seeding helpers ---

func (b *Backend) AddProfile(p models.Profile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profiles[p.ID] = p
}

// FailOn makes every call of op return err until cleared with a nil err.
func (b *Backend) FailOn(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

// DropTables makes every store call fail with a table-missing error.
func (b *Backend) DropTables() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tablesMissing = true
}

// Inserts counts InsertMessage calls, failed ones included.
func (b *Backend) Inserts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inserts
}

func (b *Backend) ConversationCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conversations)
}

func (b *Backend) ParticipantCount(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.participants[conversationID])
}

// InjectMessage stores msg as-is and fans it out to insert subscribers, the way a row
// written by another client would arrive.
func (b *Backend) InjectMessage(msg models.Message) models.Message {
	b.mu.Lock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	b.messages[msg.ConversationID] = append(b.messages[msg.ConversationID], msg)
	subs := b.subscribersLocked(transport.MessagesTopic(msg.ConversationID))
	b.mu.Unlock()

	for _, c := range subs {
		c.deliverInsert(msg)
	}
	return msg
}

func (b *Backend) check(op string) error {
	if b.tablesMissing {
		return apperr.TableMissing(nil)
	}
	if err, ok := b.failures[op]; ok {
		return err
	}
	return nil
}

// --- transport.Store ---

func (b *Backend) ListMemberships(ctx context.Context, userID string) ([]models.Participant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(OpListMemberships); err != nil {
		return nil, err
	}
	var out []models.Participant
	for _, members := range b.participants {
		if p, ok := members[userID]; ok {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

func (b *Backend) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(OpGetConversation); err != nil {
		return nil, err
	}
	c, ok := b.conversations[id]
	if !ok {
		return nil, apperr.NotFound("conversation not found")
	}
	cp := *c
	return &cp, nil
}

func (b *Backend) LatestMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(OpLatestMessage); err != nil {
		return nil, err
	}
	var latest *models.Message
	for i := range b.messages[conversationID] {
		m := b.messages[conversationID][i]
		if latest == nil || !m.CreatedAt.Before(latest.CreatedAt) {
			latest = &m
		}
	}
	return latest, nil
}

func (b *Backend) ListParticipantProfiles(ctx context.Context, conversationID, excludeUserID string) ([]models.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(OpParticipants); err != nil {
		return nil, err
	}
	var out []models.Profile
	for userID := range b.participants[conversationID] {
		if userID == excludeUserID {
			continue
		}
		p, ok := b.profiles[userID]
		if !ok {
			p = models.Profile{ID: userID}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(OpCountUnread); err != nil {
		return 0, err
	}
	n := 0
	for _, m := range b.messages[conversationID] {
		if m.SenderID != userID && m.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (b *Backend) UpdateLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(OpUpdateLastRead); err != nil {
		return err
	}
	p, ok := b.participants[conversationID][userID]
	if !ok {
		return apperr.NotFound("participant not found")
	}
	p.LastReadAt = at
	return nil
}

func (b *Backend) FindDirectConversation(ctx context.Context, userA, userB string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(OpFindDirect); err != nil {
		return "", err
	}
	key := models.DirectKey(userA, userB)
	for id, c := range b.conversations {
		if c.Type == models.ConversationDirect && c.DirectKey == key {
			return id, nil
		}
	}
	return "", nil
}

func (b *Backend) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(OpCreateConversation); err != nil {
		return err
	}
	if conv.DirectKey != "" {
		for _, c := range b.conversations {
			if c.DirectKey == conv.DirectKey {
				*conv = *c
				return nil
			}
		}
	}
	conv.ID = uuid.NewString()
	conv.CreatedAt = b.clock.Now()
	stored := *conv
	b.conversations[conv.ID] = &stored
	return nil
}

func (b *Backend) AddParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(OpAddParticipants); err != nil {
		return err
	}
	if _, ok := b.conversations[conversationID]; !ok {
		return apperr.NotFound("conversation not found")
	}
	members, ok := b.participants[conversationID]
	if !ok {
		members = make(map[string]*models.Participant)
		b.participants[conversationID] = members
	}
	now := b.clock.Now()
	for _, id := range userIDs {
		if _, exists := members[id]; exists {
			continue
		}
		members[id] = &models.Participant{ConversationID: conversationID, UserID: id, JoinedAt: now, LastReadAt: now}
	}
	return nil
}

func (b *Backend) ListMessages(ctx context.Context, conversationID string, before transport.Cursor, limit int) ([]models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(OpListMessages); err != nil {
		return nil, err
	}
	var out []models.Message
	for _, m := range b.messages[conversationID] {
		if before.Before(m) {
			if prof, ok := b.profiles[m.SenderID]; ok {
				m.Sender = &prof
			}
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *Backend) InsertMessage(ctx context.Context, conversationID, senderID, content string) (*models.Message, error) {
	b.mu.Lock()
	b.inserts++
	if err := b.check(OpInsertMessage); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if _, ok := b.participants[conversationID][senderID]; !ok {
		b.mu.Unlock()
		return nil, apperr.Forbidden("not a participant of this conversation")
	}
	b.mu.Unlock()

	msg := b.InjectMessage(models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      b.clock.Now(),
	})
	return &msg, nil
}

func (b *Backend) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(OpGetProfile); err != nil {
		return nil, err
	}
	p, ok := b.profiles[userID]
	if !ok {
		return nil, apperr.NotFound("profile not found")
	}
	return &p, nil
}
