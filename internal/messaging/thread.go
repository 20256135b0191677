package messaging

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/umar/bonded-messaging/internal/apperr"
	"github.com/umar/bonded-messaging/internal/models"
	"github.com/umar/bonded-messaging/internal/moderation"
	"github.com/umar/bonded-messaging/internal/transport"
)

const DefaultPageSize = 50

const defaultBlockReason = "Message blocked by moderation"

// SendResult is the outcome of Thread.Send. A blocked send creates nothing.
type SendResult struct {
	Message *models.Message
	Blocked bool
	Reason  string
}

// Thread is the ordered message list of one conversation, kept live by a change
// subscription. Messages are ordered by CreatedAt and unique by ID.
type Thread struct {
	conversationID string
	userID         string
	store          transport.Store
	subs           *Subscriptions
	gate           moderation.Gate
	profiles       *profileCache
	clock          clockwork.Clock
	logger         *zap.Logger
	onMerge        func(models.Message)

	mu        sync.RWMutex
	messages  []models.Message
	ids       map[string]struct{}
	hasMore   bool
	listeners []func([]models.Message)
}

type threadDeps struct {
	userID   string
	store    transport.Store
	subs     *Subscriptions
	gate     moderation.Gate
	profiles *profileCache
	clock    clockwork.Clock
	logger   *zap.Logger
	onMerge  func(models.Message)
}

func newThread(conversationID string, deps threadDeps) *Thread {
	return &Thread{
		conversationID: conversationID,
		userID:         deps.userID,
		store:          deps.store,
		subs:           deps.subs,
		gate:           deps.gate,
		profiles:       deps.profiles,
		clock:          deps.clock,
		logger:         deps.logger.Named("thread").With(zap.String("conversation_id", conversationID)),
		onMerge:        deps.onMerge,
		ids:            make(map[string]struct{}),
	}
}

func (t *Thread) ConversationID() string { return t.conversationID }

// Load replaces the list with the newest pageSize messages and subscribes to inserts.
// Local conversations are reset to empty without touching the network. If the
// subscription cannot be established the load fails.
func (t *Thread) Load(ctx context.Context, pageSize int) error {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	t.reset()
	if IsLocalID(t.conversationID) {
		return nil
	}

	// Subscribe before fetching so nothing inserted in between is missed; the
	// overlap is removed by id.
	if err := t.subs.WatchMessages(ctx, t.conversationID, t.handleInsert); err != nil {
		return errors.Wrap(err, "subscribe to messages")
	}

	page, err := t.store.ListMessages(ctx, t.conversationID, transport.Cursor{}, pageSize)
	if err != nil {
		t.subs.UnwatchMessages(t.conversationID)
		if apperr.IsTableMissing(err) {
			t.logger.Info("messages table missing, thread is empty")
			return nil
		}
		return errors.Wrap(err, "load messages")
	}

	t.mergePage(page, pageSize)
	t.logger.Debug("messages loaded", zap.Int("count", len(page)))
	return nil
}

// LoadOlder prepends the page before the oldest loaded message. It reports whether
// older pages may remain.
func (t *Thread) LoadOlder(ctx context.Context, pageSize int) (bool, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if IsLocalID(t.conversationID) {
		return false, nil
	}

	t.mu.RLock()
	if len(t.messages) == 0 {
		t.mu.RUnlock()
		return false, nil
	}
	oldest := transport.CursorOf(t.messages[0])
	t.mu.RUnlock()

	page, err := t.store.ListMessages(ctx, t.conversationID, oldest, pageSize)
	if err != nil {
		return false, errors.Wrap(err, "load older messages")
	}
	return t.mergePage(page, pageSize), nil
}

// mergePage merges a newest-first page and returns whether it was full.
func (t *Thread) mergePage(page []models.Message, pageSize int) bool {
	slices.Reverse(page)
	for _, m := range page {
		t.merge(m, false)
	}
	more := len(page) == pageSize
	t.mu.Lock()
	t.hasMore = more
	t.mu.Unlock()
	t.notify()
	return more
}

// Send validates content, runs it through the moderation gate and persists it. A gate
// failure does not block the send.
func (t *Thread) Send(ctx context.Context, content string) (SendResult, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return SendResult{}, apperr.InvalidArg("message content is empty")
	}

	if t.gate != nil {
		verdict, err := t.gate.Check(ctx, text)
		switch {
		case err != nil:
			t.logger.Warn("moderation check failed, sending anyway", zap.Error(err))
		case !verdict.Allowed:
			reason := verdict.Reason
			if reason == "" {
				reason = defaultBlockReason
			}
			t.logger.Info("message blocked by moderation")
			return SendResult{Blocked: true, Reason: reason}, nil
		}
	}

	if IsLocalID(t.conversationID) {
		msg := models.Message{
			ID:             localMessageID(),
			ConversationID: t.conversationID,
			SenderID:       t.userID,
			Content:        text,
			CreatedAt:      t.clock.Now(),
			Local:          true,
		}
		msg.Sender = t.profiles.Get(ctx, t.userID)
		t.merge(msg, true)
		return SendResult{Message: &msg}, nil
	}

	msg, err := t.store.InsertMessage(ctx, t.conversationID, t.userID, text)
	if err != nil {
		return SendResult{}, errors.Wrap(err, "send message")
	}
	if msg.Sender == nil {
		msg.Sender = t.profiles.Get(ctx, msg.SenderID)
	}
	t.merge(*msg, true)
	return SendResult{Message: msg}, nil
}

func (t *Thread) handleInsert(msg models.Message) {
	if msg.ConversationID != t.conversationID || t.has(msg.ID) {
		return
	}
	if msg.Sender == nil {
		msg.Sender = t.profiles.Get(context.Background(), msg.SenderID)
	}
	t.merge(msg, true)
}

func (t *Thread) has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.ids[id]
	return ok
}

// merge inserts msg in (created_at, id) order. Messages already in the list are
// ignored.
func (t *Thread) merge(msg models.Message, notify bool) bool {
	t.mu.Lock()
	if _, dup := t.ids[msg.ID]; dup {
		t.mu.Unlock()
		return false
	}
	i := sort.Search(len(t.messages), func(i int) bool {
		m := t.messages[i]
		if m.CreatedAt.Equal(msg.CreatedAt) {
			return m.ID > msg.ID
		}
		return m.CreatedAt.After(msg.CreatedAt)
	})
	t.messages = slices.Insert(t.messages, i, msg)
	t.ids[msg.ID] = struct{}{}
	t.mu.Unlock()

	if notify {
		t.notify()
		if t.onMerge != nil {
			t.onMerge(msg)
		}
	}
	return true
}

func (t *Thread) reset() {
	t.mu.Lock()
	t.messages = nil
	t.ids = make(map[string]struct{})
	t.hasMore = false
	t.mu.Unlock()
	t.notify()
}

// Messages returns a copy of the list in display order.
func (t *Thread) Messages() []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.messages)
}

func (t *Thread) HasMore() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hasMore
}

// OnChange registers fn to receive a snapshot after every change to the list.
func (t *Thread) OnChange(fn func([]models.Message)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *Thread) notify() {
	t.mu.RLock()
	if len(t.listeners) == 0 {
		t.mu.RUnlock()
		return
	}
	snapshot := slices.Clone(t.messages)
	listeners := slices.Clone(t.listeners)
	t.mu.RUnlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}
