package messaging

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/umar/bonded-messaging/internal/apperr"
	"github.com/umar/bonded-messaging/internal/models"
	"github.com/umar/bonded-messaging/internal/transport"
)

const (
	defaultEnrichmentConcurrency = 8
	createTimeout                = 10 * time.Second
)

// Directory is the ranked list of conversations the user participates in.
type Directory struct {
	store       transport.Store
	userID      string
	clock       clockwork.Clock
	logger      *zap.Logger
	concurrency int

	creates singleflight.Group

	mu            sync.RWMutex
	conversations []models.Conversation
}

func NewDirectory(store transport.Store, userID string, clock clockwork.Clock, logger *zap.Logger, concurrency int) *Directory {
	if concurrency <= 0 {
		concurrency = defaultEnrichmentConcurrency
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Directory{
		store:       store,
		userID:      userID,
		clock:       clock,
		logger:      logger.Named("directory"),
		concurrency: concurrency,
	}
}

// Load fetches the user's conversations with preview, participants and unread count,
// most recently active first. Only a failure listing memberships is returned; per
// conversation lookups that fail leave their fields at zero values.
func (d *Directory) Load(ctx context.Context) ([]models.Conversation, error) {
	memberships, err := d.store.ListMemberships(ctx, d.userID)
	if err != nil {
		if apperr.IsTableMissing(err) {
			d.logger.Info("conversation tables missing, directory is empty")
			d.set(nil)
			return nil, nil
		}
		return nil, errors.Wrap(err, "directory.Load")
	}

	resolved := make([]*models.Conversation, len(memberships))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, m := range memberships {
		g.Go(func() error {
			resolved[i] = d.enrich(ctx, m)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]models.Conversation, 0, len(resolved))
	for _, c := range resolved {
		if c != nil {
			out = append(out, *c)
		}
	}
	rank(out)
	d.set(out)

	d.logger.Debug("conversations loaded", zap.Int("count", len(out)))
	return d.Conversations(), nil
}

func (d *Directory) enrich(ctx context.Context, m models.Participant) *models.Conversation {
	log := d.logger.With(zap.String("conversation_id", m.ConversationID))

	conv, err := d.store.GetConversation(ctx, m.ConversationID)
	if err != nil {
		log.Warn("failed to resolve conversation", zap.Error(err))
		return nil
	}

	last, err := d.store.LatestMessage(ctx, conv.ID)
	switch {
	case err != nil:
		log.Warn("failed to load last message", zap.Error(err))
	case last != nil:
		conv.LastMessage = &last.Content
		conv.LastMessageAt = &last.CreatedAt
		conv.LastMessageSenderID = &last.SenderID
	}

	if participants, err := d.store.ListParticipantProfiles(ctx, conv.ID, d.userID); err != nil {
		log.Warn("failed to load participants", zap.Error(err))
	} else {
		conv.Participants = participants
	}

	if unread, err := d.store.CountUnread(ctx, conv.ID, d.userID, m.LastReadAt); err != nil {
		log.Warn("failed to count unread messages", zap.Error(err))
	} else {
		conv.UnreadCount = unread
	}
	return conv
}

// GetOrCreateConversation returns the direct conversation with otherUserID, creating it
// with both participant rows when none exists. When the conversation tables are
// missing it returns LocalDirectID instead.
func (d *Directory) GetOrCreateConversation(ctx context.Context, otherUserID string) (string, error) {
	if otherUserID == "" || otherUserID == d.userID {
		return "", apperr.InvalidArg("a direct conversation needs another user")
	}
	// The call is shared between callers, so one caller going away must not fail the rest.
	v, err, _ := d.creates.Do(models.DirectKey(d.userID, otherUserID), func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), createTimeout)
		defer cancel()
		return d.getOrCreateDirect(shared, otherUserID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (d *Directory) getOrCreateDirect(ctx context.Context, otherUserID string) (string, error) {
	log := d.logger.With(zap.String("other_user_id", otherUserID))

	id, err := d.store.FindDirectConversation(ctx, d.userID, otherUserID)
	if err != nil {
		if apperr.IsTableMissing(err) {
			log.Info("conversation tables missing, using local conversation")
			return LocalDirectID(d.userID, otherUserID), nil
		}
		return "", errors.Wrap(err, "find direct conversation")
	}
	if id != "" {
		return id, nil
	}

	conv := &models.Conversation{
		Type:      models.ConversationDirect,
		CreatedBy: d.userID,
		DirectKey: models.DirectKey(d.userID, otherUserID),
	}
	if err := d.store.CreateConversation(ctx, conv); err != nil {
		if apperr.IsTableMissing(err) {
			log.Info("conversation tables missing, using local conversation")
			return LocalDirectID(d.userID, otherUserID), nil
		}
		return "", errors.Wrap(err, "create direct conversation")
	}
	if err := d.store.AddParticipants(ctx, conv.ID, []string{d.userID, otherUserID}); err != nil {
		return "", errors.Wrap(err, "add direct participants")
	}

	log.Info("direct conversation created", zap.String("conversation_id", conv.ID))
	return conv.ID, nil
}

// CreateGroupConversation creates a named group. The creator is always a participant
// and duplicate ids are ignored.
func (d *Directory) CreateGroupConversation(ctx context.Context, participantIDs []string, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.InvalidArg("group name is required")
	}

	members := []string{d.userID}
	seen := map[string]struct{}{d.userID: {}}
	for _, id := range participantIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}

	conv := &models.Conversation{Type: models.ConversationGroup, Name: name, CreatedBy: d.userID}
	if err := d.store.CreateConversation(ctx, conv); err != nil {
		if apperr.IsTableMissing(err) {
			d.logger.Info("conversation tables missing, using local group")
			return localGroupID(), nil
		}
		return "", errors.Wrap(err, "create group conversation")
	}
	if err := d.store.AddParticipants(ctx, conv.ID, members); err != nil {
		return "", errors.Wrap(err, "add group participants")
	}

	d.logger.Info("group conversation created",
		zap.String("conversation_id", conv.ID),
		zap.Int("participants", len(members)))
	return conv.ID, nil
}

// MarkRead moves the user's read watermark to now and clears the cached unread count.
func (d *Directory) MarkRead(ctx context.Context, conversationID string) error {
	if !IsLocalID(conversationID) {
		if err := d.store.UpdateLastRead(ctx, conversationID, d.userID, d.clock.Now()); err != nil {
			return errors.Wrap(err, "mark read")
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.conversations {
		if d.conversations[i].ID == conversationID {
			d.conversations[i].UnreadCount = 0
		}
	}
	return nil
}

// ApplyMessage updates the cached preview of msg's conversation and re-ranks the list.
// It reports whether the conversation is in the directory.
func (d *Directory) ApplyMessage(msg models.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.conversations {
		c := &d.conversations[i]
		if c.ID != msg.ConversationID {
			continue
		}
		if c.LastMessageAt == nil || !msg.CreatedAt.Before(*c.LastMessageAt) {
			content, at, sender := msg.Content, msg.CreatedAt, msg.SenderID
			c.LastMessage, c.LastMessageAt, c.LastMessageSenderID = &content, &at, &sender
		}
		if msg.SenderID != d.userID {
			c.UnreadCount++
		}
		rank(d.conversations)
		return true
	}
	return false
}

// Conversations returns a copy of the last loaded list.
func (d *Directory) Conversations() []models.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Conversation, len(d.conversations))
	copy(out, d.conversations)
	return out
}

func (d *Directory) set(convs []models.Conversation) {
	d.mu.Lock()
	d.conversations = convs
	d.mu.Unlock()
}

func rank(convs []models.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		ai, aj := convs[i].ActivityAt(), convs[j].ActivityAt()
		if ai.Equal(aj) {
			return convs[i].ID < convs[j].ID
		}
		return ai.After(aj)
	})
}
