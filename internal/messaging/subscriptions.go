package messaging

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/umar/bonded-messaging/internal/apperr"
	"github.com/umar/bonded-messaging/internal/models"
	"github.com/umar/bonded-messaging/internal/transport"
)

var ErrClosed = apperr.New(apperr.CodeUnavailable, "session closed")

// Subscriptions owns every live channel of a session: at most one change subscription
// and one typing channel per conversation, and a single presence channel.
type Subscriptions struct {
	rt       transport.Realtime
	userID   string
	clock    clockwork.Clock
	typing   *Typing
	presence *Presence
	logger   *zap.Logger

	mu               sync.Mutex
	inserts          map[string]transport.Subscription
	typingChannels   map[string]transport.Subscription // nil value while joining
	presenceChannel  transport.PresenceChannel
	presenceStarting bool
	closed           bool
}

func NewSubscriptions(rt transport.Realtime, userID string, clock clockwork.Clock, typing *Typing, presence *Presence, logger *zap.Logger) *Subscriptions {
	return &Subscriptions{
		rt:             rt,
		userID:         userID,
		clock:          clock,
		typing:         typing,
		presence:       presence,
		logger:         logger.Named("subscriptions"),
		inserts:        make(map[string]transport.Subscription),
		typingChannels: make(map[string]transport.Subscription),
	}
}

// WatchMessages subscribes fn to inserts of the conversation, replacing any earlier
// subscription for it.
func (s *Subscriptions) WatchMessages(ctx context.Context, conversationID string, fn transport.InsertHandler) error {
	s.UnwatchMessages(conversationID)

	sub, err := s.rt.SubscribeInserts(ctx, conversationID, fn)
	if err != nil {
		return errors.Wrap(err, "subscribe inserts")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.unsubscribe(sub, conversationID, "messages")
		return ErrClosed
	}
	prior := s.inserts[conversationID]
	s.inserts[conversationID] = sub
	s.mu.Unlock()

	if prior != nil {
		s.unsubscribe(prior, conversationID, "messages")
	}
	s.logger.Debug("watching messages", zap.String("conversation_id", conversationID))
	return nil
}

func (s *Subscriptions) UnwatchMessages(conversationID string) {
	s.mu.Lock()
	sub := s.inserts[conversationID]
	delete(s.inserts, conversationID)
	s.mu.Unlock()

	if sub != nil {
		s.unsubscribe(sub, conversationID, "messages")
	}
}

// WatchTyping joins the conversation's typing channel unless it is already joined.
func (s *Subscriptions) WatchTyping(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.typingChannels[conversationID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.typingChannels[conversationID] = nil
	s.mu.Unlock()

	ch, err := s.rt.JoinBroadcast(ctx, transport.TypingTopic(conversationID), s.typingHandler(conversationID))
	s.mu.Lock()
	if err != nil {
		delete(s.typingChannels, conversationID)
		s.mu.Unlock()
		return errors.Wrap(err, "join typing channel")
	}
	current, pending := s.typingChannels[conversationID]
	if s.closed || !pending || current != nil {
		// released or closed while joining
		s.mu.Unlock()
		s.unsubscribe(ch, conversationID, "typing")
		return nil
	}
	s.typingChannels[conversationID] = ch
	s.mu.Unlock()

	s.logger.Debug("watching typing", zap.String("conversation_id", conversationID))
	return nil
}

func (s *Subscriptions) typingHandler(conversationID string) transport.BroadcastHandler {
	return func(event string, raw json.RawMessage) {
		if event != transport.TypingEvent {
			return
		}
		p, err := models.ParseTypingPayload(raw)
		if err != nil {
			s.logger.Debug("dropping malformed typing payload",
				zap.String("conversation_id", conversationID), zap.Error(err))
			return
		}
		if p.UserID == s.userID {
			return
		}
		s.typing.Touch(conversationID, p.UserID)
	}
}

// SendTypingIndicator publishes one typing event on a channel that lives only for the
// publish.
func (s *Subscriptions) SendTypingIndicator(ctx context.Context, conversationID string) error {
	ch, err := s.rt.JoinBroadcast(ctx, transport.TypingTopic(conversationID), nil)
	if err != nil {
		return errors.Wrap(err, "join typing channel")
	}
	defer s.unsubscribe(ch, conversationID, "typing")

	payload := models.TypingPayload{UserID: s.userID, Timestamp: s.clock.Now().UnixMilli()}
	if err := ch.Send(ctx, transport.TypingEvent, payload); err != nil {
		return errors.Wrap(err, "send typing event")
	}
	return nil
}

// StartPresence joins the presence channel and tracks the user as online. Calls after
// the first successful one do nothing.
func (s *Subscriptions) StartPresence(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.presenceChannel != nil || s.presenceStarting {
		s.mu.Unlock()
		return nil
	}
	s.presenceStarting = true
	s.mu.Unlock()

	ch, err := s.rt.JoinPresence(ctx, transport.PresenceTopic, s.userID, s.presence.Apply)

	s.mu.Lock()
	s.presenceStarting = false
	if err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "join presence channel")
	}
	if s.closed {
		s.mu.Unlock()
		s.unsubscribe(ch, transport.PresenceTopic, "presence")
		return ErrClosed
	}
	s.presenceChannel = ch
	s.mu.Unlock()

	if err := ch.Track(ctx, models.PresencePayload{UserID: s.userID, OnlineAt: s.clock.Now()}); err != nil {
		return errors.Wrap(err, "track presence")
	}
	s.logger.Debug("presence tracked")
	return nil
}

// Release tears down the conversation's message and typing channels.
func (s *Subscriptions) Release(conversationID string) {
	s.UnwatchMessages(conversationID)

	s.mu.Lock()
	ch := s.typingChannels[conversationID]
	delete(s.typingChannels, conversationID)
	s.mu.Unlock()

	if ch != nil {
		s.unsubscribe(ch, conversationID, "typing")
	}
	s.typing.Clear(conversationID)
}

// Close unsubscribes every channel and stops typing timers.
func (s *Subscriptions) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var subs []transport.Subscription
	for _, sub := range s.inserts {
		subs = append(subs, sub)
	}
	for _, ch := range s.typingChannels {
		if ch != nil {
			subs = append(subs, ch)
		}
	}
	if s.presenceChannel != nil {
		subs = append(subs, s.presenceChannel)
	}
	s.inserts = make(map[string]transport.Subscription)
	s.typingChannels = make(map[string]transport.Subscription)
	s.presenceChannel = nil
	s.mu.Unlock()

	var err error
	for _, sub := range subs {
		err = multierr.Append(err, sub.Unsubscribe())
	}
	s.typing.Close()
	s.presence.Reset()
	return err
}

// Active reports the number of live channels, presence included.
func (s *Subscriptions) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.inserts)
	for _, ch := range s.typingChannels {
		if ch != nil {
			n++
		}
	}
	if s.presenceChannel != nil {
		n++
	}
	return n
}

func (s *Subscriptions) unsubscribe(sub transport.Subscription, conversationID, kind string) {
	if err := sub.Unsubscribe(); err != nil {
		s.logger.Warn("unsubscribe failed",
			zap.String("conversation_id", conversationID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}
