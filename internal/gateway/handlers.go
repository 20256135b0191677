package gateway

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/umar/bonded-messaging/internal/apperr"
	"github.com/umar/bonded-messaging/internal/models"
	"github.com/umar/bonded-messaging/internal/realtime"
	"github.com/umar/bonded-messaging/internal/transport"
)

func (s *Session) handle(env realtime.Envelope) {
	if env.Type != realtime.TypePing && !s.limiter.Allow() {
		s.fail(env, apperr.CodeRateLimited, "too many requests")
		return
	}

	switch env.Type {
	case realtime.TypeJoin:
		s.handleJoin(env)
	case realtime.TypeLeave:
		s.handleLeave(env)
	case realtime.TypeBroadcast:
		s.handleBroadcast(env)
	case realtime.TypeTrack:
		s.handleTrack(env)
	case realtime.TypePing:
		s.handlePing(env)
	default:
		s.fail(env, apperr.CodeInvalidArgument, "unknown frame type")
	}
}

func (s *Session) fail(env realtime.Envelope, code apperr.Code, msg string) {
	s.reply(realtime.Envelope{Type: realtime.TypeError, Topic: env.Topic, Ref: env.Ref, Sub: env.Sub},
		realtime.ErrorPayload{Message: msg, Code: string(code)})
}

func (s *Session) failErr(env realtime.Envelope, err error, msg string) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeUnknown {
		code = apperr.CodeInternal
	}
	s.hub.logger.Warn(msg, zap.String("topic", env.Topic), zap.String("user_id", s.UserID), zap.Error(err))
	s.fail(env, code, msg)
}

func (s *Session) ack(env realtime.Envelope) {
	s.reply(realtime.Envelope{Type: realtime.TypeAck, Topic: env.Topic, Ref: env.Ref, Sub: env.Sub}, nil)
}

func (s *Session) handleJoin(env realtime.Envelope) {
	if env.Topic == "" || env.Ref == "" {
		s.fail(env, apperr.CodeInvalidArgument, "join requires topic and ref")
		return
	}
	var p realtime.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.fail(env, apperr.CodeInvalidArgument, "malformed join payload")
		return
	}
	switch p.Kind {
	case realtime.KindChanges:
		if !transport.IsMessagesTopic(env.Topic) {
			s.fail(env, apperr.CodeInvalidArgument, "change feeds exist only for messages topics")
			return
		}
	case realtime.KindBroadcast, realtime.KindPresence:
	default:
		s.fail(env, apperr.CodeInvalidArgument, "unknown subscription kind")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if convID, ok := transport.ConversationOfTopic(env.Topic); ok && s.hub.authz != nil {
		member, err := s.hub.authz.IsParticipant(ctx, convID, s.UserID)
		if err != nil {
			s.failErr(env, err, "membership check failed")
			return
		}
		if !member {
			s.fail(env, apperr.CodePermissionDenied, "not a participant of this conversation")
			return
		}
	}

	sub := &subscription{id: env.Ref, topic: env.Topic, kind: p.Kind, session: s}
	if !s.addSub(sub) {
		s.fail(env, apperr.CodeInvalidArgument, "ref already names a subscription")
		return
	}
	s.hub.subscribe(sub)
	s.ack(env)

	if p.Kind != realtime.KindPresence {
		return
	}
	entries, err := s.hub.presence.List(ctx, env.Topic)
	if err != nil {
		s.hub.logger.Warn("failed to list presence", zap.String("topic", env.Topic), zap.Error(err))
		entries = nil
	}
	state := make(realtime.PresenceState, len(entries))
	for key, payload := range entries {
		state[key] = payload
	}
	s.reply(realtime.Envelope{Type: realtime.TypePresenceState, Topic: env.Topic, Sub: sub.id}, state)
}

func (s *Session) handleLeave(env realtime.Envelope) {
	if sub := s.removeSub(env.Sub); sub != nil {
		s.hub.unsubscribe(sub)
		if sub.tracked {
			s.hub.untrack(sub)
		}
	}
	s.ack(env)
}

func (s *Session) handleBroadcast(env realtime.Envelope) {
	sub := s.sub(env.Sub)
	if sub == nil || sub.kind != realtime.KindBroadcast {
		s.fail(env, apperr.CodeInvalidArgument, "broadcast requires a joined broadcast subscription")
		return
	}
	if env.Event == "" {
		s.fail(env, apperr.CodeInvalidArgument, "broadcast requires an event")
		return
	}
	if env.Event == transport.TypingEvent {
		p, err := models.ParseTypingPayload(env.Payload)
		if err != nil {
			s.fail(env, apperr.CodeInvalidArgument, "malformed typing payload")
			return
		}
		if p.UserID != s.UserID {
			s.fail(env, apperr.CodePermissionDenied, "typing indicators must carry the sender's id")
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	d := delivery{Type: realtime.TypeBroadcast, Event: env.Event, Payload: env.Payload, Origin: sub.origin()}
	if err := s.hub.publish(ctx, sub.topic, d); err != nil {
		s.failErr(env, apperr.Wrap(apperr.CodeUnavailable, "publish", err), "broadcast failed")
		return
	}
	s.ack(env)
}

func (s *Session) handleTrack(env realtime.Envelope) {
	sub := s.sub(env.Sub)
	if sub == nil || sub.kind != realtime.KindPresence {
		s.fail(env, apperr.CodeInvalidArgument, "track requires a joined presence subscription")
		return
	}
	p, err := models.ParsePresencePayload(env.Payload)
	if err != nil {
		s.fail(env, apperr.CodeInvalidArgument, "malformed presence payload")
		return
	}
	if p.UserID != s.UserID {
		s.fail(env, apperr.CodePermissionDenied, "presence is keyed by the authenticated user")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := s.hub.presence.Set(ctx, sub.topic, s.UserID, sub.origin(), env.Payload); err != nil {
		s.failErr(env, apperr.Wrap(apperr.CodeUnavailable, "presence set", err), "track failed")
		return
	}
	sub.tracked = true
	sub.trackedPayload = env.Payload

	diff, _ := json.Marshal(realtime.PresenceDiff{Joins: realtime.PresenceState{s.UserID: env.Payload}})
	if err := s.hub.publish(ctx, sub.topic, delivery{Type: realtime.TypePresenceDiff, Payload: diff}); err != nil {
		s.hub.logger.Warn("failed to publish presence join", zap.String("topic", sub.topic), zap.Error(err))
	}
	s.ack(env)
}

// handlePing refreshes tracked presence so it outlives the store's expiry.
func (s *Session) handlePing(env realtime.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	s.mu.Lock()
	var tracked []*subscription
	for _, sub := range s.subs {
		if sub.tracked {
			tracked = append(tracked, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range tracked {
		if err := s.hub.presence.Refresh(ctx, sub.topic, s.UserID, sub.origin()); err != nil {
			s.hub.logger.Debug("presence refresh failed", zap.String("topic", sub.topic), zap.Error(err))
		}
	}
	s.reply(realtime.Envelope{Type: realtime.TypePong, Ref: env.Ref}, nil)
}
