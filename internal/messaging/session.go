// Package messaging is the client side of conversations: the directory, per
// conversation threads, typing and presence state, and the channels that keep them
// live.
package messaging

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/umar/bonded-messaging/internal/apperr"
	"github.com/umar/bonded-messaging/internal/config"
	"github.com/umar/bonded-messaging/internal/models"
	"github.com/umar/bonded-messaging/internal/moderation"
	"github.com/umar/bonded-messaging/internal/transport"
)

type Deps struct {
	Store    transport.Store
	Realtime transport.Realtime
	// Gate may be nil, in which case every message is allowed.
	Gate   moderation.Gate
	Clock  clockwork.Clock
	Logger *zap.Logger
}

// Session is the messaging state of one signed-in user.
type Session struct {
	cfg    config.Messaging
	store  transport.Store
	gate   moderation.Gate
	clock  clockwork.Clock
	logger *zap.Logger

	directory *Directory
	subs      *Subscriptions
	typing    *Typing
	presence  *Presence
	profiles  *profileCache

	mu      sync.Mutex
	threads map[string]*Thread
	self    *models.Profile
}

func NewSession(cfg config.Messaging, deps Deps) (*Session, error) {
	if cfg.UserID == "" {
		return nil, apperr.InvalidArg("messaging: user id is required")
	}
	if deps.Store == nil || deps.Realtime == nil {
		return nil, apperr.InvalidArg("messaging: store and realtime are required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	logger := deps.Logger.With(zap.String("user_id", cfg.UserID))

	typing := NewTyping(deps.Clock, cfg.TypingTTL)
	presence := NewPresence(logger)
	return &Session{
		cfg:       cfg,
		store:     deps.Store,
		gate:      deps.Gate,
		clock:     deps.Clock,
		logger:    logger,
		directory: NewDirectory(deps.Store, cfg.UserID, deps.Clock, logger, cfg.EnrichmentConcurrency),
		subs:      NewSubscriptions(deps.Realtime, cfg.UserID, deps.Clock, typing, presence, logger),
		typing:    typing,
		presence:  presence,
		profiles:  newProfileCache(deps.Store, logger),
		threads:   make(map[string]*Thread),
	}, nil
}

// Start loads the user's profile and goes online.
func (s *Session) Start(ctx context.Context) error {
	if p, err := s.store.GetProfile(ctx, s.cfg.UserID); err != nil {
		s.logger.Warn("failed to load own profile", zap.Error(err))
	} else {
		s.profiles.Put(*p)
		s.mu.Lock()
		s.self = p
		s.mu.Unlock()
	}

	if err := s.subs.StartPresence(ctx); err != nil {
		return errors.Wrap(err, "start presence")
	}
	s.logger.Info("messaging session started")
	return nil
}

// Open loads the conversation's thread and joins its typing channel. Threads are
// cached per conversation and reloaded on every Open.
func (s *Session) Open(ctx context.Context, conversationID string, pageSize int) (*Thread, error) {
	if conversationID == "" {
		return nil, apperr.InvalidArg("conversation id is required")
	}
	if pageSize <= 0 {
		pageSize = s.cfg.PageSize
	}

	s.mu.Lock()
	t, ok := s.threads[conversationID]
	if !ok {
		t = newThread(conversationID, threadDeps{
			userID:   s.cfg.UserID,
			store:    s.store,
			subs:     s.subs,
			gate:     s.gate,
			profiles: s.profiles,
			clock:    s.clock,
			logger:   s.logger,
			onMerge:  func(m models.Message) { s.directory.ApplyMessage(m) },
		})
		s.threads[conversationID] = t
	}
	s.mu.Unlock()

	if err := t.Load(ctx, pageSize); err != nil {
		return nil, err
	}
	if !IsLocalID(conversationID) {
		if err := s.subs.WatchTyping(ctx, conversationID); err != nil {
			s.logger.Warn("failed to join typing channel",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	return t, nil
}

// Release closes the conversation's live channels when its view goes away.
func (s *Session) Release(conversationID string) {
	s.mu.Lock()
	delete(s.threads, conversationID)
	s.mu.Unlock()
	s.subs.Release(conversationID)
}

func (s *Session) SendTypingIndicator(ctx context.Context, conversationID string) error {
	if IsLocalID(conversationID) {
		return nil
	}
	return s.subs.SendTypingIndicator(ctx, conversationID)
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.threads = make(map[string]*Thread)
	s.mu.Unlock()

	err := s.subs.Close()
	s.logger.Info("messaging session closed")
	return err
}

func (s *Session) UserID() string { return s.cfg.UserID }

// Self is the user's profile, nil until Start has loaded it.
func (s *Session) Self() *models.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *Session) Directory() *Directory         { return s.directory }
func (s *Session) Typing() *Typing               { return s.typing }
func (s *Session) Presence() *Presence           { return s.presence }
func (s *Session) Subscriptions() *Subscriptions { return s.subs }
