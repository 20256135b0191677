package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/umar/bonded-messaging/internal/models"
	"github.com/umar/bonded-messaging/internal/realtime"
	"github.com/umar/bonded-messaging/internal/transport"
)

const requestTimeout = 5 * time.Second

// Authorizer decides whether a user may join a conversation's topics.
type Authorizer interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Fanout carries broadcasts and presence diffs to every gateway node, the publishing
// node included.
type Fanout interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Run(ctx context.Context, handler func(topic string, data []byte)) error
}

// PresenceStore holds tracked presence payloads per topic and key. A key may be
// tracked through several references (one per subscription) and stays listed until
// the last of them is removed.
type PresenceStore interface {
	Set(ctx context.Context, topic, key, ref string, payload []byte) error
	// Remove reports whether key is still tracked through another reference.
	Remove(ctx context.Context, topic, key, ref string) (bool, error)
	Refresh(ctx context.Context, topic, key, ref string) error
	List(ctx context.Context, topic string) (map[string][]byte, error)
}

// delivery is what travels through the fanout.
type delivery struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Origin  string          `json:"origin,omitempty"`
}

type inbound struct {
	topic string
	data  []byte
}

type Options struct {
	Authorizer Authorizer
	Fanout     Fanout
	Presence   PresenceStore
	JWTSecret  string
	// RatePerSecond and Burst limit inbound frames per connection.
	RatePerSecond float64
	Burst         int
	Logger        *zap.Logger
}

type Hub struct {
	nodeID   string
	authz    Authorizer
	fanout   Fanout
	presence PresenceStore
	secret   string
	limit    rate.Limit
	burst    int
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[*Session]struct{}
	topics   map[string]map[*subscription]struct{}

	register   chan *Session
	unregister chan *Session
	inbound    chan inbound
	done       chan struct{}
}

func NewHub(opts Options) *Hub {
	if opts.Fanout == nil {
		opts.Fanout = NewLocalFanout()
	}
	if opts.Presence == nil {
		opts.Presence = NewMemoryPresence()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	limit := rate.Limit(opts.RatePerSecond)
	if opts.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Hub{
		nodeID:     uuid.NewString(),
		authz:      opts.Authorizer,
		fanout:     opts.Fanout,
		presence:   opts.Presence,
		secret:     opts.JWTSecret,
		limit:      limit,
		burst:      burst,
		logger:     opts.Logger.Named("gateway"),
		sessions:   make(map[*Session]struct{}),
		topics:     make(map[string]map[*subscription]struct{}),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		inbound:    make(chan inbound, 256),
		done:       make(chan struct{}),
	}
}

// Run processes connections and deliveries until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	go func() {
		err := h.fanout.Run(ctx, func(topic string, data []byte) {
			select {
			case h.inbound <- inbound{topic: topic, data: data}:
			case <-ctx.Done():
			}
		})
		if err != nil && ctx.Err() == nil {
			h.logger.Error("fanout stopped", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s] = struct{}{}
			h.mu.Unlock()
			h.logger.Info("client connected", zap.String("user_id", s.UserID), zap.String("session_id", s.id))

		case s := <-h.unregister:
			for _, sub := range s.drain() {
				h.unsubscribe(sub)
				if sub.tracked {
					go h.untrack(sub)
				}
			}
			h.mu.Lock()
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				close(s.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", zap.String("user_id", s.UserID), zap.String("session_id", s.id))

		case in := <-h.inbound:
			h.dispatch(in.topic, in.data)
		}
	}
}

// PublishInsert delivers an inserted message row to this node's change subscribers.
// Every node runs its own change feed, so inserts skip the fanout.
func (h *Hub) PublishInsert(msg models.Message) {
	row, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode insert", zap.Error(err))
		return
	}
	data, err := json.Marshal(delivery{Type: realtime.TypeInsert, Event: transport.InsertEvent, Payload: row})
	if err != nil {
		return
	}
	select {
	case h.inbound <- inbound{topic: transport.MessagesTopic(msg.ConversationID), data: data}:
	case <-h.done:
	}
}

func (h *Hub) publish(ctx context.Context, topic string, d delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return h.fanout.Publish(ctx, topic, data)
}

func (h *Hub) dispatch(topic string, data []byte) {
	var d delivery
	if err := json.Unmarshal(data, &d); err != nil {
		h.logger.Warn("dropping malformed delivery", zap.String("topic", topic), zap.Error(err))
		return
	}
	kind := kindOf(d.Type)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.topics[topic] {
		if sub.kind != kind || sub.origin() == d.Origin {
			continue
		}
		frame, err := realtime.NewEnvelope(realtime.Envelope{
			Type:    d.Type,
			Topic:   topic,
			Sub:     sub.id,
			Event:   d.Event,
			Payload: d.Payload,
		}, nil)
		if err != nil {
			continue
		}
		sub.session.queue(frame)
	}
}

func kindOf(deliveryType string) string {
	switch deliveryType {
	case realtime.TypeInsert:
		return realtime.KindChanges
	case realtime.TypePresenceDiff:
		return realtime.KindPresence
	default:
		return realtime.KindBroadcast
	}
}

func (h *Hub) subscribe(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[sub.topic]
	if !ok {
		subs = make(map[*subscription]struct{})
		h.topics[sub.topic] = subs
	}
	subs[sub] = struct{}{}
}

func (h *Hub) unsubscribe(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.topics[sub.topic], sub)
	if len(h.topics[sub.topic]) == 0 {
		delete(h.topics, sub.topic)
	}
}

// untrack removes the subscription's presence and tells the topic once the user has
// no other tracking subscription left.
func (h *Hub) untrack(sub *subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	key := sub.session.UserID
	remaining, err := h.presence.Remove(ctx, sub.topic, key, sub.origin())
	if err != nil {
		h.logger.Warn("failed to remove presence", zap.String("topic", sub.topic), zap.Error(err))
	}
	if remaining {
		return
	}
	payload, _ := json.Marshal(realtime.PresenceDiff{Leaves: realtime.PresenceState{key: sub.trackedPayload}})
	if err := h.publish(ctx, sub.topic, delivery{Type: realtime.TypePresenceDiff, Payload: payload}); err != nil {
		h.logger.Warn("failed to publish presence leave", zap.String("topic", sub.topic), zap.Error(err))
	}
}

// Subscribers reports the live subscriptions on topic on this node.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Shutdown closes every connection; their sessions unregister as the read pumps exit.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		s.conn.Close()
	}
}
