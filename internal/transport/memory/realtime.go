package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/umar/bonded-messaging/internal/models"
	"github.com/umar/bonded-messaging/internal/transport"
)

type channel struct {
	backend *Backend
	topic   string

	mu        sync.Mutex
	closed    bool
	onInsert  transport.InsertHandler
	onMessage transport.BroadcastHandler
	onPresent transport.PresenceHandler
	key       string
	tracked   bool
}

func (c *channel) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *channel) deliverInsert(msg models.Message) {
	if c.onInsert != nil && c.active() {
		c.onInsert(msg)
	}
}

func (c *channel) deliverBroadcast(event string, payload json.RawMessage) {
	if c.onMessage != nil && c.active() {
		c.onMessage(event, payload)
	}
}

func (c *channel) deliverPresence(ev transport.PresenceEvent) {
	if c.onPresent != nil && c.active() {
		c.onPresent(ev)
	}
}

func (c *channel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tracked, key := c.tracked, c.key
	c.mu.Unlock()

	b := c.backend
	b.mu.Lock()
	delete(b.topics[c.topic], c)
	var remaining []*channel
	var leave transport.PresenceEvent
	if tracked {
		payload := b.presence[c.topic][key]
		delete(b.presence[c.topic], key)
		remaining = b.subscribersLocked(c.topic)
		leave = transport.PresenceEvent{
			Kind:     transport.PresenceLeave,
			Keys:     []string{key},
			Payloads: map[string]json.RawMessage{key: payload},
		}
	}
	b.mu.Unlock()

	for _, other := range remaining {
		other.deliverPresence(leave)
	}
	return nil
}

func (c *channel) Send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b := c.backend
	b.mu.Lock()
	subs := b.subscribersLocked(c.topic)
	b.mu.Unlock()

	for _, other := range subs {
		if other != c {
			other.deliverBroadcast(event, raw)
		}
	}
	return nil
}

func (c *channel) Track(ctx context.Context, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tracked = true
	key := c.key
	c.mu.Unlock()

	b := c.backend
	b.mu.Lock()
	state, ok := b.presence[c.topic]
	if !ok {
		state = make(map[string]json.RawMessage)
		b.presence[c.topic] = state
	}
	state[key] = raw
	subs := b.subscribersLocked(c.topic)
	b.mu.Unlock()

	join := transport.PresenceEvent{
		Kind:     transport.PresenceJoin,
		Keys:     []string{key},
		Payloads: map[string]json.RawMessage{key: raw},
	}
	for _, other := range subs {
		other.deliverPresence(join)
	}
	return nil
}

func (b *Backend) subscribersLocked(topic string) []*channel {
	out := make([]*channel, 0, len(b.topics[topic]))
	for c := range b.topics[topic] {
		out = append(out, c)
	}
	return out
}

func (b *Backend) join(c *channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[c.topic]; !ok {
		b.topics[c.topic] = make(map[*channel]struct{})
	}
	b.topics[c.topic][c] = struct{}{}
}

// Subscribers reports the number of live channels on topic.
func (b *Backend) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// --- transport.Realtime ---

func (b *Backend) SubscribeInserts(ctx context.Context, conversationID string, fn transport.InsertHandler) (transport.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &channel{backend: b, topic: transport.MessagesTopic(conversationID), onInsert: fn}
	b.join(c)
	return c, nil
}

func (b *Backend) JoinBroadcast(ctx context.Context, topic string, fn transport.BroadcastHandler) (transport.BroadcastChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &channel{backend: b, topic: topic, onMessage: fn}
	b.join(c)
	return c, nil
}

func (b *Backend) JoinPresence(ctx context.Context, topic, key string, fn transport.PresenceHandler) (transport.PresenceChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &channel{backend: b, topic: topic, key: key, onPresent: fn}
	b.join(c)

	b.mu.Lock()
	state := make(map[string]json.RawMessage, len(b.presence[topic]))
	keys := make([]string, 0, len(b.presence[topic]))
	for k, v := range b.presence[topic] {
		state[k] = v
		keys = append(keys, k)
	}
	b.mu.Unlock()
	sort.Strings(keys)

	c.deliverPresence(transport.PresenceEvent{Kind: transport.PresenceSync, Keys: keys, Payloads: state})
	return c, nil
}
