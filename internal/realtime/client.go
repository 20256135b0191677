package realtime

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/umar/bonded-messaging/internal/apperr"
	"github.com/umar/bonded-messaging/internal/models"
	"github.com/umar/bonded-messaging/internal/transport"
)

const (
	writeWait    = 10 * time.Second
	pingPeriod   = 25 * time.Second
	leaveTimeout = 5 * time.Second
)

var ErrClientClosed = apperr.New(apperr.CodeUnavailable, "realtime connection closed")

// Client is a gateway connection implementing transport.Realtime. Handlers run on the
// connection's read goroutine and must not block on further requests to the client.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex
	nextRef atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan Envelope
	subs    map[string]*channel
	closed  bool
	done    chan struct{}
}

// Dial connects to the gateway's websocket endpoint, authenticating with token.
func Dial(ctx context.Context, rawURL, token string, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse realtime url")
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, "dial realtime gateway", err)
	}

	c := &Client{
		conn:    conn,
		logger:  logger.Named("realtime"),
		pending: make(map[string]chan Envelope),
		subs:    make(map[string]*channel),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func (c *Client) Close() error {
	if !c.shutdown() {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) shutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.done)
	return true
}

func (c *Client) readLoop() {
	defer func() {
		c.shutdown()
		c.conn.Close()
	}()

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("realtime read error", zap.Error(err))
			}
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	switch env.Type {
	case TypeAck, TypeError, TypePong:
		c.mu.Lock()
		reply, ok := c.pending[env.Ref]
		delete(c.pending, env.Ref)
		c.mu.Unlock()
		if ok {
			reply <- env
		}
		return
	}

	c.mu.Lock()
	ch := c.subs[env.Sub]
	c.mu.Unlock()
	if ch == nil {
		return
	}

	switch env.Type {
	case TypeInsert:
		msg, err := models.ParseInsertPayload(env.Payload)
		if err != nil {
			c.logger.Debug("dropping malformed insert", zap.Error(err))
			return
		}
		ch.deliverInsert(msg)
	case TypeBroadcast:
		ch.deliverBroadcast(env.Event, env.Payload)
	case TypePresenceState:
		var state PresenceState
		if err := json.Unmarshal(env.Payload, &state); err != nil {
			c.logger.Debug("dropping malformed presence state", zap.Error(err))
			return
		}
		ch.deliverPresence(presenceEvent(transport.PresenceSync, state))
	case TypePresenceDiff:
		var diff PresenceDiff
		if err := json.Unmarshal(env.Payload, &diff); err != nil {
			c.logger.Debug("dropping malformed presence diff", zap.Error(err))
			return
		}
		if len(diff.Joins) > 0 {
			ch.deliverPresence(presenceEvent(transport.PresenceJoin, diff.Joins))
		}
		if len(diff.Leaves) > 0 {
			ch.deliverPresence(presenceEvent(transport.PresenceLeave, diff.Leaves))
		}
	default:
		c.logger.Debug("ignoring frame", zap.String("type", env.Type))
	}
}

func presenceEvent(kind transport.PresenceEventKind, state PresenceState) transport.PresenceEvent {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return transport.PresenceEvent{Kind: kind, Keys: keys, Payloads: state}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(Envelope{Type: TypePing, Ref: c.ref()}); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) ref() string {
	return strconv.FormatUint(c.nextRef.Add(1), 10)
}

func (c *Client) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

// request sends env and waits for its ack. env.Ref is assigned when empty.
func (c *Client) request(ctx context.Context, env Envelope, payload interface{}) error {
	if env.Ref == "" {
		env.Ref = c.ref()
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Payload = raw
	}

	reply := make(chan Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.pending[env.Ref] = reply
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, env.Ref)
		c.mu.Unlock()
	}

	if err := c.write(env); err != nil {
		cleanup()
		return apperr.Wrap(apperr.CodeUnavailable, "write "+env.Type, err)
	}

	select {
	case r := <-reply:
		if r.Type == TypeError {
			var p ErrorPayload
			_ = json.Unmarshal(r.Payload, &p)
			return apperr.New(apperr.Code(p.Code), p.Message)
		}
		return nil
	case <-ctx.Done():
		cleanup()
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	}
}

func (c *Client) join(ctx context.Context, ch *channel, kind string) error {
	ch.id = c.ref()
	c.mu.Lock()
	c.subs[ch.id] = ch
	c.mu.Unlock()

	err := c.request(ctx, Envelope{Type: TypeJoin, Topic: ch.topic, Ref: ch.id}, JoinPayload{Kind: kind})
	if err != nil {
		c.mu.Lock()
		delete(c.subs, ch.id)
		c.mu.Unlock()
		return errors.Wrapf(err, "join %s", ch.topic)
	}
	return nil
}

// --- transport.Realtime ---

func (c *Client) SubscribeInserts(ctx context.Context, conversationID string, fn transport.InsertHandler) (transport.Subscription, error) {
	ch := &channel{client: c, topic: transport.MessagesTopic(conversationID), onInsert: fn}
	if err := c.join(ctx, ch, KindChanges); err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *Client) JoinBroadcast(ctx context.Context, topic string, fn transport.BroadcastHandler) (transport.BroadcastChannel, error) {
	ch := &channel{client: c, topic: topic, onMessage: fn}
	if err := c.join(ctx, ch, KindBroadcast); err != nil {
		return nil, err
	}
	return ch, nil
}

// JoinPresence joins topic. The gateway keys presence by the authenticated user, so
// key is informational.
func (c *Client) JoinPresence(ctx context.Context, topic, key string, fn transport.PresenceHandler) (transport.PresenceChannel, error) {
	ch := &channel{client: c, topic: topic, onPresent: fn}
	if err := c.join(ctx, ch, KindPresence); err != nil {
		return nil, err
	}
	return ch, nil
}

type channel struct {
	client *Client
	id     string
	topic  string

	onInsert  transport.InsertHandler
	onMessage transport.BroadcastHandler
	onPresent transport.PresenceHandler

	closed atomic.Bool
}

func (ch *channel) deliverInsert(msg models.Message) {
	if ch.onInsert != nil && !ch.closed.Load() {
		ch.onInsert(msg)
	}
}

func (ch *channel) deliverBroadcast(event string, payload json.RawMessage) {
	if ch.onMessage != nil && !ch.closed.Load() {
		ch.onMessage(event, payload)
	}
}

func (ch *channel) deliverPresence(ev transport.PresenceEvent) {
	if ch.onPresent != nil && !ch.closed.Load() {
		ch.onPresent(ev)
	}
}

func (ch *channel) Unsubscribe() error {
	if ch.closed.Swap(true) {
		return nil
	}
	c := ch.client
	c.mu.Lock()
	delete(c.subs, ch.id)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	err := c.request(ctx, Envelope{Type: TypeLeave, Topic: ch.topic, Sub: ch.id}, nil)
	if errors.Is(err, ErrClientClosed) {
		return nil
	}
	return err
}

func (ch *channel) Send(ctx context.Context, event string, payload any) error {
	return ch.client.request(ctx, Envelope{Type: TypeBroadcast, Topic: ch.topic, Sub: ch.id, Event: event}, payload)
}

func (ch *channel) Track(ctx context.Context, payload any) error {
	return ch.client.request(ctx, Envelope{Type: TypeTrack, Topic: ch.topic, Sub: ch.id}, payload)
}
