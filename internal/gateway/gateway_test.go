package gateway_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/umar/bonded-messaging/internal/apperr"
	"github.com/umar/bonded-messaging/internal/auth"
	"github.com/umar/bonded-messaging/internal/config"
	"github.com/umar/bonded-messaging/internal/gateway"
	"github.com/umar/bonded-messaging/internal/messaging"
	"github.com/umar/bonded-messaging/internal/models"
	"github.com/umar/bonded-messaging/internal/realtime"
	"github.com/umar/bonded-messaging/internal/transport"
	"github.com/umar/bonded-messaging/internal/transport/memory"
)

const secret = "gateway-test-secret"

type members map[string][]string

func (m members) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	for _, id := range m[conversationID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

type testGateway struct {
	hub *gateway.Hub
	url string
}

func startGateway(t *testing.T, authz gateway.Authorizer) *testGateway {
	t.Helper()
	hub := gateway.NewHub(gateway.Options{
		Authorizer:    authz,
		JWTSecret:     secret,
		RatePerSecond: 100,
		Burst:         100,
		Logger:        zaptest.NewLogger(t),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := mux.NewRouter()
	r.HandleFunc("/realtime", gateway.ServeWS(hub))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testGateway{hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime"}
}

func (g *testGateway) dial(t *testing.T, userID string) *realtime.Client {
	t.Helper()
	token, err := auth.GenerateToken(userID, userID, secret, time.Hour)
	require.NoError(t, err)
	c, err := realtime.Dial(context.Background(), g.url, token, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) broadcast(event string, payload json.RawMessage) {
	r.add(event + " " + string(payload))
}

func (r *recorder) presence(ev transport.PresenceEvent) {
	r.add(string(ev.Kind) + " " + strings.Join(ev.Keys, ","))
}

func TestGateway_RejectsBadToken(t *testing.T) {
	g := startGateway(t, nil)
	_, err := realtime.Dial(context.Background(), g.url, "not-a-token", zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestGateway_BroadcastSkipsSender(t *testing.T) {
	g := startGateway(t, members{"c1": {"alice", "bob"}})
	ctx := context.Background()
	topic := transport.TypingTopic("c1")

	var aliceGot, bobGot recorder
	alice, err := g.dial(t, "alice").JoinBroadcast(ctx, topic, aliceGot.broadcast)
	require.NoError(t, err)
	_, err = g.dial(t, "bob").JoinBroadcast(ctx, topic, bobGot.broadcast)
	require.NoError(t, err)

	require.NoError(t, alice.Send(ctx, transport.TypingEvent, models.TypingPayload{UserID: "alice", Timestamp: 1}))

	assert.Eventually(t, func() bool { return len(bobGot.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{`typing {"user_id":"alice","timestamp":1}`}, bobGot.snapshot())
	assert.Never(t, func() bool { return len(aliceGot.snapshot()) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestGateway_TypingMustCarrySender(t *testing.T) {
	g := startGateway(t, members{"c1": {"alice", "bob"}})
	ctx := context.Background()

	ch, err := g.dial(t, "alice").JoinBroadcast(ctx, transport.TypingTopic("c1"), nil)
	require.NoError(t, err)

	err = ch.Send(ctx, transport.TypingEvent, models.TypingPayload{UserID: "bob"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))
}

func TestGateway_MembershipRequired(t *testing.T) {
	g := startGateway(t, members{"c1": {"alice", "bob"}})
	ctx := context.Background()
	carol := g.dial(t, "carol")

	_, err := carol.JoinBroadcast(ctx, transport.TypingTopic("c1"), nil)
	require.Error(t, err)
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))

	_, err = carol.SubscribeInserts(ctx, "c1", func(models.Message) {})
	require.Error(t, err)
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))

	_, err = carol.JoinPresence(ctx, transport.PresenceTopic, "carol", nil)
	require.NoError(t, err, "global topics need no membership")
}

func TestGateway_InsertsReachChangeSubscribers(t *testing.T) {
	g := startGateway(t, members{"c1": {"alice"}, "c2": {"alice"}})
	ctx := context.Background()
	alice := g.dial(t, "alice")

	var mu sync.Mutex
	var got []string
	sub, err := alice.SubscribeInserts(ctx, "c1", func(m models.Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m.Content)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, g.hub.Subscribers(transport.MessagesTopic("c1")))

	now := time.Now().UTC()
	g.hub.PublishInsert(models.Message{ID: "m2", ConversationID: "c2", SenderID: "bob", Content: "elsewhere", CreatedAt: now})
	g.hub.PublishInsert(models.Message{ID: "m1", ConversationID: "c1", SenderID: "bob", Content: "hello", CreatedAt: now})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"hello"}, got)
	mu.Unlock()

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, g.hub.Subscribers(transport.MessagesTopic("c1")))
}

func TestGateway_PresenceJoinAndLeave(t *testing.T) {
	g := startGateway(t, nil)
	ctx := context.Background()

	aliceConn := g.dial(t, "alice")
	alice, err := aliceConn.JoinPresence(ctx, transport.PresenceTopic, "alice", nil)
	require.NoError(t, err)
	require.NoError(t, alice.Track(ctx, models.PresencePayload{UserID: "alice", OnlineAt: time.Now().UTC()}))

	var bobSaw recorder
	_, err = g.dial(t, "bob").JoinPresence(ctx, transport.PresenceTopic, "bob", bobSaw.presence)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		for _, e := range bobSaw.snapshot() {
			if e == "sync alice" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	err = alice.Track(ctx, models.PresencePayload{UserID: "mallory"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))

	require.NoError(t, aliceConn.Close())
	assert.Eventually(t, func() bool {
		events := bobSaw.snapshot()
		return len(events) > 0 && events[len(events)-1] == "leave alice"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return g.hub.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_PresenceSurvivesUntilLastConnectionCloses(t *testing.T) {
	g := startGateway(t, nil)
	ctx := context.Background()

	var conns []*realtime.Client
	for i := 0; i < 2; i++ {
		conn := g.dial(t, "alice")
		ch, err := conn.JoinPresence(ctx, transport.PresenceTopic, "alice", nil)
		require.NoError(t, err)
		require.NoError(t, ch.Track(ctx, models.PresencePayload{UserID: "alice", OnlineAt: time.Now().UTC()}))
		conns = append(conns, conn)
	}

	var bobSaw recorder
	_, err := g.dial(t, "bob").JoinPresence(ctx, transport.PresenceTopic, "bob", bobSaw.presence)
	require.NoError(t, err)
	sawLeave := func() bool {
		for _, e := range bobSaw.snapshot() {
			if e == "leave alice" {
				return true
			}
		}
		return false
	}

	require.NoError(t, conns[0].Close())
	assert.Eventually(t, func() bool { return g.hub.Sessions() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, sawLeave, 300*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, conns[1].Close())
	assert.Eventually(t, sawLeave, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_RateLimited(t *testing.T) {
	hub := gateway.NewHub(gateway.Options{JWTSecret: secret, RatePerSecond: 0.001, Burst: 1, Logger: zaptest.NewLogger(t)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	srv := httptest.NewServer(gateway.ServeWS(hub))
	defer srv.Close()

	token, err := auth.GenerateToken("alice", "alice", secret, time.Hour)
	require.NoError(t, err)
	c, err := realtime.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), token, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	ch, err := c.JoinBroadcast(ctx, "lobby", nil)
	require.NoError(t, err)
	err = ch.Send(ctx, "wave", map[string]string{"from": "alice"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeRateLimited, apperr.CodeOf(err))
}

// Two messaging sessions talking through the gateway, with a shared in-memory store.
func TestGateway_MessagingSessions(t *testing.T) {
	g := startGateway(t, nil)
	ctx := context.Background()
	clock := clockwork.NewRealClock()

	store := memory.New(clock)
	store.AddProfile(models.Profile{ID: "alice", Username: "alice", DisplayName: "Alice"})
	store.AddProfile(models.Profile{ID: "bob", Username: "bob", DisplayName: "Bob"})

	open := func(userID string) *messaging.Session {
		rt := g.dial(t, userID)
		s, err := messaging.NewSession(config.Messaging{UserID: userID, PageSize: 50, TypingTTL: 3 * time.Second},
			messaging.Deps{Store: store, Realtime: rt, Clock: clock, Logger: zaptest.NewLogger(t)})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		require.NoError(t, s.Start(ctx))
		return s
	}
	alice := open("alice")
	bob := open("bob")

	assert.Eventually(t, func() bool {
		return alice.Presence().IsOnline("bob") && bob.Presence().IsOnline("alice")
	}, 2*time.Second, 10*time.Millisecond)

	convID, err := alice.Directory().GetOrCreateConversation(ctx, "bob")
	require.NoError(t, err)
	aliceThread, err := alice.Open(ctx, convID, 0)
	require.NoError(t, err)
	_, err = bob.Open(ctx, convID, 0)
	require.NoError(t, err)

	require.NoError(t, alice.SendTypingIndicator(ctx, convID))
	assert.Eventually(t, func() bool { return bob.Typing().IsTyping(convID) }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, alice.Typing().IsTyping(convID))

	// The memory store does not feed the gateway, so play the change feed's part.
	msg, err := store.InsertMessage(ctx, convID, "bob", "hi alice")
	require.NoError(t, err)
	g.hub.PublishInsert(*msg)

	assert.Eventually(t, func() bool {
		msgs := aliceThread.Messages()
		return len(msgs) == 1 && msgs[0].Content == "hi alice"
	}, 2*time.Second, 10*time.Millisecond)
}
