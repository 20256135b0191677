package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/umar/bonded-messaging/internal/config"
	"github.com/umar/bonded-messaging/internal/messaging"
	"github.com/umar/bonded-messaging/internal/models"
	"github.com/umar/bonded-messaging/internal/moderation"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func offlineSession(t *testing.T, gate moderation.Gate) *messaging.Session {
	t.Helper()
	deps, cleanup := offlineDeps("me")
	t.Cleanup(cleanup)
	deps.Gate = gate
	deps.Clock = clockwork.NewRealClock()
	deps.Logger = zaptest.NewLogger(t)

	s, err := messaging.NewSession(config.Messaging{UserID: "me", TypingTTL: 3 * time.Second}, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Start(context.Background()))
	return s
}

func TestREPL_DirectConversation(t *testing.T) {
	sess := offlineSession(t, nil)
	var out syncBuffer

	input := strings.Join([]string{
		"hello before opening",
		"/dm ada",
		"hi ada",
		"/list",
		"/bogus",
		"/quit",
		"never read",
	}, "\n")
	require.NoError(t, newREPL(sess, &out).Run(context.Background(), strings.NewReader(input)))

	got := out.String()
	assert.Contains(t, got, "error: no conversation open")
	assert.Contains(t, got, "me: hi ada")
	assert.Contains(t, got, "Ada")
	assert.Contains(t, got, "error: unknown command /bogus")
	assert.NotContains(t, got, "never read")
	assert.Equal(t, 1, strings.Count(got, "me: hi ada"), "each message is printed once")
}

func TestREPL_BlockedMessage(t *testing.T) {
	policy, err := moderation.NewPolicy([]moderation.Category{{Name: "spam", Reason: "no spam here", Terms: []string{"buy now"}}})
	require.NoError(t, err)
	sess := offlineSession(t, policy)
	var out syncBuffer

	input := "/group club ada grace\nBUY NOW cheap\n/quit\n"
	require.NoError(t, newREPL(sess, &out).Run(context.Background(), strings.NewReader(input)))

	assert.Contains(t, out.String(), "not sent: no spam here")
	convs, err := sess.Directory().Load(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, models.ConversationGroup, convs[0].Type)
	assert.Nil(t, convs[0].LastMessage)
}

func TestBuildGate(t *testing.T) {
	log := zaptest.NewLogger(t)
	assert.Nil(t, buildGate(config.Moderation{}, log))

	g := buildGate(config.Moderation{ServiceURL: "http://moderation.invalid"}, log)
	require.NotNil(t, g)
	assert.Len(t, g.(moderation.Chain), 1)

	g = buildGate(config.Moderation{PolicyFile: "does-not-exist.yaml"}, log)
	assert.Nil(t, g)
}
