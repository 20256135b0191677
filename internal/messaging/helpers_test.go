package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/umar/bonded-messaging/internal/config"
	"github.com/umar/bonded-messaging/internal/models"
	"github.com/umar/bonded-messaging/internal/moderation"
	"github.com/umar/bonded-messaging/internal/transport/memory"
)

var base = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return time.Date(base.Year(), base.Month(), base.Day(), hour, minute, 0, 0, time.UTC)
}

type fixture struct {
	backend *memory.Backend
	clock   clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(base)
	b := memory.New(clock)
	b.AddProfile(models.Profile{ID: "alice", DisplayName: "Alice", Username: "alice"})
	b.AddProfile(models.Profile{ID: "bob", DisplayName: "Bob", Username: "bob"})
	b.AddProfile(models.Profile{ID: "carol", DisplayName: "Carol", Username: "carol"})
	return &fixture{backend: b, clock: clock}
}

func (f *fixture) session(t *testing.T, userID string, gate moderation.Gate) *Session {
	t.Helper()
	s, err := NewSession(config.Messaging{
		UserID:    userID,
		PageSize:  50,
		TypingTTL: 3 * time.Second,
	}, Deps{
		Store:    f.backend,
		Realtime: f.backend,
		Gate:     gate,
		Clock:    f.clock,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func directConversation(t *testing.T, s *Session, other string) string {
	t.Helper()
	id, err := s.Directory().GetOrCreateConversation(context.Background(), other)
	require.NoError(t, err)
	return id
}

func contents(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func assertChronological(t *testing.T, msgs []models.Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt),
			"message %d (%s) is older than message %d (%s)", i, msgs[i].CreatedAt, i-1, msgs[i-1].CreatedAt)
	}
}
