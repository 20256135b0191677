package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/umar/bonded-messaging/internal/apperr"
	"github.com/umar/bonded-messaging/internal/models"
	"github.com/umar/bonded-messaging/internal/transport/memory"
)

func TestGetOrCreateConversation_CreatesConversationWithTwoParticipants(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice", nil)

	id := directConversation(t, alice, "bob")

	assert.False(t, IsLocalID(id))
	assert.Equal(t, 1, f.backend.ConversationCount())
	assert.Equal(t, 2, f.backend.ParticipantCount(id))

	again := directConversation(t, alice, "bob")
	assert.Equal(t, id, again)
	assert.Equal(t, 1, f.backend.ConversationCount())
}

func TestGetOrCreateConversation_ConcurrentCallsShareOneConversation(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice", nil)
	bob := f.session(t, "bob", nil)

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, other := alice, "bob"
			if i%2 == 1 {
				s, other = bob, "alice"
			}
			id, err := s.Directory().GetOrCreateConversation(context.Background(), other)
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.backend.ConversationCount())
	assert.Equal(t, 2, f.backend.ParticipantCount(ids[0]))
}

// gatedStore holds FindDirectConversation until released and fails it if the context
// it was given is already done by then.
type gatedStore struct {
	*memory.Backend
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) FindDirectConversation(ctx context.Context, a, b string) (string, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return g.Backend.FindDirectConversation(ctx, a, b)
}

func TestGetOrCreateConversation_CanceledCallerDoesNotFailSharedCall(t *testing.T) {
	f := newFixture(t)
	store := &gatedStore{Backend: f.backend, entered: make(chan struct{}), release: make(chan struct{})}
	dir := NewDirectory(store, "alice", f.clock, zaptest.NewLogger(t), 0)

	first, cancel := context.WithCancel(context.Background())
	type result struct {
		id  string
		err error
	}
	firstDone := make(chan result, 1)
	go func() {
		id, err := dir.GetOrCreateConversation(first, "bob")
		firstDone <- result{id, err}
	}()
	<-store.entered

	secondDone := make(chan result, 1)
	go func() {
		id, err := dir.GetOrCreateConversation(context.Background(), "bob")
		secondDone <- result{id, err}
	}()

	cancel()
	close(store.release)

	a, b := <-firstDone, <-secondDone
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.NotEmpty(t, a.id)
	assert.Equal(t, a.id, b.id)
	assert.Equal(t, 1, f.backend.ConversationCount())
}

func TestGetOrCreateConversation_TableMissingFallsBackToLocalID(t *testing.T) {
	f := newFixture(t)
	f.backend.DropTables()
	alice := f.session(t, "alice", nil)
	bob := f.session(t, "bob", nil)

	id := directConversation(t, alice, "bob")
	assert.Equal(t, "local-conv-alice-bob", id)
	assert.True(t, IsLocalID(id))
	assert.Equal(t, id, directConversation(t, bob, "alice"))
}

func TestGetOrCreateConversation_RejectsSelf(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice", nil)

	_, err := alice.Directory().GetOrCreateConversation(context.Background(), "alice")
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}

func TestGetOrCreateConversation_PropagatesStoreErrors(t *testing.T) {
	f := newFixture(t)
	f.backend.FailOn(memory.OpFindDirect, apperr.Forbidden("rls"))
	alice := f.session(t, "alice", nil)

	_, err := alice.Directory().GetOrCreateConversation(context.Background(), "bob")
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))
	assert.Equal(t, 0, f.backend.ConversationCount())
}

func TestCreateGroupConversation(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice", nil)
	ctx := context.Background()

	id, err := alice.Directory().CreateGroupConversation(ctx, []string{"bob", "bob", "alice", "carol", ""}, "  Study group ")
	require.NoError(t, err)
	assert.Equal(t, 3, f.backend.ParticipantCount(id))

	conv, err := f.backend.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationGroup, conv.Type)
	assert.Equal(t, "Study group", conv.Name)

	_, err = alice.Directory().CreateGroupConversation(ctx, []string{"bob"}, " ")
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}

func TestCreateGroupConversation_TableMissing(t *testing.T) {
	f := newFixture(t)
	f.backend.DropTables()
	alice := f.session(t, "alice", nil)

	id, err := alice.Directory().CreateGroupConversation(context.Background(), []string{"bob"}, "Club")
	require.NoError(t, err)
	assert.Regexp(t, `^local-group-[0-9a-f-]{36}$`, id)
	assert.True(t, IsLocalID(id))
}

func TestDirectoryLoad_RanksAndEnriches(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice", nil)
	ctx := context.Background()

	withBob := directConversation(t, alice, "bob")
	f.clock.Advance(time.Minute)
	withCarol := directConversation(t, alice, "carol")
	f.clock.Advance(time.Minute)
	quiet, err := alice.Directory().CreateGroupConversation(ctx, []string{"bob", "carol"}, "Quiet")
	require.NoError(t, err)

	f.backend.InjectMessage(models.Message{ConversationID: withBob, SenderID: "bob", Content: "hey", CreatedAt: at(10, 10)})
	f.backend.InjectMessage(models.Message{ConversationID: withBob, SenderID: "alice", Content: "hi!", CreatedAt: at(10, 11)})
	f.backend.InjectMessage(models.Message{ConversationID: withCarol, SenderID: "carol", Content: "lunch?", CreatedAt: at(10, 20)})

	convs, err := alice.Directory().Load(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 3)

	assert.Equal(t, []string{withCarol, withBob, quiet}, []string{convs[0].ID, convs[1].ID, convs[2].ID})

	bobConv := convs[1]
	require.NotNil(t, bobConv.LastMessage)
	assert.Equal(t, "hi!", *bobConv.LastMessage)
	assert.Equal(t, "alice", *bobConv.LastMessageSenderID)
	assert.Equal(t, 1, bobConv.UnreadCount)
	require.Len(t, bobConv.Participants, 1)
	assert.Equal(t, "Bob", bobConv.Participants[0].DisplayName)

	assert.Nil(t, convs[2].LastMessage)
	assert.Len(t, convs[2].Participants, 2)
	assert.Equal(t, convs, alice.Directory().Conversations())
}

func TestDirectoryLoad_EnrichmentFailuresDegrade(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice", nil)
	id := directConversation(t, alice, "bob")
	f.backend.InjectMessage(models.Message{ConversationID: id, SenderID: "bob", Content: "hey", CreatedAt: at(10, 10)})

	boom := errors.New("boom")
	f.backend.FailOn(memory.OpLatestMessage, boom)
	f.backend.FailOn(memory.OpParticipants, boom)
	f.backend.FailOn(memory.OpCountUnread, boom)

	convs, err := alice.Directory().Load(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, id, convs[0].ID)
	assert.Nil(t, convs[0].LastMessage)
	assert.Empty(t, convs[0].Participants)
	assert.Zero(t, convs[0].UnreadCount)
}

func TestDirectoryLoad_MembershipFailureAborts(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice", nil)
	f.backend.FailOn(memory.OpListMemberships, apperr.Forbidden("rls"))

	_, err := alice.Directory().Load(context.Background())
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))
}

func TestDirectoryLoad_TableMissingIsEmpty(t *testing.T) {
	f := newFixture(t)
	f.backend.DropTables()
	alice := f.session(t, "alice", nil)

	convs, err := alice.Directory().Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestDirectory_MarkReadAndApplyMessage(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice", nil)
	bob := f.session(t, "bob", nil)
	ctx := context.Background()

	first := directConversation(t, alice, "bob")
	f.clock.Advance(time.Minute)
	second := directConversation(t, alice, "carol")

	_, err := alice.Directory().Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, alice.Directory().Conversations()[0].ID)

	_, err = alice.Open(ctx, first, 0)
	require.NoError(t, err)
	bobThread, err := bob.Open(ctx, first, 0)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = bobThread.Send(ctx, "ping")
	require.NoError(t, err)

	convs := alice.Directory().Conversations()
	assert.Equal(t, first, convs[0].ID)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "ping", *convs[0].LastMessage)
	assert.Equal(t, 1, convs[0].UnreadCount)

	f.clock.Advance(time.Second)
	require.NoError(t, alice.Directory().MarkRead(ctx, first))
	assert.Zero(t, alice.Directory().Conversations()[0].UnreadCount)

	convs, err = alice.Directory().Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, convs[0].UnreadCount)

	assert.False(t, alice.Directory().ApplyMessage(models.Message{ConversationID: "unknown"}))
}
