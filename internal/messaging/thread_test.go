package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umar/bonded-messaging/internal/apperr"
	"github.com/umar/bonded-messaging/internal/models"
	"github.com/umar/bonded-messaging/internal/moderation"
	"github.com/umar/bonded-messaging/internal/moderation/mocks"
	"github.com/umar/bonded-messaging/internal/transport"
	"github.com/umar/bonded-messaging/internal/transport/memory"
)

func TestThread_LiveInsertKeepsChronologicalOrder(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice", nil)
	id := directConversation(t, alice, "bob")

	f.backend.InjectMessage(models.Message{ConversationID: id, SenderID: "bob", Content: "10:00", CreatedAt: at(10, 0)})
	f.backend.InjectMessage(models.Message{ConversationID: id, SenderID: "alice", Content: "10:05", CreatedAt: at(10, 5)})

	th, err := alice.Open(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"10:00", "10:05"}, contents(th.Messages()))

	f.backend.InjectMessage(models.Message{ConversationID: id, SenderID: "bob", Content: "10:03", CreatedAt: at(10, 3)})

	msgs := th.Messages()
	assert.Equal(t, []string{"10:00", "10:03", "10:05"}, contents(msgs))
	assertChronological(t, msgs)
	require.NotNil(t, msgs[1].Sender)
	assert.Equal(t, "Bob", msgs[1].Sender.DisplayName)
}

func TestThread_SendIsDeduplicatedAgainstSubscription(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice", nil)
	require.NoError(t, alice.Start(context.Background()))
	id := directConversation(t, alice, "bob")

	th, err := alice.Open(context.Background(), id, 0)
	require.NoError(t, err)

	var snapshots int
	th.OnChange(func([]models.Message) { snapshots++ })

	res, err := th.Send(context.Background(), "  hello  ")
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.False(t, res.Blocked)
	assert.Equal(t, "hello", res.Message.Content)
	require.NotNil(t, res.Message.Sender)
	assert.Equal(t, "Alice", res.Message.Sender.DisplayName)

	// a late second delivery of the same row
	f.backend.InjectMessage(*res.Message)

	count := 0
	for _, m := range th.Messages() {
		if m.ID == res.Message.ID {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Len(t, th.Messages(), 1)
	assert.Equal(t, 1, snapshots)
}

func TestThread_IgnoresOtherConversations(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice", nil)
	id := directConversation(t, alice, "bob")

	th, err := alice.Open(context.Background(), id, 0)
	require.NoError(t, err)

	th.handleInsert(models.Message{ID: "x", ConversationID: "other", SenderID: "bob", CreatedAt: base})
	assert.Empty(t, th.Messages())
}

func TestThread_LocalMode(t *testing.T) {
	f := newFixture(t)
	f.backend.DropTables()
	alice := f.session(t, "alice", nil)
	ctx := context.Background()
	require.NoError(t, alice.Start(ctx))

	id := directConversation(t, alice, "bob")
	require.Equal(t, "local-conv-alice-bob", id)

	th, err := alice.Open(ctx, id, 0)
	require.NoError(t, err)
	assert.Empty(t, th.Messages())
	assert.Zero(t, f.backend.Subscribers(transport.MessagesTopic(id)))

	res, err := th.Send(ctx, "anyone there?")
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.True(t, res.Message.Local)
	assert.True(t, strings.HasPrefix(res.Message.ID, "local-msg-"))
	assert.Equal(t, id, res.Message.ConversationID)

	f.clock.Advance(time.Second)
	_, err = th.Send(ctx, "hello?")
	require.NoError(t, err)

	assert.Equal(t, []string{"anyone there?", "hello?"}, contents(th.Messages()))
	assert.Zero(t, f.backend.Inserts())

	more, err := th.LoadOlder(ctx, 10)
	require.NoError(t, err)
	assert.False(t, more)

	// reopening a local conversation starts over
	th, err = alice.Open(ctx, id, 0)
	require.NoError(t, err)
	assert.Empty(t, th.Messages())
}

func TestThread_ModerationBlock(t *testing.T) {
	for _, local := range []bool{false, true} {
		t.Run(fmt.Sprintf("local=%v", local), func(t *testing.T) {
			f := newFixture(t)
			if local {
				f.backend.DropTables()
			}
			ctrl := gomock.NewController(t)
			gate := mocks.NewMockGate(ctrl)
			gate.EXPECT().
				Check(gomock.Any(), "you are awful").
				Return(moderation.Verdict{Allowed: false, Reason: "X"}, nil)

			alice := f.session(t, "alice", gate)
			id := directConversation(t, alice, "bob")
			th, err := alice.Open(context.Background(), id, 0)
			require.NoError(t, err)

			res, err := th.Send(context.Background(), "you are awful")
			require.NoError(t, err)
			assert.True(t, res.Blocked)
			assert.Equal(t, "X", res.Reason)
			assert.Nil(t, res.Message)
			assert.Empty(t, th.Messages())
			assert.Zero(t, f.backend.Inserts())
		})
	}
}

func TestThread_ModerationBlockDefaultReason(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	gate := mocks.NewMockGate(ctrl)
	gate.EXPECT().Check(gomock.Any(), gomock.Any()).Return(moderation.Verdict{Allowed: false}, nil)

	alice := f.session(t, "alice", gate)
	th, err := alice.Open(context.Background(), directConversation(t, alice, "bob"), 0)
	require.NoError(t, err)

	res, err := th.Send(context.Background(), "hmm")
	require.NoError(t, err)
	assert.Equal(t, defaultBlockReason, res.Reason)
}

func TestThread_ModerationFailureFailsOpen(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	gate := mocks.NewMockGate(ctrl)
	gate.EXPECT().Check(gomock.Any(), "hello").Return(moderation.Verdict{}, errors.New("timeout"))

	alice := f.session(t, "alice", gate)
	th, err := alice.Open(context.Background(), directConversation(t, alice, "bob"), 0)
	require.NoError(t, err)

	res, err := th.Send(context.Background(), "hello")
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.Equal(t, 1, f.backend.Inserts())
	assert.Len(t, th.Messages(), 1)
}

func TestThread_SendRejectsBlankContent(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	gate := mocks.NewMockGate(ctrl) // no calls expected

	alice := f.session(t, "alice", gate)
	th, err := alice.Open(context.Background(), directConversation(t, alice, "bob"), 0)
	require.NoError(t, err)

	_, err = th.Send(context.Background(), " \n\t ")
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
	assert.Zero(t, f.backend.Inserts())
}

func TestThread_SendPropagatesInsertErrors(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice", nil)
	th, err := alice.Open(context.Background(), directConversation(t, alice, "bob"), 0)
	require.NoError(t, err)

	f.backend.FailOn(memory.OpInsertMessage, apperr.Forbidden("rls"))
	_, err = th.Send(context.Background(), "hello")
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))
	assert.Empty(t, th.Messages())
}

func TestThread_BackwardPagination(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice", nil)
	id := directConversation(t, alice, "bob")
	for i := 1; i <= 5; i++ {
		f.backend.InjectMessage(models.Message{
			ConversationID: id,
			SenderID:       "bob",
			Content:        fmt.Sprintf("m%d", i),
			CreatedAt:      at(10, i),
		})
	}
	ctx := context.Background()

	th, err := alice.Open(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m4", "m5"}, contents(th.Messages()))
	assert.True(t, th.HasMore())

	more, err := th.LoadOlder(ctx, 2)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, []string{"m2", "m3", "m4", "m5"}, contents(th.Messages()))

	more, err = th.LoadOlder(ctx, 2)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, contents(th.Messages()))
	assertChronological(t, th.Messages())
}

func TestThread_PaginationKeepsMessagesSharingATimestamp(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice", nil)
	id := directConversation(t, alice, "bob")
	for _, m := range []struct {
		id string
		at time.Time
	}{{"m1", at(10, 1)}, {"m2", at(10, 2)}, {"m3", at(10, 2)}, {"m4", at(10, 4)}} {
		f.backend.InjectMessage(models.Message{ID: m.id, ConversationID: id, SenderID: "bob", Content: m.id, CreatedAt: m.at})
	}
	ctx := context.Background()

	th, err := alice.Open(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4"}, contents(th.Messages()))

	for more := true; more; {
		more, err = th.LoadOlder(ctx, 2)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, contents(th.Messages()))

	// A live insert tied on timestamp lands in id order.
	f.backend.InjectMessage(models.Message{ID: "m25", ConversationID: id, SenderID: "bob", Content: "m25", CreatedAt: at(10, 2)})
	assert.Equal(t, []string{"m1", "m2", "m25", "m3", "m4"}, contents(th.Messages()))
}

func TestThread_LoadFailureLeavesNoSubscription(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice", nil)
	id := directConversation(t, alice, "bob")
	f.backend.FailOn(memory.OpListMessages, apperr.Forbidden("rls"))

	_, err := alice.Open(context.Background(), id, 0)
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))
	assert.Zero(t, f.backend.Subscribers(transport.MessagesTopic(id)))
}

func TestThread_SubscribeFailureFailsLoad(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice", nil)
	id := directConversation(t, alice, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := alice.Open(ctx, id, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.backend.Subscribers(transport.MessagesTopic(id)))
}
