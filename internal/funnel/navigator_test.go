package funnel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MichaelRobotics/Hustler-sub012/internal/conversation"
	"github.com/MichaelRobotics/Hustler-sub012/internal/logging"
	"github.com/MichaelRobotics/Hustler-sub012/internal/messenger"
	"github.com/MichaelRobotics/Hustler-sub012/internal/script"
	"github.com/MichaelRobotics/Hustler-sub012/internal/store"
)

func TestAdvanceOrdinalReply(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fake := messenger.NewFake()
	rec := logging.NewMemoryRecorder()
	nudges := &fakeNudges{}
	sc := newTestScript()
	conv := newTestConversation(ctx, st, "conv-1")

	nav := NewNavigator(st, fake, rec, nudges, testLogger())
	frozen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	nav.SetClock(func() time.Time { return frozen })

	msg := messenger.Message{ID: "m-1", SenderID: "user-9", Text: "1"}
	idx, ok := script.MatchChoice(msg.Text, sc.Node(conv.CurrentNodeID).Choices)
	require.True(t, ok)

	require.NoError(t, nav.Advance(ctx, conv, sc, msg, idx))

	got, err := st.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "value-1", got.CurrentNodeID)
	assert.Equal(t, []string{"welcome-1", "value-1"}, got.Path)
	assert.Equal(t, conversation.StatusActive, got.Status)
	assert.Equal(t, 0, got.InvalidCount)
	assert.Equal(t, "m-1", got.MessageCursor)
	require.NotNil(t, got.Phase2StartedAt)
	assert.True(t, got.Phase2StartedAt.Equal(frozen))

	its, err := st.ListInteractions(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, its, 1)
	assert.Equal(t, "welcome-1", its[0].NodeID)
	assert.Equal(t, "E-commerce", its[0].ChosenOption)
	assert.Equal(t, "value-1", its[0].NextNodeID)

	sent := fake.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Great, how big is your store?", sent[0].Text)

	msgs, err := st.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.MessageUser, msgs[0].Kind)
	assert.Equal(t, conversation.MessageBot, msgs[1].Kind)

	assert.Equal(t, []string{"conv-1"}, nudges.Calls())
	require.Len(t, rec.ByKind(logging.EventAdvanced), 1)
	assert.Equal(t, string(script.PhaseTwo), rec.ByKind(logging.EventAdvanced)[0].Phase)
}

func TestAdvanceConflictOnStaleState(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fake := messenger.NewFake()
	sc := newTestScript()
	conv := newTestConversation(ctx, st, "conv-1")

	nav := NewNavigator(st, fake, logging.NewMemoryRecorder(), nil, testLogger())

	stale, err := st.GetConversation(ctx, "conv-1")
	require.NoError(t, err)

	msg := messenger.Message{ID: "m-1", SenderID: "user-9", Text: "E-commerce"}
	require.NoError(t, nav.Advance(ctx, conv, sc, msg, 0))

	// A second worker holding the pre-advance snapshot loses the race.
	err = nav.Advance(ctx, stale, sc, messenger.Message{ID: "m-2", Text: "SaaS"}, 1)
	assert.ErrorIs(t, err, store.ErrConflict)

	its, err := st.ListInteractions(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, its, 1)
	assert.Len(t, fake.Sent(), 1)
}

func TestAdvanceRetrySameMessageRecordsOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fake := messenger.NewFake()
	sc := newTestScript()
	conv := newTestConversation(ctx, st, "conv-1")
	conv.CurrentNodeID = "value-2"
	conv.Path = []string{"welcome-1", "value-2"}
	require.NoError(t, st.CreateConversation(ctx, conv))

	nav := NewNavigator(st, fake, logging.NewMemoryRecorder(), nil, testLogger())

	// "Over 100" has no next node: the conversation completes in place, so
	// the compare-and-set cannot reject a replay. The derived interaction id
	// has to carry the at-most-once guarantee on its own.
	msg := messenger.Message{ID: "m-7", SenderID: "user-9", Text: "Over 100"}
	require.NoError(t, nav.Advance(ctx, conv, sc, msg, 1))

	replay, err := st.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	require.NoError(t, nav.Advance(ctx, replay, sc, msg, 1))

	got, err := st.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusCompleted, got.Status)
	assert.Equal(t, "value-2", got.CurrentNodeID)

	its, err := st.ListInteractions(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, its, 1)

	msgs, err := st.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Empty(t, fake.Sent())
}

func TestAdvanceIntoTransitionSkipsSend(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fake := messenger.NewFake()
	rec := logging.NewMemoryRecorder()
	nudges := &fakeNudges{}
	sc := newTestScript()

	conv := newTestConversation(ctx, st, "conv-1")
	conv.CurrentNodeID = "value-1"
	conv.Path = []string{"welcome-1", "value-1"}
	phase2 := time.Now().Add(-time.Minute)
	conv.Phase2StartedAt = &phase2
	require.NoError(t, st.CreateConversation(ctx, conv))

	nav := NewNavigator(st, fake, rec, nudges, testLogger())
	msg := messenger.Message{ID: "m-3", SenderID: "user-9", Text: "Just starting"}
	require.NoError(t, nav.Advance(ctx, conv, sc, msg, 0))

	got, err := st.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "transition-1", got.CurrentNodeID)

	// The transition node has no outbound choices, but the conversation must
	// stay active until the orchestrator delivered the resume link and
	// completed it; a terminal status here would stop the poller first.
	assert.Equal(t, conversation.StatusActive, got.Status)
	assert.False(t, got.Terminal())

	// The transition message carries the resume link, which does not exist
	// yet; delivery belongs to the handoff orchestrator.
	assert.Empty(t, fake.Sent())
	assert.Empty(t, nudges.Calls())

	events := rec.ByKind(logging.EventAdvanced)
	require.Len(t, events, 1)
	assert.Equal(t, string(script.PhaseTransition), events[0].Phase)
}

func TestSendNodeRendersResumeLink(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fake := messenger.NewFake()
	sc := newTestScript()

	conv := newTestConversation(ctx, st, "conv-1")
	link := "https://app.example.com/resume/tok123"
	conv.ResumeLink = &link

	nav := NewNavigator(st, fake, logging.NewMemoryRecorder(), nil, testLogger())
	require.NoError(t, nav.SendNode(ctx, conv, sc, "transition-1"))

	sent := fake.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Continue here: https://app.example.com/resume/tok123", sent[0].Text)
	assert.Equal(t, "user-9", sent[0].UserID)

	msgs, err := st.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.MessageBot, msgs[0].Kind)
}

func TestSendNodeUnknownNode(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	conv := newTestConversation(ctx, st, "conv-1")

	nav := NewNavigator(st, messenger.NewFake(), logging.NewMemoryRecorder(), nil, testLogger())
	err := nav.SendNode(ctx, conv, newTestScript(), "no-such-node")
	assert.Error(t, err)
}
