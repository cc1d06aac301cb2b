package handoff

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MichaelRobotics/Hustler-sub012/internal/conversation"
	"github.com/MichaelRobotics/Hustler-sub012/internal/funnel"
	"github.com/MichaelRobotics/Hustler-sub012/internal/logging"
	"github.com/MichaelRobotics/Hustler-sub012/internal/messenger"
	"github.com/MichaelRobotics/Hustler-sub012/internal/script"
	"github.com/MichaelRobotics/Hustler-sub012/internal/store"
	"github.com/rs/zerolog"
)

func strPtr(s string) *string { return &s }

func mainScript() *script.Script {
	return &script.Script{
		ID:          "funnel-1",
		EntryNodeID: "welcome-1",
		Nodes: []script.Node{
			{ID: "welcome-1", Message: "Welcome", Choices: []script.Choice{
				{Label: "Go", NextNodeID: strPtr("transition-1")},
			}},
			{ID: "transition-1", Message: "You're all set. Continue here: {{link}}"},
		},
		Stages: []script.Stage{
			{Name: "welcome", NodeIDs: []string{"welcome-1"}},
			{Name: "transition", NodeIDs: []string{"transition-1"}},
		},
	}
}

func nextScript() *script.Script {
	return &script.Script{
		ID:          "strategy-1",
		EntryNodeID: "intro-1",
		Nodes: []script.Node{
			{ID: "intro-1", Message: "Let's dig into your setup."},
		},
		Stages: []script.Stage{
			{Name: "welcome", NodeIDs: []string{"intro-1"}},
		},
	}
}

type fixture struct {
	store *store.MemoryStore
	fake  *messenger.Fake
	rec   *logging.MemoryRecorder
	links *LinkService
	orch  *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		fake:  messenger.NewFake(),
		rec:   logging.NewMemoryRecorder(),
		links: NewLinkService("test-secret", "https://app.example.com"),
	}
	f.orch = NewOrchestrator(f.store, f.fake, f.links, mainScript(), nextScript(), f.rec, zerolog.Nop())
	return f
}

func (f *fixture) seedExternal(t *testing.T) *conversation.Conversation {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	conv := &conversation.Conversation{
		ID:             "ext-1",
		ExternalUserID: "user-9",
		ExperienceID:   "exp-1",
		ScriptID:       "funnel-1",
		Kind:           conversation.KindExternal,
		Status:         conversation.StatusActive,
		CurrentNodeID:  "transition-1",
		Path:           []string{"welcome-1", "transition-1"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, f.store.CreateConversation(ctx, conv))

	history := []struct {
		id   string
		kind conversation.MessageKind
		body string
	}{
		{"h-1", conversation.MessageBot, "Welcome"},
		{"h-2", conversation.MessageUser, "Go"},
	}
	for i, h := range history {
		require.NoError(t, f.store.AppendMessage(ctx, &conversation.Message{
			ID:             h.id,
			ConversationID: conv.ID,
			ProviderID:     h.id,
			Kind:           h.kind,
			Body:           h.body,
			CreatedAt:      now.Add(time.Duration(i) * time.Second),
		}))
	}
	return conv
}

func TestRunCreatesLinkedConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedExternal(t)

	require.NoError(t, f.orch.Run(ctx, "ext-1"))

	ext, err := f.store.GetConversation(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusCompleted, ext.Status)
	require.NotNil(t, ext.LinkedConversationID)
	require.NotNil(t, ext.ResumeLink)

	internal, err := f.store.GetConversation(ctx, *ext.LinkedConversationID)
	require.NoError(t, err)
	assert.Equal(t, conversation.KindInternal, internal.Kind)
	assert.Equal(t, conversation.StatusActive, internal.Status)
	assert.Equal(t, "strategy-1", internal.ScriptID)
	assert.Equal(t, "intro-1", internal.CurrentNodeID)
	assert.Equal(t, "user-9", internal.ExternalUserID)

	// History carried over in order.
	copied, err := f.store.ListMessages(ctx, internal.ID)
	require.NoError(t, err)
	require.Len(t, copied, 2)
	assert.Equal(t, "Welcome", copied[0].Body)
	assert.Equal(t, "Go", copied[1].Body)

	// One outbound message carrying the resolved link.
	sent := f.fake.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "user-9", sent[0].UserID)
	assert.Contains(t, sent[0].Text, *ext.ResumeLink)
	assert.NotContains(t, sent[0].Text, "{{link}}")

	token := strings.TrimPrefix(*ext.ResumeLink, "https://app.example.com/resume/")
	resolved, err := f.links.Resolve(token)
	require.NoError(t, err)
	assert.Equal(t, internal.ID, resolved)

	assert.Len(t, f.rec.ByKind(logging.EventHandoff), 1)
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedExternal(t)

	require.NoError(t, f.orch.Run(ctx, "ext-1"))
	require.NoError(t, f.orch.Run(ctx, "ext-1"))

	ext, err := f.store.GetConversation(ctx, "ext-1")
	require.NoError(t, err)

	convs, err := f.store.ListConversations(ctx, "", conversation.KindInternal, 0)
	require.NoError(t, err)
	assert.Len(t, convs, 1)

	copied, err := f.store.ListMessages(ctx, *ext.LinkedConversationID)
	require.NoError(t, err)
	assert.Len(t, copied, 2)

	assert.Len(t, f.fake.Sent(), 1)
	assert.Len(t, f.rec.ByKind(logging.EventHandoff), 1)
}

func TestRunResumesAfterSendFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedExternal(t)

	f.fake.SendErr = errors.New("provider unavailable")
	err := f.orch.Run(ctx, "ext-1")
	require.Error(t, err)

	// Steps before the send stay committed.
	ext, err := f.store.GetConversation(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusActive, ext.Status)
	require.NotNil(t, ext.LinkedConversationID)
	_, err = f.store.GetConversation(ctx, *ext.LinkedConversationID)
	require.NoError(t, err)

	// The retry repeats only the delivery.
	f.fake.SendErr = nil
	require.NoError(t, f.orch.Run(ctx, "ext-1"))

	ext, err = f.store.GetConversation(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusCompleted, ext.Status)

	copied, err := f.store.ListMessages(ctx, *ext.LinkedConversationID)
	require.NoError(t, err)
	assert.Len(t, copied, 2)
	assert.Len(t, f.fake.Sent(), 1)
}

func TestRunDeliversLinkAfterAdvanceIntoTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	conv := &conversation.Conversation{
		ID:             "ext-1",
		ExternalUserID: "user-9",
		ExperienceID:   "exp-1",
		ScriptID:       "funnel-1",
		Kind:           conversation.KindExternal,
		Status:         conversation.StatusActive,
		CurrentNodeID:  "welcome-1",
		Path:           []string{"welcome-1"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, f.store.CreateConversation(ctx, conv))

	// Reach the zero-choice transition node the way production does: through
	// the navigator.
	nav := funnel.NewNavigator(f.store, f.fake, f.rec, nil, zerolog.Nop())
	msg := messenger.Message{ID: "m-1", SenderID: "user-9", Text: "Go"}
	require.NoError(t, nav.Advance(ctx, conv, mainScript(), msg, 0))

	got, err := f.store.GetConversation(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "transition-1", got.CurrentNodeID)
	require.Equal(t, conversation.StatusActive, got.Status)

	// The link send fails transiently; the conversation must stay live so
	// the poller triggers the handoff again.
	f.fake.SendErr = errors.New("provider unavailable")
	require.Error(t, f.orch.Run(ctx, "ext-1"))

	got, err = f.store.GetConversation(ctx, "ext-1")
	require.NoError(t, err)
	assert.False(t, got.Terminal())

	f.fake.SendErr = nil
	require.NoError(t, f.orch.Run(ctx, "ext-1"))

	got, err = f.store.GetConversation(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusCompleted, got.Status)
	require.NotNil(t, got.ResumeLink)

	sent := f.fake.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, *got.ResumeLink)
	assert.Len(t, f.rec.ByKind(logging.EventHandoff), 1)
}

func TestRunRejectsInternalConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.CreateConversation(ctx, &conversation.Conversation{
		ID:            "int-1",
		Kind:          conversation.KindInternal,
		Status:        conversation.StatusActive,
		CurrentNodeID: "intro-1",
	}))

	err := f.orch.Run(ctx, "int-1")
	assert.Error(t, err)
}

func TestRunUnknownConversation(t *testing.T) {
	f := newFixture(t)
	err := f.orch.Run(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
