package funnel

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MichaelRobotics/Hustler-sub012/internal/conversation"
	"github.com/MichaelRobotics/Hustler-sub012/internal/script"
	"github.com/MichaelRobotics/Hustler-sub012/internal/store"
)

func strPtr(s string) *string { return &s }

func newTestScript() *script.Script {
	return &script.Script{
		ID:          "funnel-1",
		Version:     1,
		EntryNodeID: "welcome-1",
		Nodes: []script.Node{
			{ID: "welcome-1", Message: "What are you building?", Choices: []script.Choice{
				{Label: "E-commerce", NextNodeID: strPtr("value-1")},
				{Label: "SaaS", NextNodeID: strPtr("value-2")},
			}},
			{ID: "value-1", Message: "Great, how big is your store?", Choices: []script.Choice{
				{Label: "Just starting", NextNodeID: strPtr("transition-1")},
				{Label: "Established", NextNodeID: strPtr("transition-1")},
			}},
			{ID: "value-2", Message: "Nice, how many users?", Choices: []script.Choice{
				{Label: "Under 100", NextNodeID: strPtr("transition-1")},
				{Label: "Over 100", NextNodeID: nil},
			}},
			{ID: "transition-1", Message: "Continue here: {{link}}"},
		},
		Stages: []script.Stage{
			{Name: "welcome", NodeIDs: []string{"welcome-1"}},
			{Name: "qualification", NodeIDs: []string{"value-1", "value-2"}},
			{Name: "transition", NodeIDs: []string{"transition-1"}},
		},
	}
}

func newTestConversation(ctx context.Context, st store.Store, id string) *conversation.Conversation {
	now := time.Now()
	conv := &conversation.Conversation{
		ID:             id,
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
	if err := st.CreateConversation(ctx, conv); err != nil {
		panic(err)
	}
	return conv
}

type fakeNudges struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeNudges) ScheduleNudges(_ context.Context, conversationID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, conversationID)
	return nil
}

func (f *fakeNudges) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
