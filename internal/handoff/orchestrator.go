// Package handoff moves a finished external conversation onto the internal
// second-phase surface: it creates the linked internal conversation, copies
// the message history, and delivers a resumable link over the original
// channel. Every step is idempotent so an interrupted handoff converges on
// retry instead of duplicating conversations.
package handoff

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MichaelRobotics/Hustler-sub012/internal/conversation"
	"github.com/MichaelRobotics/Hustler-sub012/internal/funnel"
	"github.com/MichaelRobotics/Hustler-sub012/internal/logging"
	"github.com/MichaelRobotics/Hustler-sub012/internal/messenger"
	"github.com/MichaelRobotics/Hustler-sub012/internal/script"
	"github.com/MichaelRobotics/Hustler-sub012/internal/store"
)

// Orchestrator performs the one-time external-to-internal handoff.
type Orchestrator struct {
	store      store.Store
	provider   messenger.Provider
	links      *LinkService
	mainScript *script.Script
	nextScript *script.Script
	recorder   logging.Recorder
	logger     zerolog.Logger
	now        func() time.Time
}

func NewOrchestrator(st store.Store, provider messenger.Provider, links *LinkService, mainScript, nextScript *script.Script, recorder logging.Recorder, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:      st,
		provider:   provider,
		links:      links,
		mainScript: mainScript,
		nextScript: nextScript,
		recorder:   recorder,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the orchestrator's time source. Used by tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// internalIDFor derives the internal conversation id from the originating
// one, so a crashed-and-retried handoff recreates the same conversation
// instead of a second.
func internalIDFor(externalID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("handoff/"+externalID)).String()
}

func copiedMessageID(internalID, sourceMessageID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("copy/"+internalID+"/"+sourceMessageID)).String()
}

// Run executes the handoff for the given originating conversation. Safe to
// call more than once: a completed handoff returns immediately, a partial
// one resumes where it stopped.
func (o *Orchestrator) Run(ctx context.Context, conversationID string) error {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation for handoff: %w", err)
	}
	if conv.Kind != conversation.KindExternal {
		return fmt.Errorf("conversation %s is not an external conversation", conv.ID)
	}
	// Completed is only ever set on a transition conversation by the final
	// step below, so a linked, completed conversation proves the resume link
	// was delivered. A handoff interrupted earlier leaves the conversation
	// active and re-runs from the top.
	if conv.LinkedConversationID != nil && conv.Status == conversation.StatusCompleted {
		return nil
	}

	now := o.now()
	internalID := internalIDFor(conv.ID)
	if conv.LinkedConversationID != nil {
		internalID = *conv.LinkedConversationID
	}

	// Step 1: create the internal conversation unless it already exists.
	if _, err := o.store.GetConversation(ctx, internalID); err == store.ErrNotFound {
		entry := o.nextScript.EntryNodeID
		internal := &conversation.Conversation{
			ID:             internalID,
			ExternalUserID: conv.ExternalUserID,
			ExperienceID:   conv.ExperienceID,
			ScriptID:       o.nextScript.ID,
			Kind:           conversation.KindInternal,
			Status:         conversation.StatusActive,
			CurrentNodeID:  entry,
			Path:           []string{entry},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := o.store.CreateConversation(ctx, internal); err != nil {
			return fmt.Errorf("failed to create internal conversation: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to check for linked conversation: %w", err)
	}

	// Step 2: copy history. Copied ids are derived from the source ids, so
	// re-copying after an interruption inserts nothing new.
	history, err := o.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("failed to read message history: %w", err)
	}
	for _, m := range history {
		if err := o.store.AppendMessage(ctx, &conversation.Message{
			ID:             copiedMessageID(internalID, m.ID),
			ConversationID: internalID,
			ProviderID:     m.ProviderID,
			Kind:           m.Kind,
			Body:           m.Body,
			CreatedAt:      m.CreatedAt,
		}); err != nil {
			return fmt.Errorf("failed to copy message history: %w", err)
		}
	}

	// Step 4: mint the resumable link and persist the forward link.
	link, err := o.links.Generate(internalID, now)
	if err != nil {
		return fmt.Errorf("failed to generate resume link: %w", err)
	}
	if err := o.store.LinkConversations(ctx, conv.ID, internalID, link); err != nil {
		return fmt.Errorf("failed to link conversations: %w", err)
	}

	// Step 5: one outbound message on the original channel carrying the link.
	text := "You're all set. Continue here: {{link}}"
	if node := o.mainScript.Node(conv.CurrentNodeID); node != nil {
		text = node.Message
	}
	text = funnel.RenderTemplate(text, map[string]string{"link": link, "user": conv.ExternalUserID})

	providerID, err := o.provider.Send(ctx, conv.ExternalUserID, text)
	if err != nil {
		// Steps 1-4 stay committed; the retry finds the linked conversation
		// and only repeats the send.
		return fmt.Errorf("failed to send handoff message: %w", err)
	}
	if err := o.store.AppendMessage(ctx, &conversation.Message{
		ID:             copiedMessageID(conv.ID, providerID),
		ConversationID: conv.ID,
		ProviderID:     providerID,
		Kind:           conversation.MessageBot,
		Body:           text,
		CreatedAt:      now,
	}); err != nil {
		return fmt.Errorf("failed to record handoff message: %w", err)
	}

	// Step 6: the originating conversation is done.
	if err := o.store.SetStatus(ctx, conv.ID, conversation.StatusCompleted); err != nil {
		return fmt.Errorf("failed to complete originating conversation: %w", err)
	}

	o.recorder.Record(logging.Event{
		Kind:           logging.EventHandoff,
		ConversationID: conv.ID,
		NodeID:         conv.CurrentNodeID,
		Phase:          string(script.PhaseTransition),
		Detail:         internalID,
		At:             now,
	})
	return nil
}
