package funnel

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/MichaelRobotics/Hustler-sub012/internal/conversation"
	"github.com/MichaelRobotics/Hustler-sub012/internal/logging"
	"github.com/MichaelRobotics/Hustler-sub012/internal/messenger"
	"github.com/MichaelRobotics/Hustler-sub012/internal/script"
	"github.com/MichaelRobotics/Hustler-sub012/internal/store"
)

// EscalationConfig carries the re-prompt ladder's tuned values. All of them
// are deployment configuration, not invariants.
type EscalationConfig struct {
	MaxStrikes    int
	RepromptText  string
	WarningText   string
	AbandonedText string
}

// Escalation implements the invalid-reply ladder: re-prompt, warn with a
// side-channel notification, then abandon.
type Escalation struct {
	cfg      EscalationConfig
	store    store.Store
	provider messenger.Provider
	notifier messenger.Notifier
	recorder logging.Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

func NewEscalation(cfg EscalationConfig, st store.Store, provider messenger.Provider, notifier messenger.Notifier, recorder logging.Recorder, logger zerolog.Logger) *Escalation {
	if cfg.MaxStrikes < 1 {
		cfg.MaxStrikes = 3
	}
	return &Escalation{
		cfg:      cfg,
		store:    st,
		provider: provider,
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the escalation time source. Used by tests.
func (e *Escalation) SetClock(now func() time.Time) { e.now = now }

// OnInvalid handles one inbound message that matched no choice. The counter
// is committed through the same compare-and-set as the navigator, so an
// invalid reply raced against a concurrent transition is retried rather than
// double-counted.
func (e *Escalation) OnInvalid(ctx context.Context, conv *conversation.Conversation, sc *script.Script, msg messenger.Message) error {
	now := e.now()
	expectedNode := conv.CurrentNodeID

	conv.InvalidCount++
	conv.LastInvalidAt = &now
	conv.MessageCursor = msg.ID
	conv.UpdatedAt = now

	abandoned := conv.InvalidCount >= e.cfg.MaxStrikes
	if abandoned {
		conv.Status = conversation.StatusAbandoned
	}

	if err := e.store.UpdateConversation(ctx, conv, expectedNode); err != nil {
		return err
	}

	if err := e.store.AppendMessage(ctx, &conversation.Message{
		ID:             historyMessageID(conv.ID, msg.ID),
		ConversationID: conv.ID,
		ProviderID:     msg.ID,
		Kind:           conversation.MessageUser,
		Body:           msg.Text,
		CreatedAt:      now,
	}); err != nil {
		return fmt.Errorf("failed to record user message: %w", err)
	}

	phase := string(script.ClassifyPhase(sc, conv.CurrentNodeID))

	var reply string
	switch {
	case abandoned:
		reply = e.cfg.AbandonedText
		e.recorder.Record(logging.Event{
			Kind:           logging.EventAbandoned,
			ConversationID: conv.ID,
			NodeID:         conv.CurrentNodeID,
			Phase:          phase,
			Detail:         "escalation ladder exhausted",
			At:             now,
		})
	case conv.InvalidCount == 1:
		reply = e.cfg.RepromptText
		e.recorder.Record(logging.Event{
			Kind:           logging.EventNoMatch,
			ConversationID: conv.ID,
			NodeID:         conv.CurrentNodeID,
			Phase:          phase,
			Detail:         msg.Text,
			At:             now,
		})
	default:
		reply = e.cfg.WarningText
		e.recorder.Record(logging.Event{
			Kind:           logging.EventEscalated,
			ConversationID: conv.ID,
			NodeID:         conv.CurrentNodeID,
			Phase:          phase,
			Detail:         fmt.Sprintf("strike %d", conv.InvalidCount),
			At:             now,
		})
		if e.notifier != nil {
			// Fire and forget: a notifier outage must not touch the
			// conversation.
			if err := e.notifier.Notify(ctx, conv.ID, "repeated invalid replies"); err != nil {
				e.logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("operator notification failed")
			}
		}
	}

	providerID, err := e.provider.Send(ctx, conv.ExternalUserID, reply)
	if err != nil {
		return fmt.Errorf("failed to send escalation message: %w", err)
	}
	if err := e.store.AppendMessage(ctx, &conversation.Message{
		ID:             historyMessageID(conv.ID, providerID),
		ConversationID: conv.ID,
		ProviderID:     providerID,
		Kind:           conversation.MessageBot,
		Body:           reply,
		CreatedAt:      now,
	}); err != nil {
		return fmt.Errorf("failed to record escalation message: %w", err)
	}
	return nil
}
