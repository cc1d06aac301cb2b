// Package funnel applies validated user replies to conversation state: the
// navigator advances the script graph, the escalation policy handles
// everything that failed validation.
package funnel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MichaelRobotics/Hustler-sub012/internal/conversation"
	"github.com/MichaelRobotics/Hustler-sub012/internal/logging"
	"github.com/MichaelRobotics/Hustler-sub012/internal/messenger"
	"github.com/MichaelRobotics/Hustler-sub012/internal/script"
	"github.com/MichaelRobotics/Hustler-sub012/internal/store"
)

// NudgeScheduler schedules reminder messages relative to a phase entry time.
// The job queue implements it; a nil scheduler disables nudges.
type NudgeScheduler interface {
	ScheduleNudges(ctx context.Context, conversationID string, phaseStart time.Time) error
}

// Navigator commits accepted replies. Every transition goes through the
// store's compare-and-set on the current node id, and interaction/message
// ids are derived from the inbound provider message id, so a replayed or
// concurrently retried tick can never double-advance or double-record.
type Navigator struct {
	store    store.Store
	provider messenger.Provider
	recorder logging.Recorder
	nudges   NudgeScheduler
	logger   zerolog.Logger
	now      func() time.Time
}

func NewNavigator(st store.Store, provider messenger.Provider, recorder logging.Recorder, nudges NudgeScheduler, logger zerolog.Logger) *Navigator {
	return &Navigator{
		store:    st,
		provider: provider,
		recorder: recorder,
		nudges:   nudges,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the navigator's time source. Used by tests.
func (n *Navigator) SetClock(now func() time.Time) { n.now = now }

// interactionID derives a stable id from the inbound message, so the
// append-only log stays at-most-once per accepted reply.
func interactionID(conversationID, messageID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("interaction/"+conversationID+"/"+messageID)).String()
}

func historyMessageID(conversationID, providerID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("message/"+conversationID+"/"+providerID)).String()
}

// Advance applies the matched choice to the conversation: appends the
// interaction record, moves the current node (or completes the
// conversation), records the message history and sends exactly one outbound
// message. Returns store.ErrConflict when a concurrent update won the
// compare-and-set race; the caller retries the tick against fresh state.
func (n *Navigator) Advance(ctx context.Context, conv *conversation.Conversation, sc *script.Script, msg messenger.Message, choiceIdx int) error {
	node := sc.Node(conv.CurrentNodeID)
	if node == nil {
		return fmt.Errorf("conversation %s: current node %q not in script %s", conv.ID, conv.CurrentNodeID, sc.ID)
	}
	if choiceIdx < 0 || choiceIdx >= len(node.Choices) {
		return fmt.Errorf("conversation %s: choice index %d out of range at node %q", conv.ID, choiceIdx, node.ID)
	}
	choice := node.Choices[choiceIdx]

	now := n.now()
	expectedNode := conv.CurrentNodeID

	nextNodeID := ""
	var nextNode *script.Node
	if choice.NextNodeID != nil {
		nextNodeID = *choice.NextNodeID
		nextNode = sc.Node(nextNodeID)
		conv.CurrentNodeID = nextNodeID
		conv.Path = append(conv.Path, nextNodeID)
	}
	phase := script.ClassifyPhase(sc, conv.CurrentNodeID)
	if (choice.NextNodeID == nil || sc.TerminalNode(nextNodeID)) && phase != script.PhaseTransition {
		// A transition node without outbound choices stays active: the
		// handoff orchestrator completes the conversation in its final step,
		// after the resume link was delivered. Completing it here would
		// strand the handoff if that delivery has to be retried.
		conv.Status = conversation.StatusCompleted
	}

	conv.InvalidCount = 0
	conv.LastValidAt = &now
	conv.MessageCursor = msg.ID
	conv.UpdatedAt = now

	phaseEntered := false
	if phase == script.PhaseTwo && conv.Phase2StartedAt == nil {
		conv.Phase2StartedAt = &now
		phaseEntered = true
	}

	if err := n.store.UpdateConversation(ctx, conv, expectedNode); err != nil {
		return err
	}

	it := &conversation.Interaction{
		ID:             interactionID(conv.ID, msg.ID),
		ConversationID: conv.ID,
		NodeID:         node.ID,
		ChosenOption:   choice.Label,
		RawText:        msg.Text,
		NextNodeID:     nextNodeID,
		CreatedAt:      now,
	}
	if err := n.store.AppendInteraction(ctx, it); err != nil {
		return fmt.Errorf("failed to record interaction: %w", err)
	}

	if err := n.store.AppendMessage(ctx, &conversation.Message{
		ID:             historyMessageID(conv.ID, msg.ID),
		ConversationID: conv.ID,
		ProviderID:     msg.ID,
		Kind:           conversation.MessageUser,
		Body:           msg.Text,
		CreatedAt:      now,
	}); err != nil {
		return fmt.Errorf("failed to record user message: %w", err)
	}

	if phaseEntered && n.nudges != nil {
		if err := n.nudges.ScheduleNudges(ctx, conv.ID, now); err != nil {
			// Nudges are best effort; losing them must not block progression.
			n.logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("failed to schedule nudges")
		}
	}

	n.recorder.Record(logging.Event{
		Kind:           logging.EventAdvanced,
		ConversationID: conv.ID,
		NodeID:         conv.CurrentNodeID,
		Phase:          string(phase),
		Detail:         choice.Label,
		At:             now,
	})

	if nextNode == nil {
		return nil
	}
	if phase == script.PhaseTransition {
		// The handoff orchestrator delivers the transition message once the
		// resumable link exists.
		return nil
	}

	outbound := RenderTemplate(nextNode.Message, n.messageVars(conv))
	return n.sendBot(ctx, conv, outbound, now)
}

// SendNode delivers a node's message without advancing state. Used for the
// initial welcome send when a conversation is created.
func (n *Navigator) SendNode(ctx context.Context, conv *conversation.Conversation, sc *script.Script, nodeID string) error {
	node := sc.Node(nodeID)
	if node == nil {
		return fmt.Errorf("conversation %s: node %q not in script %s", conv.ID, nodeID, sc.ID)
	}
	return n.sendBot(ctx, conv, RenderTemplate(node.Message, n.messageVars(conv)), n.now())
}

func (n *Navigator) messageVars(conv *conversation.Conversation) map[string]string {
	vars := map[string]string{
		"user": conv.ExternalUserID,
	}
	if conv.ResumeLink != nil {
		vars["link"] = *conv.ResumeLink
	}
	return vars
}

func (n *Navigator) sendBot(ctx context.Context, conv *conversation.Conversation, text string, now time.Time) error {
	providerID, err := n.provider.Send(ctx, conv.ExternalUserID, text)
	if err != nil {
		// State is already committed; the cursor prevents a double-advance,
		// so the failed send is surfaced without rolling anything back.
		return fmt.Errorf("failed to send outbound message: %w", err)
	}
	if err := n.store.AppendMessage(ctx, &conversation.Message{
		ID:             historyMessageID(conv.ID, providerID),
		ConversationID: conv.ID,
		ProviderID:     providerID,
		Kind:           conversation.MessageBot,
		Body:           text,
		CreatedAt:      now,
	}); err != nil {
		return fmt.Errorf("failed to record bot message: %w", err)
	}
	return nil
}
