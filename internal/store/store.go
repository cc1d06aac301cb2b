// Package store persists conversations, the append-only interaction log and
// message history. The conversation update path is compare-and-set on the
// current node id: a duplicate or late-retried tick loses the race instead
// of applying the same transition twice.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MichaelRobotics/Hustler-sub012/internal/conversation"
)

var (
	// ErrNotFound is returned when a conversation id is unknown.
	ErrNotFound = errors.New("conversation not found")
	// ErrConflict is returned when a compare-and-set update lost the race.
	// Callers treat it as transient and retry against freshly read state.
	ErrConflict = errors.New("conversation was modified concurrently")
)

// Store is the persistence seam shared by the navigator, escalation policy,
// poller registry, sweep job and handoff orchestrator.
type Store interface {
	CreateConversation(ctx context.Context, c *conversation.Conversation) error
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, error)
	ListConversations(ctx context.Context, status conversation.Status, kind conversation.Kind, limit int) ([]*conversation.Conversation, error)

	// ActiveExternalIDs returns the ids the monitoring registry should be
	// polling, used to reconstruct the active set after a restart.
	ActiveExternalIDs(ctx context.Context) ([]string, error)

	// UpdateConversation writes c's mutable fields. The write only applies
	// while the stored current node id still equals expectedNode; otherwise
	// ErrConflict is returned and nothing changes.
	UpdateConversation(ctx context.Context, c *conversation.Conversation, expectedNode string) error

	// SetStatus updates lifecycle status unconditionally. Used by the sweep
	// and operator overrides, which do not care about script position.
	SetStatus(ctx context.Context, id string, status conversation.Status) error

	// LinkConversations records the forward link from an external
	// conversation to its handoff-created internal one, along with the
	// resumable link. Idempotent: a second call with the same pair is a no-op.
	LinkConversations(ctx context.Context, externalID, internalID, resumeLink string) error

	// StaleActive returns active conversations whose phase reference
	// timestamp is older than the cutoff, regardless of poller liveness.
	StaleActive(ctx context.Context, cutoff time.Time) ([]*conversation.Conversation, error)

	AppendInteraction(ctx context.Context, it *conversation.Interaction) error
	ListInteractions(ctx context.Context, conversationID string) ([]*conversation.Interaction, error)

	AppendMessage(ctx context.Context, m *conversation.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*conversation.Message, error)
}
