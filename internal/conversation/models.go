package conversation

import "time"

// Domain models for funnel conversations. A Conversation is the unit of
// state: one end user walking one script, driven either over the external
// DM channel or the internal second-phase surface.

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
	StatusArchived  Status = "archived"
)

// Kind distinguishes the channel a conversation is driven through.
type Kind string

const (
	// KindExternal conversations are polled via the DM provider.
	KindExternal Kind = "external"
	// KindInternal conversations live on the second-phase surface after handoff.
	KindInternal Kind = "internal"
)

// MessageKind is a closed set of message author types. Consumers switch
// exhaustively on it instead of comparing raw strings.
type MessageKind string

const (
	MessageUser   MessageKind = "user"
	MessageBot    MessageKind = "bot"
	MessageSystem MessageKind = "system"
	MessageAdmin  MessageKind = "admin"
)

// Conversation is the persisted state of one user's walk through a script.
type Conversation struct {
	ID             string
	ExternalUserID string
	ExperienceID   string
	ScriptID       string

	Kind   Kind
	Status Status

	CurrentNodeID string
	Path          []string

	InvalidCount  int
	LastInvalidAt *time.Time
	LastValidAt   *time.Time

	// MessageCursor is the provider cursor of the last inbound message that
	// was fully processed. Replays at or before it are ignored.
	MessageCursor string

	// Phase2StartedAt restarts the inactivity clock when the qualification
	// portion of the script is entered.
	Phase2StartedAt *time.Time

	// LinkedConversationID points an external conversation forward to the
	// internal one created by handoff. Set at most once.
	LinkedConversationID *string
	ResumeLink           *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReferenceTime returns the timestamp the inactivity ceiling and nudge
// offsets are measured from: phase-2 entry once it happened, creation before.
func (c *Conversation) ReferenceTime() time.Time {
	if c.Phase2StartedAt != nil {
		return *c.Phase2StartedAt
	}
	return c.CreatedAt
}

// Terminal reports whether the conversation can no longer advance.
func (c *Conversation) Terminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusAbandoned || c.Status == StatusArchived
}

// Interaction is one append-only log entry: a user reply accepted at a node
// and the transition it produced. Never mutated after insert.
type Interaction struct {
	ID             string
	ConversationID string
	NodeID         string
	ChosenOption   string
	RawText        string
	NextNodeID     string
	CreatedAt      time.Time
}

// Message is one entry of a conversation's message history, covering both
// sides of the dialogue so handoff can replay it verbatim.
type Message struct {
	ID             string
	ConversationID string
	ProviderID     string
	Kind           MessageKind
	Body           string
	CreatedAt      time.Time
}
