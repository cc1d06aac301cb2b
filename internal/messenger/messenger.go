// Package messenger talks to the external DM provider. The provider is
// eventually consistent, rate-limits bursts and may return duplicate
// messages; this package owns the rate limiting while callers own dedup by
// message cursor.
package messenger

import (
	"context"
	"time"
)

// Message is one inbound DM as reported by the provider.
type Message struct {
	ID       string    `json:"id"`
	SenderID string    `json:"sender_id"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
}

// Provider is the DM channel collaborator. ListUnread returns messages in
// provider order after the cursor, plus the cursor to resume from next tick.
type Provider interface {
	ListUnread(ctx context.Context, conversationID, sinceCursor string) ([]Message, string, error)
	Send(ctx context.Context, userID, text string) (string, error)
}

// Notifier is the fire-and-forget side channel used by the escalation
// policy's second-strike warning. Failures never affect conversation state.
type Notifier interface {
	Notify(ctx context.Context, conversationID, reason string) error
}
