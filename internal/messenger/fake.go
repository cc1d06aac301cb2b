package messenger

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Fake is a scripted in-memory Provider and Notifier used by tests. Inbound
// messages are queued per conversation; sends and notifications are captured
// for assertions.
type Fake struct {
	mu sync.Mutex

	inbound  map[string][]Message
	sent     []SentMessage
	notified []string

	// ListErr, when set, is returned by ListUnread until cleared. Simulates
	// transient provider failures.
	ListErr error
	// SendErr, when set, is returned by Send until cleared.
	SendErr error

	nextID int
}

// SentMessage records one outbound send.
type SentMessage struct {
	UserID string
	Text   string
}

func NewFake() *Fake {
	return &Fake{inbound: make(map[string][]Message)}
}

// QueueInbound appends a user reply for the conversation and returns its id.
func (f *Fake) QueueInbound(conversationID, senderID, text string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg := Message{ID: "m-" + strconv.Itoa(f.nextID), SenderID: senderID, Text: text}
	f.inbound[conversationID] = append(f.inbound[conversationID], msg)
	return msg.ID
}

func (f *Fake) ListUnread(_ context.Context, conversationID, sinceCursor string) ([]Message, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, "", f.ListErr
	}
	all := f.inbound[conversationID]
	start := 0
	if sinceCursor != "" {
		for i, m := range all {
			if m.ID == sinceCursor {
				start = i + 1
				break
			}
		}
	}
	msgs := append([]Message(nil), all[start:]...)
	cursor := sinceCursor
	if len(msgs) > 0 {
		cursor = msgs[len(msgs)-1].ID
	}
	return msgs, cursor, nil
}

func (f *Fake) Send(_ context.Context, userID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.sent = append(f.sent, SentMessage{UserID: userID, Text: text})
	f.nextID++
	return fmt.Sprintf("out-%d", f.nextID), nil
}

func (f *Fake) Notify(_ context.Context, conversationID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, conversationID+":"+reason)
	return nil
}

// Sent returns a copy of every outbound send so far.
func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

// Notifications returns captured side-channel notifications.
func (f *Fake) Notifications() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notified...)
}
