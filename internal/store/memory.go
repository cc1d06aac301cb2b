package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MichaelRobotics/Hustler-sub012/internal/conversation"
)

// MemoryStore is an in-process Store used by unit tests. It honors the same
// compare-and-set contract as the Postgres implementation.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*conversation.Conversation
	interactions  map[string][]*conversation.Interaction
	messages      map[string][]*conversation.Message
	seenIDs       map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*conversation.Conversation),
		interactions:  make(map[string][]*conversation.Interaction),
		messages:      make(map[string][]*conversation.Message),
		seenIDs:       make(map[string]bool),
	}
}

func cloneConversation(c *conversation.Conversation) *conversation.Conversation {
	cp := *c
	cp.Path = append([]string(nil), c.Path...)
	if c.LastInvalidAt != nil {
		t := *c.LastInvalidAt
		cp.LastInvalidAt = &t
	}
	if c.LastValidAt != nil {
		t := *c.LastValidAt
		cp.LastValidAt = &t
	}
	if c.Phase2StartedAt != nil {
		t := *c.Phase2StartedAt
		cp.Phase2StartedAt = &t
	}
	if c.LinkedConversationID != nil {
		s := *c.LinkedConversationID
		cp.LinkedConversationID = &s
	}
	if c.ResumeLink != nil {
		s := *c.ResumeLink
		cp.ResumeLink = &s
	}
	return &cp
}

func (s *MemoryStore) CreateConversation(_ context.Context, c *conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = cloneConversation(c)
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

func (s *MemoryStore) ListConversations(_ context.Context, status conversation.Status, kind conversation.Kind, limit int) ([]*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*conversation.Conversation
	for _, c := range s.conversations {
		if status != "" && c.Status != status {
			continue
		}
		if kind != "" && c.Kind != kind {
			continue
		}
		out = append(out, cloneConversation(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ActiveExternalIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, c := range s.conversations {
		if c.Status == conversation.StatusActive && c.Kind == conversation.KindExternal {
			ids = append(ids, c.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) UpdateConversation(_ context.Context, c *conversation.Conversation, expectedNode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.conversations[c.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.CurrentNodeID != expectedNode {
		return ErrConflict
	}
	s.conversations[c.ID] = cloneConversation(c)
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status conversation.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) LinkConversations(_ context.Context, externalID, internalID, resumeLink string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[externalID]
	if !ok {
		return ErrNotFound
	}
	if c.LinkedConversationID != nil && *c.LinkedConversationID != internalID {
		return ErrConflict
	}
	c.LinkedConversationID = &internalID
	c.ResumeLink = &resumeLink
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) StaleActive(_ context.Context, cutoff time.Time) ([]*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*conversation.Conversation
	for _, c := range s.conversations {
		if c.Status != conversation.StatusActive {
			continue
		}
		if c.ReferenceTime().Before(cutoff) {
			out = append(out, cloneConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AppendInteraction(_ context.Context, it *conversation.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenIDs["interaction:"+it.ID] {
		return nil
	}
	s.seenIDs["interaction:"+it.ID] = true
	cp := *it
	s.interactions[it.ConversationID] = append(s.interactions[it.ConversationID], &cp)
	return nil
}

func (s *MemoryStore) ListInteractions(_ context.Context, conversationID string) ([]*conversation.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.interactions[conversationID]
	out := make([]*conversation.Interaction, 0, len(src))
	for _, it := range src {
		cp := *it
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, m *conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenIDs["message:"+m.ID] {
		return nil
	}
	s.seenIDs["message:"+m.ID] = true
	cp := *m
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], &cp)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]*conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.messages[conversationID]
	out := make([]*conversation.Message, 0, len(src))
	for _, m := range src {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}
