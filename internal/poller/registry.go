package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MichaelRobotics/Hustler-sub012/internal/conversation"
	"github.com/MichaelRobotics/Hustler-sub012/internal/logging"
)

// Registry supervises the active pollers: at most one per conversation id,
// idempotent start, cooperative stop, and rebuild from persisted state after
// a restart. It is an explicit object with injected dependencies, never a
// package-level singleton.
type Registry struct {
	mu      sync.Mutex
	pollers map[string]*Poller
	deps    Deps
}

// Status describes one conversation's poller.
type Status struct {
	Running  bool      `json:"running"`
	Failed   bool      `json:"failed"`
	LastTick time.Time `json:"last_tick"`
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{
		pollers: make(map[string]*Poller),
		deps:    deps,
	}
}

// Start launches a poller for the conversation. A no-op when one is already
// running.
func (r *Registry) Start(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, running := r.pollers[conversationID]; running {
		select {
		case <-existing.done:
			// The poller exited but its goroutine has not removed the map
			// entry yet; replace it instead of no-opping against a dead one.
		default:
			return
		}
	}

	p := newPoller(conversationID, r.deps)
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	r.pollers[conversationID] = p

	go func() {
		p.run(ctx)
		cancel()
		r.mu.Lock()
		if r.pollers[conversationID] == p {
			delete(r.pollers, conversationID)
		}
		r.mu.Unlock()
	}()

	r.deps.Logger.Info().Str("conversation_id", conversationID).Msg("poller started")
}

// Stop cancels the conversation's poller and waits for its in-flight tick
// to commit. Returns once the poller exited or ctx ran out.
func (r *Registry) Stop(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	p, running := r.pollers[conversationID]
	r.mu.Unlock()
	if !running {
		return nil
	}

	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for poller %s to stop: %w", conversationID, ctx.Err())
	}
}

// Status reports whether a poller is running and when it last ticked.
func (r *Registry) Status(conversationID string) Status {
	r.mu.Lock()
	p, running := r.pollers[conversationID]
	r.mu.Unlock()
	if !running {
		return Status{}
	}
	return Status{Running: true, Failed: p.failed.Load(), LastTick: p.LastTick()}
}

// Running returns the ids of all supervised pollers.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.pollers))
	for id := range r.pollers {
		ids = append(ids, id)
	}
	return ids
}

// Rebuild reconstructs the active set from persisted conversation status, so
// a process restart does not silently abandon live conversations. Anything
// already past the inactivity ceiling is abandoned immediately instead of
// being polled again.
func (r *Registry) Rebuild(ctx context.Context) error {
	cutoff := r.deps.clock().Add(-r.deps.Config.AbandonCeiling)
	stale, err := r.deps.Store.StaleActive(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to sweep stale conversations at boot: %w", err)
	}
	for _, c := range stale {
		if c.Kind != conversation.KindExternal {
			continue
		}
		if err := r.deps.Store.SetStatus(ctx, c.ID, conversation.StatusAbandoned); err != nil {
			return fmt.Errorf("failed to abandon stale conversation %s: %w", c.ID, err)
		}
		r.deps.Recorder.Record(logging.Event{
			Kind:           logging.EventAbandoned,
			ConversationID: c.ID,
			NodeID:         c.CurrentNodeID,
			Detail:         "inactivity ceiling exceeded before restart",
		})
	}

	ids, err := r.deps.Store.ActiveExternalIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active conversations: %w", err)
	}
	for _, id := range ids {
		r.Start(id)
	}
	r.deps.Logger.Info().Int("count", len(ids)).Msg("registry rebuilt from store")
	return nil
}

// StopAll shuts every poller down, waiting up to ctx for each.
func (r *Registry) StopAll(ctx context.Context) {
	for _, id := range r.Running() {
		if err := r.Stop(ctx, id); err != nil {
			r.deps.Logger.Warn().Err(err).Str("conversation_id", id).Msg("poller did not stop cleanly")
		}
	}
}
