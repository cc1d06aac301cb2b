// Package poller drives active external conversations: one lightweight
// worker per conversation fetches unread DMs, runs them through validation,
// navigation and escalation, and reschedules itself. The monitoring registry
// supervises the set of workers.
package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/MichaelRobotics/Hustler-sub012/internal/conversation"
	"github.com/MichaelRobotics/Hustler-sub012/internal/funnel"
	"github.com/MichaelRobotics/Hustler-sub012/internal/logging"
	"github.com/MichaelRobotics/Hustler-sub012/internal/messenger"
	"github.com/MichaelRobotics/Hustler-sub012/internal/script"
	"github.com/MichaelRobotics/Hustler-sub012/internal/store"
)

// Config carries the poller cadence and failure bounds. All values are
// deployment configuration.
type Config struct {
	// FastInterval applies during the first FastWindow of the conversation's
	// current phase, SlowInterval afterward.
	FastInterval time.Duration
	SlowInterval time.Duration
	FastWindow   time.Duration

	// MaxConsecutiveFailures bounds transient fetch failures before the
	// poller self-stops and surfaces the error to the registry.
	MaxConsecutiveFailures int

	// AbandonCeiling is the wall-clock inactivity limit measured from the
	// phase reference timestamp.
	AbandonCeiling time.Duration
}

// HandoffRunner triggers the one-time handoff when a conversation reaches
// the transition phase.
type HandoffRunner interface {
	Run(ctx context.Context, conversationID string) error
}

// Deps bundles everything a poller needs. Shared by all pollers; the only
// shared mutable state between workers is the store.
type Deps struct {
	Store      store.Store
	Provider   messenger.Provider
	Navigator  *funnel.Navigator
	Escalation *funnel.Escalation
	Handoff    HandoffRunner
	Script     *script.Script
	Recorder   logging.Recorder
	Logger     zerolog.Logger
	Config     Config
	Now        func() time.Time
}

func (d *Deps) clock() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Poller is one per-conversation worker.
type Poller struct {
	id       string
	deps     Deps
	cancel   context.CancelFunc
	done     chan struct{}
	lastTick atomic.Int64
	failed   atomic.Bool
}

func newPoller(id string, deps Deps) *Poller {
	return &Poller{id: id, deps: deps, done: make(chan struct{})}
}

// LastTick returns when the poller last started a tick.
func (p *Poller) LastTick() time.Time {
	nanos := p.lastTick.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// run is the poller state machine: polling, idle-wait, repeat, until a
// terminal condition or cancellation. Cancellation is cooperative: the
// in-flight tick finishes and commits before the goroutine exits.
func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	failures := 0
	for {
		stop, err := p.tick(ctx)
		if err != nil {
			failures++
			p.deps.Recorder.Record(logging.Event{
				Kind:           logging.EventPollError,
				ConversationID: p.id,
				Detail:         err.Error(),
			})
			if failures >= p.deps.Config.MaxConsecutiveFailures {
				p.failed.Store(true)
				p.deps.Logger.Error().Err(err).Str("conversation_id", p.id).
					Int("failures", failures).Msg("poller giving up after repeated failures")
				return
			}
		} else {
			failures = 0
		}
		if stop {
			return
		}

		timer := time.NewTimer(p.interval(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// interval picks the wait before the next tick: fast polling during the
// first minute of the current phase, slow afterward.
func (p *Poller) interval(ctx context.Context) time.Duration {
	conv, err := p.deps.Store.GetConversation(ctx, p.id)
	if err != nil {
		return p.deps.Config.SlowInterval
	}
	if p.deps.clock().Sub(conv.ReferenceTime()) < p.deps.Config.FastWindow {
		return p.deps.Config.FastInterval
	}
	return p.deps.Config.SlowInterval
}

// tick processes every unread message in provider order. It returns stop
// when the poller should not reschedule, and an error only for transient
// failures that count toward the failure bound.
func (p *Poller) tick(ctx context.Context) (bool, error) {
	now := p.deps.clock()
	p.lastTick.Store(now.UnixNano())

	conv, err := p.deps.Store.GetConversation(ctx, p.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	if conv.Terminal() {
		return true, nil
	}

	// Wall-clock abandonment, independent of replies.
	if now.Sub(conv.ReferenceTime()) > p.deps.Config.AbandonCeiling {
		if err := p.deps.Store.SetStatus(ctx, conv.ID, conversation.StatusAbandoned); err != nil {
			return false, err
		}
		p.deps.Recorder.Record(logging.Event{
			Kind:           logging.EventAbandoned,
			ConversationID: conv.ID,
			NodeID:         conv.CurrentNodeID,
			Detail:         "inactivity ceiling exceeded",
			At:             now,
		})
		return true, nil
	}

	switch script.ClassifyPhase(p.deps.Script, conv.CurrentNodeID) {
	case script.PhaseTransition:
		if err := p.deps.Handoff.Run(ctx, conv.ID); err != nil {
			return false, err
		}
		return true, nil
	case script.PhaseCompleted:
		// Node missing from the script or outside every stage: terminal by
		// classification, never an error.
		if conv.Status == conversation.StatusActive {
			if err := p.deps.Store.SetStatus(ctx, conv.ID, conversation.StatusCompleted); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	msgs, _, err := p.deps.Provider.ListUnread(ctx, conv.ID, conv.MessageCursor)
	if err != nil {
		return false, err
	}

	seen := map[string]bool{}
	for _, msg := range msgs {
		// The provider may replay messages; the cursor plus this set keeps
		// processing at-most-once within and across ticks.
		if msg.ID == "" || seen[msg.ID] || msg.ID == conv.MessageCursor {
			continue
		}
		seen[msg.ID] = true

		node := p.deps.Script.Node(conv.CurrentNodeID)
		if node == nil || len(node.Choices) == 0 {
			break
		}

		if idx, ok := script.MatchChoice(msg.Text, node.Choices); ok {
			err = p.deps.Navigator.Advance(ctx, conv, p.deps.Script, msg, idx)
		} else {
			err = p.deps.Escalation.OnInvalid(ctx, conv, p.deps.Script, msg)
		}
		if errors.Is(err, store.ErrConflict) {
			// Lost the compare-and-set race; next tick re-reads and retries
			// from the unchanged cursor.
			return false, nil
		}
		if err != nil {
			return false, err
		}

		if conv.Status == conversation.StatusAbandoned {
			return true, nil
		}
		if script.ClassifyPhase(p.deps.Script, conv.CurrentNodeID) == script.PhaseTransition {
			if err := p.deps.Handoff.Run(ctx, conv.ID); err != nil {
				return false, err
			}
			return true, nil
		}
		if conv.Terminal() {
			return true, nil
		}
	}

	return false, nil
}
