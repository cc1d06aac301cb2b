/*
Package jobqueue provides a River-based job queue for the funnel engine's
wall-clock work: the hourly abandonment sweep and the phase-relative nudge
reminders. Both are independent of any poller's liveness, so a conversation
whose poller crashed is still swept and nudged on schedule.
*/
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog"

	"github.com/MichaelRobotics/Hustler-sub012/internal/conversation"
	"github.com/MichaelRobotics/Hustler-sub012/internal/logging"
	"github.com/MichaelRobotics/Hustler-sub012/internal/messenger"
	"github.com/MichaelRobotics/Hustler-sub012/internal/store"
)

// AbandonSweepArgs is the periodic job that abandons conversations past the
// inactivity ceiling.
type AbandonSweepArgs struct{}

// Kind returns the job kind for River.
func (AbandonSweepArgs) Kind() string { return "abandon_sweep" }

// NudgeArgs is one scheduled reminder. PhaseStart pins the nudge to the
// phase epoch it was scheduled in; a conversation that moved to a later
// phase restarts its clock and stale nudges are dropped.
type NudgeArgs struct {
	ConversationID string        `json:"conversation_id"`
	Offset         time.Duration `json:"offset"`
	PhaseStart     time.Time     `json:"phase_start"`
}

// Kind returns the job kind for River.
func (NudgeArgs) Kind() string { return "nudge" }

// AbandonSweepWorker scans for over-ceiling conversations and abandons them.
type AbandonSweepWorker struct {
	river.WorkerDefaults[AbandonSweepArgs]
	store    store.Store
	recorder logging.Recorder
	config   *QueueConfig
	logger   zerolog.Logger
}

// Work abandons every active conversation whose reference timestamp crossed
// the ceiling. Pollers notice the status change on their next tick and stop
// themselves; conversations without a running poller are covered here too.
func (w *AbandonSweepWorker) Work(ctx context.Context, _ *river.Job[AbandonSweepArgs]) error {
	cutoff := time.Now().Add(-w.config.AbandonCeiling)
	stale, err := w.store.StaleActive(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to query stale conversations: %w", err)
	}

	for _, c := range stale {
		if err := w.store.SetStatus(ctx, c.ID, conversation.StatusAbandoned); err != nil {
			return fmt.Errorf("failed to abandon conversation %s: %w", c.ID, err)
		}
		w.recorder.Record(logging.Event{
			Kind:           logging.EventAbandoned,
			ConversationID: c.ID,
			NodeID:         c.CurrentNodeID,
			Detail:         "inactivity ceiling exceeded",
		})
	}

	if len(stale) > 0 {
		w.logger.Info().Int("count", len(stale)).Msg("abandonment sweep completed")
	}
	return nil
}

// samePhaseEpoch compares phase timestamps at microsecond precision, the
// finest Postgres keeps for timestamptz. The enqueued PhaseStart carries
// nanoseconds while the value read back from the store is truncated, so an
// exact Equal would drop every nudge.
func samePhaseEpoch(a, b time.Time) bool {
	return a.Truncate(time.Microsecond).Equal(b.Truncate(time.Microsecond))
}

// NudgeWorker delivers one scheduled reminder if the conversation still
// qualifies for it.
type NudgeWorker struct {
	river.WorkerDefaults[NudgeArgs]
	store    store.Store
	provider messenger.Provider
	recorder logging.Recorder
	config   *QueueConfig
	logger   zerolog.Logger
}

func (w *NudgeWorker) Work(ctx context.Context, job *river.Job[NudgeArgs]) error {
	args := job.Args

	conv, err := w.store.GetConversation(ctx, args.ConversationID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to load conversation for nudge: %w", err)
	}

	// Only still-active conversations in the same phase epoch get nudged.
	if conv.Status != conversation.StatusActive {
		return nil
	}
	if !samePhaseEpoch(conv.ReferenceTime(), args.PhaseStart) {
		return nil
	}
	if time.Since(conv.ReferenceTime()) > w.config.AbandonCeiling {
		return nil
	}

	if _, err := w.provider.Send(ctx, conv.ExternalUserID, w.config.NudgeText); err != nil {
		return fmt.Errorf("failed to send nudge: %w", err)
	}

	w.recorder.Record(logging.Event{
		Kind:           logging.EventNudged,
		ConversationID: conv.ID,
		NodeID:         conv.CurrentNodeID,
		Detail:         args.Offset.String(),
	})
	return nil
}

// JobQueue manages the River job queue.
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
}

// NewJobQueue creates a new job queue instance wired to the given store and
// provider.
func NewJobQueue(databaseURL string, config *QueueConfig, st store.Store, provider messenger.Provider, recorder logging.Recorder, logger zerolog.Logger) (*JobQueue, error) {
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &AbandonSweepWorker{store: st, recorder: recorder, config: config, logger: logger})
	river.AddWorker(workers, &NudgeWorker{store: st, provider: provider, recorder: recorder, config: config, logger: logger})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(config.SweepInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return AbandonSweepArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
	}, nil
}

// Start starts the job queue workers.
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers.
func (jq *JobQueue) Stop(ctx context.Context) error {
	if err := jq.client.Stop(ctx); err != nil {
		return err
	}
	jq.pool.Close()
	return nil
}

// ScheduleNudges enqueues one reminder per configured offset, all relative
// to the phase entry time. Implements funnel.NudgeScheduler.
func (jq *JobQueue) ScheduleNudges(ctx context.Context, conversationID string, phaseStart time.Time) error {
	for _, offset := range jq.config.NudgeOffsets {
		if offset >= jq.config.AbandonCeiling {
			continue
		}
		args := NudgeArgs{
			ConversationID: conversationID,
			Offset:         offset,
			PhaseStart:     phaseStart,
		}
		_, err := jq.client.Insert(ctx, args, &river.InsertOpts{
			ScheduledAt: phaseStart.Add(offset),
		})
		if err != nil {
			return fmt.Errorf("failed to queue nudge job: %w", err)
		}
	}
	return nil
}
