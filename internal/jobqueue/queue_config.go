package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds all configurable parameters for the job queue.
type QueueConfig struct {
	// Worker configuration
	MaxWorkers int // Number of concurrent workers processing jobs (default: 5)

	// Retry configuration
	MaxRetries int           // Maximum retry attempts per job (default: 10)
	JobTimeout time.Duration // Maximum time a single job can run (default: 1 minute)

	// Sweep configuration
	SweepInterval  time.Duration // How often the abandonment sweep runs (default: 1 hour)
	AbandonCeiling time.Duration // Inactivity ceiling measured from the phase reference time (default: 24 hours)

	// Nudge configuration
	NudgeOffsets []time.Duration // Phase-relative reminder offsets (default: 10m, 60m, 12h)
	NudgeText    string          // Reminder message body
}

// DefaultQueueConfig returns the default configuration.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers: 5,
		MaxRetries: 10,
		JobTimeout: 1 * time.Minute,

		SweepInterval:  1 * time.Hour,
		AbandonCeiling: 24 * time.Hour,

		NudgeOffsets: []time.Duration{10 * time.Minute, 60 * time.Minute, 12 * time.Hour},
		NudgeText:    "Just checking in - reply with one of the options above whenever you're ready.",
	}
}

// RiverQueueConfig converts our config to River's queue configuration format.
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
