package dispatch

import "time"

// Config controls the dispatch loop and its workers.
//
// All durations come from Go duration strings in the config file; the app
// layer maps them into this struct.
type Config struct {
	Workers   int
	QueueSize int

	// PollInterval is the scheduler pass cadence.
	PollInterval time.Duration
	// BatchSize bounds how many eligible rows one pass considers.
	BatchSize int

	// MaxAttempts dead-letters an item after this many dispatch attempts.
	MaxAttempts int
	// Backoff for transient failures: base * 2^(attempt-1), jittered,
	// capped at BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	RetryJitter float64 // 0.2 = 20%

	// AdapterTimeout bounds the one true blocking operation: the external
	// publisher call. A timeout classifies as transient.
	AdapterTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 15 * time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.AdapterTimeout <= 0 {
		c.AdapterTimeout = 45 * time.Second
	}
	return c
}
