package batcher

import (
	"fmt"
	"time"
)

const (
	// DefaultMaxBatchSize is the window size that triggers an immediate dispatch.
	DefaultMaxBatchSize = 10

	// DefaultDelay is how long a window stays open after the most recent enqueue.
	DefaultDelay = 50 * time.Millisecond
)

// Config holds the batcher configuration.
type Config struct {
	// MaxBatchSize closes a window as soon as it holds this many requests.
	MaxBatchSize int

	// Delay is measured from the most recent enqueue into the open window.
	Delay time.Duration

	// PositionalFallback answers requests beyond the end of a short response
	// array with its first element instead of failing them with ErrMalformed.
	// Only enable it for upstreams known to collapse identical answers.
	PositionalFallback bool
}

// DefaultConfig returns the default batcher configuration.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: DefaultMaxBatchSize,
		Delay:        DefaultDelay,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be >= 1 (got %d)", c.MaxBatchSize)
	}
	if c.Delay <= 0 {
		return fmt.Errorf("delay must be > 0 (got %v)", c.Delay)
	}
	return nil
}
