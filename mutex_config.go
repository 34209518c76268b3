package fairlock

import (
	"time"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	defaultEscalateEvery = 1000
	defaultMaxPark       = 100 * time.Millisecond
)

// MutexConfig defines configurable options for Mutex initialization.
type MutexConfig struct {
	// reentrant enables per call chain reentrance, including read-to-write
	// upgrade. Only acquisitions whose context carries a Chain reenter.
	reentrant bool

	// escalateEvery is the number of admission cycles after which the
	// current leader raises its own effective priority by one step.
	// Waiters that are not leading are raised on every cycle.
	escalateEvery int

	// maxPark bounds a single park in the slow path. A parked waiter wakes
	// at least this often to re-evaluate its priority even when no release
	// signaled it.
	maxPark time.Duration
}

func defaultMutexConfig() MutexConfig {
	return MutexConfig{
		escalateEvery: defaultEscalateEvery,
		maxPark:       defaultMaxPark,
	}
}

// WithReentrance allows a call chain that already holds the lock to acquire
// it again, and a chain holding the only read lock to upgrade to a write
// lock. Reentrance requires the acquiring context to carry a Chain, see
// WithChain.
func WithReentrance() func(*MutexConfig) {
	return func(c *MutexConfig) {
		c.reentrant = true
	}
}

// WithEscalateEvery sets how many admission cycles a leading waiter spends
// before raising its effective priority. If n is zero or negative, the
// value is ignored.
func WithEscalateEvery(n int) func(*MutexConfig) {
	return func(c *MutexConfig) {
		if n > 0 {
			c.escalateEvery = n
		}
	}
}

// WithMaxPark bounds how long a waiter parks before it re-checks the lock on
// its own. If d is zero or negative, the value is ignored.
func WithMaxPark(d time.Duration) func(*MutexConfig) {
	return func(c *MutexConfig) {
		if d > 0 {
			c.maxPark = d
		}
	}
}
