package fairlock

import (
	"errors"
	"fmt"
)

// ErrDeadlock is reported when two call chains try to upgrade their read
// holds on the same Mutex at once. Neither can ever become the sole reader,
// so the second one is aborted.
var ErrDeadlock = errors.New("fairlock: concurrent read-to-write upgrade")

// DeadlockError is the panic value raised on a detected upgrade deadlock.
// It unwraps to ErrDeadlock.
type DeadlockError struct {
	// Readers is the reader count observed when the conflict was detected.
	Readers int
}

// Error implements error interface.
func (e *DeadlockError) Error() string {
	return fmt.Sprintf("%v (%d readers holding)", ErrDeadlock, e.Readers)
}

// Unwrap returns ErrDeadlock.
func (e *DeadlockError) Unwrap() error {
	return ErrDeadlock
}
