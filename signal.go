package fairlock

import (
	"context"
	"sync/atomic"
	"time"
)

// Signal is a manual-reset event that can be waited on by blocking
// goroutines and by select statements alike.
//
// State:
//   - Set: every wait returns immediately.
//   - Reset: waits block until the next Set.
//
// It is zero-value usable (starts Reset).
//
// Every Reset phase is a generation with its own channel. Set closes the
// channel of the generation it ends, so a waiter that captured a channel
// before a Reset is released by the next Set and never by the Reset itself.
type Signal struct {
	_   noCopy
	gen atomic.Pointer[signalGen]
}

type signalGen struct {
	ch chan struct{}
}

// signaled is the generation shared by all Signals in the Set state.
var signaled = func() *signalGen {
	g := &signalGen{ch: make(chan struct{})}
	close(g.ch)
	return g
}()

// NewSignal creates a Signal in the given initial state.
func NewSignal(set bool) *Signal {
	s := &Signal{}
	if set {
		s.gen.Store(signaled)
	}
	return s
}

func (s *Signal) current() *signalGen {
	if g := s.gen.Load(); g != nil {
		return g
	}
	g := &signalGen{ch: make(chan struct{})}
	if s.gen.CompareAndSwap(nil, g) {
		return g
	}
	return s.gen.Load()
}

// Set moves the Signal to the Set state and releases all current waiters.
// It reports whether a transition happened; Set on a Set Signal is a no-op.
func (s *Signal) Set() bool {
	for {
		g := s.current()
		if g == signaled {
			return false
		}
		if s.gen.CompareAndSwap(g, signaled) {
			close(g.ch)
			return true
		}
	}
}

// Reset moves the Signal to the Reset state, starting a new generation.
// It reports whether a transition happened.
func (s *Signal) Reset() bool {
	if s.gen.Load() != signaled {
		return false
	}
	return s.gen.CompareAndSwap(signaled, &signalGen{ch: make(chan struct{})})
}

// IsSet reports whether the Signal is in the Set state.
func (s *Signal) IsSet() bool {
	return s.gen.Load() == signaled
}

// WouldWait reports whether a wait started now would block.
func (s *Signal) WouldWait() bool {
	return !s.IsSet()
}

// C returns a channel that is closed once the current generation is Set.
// The channel stays valid across a later Reset, so it can be held by a
// select loop without re-fetching.
func (s *Signal) C() <-chan struct{} {
	return s.current().ch
}

// Wait blocks until the Signal is Set.
func (s *Signal) Wait() {
	<-s.C()
}

// WaitTimeout blocks until the Signal is Set or d elapses.
// It returns false on timeout. A non-positive d only polls.
func (s *Signal) WaitTimeout(d time.Duration) bool {
	return s.wait(nil, max(d, 0))
}

// WaitContext blocks until the Signal is Set or ctx is done.
// It returns false if ctx finished first.
func (s *Signal) WaitContext(ctx context.Context) bool {
	return s.wait(ctx.Done(), -1)
}

// wait is the single park primitive: done may be nil and d < 0 means no
// timeout.
func (s *Signal) wait(done <-chan struct{}, d time.Duration) bool {
	ch := s.C()
	select {
	case <-ch:
		return true
	default:
	}
	if d == 0 {
		return false
	}
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ch:
		return true
	case <-done:
		return false
	case <-timeout:
		return false
	}
}
