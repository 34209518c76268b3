package fairlock

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/llxisdsh/fairlock/internal/opt"
)

// Mutex is a reader/writer lock with priority-based fairness.
//
// The same instance can be used from plain blocking calls (RLock, Lock,
// TryRLock, TryLock) and from select-based code (RLockChan, LockChan).
// Every call takes a context: its cancellation ends a wait, and with
// WithReentrance the Chain it carries makes the lock reentrant for that
// call chain.
//
// Properties:
//   - Uncontended acquisitions are a single CAS, no allocation.
//   - Contended acquisitions are admitted by effective priority. Waiters
//     raise their effective priority while they wait, so every waiter is
//     admitted within a bounded number of rounds even when new requests
//     with higher nominal priority keep arriving.
//   - Readers that are admitted together proceed in parallel; of competing
//     writers exactly one wins the CAS.
//
// It is zero-value usable (non-reentrant, default tuning).
type Mutex struct {
	_ noCopy
	// state:
	//   0: free
	//  -1: write locked
	//   n: n readers
	state atomic.Int32
	// upgrading is set while a call chain waits to turn its read hold into
	// the write hold.
	upgrading atomic.Bool

	_ opt.Pad_

	// highest is the largest effective priority published by a waiter,
	// stored sign-flipped so that the zero value means nobody waits.
	highest atomic.Uint64
	// waiting counts registered waiters.
	waiting atomic.Int64

	signal Signal
	cfg    MutexConfig
}

const (
	stateFree  = 0
	stateWrite = -1
	stateRead  = 1
)

const (
	// DefaultPriority is the priority of ordinary acquisitions.
	DefaultPriority = 0
	// MinPriority is the lowest priority a caller can request.
	MinPriority = math.MinInt32 + 10_000
	// MaxPriority is the highest priority a caller can request.
	MaxPriority = math.MaxInt32 - 10_000

	noPriority  = math.MinInt64
	topPriority = math.MaxInt64
)

// Result is delivered by RLockChan and LockChan.
type Result struct {
	Guard Guard
	Err   error
}

// NewMutex creates a Mutex configured by options.
func NewMutex(options ...func(*MutexConfig)) *Mutex {
	m := &Mutex{cfg: defaultMutexConfig()}
	for _, o := range options {
		o(&m.cfg)
	}
	return m
}

// RLock acquires a read lock. It blocks until the lock is acquired or ctx is
// done, in which case ctx.Err() is returned.
//
// With a reentrant Mutex it panics with a *DeadlockError if the chain holds a
// read lock, another chain is already upgrading, and the request is for
// writing; see Lock.
func (m *Mutex) RLock(ctx context.Context, priority int) (Guard, error) {
	if g, ok := m.acquire(ctx, false, priority, time.Time{}); ok {
		return g, nil
	}
	return Guard{}, ctx.Err()
}

// Lock acquires the write lock. It blocks until the lock is acquired or ctx
// is done, in which case ctx.Err() is returned.
//
// If the Mutex is reentrant and the chain of ctx holds a read lock, Lock
// upgrades it: it waits until the chain's hold is the only one and the
// returned guard turns back into a read hold when released. Two chains
// upgrading at the same time can never both succeed; the later one panics
// with a *DeadlockError.
func (m *Mutex) Lock(ctx context.Context, priority int) (Guard, error) {
	if g, ok := m.acquire(ctx, true, priority, time.Time{}); ok {
		return g, nil
	}
	return Guard{}, ctx.Err()
}

// TryRLock is like RLock but gives up after timeout. A non-positive timeout
// makes a single attempt. It returns false on timeout or when ctx is done.
func (m *Mutex) TryRLock(ctx context.Context, timeout time.Duration, priority int) (Guard, bool) {
	return m.acquire(ctx, false, priority, time.Now().Add(max(timeout, 0)))
}

// TryLock is like Lock but gives up after timeout. A non-positive timeout
// makes a single attempt. It returns false on timeout or when ctx is done.
func (m *Mutex) TryLock(ctx context.Context, timeout time.Duration, priority int) (Guard, bool) {
	return m.acquire(ctx, true, priority, time.Now().Add(max(timeout, 0)))
}

// RLockChan acquires a read lock without blocking the caller. The returned
// channel receives exactly one Result. If the lock is free it is acquired
// before RLockChan returns; otherwise a goroutine waits for it.
//
// The receiver owns the guard of a successful Result and must release it.
// A caller that stops receiving must cancel ctx: a lock acquired after ctx is
// done is released again and the Result carries ctx.Err(). Without that, a
// Result that is never received keeps the lock held.
// A detected upgrade deadlock is delivered as Result.Err instead of a panic.
func (m *Mutex) RLockChan(ctx context.Context, priority int) <-chan Result {
	return m.acquireChan(ctx, false, priority)
}

// LockChan is the write lock counterpart of RLockChan.
func (m *Mutex) LockChan(ctx context.Context, priority int) <-chan Result {
	return m.acquireChan(ctx, true, priority)
}

// Readers returns the number of read holds.
func (m *Mutex) Readers() int {
	return int(max(m.state.Load(), 0))
}

// IsLocked reports whether the Mutex is held in any mode.
func (m *Mutex) IsLocked() bool {
	return m.state.Load() != stateFree
}

// IsWriteLocked reports whether the Mutex is held for writing.
func (m *Mutex) IsWriteLocked() bool {
	return m.state.Load() == stateWrite
}

// Waiting returns the number of acquisitions that are currently waiting.
func (m *Mutex) Waiting() int {
	return int(m.waiting.Load())
}

// Reentrant reports whether the Mutex was created WithReentrance.
func (m *Mutex) Reentrant() bool {
	return m.cfg.reentrant
}

// ============================================================================
// Admission
// ============================================================================

// waiter is the per call bookkeeping of the slow path.
type waiter struct {
	eff    int64 // effective priority
	cycles int   // failed admission cycles, >0 means registered
	spins  int
}

// acquire is the admission algorithm behind every variant. A zero deadline
// waits until ctx is done.
func (m *Mutex) acquire(ctx context.Context, write bool, priority int, deadline time.Time) (Guard, bool) {
	var c *Chain
	if m.cfg.reentrant {
		c = ChainFrom(ctx)
		if c != nil && m.state.Load() != stateFree {
			if g, handled, ok := m.reenter(ctx, c, write, deadline); handled {
				return g, ok
			}
		}
	}

	w := waiter{eff: int64(clampPriority(priority)) - m.waiting.Load()}
	done := ctx.Done()
	for {
		s := m.state.Load()
		if m.admissible(s, write, w.eff) && m.transition(s, write) {
			break
		}
		if !m.await(done, &w, write, deadline) {
			m.retire(&w)
			return Guard{}, false
		}
	}
	m.retire(&w)

	if c != nil {
		d := c.update(m, func(d int32) int32 {
			if write {
				return d - 1
			}
			return d + 1
		})
		if !write && d > 0 {
			// Another goroutine of the chain got in first; its hold serves
			// both.
			m.releaseRead(nil)
		}
	}
	return Guard{m: m, chain: c, write: write}, true
}

func (m *Mutex) acquireChan(ctx context.Context, write bool, priority int) <-chan Result {
	ch := make(chan Result, 1)
	if g, ok, err := m.acquireResult(ctx, write, priority, time.Now()); ok || err != nil {
		deliver(ctx, ch, g, err)
		return ch
	}
	go func() {
		g, _, err := m.acquireResult(ctx, write, priority, time.Time{})
		deliver(ctx, ch, g, err)
	}()
	return ch
}

// deliver sends the outcome of a Chan acquisition. A hold acquired after ctx
// was done is given back, since the receiver may have stopped listening.
func deliver(ctx context.Context, ch chan<- Result, g Guard, err error) {
	if g.Held() && ctx.Err() != nil {
		g.Release()
		g, err = Guard{}, ctx.Err()
	}
	ch <- Result{Guard: g, Err: err}
}

// acquireResult converts a deadlock panic into an error, for callers that
// are not on the goroutine that would have to recover it.
func (m *Mutex) acquireResult(
	ctx context.Context,
	write bool,
	priority int,
	deadline time.Time,
) (g Guard, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			e, isDeadlock := r.(*DeadlockError)
			if !isDeadlock {
				panic(r)
			}
			err = e
		}
	}()
	g, ok = m.acquire(ctx, write, priority, deadline)
	if !ok && deadline.IsZero() {
		err = ctx.Err()
	}
	return g, ok, err
}

// admissible reports whether a request with effective priority eff may take
// the lock in state s.
func (m *Mutex) admissible(s int32, write bool, eff int64) bool {
	return eff >= m.highestPriority() && m.permits(s, write)
}

// permits is the state half of admissible.
func (m *Mutex) permits(s int32, write bool) bool {
	if write {
		return s == stateFree
	}
	return s != stateWrite && !m.upgrading.Load()
}

func (m *Mutex) transition(s int32, write bool) bool {
	if write {
		return m.state.CompareAndSwap(stateFree, stateWrite)
	}
	return m.state.CompareAndSwap(s, s+1)
}

// await runs one failed admission cycle. It returns false when the
// deadline passed or done was closed.
func (m *Mutex) await(done <-chan struct{}, w *waiter, write bool, deadline time.Time) bool {
	park := m.maxPark()
	if !deadline.IsZero() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		park = min(park, remaining)
	}
	select {
	case <-done:
		return false
	default:
	}

	leading := m.escalate(w)
	if m.permits(m.state.Load(), write) {
		// Only priority or a lost CAS is in the way. No release will
		// signal this, so back off instead of parking.
		delay(&w.spins)
		return true
	}
	if leading && trySpin(&w.spins) {
		return true
	}
	w.spins = 0

	didReset := m.signal.Reset()
	if !m.permits(m.state.Load(), write) {
		if !m.signal.wait(done, park) {
			select {
			case <-done:
				return false
			default:
			}
		}
	} else if didReset {
		m.signal.Set()
	}
	m.publish(w.eff)
	return true
}

// escalate registers w on its first cycle, publishes its priority and raises
// it for the next cycle. It reports whether w is leading.
func (m *Mutex) escalate(w *waiter) bool {
	if w.cycles == 0 {
		m.waiting.Add(1)
	}
	w.cycles++
	m.publish(w.eff)

	leading := w.eff >= m.highestPriority()
	if w.eff < topPriority && (!leading || w.cycles%m.escalateEvery() == 0) {
		w.eff++
	}
	return leading
}

// retire removes the registration of w after admission or abandonment.
// The last waiter to leave restores the idle fairness state.
func (m *Mutex) retire(w *waiter) {
	if w.cycles == 0 {
		return
	}
	if m.waiting.Add(-1) <= 0 {
		m.waiting.Store(0)
		m.highest.Store(encodePriority(noPriority))
		return
	}
	// The remaining waiters republish on their next cycle.
	if h := m.highest.Load(); h <= encodePriority(w.eff) {
		m.highest.CompareAndSwap(h, encodePriority(noPriority))
	}
}

// publish raises highest to p if p is larger.
func (m *Mutex) publish(p int64) {
	n := encodePriority(p)
	for {
		h := m.highest.Load()
		if n <= h || m.highest.CompareAndSwap(h, n) {
			return
		}
	}
}

func (m *Mutex) highestPriority() int64 {
	return decodePriority(m.highest.Load())
}

func (m *Mutex) escalateEvery() int {
	if m.cfg.escalateEvery <= 0 {
		return defaultEscalateEvery
	}
	return m.cfg.escalateEvery
}

func (m *Mutex) maxPark() time.Duration {
	if m.cfg.maxPark <= 0 {
		return defaultMaxPark
	}
	return m.cfg.maxPark
}

// encodePriority maps int64 to uint64 preserving order, noPriority to 0.
func encodePriority(p int64) uint64 {
	return uint64(p) ^ (1 << 63)
}

func decodePriority(v uint64) int64 {
	return int64(v ^ (1 << 63))
}

func clampPriority(p int) int32 {
	return int32(min(max(p, MinPriority), MaxPriority))
}

// ============================================================================
// Reentrance
// ============================================================================

// reenter serves a request from a chain that may already hold m. handled is
// false when the chain holds nothing and the request must contend.
func (m *Mutex) reenter(
	ctx context.Context,
	c *Chain,
	write bool,
	deadline time.Time,
) (g Guard, handled, ok bool) {
	d := c.update(m, func(d int32) int32 {
		switch {
		case d < 0:
			return d - 1
		case d > 0 && !write:
			return d + 1
		}
		return d
	})
	switch {
	case d < 0:
		// Anything nested in a write hold is a write hold.
		return Guard{m: m, chain: c, write: true}, true, true
	case d > 0 && !write:
		return Guard{m: m, chain: c}, true, true
	case d > 0:
		if !m.upgrade(ctx.Done(), deadline) {
			return Guard{}, true, false
		}
		c.update(m, func(d int32) int32 { return -d - 1 })
		return Guard{m: m, chain: c, write: true, downgrade: true}, true, true
	}
	return Guard{}, false, false
}

// upgrade turns the caller's read hold into the write hold once it is the
// only reader.
func (m *Mutex) upgrade(done <-chan struct{}, deadline time.Time) bool {
	if !m.upgrading.CompareAndSwap(false, true) {
		panic(&DeadlockError{Readers: m.Readers()})
	}
	var spins int
	for !m.state.CompareAndSwap(stateRead, stateWrite) {
		expired := !deadline.IsZero() && !time.Now().Before(deadline)
		select {
		case <-done:
			expired = true
		default:
		}
		if expired {
			m.upgrading.Store(false)
			// Readers held back by the pending upgrade may go on.
			m.signal.Set()
			return false
		}
		delay(&spins)
	}
	m.upgrading.Store(false)
	return true
}

// ============================================================================
// Release
// ============================================================================

func (m *Mutex) releaseRead(c *Chain) {
	if c != nil && c.update(m, func(d int32) int32 { return d - 1 }) != 1 {
		return
	}
	for {
		s := m.state.Load()
		if s <= stateFree {
			panic("fairlock: release of unlocked Mutex")
		}
		if m.state.CompareAndSwap(s, s-1) {
			if s == stateRead {
				m.signal.Set()
			}
			return
		}
	}
}

func (m *Mutex) releaseWrite(c *Chain, downgrade bool) {
	next := int32(stateFree)
	if c != nil {
		d := c.update(m, func(d int32) int32 {
			if d+1 != 0 && downgrade {
				// Back to the read depth the chain had before upgrading.
				return -(d + 1)
			}
			return d + 1
		})
		if d+1 != 0 {
			if !downgrade {
				return
			}
			next = stateRead
		}
	}
	if !m.state.CompareAndSwap(stateWrite, next) {
		panic("fairlock: release of unlocked Mutex")
	}
	m.signal.Set()
}
