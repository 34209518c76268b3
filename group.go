package fairlock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/llxisdsh/pb"
)

// Group hands out one Mutex per key.
//
// Features:
//   - The full Mutex API per key (priorities, timeouts, reentrance).
//   - Infinite Keys & Auto-Cleanup: a key's Mutex lives as long as some
//     acquisition references it.
//
// Usage:
//
//	group := fairlock.NewGroup[string]()
//
//	// Readers
//	g, _ := group.RLock(ctx, "config", fairlock.DefaultPriority)
//	read(config)
//	g.Release()
//
//	// Writer
//	g, _ = group.Lock(ctx, "config", fairlock.DefaultPriority)
//	reload(config)
//	g.Release()
type Group[K comparable] struct {
	_       noCopy
	m       pb.MapOf[K, *groupEntry]
	keys    atomic.Int64
	options []func(*MutexConfig)
}

type groupEntry struct {
	mu  *Mutex
	ref int32 // guarded by the map entry
}

// NewGroup creates a Group whose Mutexes are configured by options.
func NewGroup[K comparable](options ...func(*MutexConfig)) *Group[K] {
	return &Group[K]{options: options}
}

// RLock acquires a read lock on key, see Mutex.RLock.
func (g *Group[K]) RLock(ctx context.Context, key K, priority int) (Guard, error) {
	mu := g.ref(key)
	defer g.unrefOnPanic(key)
	lg, err := mu.RLock(ctx, priority)
	return g.bind(key, lg, err == nil), err
}

// Lock acquires the write lock on key, see Mutex.Lock.
func (g *Group[K]) Lock(ctx context.Context, key K, priority int) (Guard, error) {
	mu := g.ref(key)
	defer g.unrefOnPanic(key)
	lg, err := mu.Lock(ctx, priority)
	return g.bind(key, lg, err == nil), err
}

// TryRLock acquires a read lock on key within timeout, see Mutex.TryRLock.
func (g *Group[K]) TryRLock(ctx context.Context, key K, timeout time.Duration, priority int) (Guard, bool) {
	mu := g.ref(key)
	defer g.unrefOnPanic(key)
	lg, ok := mu.TryRLock(ctx, timeout, priority)
	return g.bind(key, lg, ok), ok
}

// TryLock acquires the write lock on key within timeout, see Mutex.TryLock.
func (g *Group[K]) TryLock(ctx context.Context, key K, timeout time.Duration, priority int) (Guard, bool) {
	mu := g.ref(key)
	defer g.unrefOnPanic(key)
	lg, ok := mu.TryLock(ctx, timeout, priority)
	return g.bind(key, lg, ok), ok
}

// Len returns the number of keys currently referenced.
func (g *Group[K]) Len() int {
	return int(g.keys.Load())
}

// bind makes the guard drop the key reference on release, or drops it
// right away for a failed acquisition.
func (g *Group[K]) bind(key K, lg Guard, ok bool) Guard {
	if !ok {
		g.unref(key)
		return Guard{}
	}
	lg.after = func() { g.unref(key) }
	return lg
}

// unrefOnPanic drops the key reference of an acquisition that panicked, such
// as an aborted upgrade, and lets the panic continue.
func (g *Group[K]) unrefOnPanic(key K) {
	if r := recover(); r != nil {
		g.unref(key)
		panic(r)
	}
}

func (g *Group[K]) ref(key K) *Mutex {
	e, _ := g.m.ProcessEntry(
		key,
		func(l *pb.EntryOf[K, *groupEntry]) (*pb.EntryOf[K, *groupEntry], *groupEntry, bool) {
			if l != nil {
				l.Value.ref++
				return l, l.Value, true
			}
			v := &groupEntry{mu: NewMutex(g.options...), ref: 1}
			g.keys.Add(1)
			return &pb.EntryOf[K, *groupEntry]{Value: v}, v, false
		},
	)
	return e.mu
}

func (g *Group[K]) unref(key K) {
	_, _ = g.m.ProcessEntry(
		key,
		func(l *pb.EntryOf[K, *groupEntry]) (*pb.EntryOf[K, *groupEntry], *groupEntry, bool) {
			if l == nil {
				return nil, nil, false
			}
			l.Value.ref--
			if l.Value.ref <= 0 {
				g.keys.Add(-1)
				return nil, nil, true
			}
			return l, l.Value, true
		},
	)
}
