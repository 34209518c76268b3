package fairlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGroup_Basic(t *testing.T) {
	g := NewGroup[string]()
	ctx := context.Background()
	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)

	// Concurrent readers
	for range n {
		go func() {
			defer wg.Done()
			lg, err := g.RLock(ctx, "key", DefaultPriority)
			if err != nil {
				t.Error(err)
				return
			}
			time.Sleep(time.Microsecond)
			lg.Release()
		}()
	}
	wg.Wait()
	require.Zero(t, g.Len())

	// Writer exclusion
	w, err := g.Lock(ctx, "key", DefaultPriority)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		lg, err := g.RLock(ctx, "key", DefaultPriority) // Should block
		if err == nil {
			close(done)
			lg.Release()
		}
	}()

	select {
	case <-done:
		t.Fatal("RLock acquired while Lock held")
	case <-time.After(10 * time.Millisecond):
	}
	w.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RLock not acquired after Release")
	}
}

func TestGroup_KeysAreIndependent(t *testing.T) {
	g := NewGroup[int]()
	ctx := context.Background()

	a, ok := g.TryLock(ctx, 1, 0, DefaultPriority)
	require.True(t, ok)
	b, ok := g.TryLock(ctx, 2, 0, DefaultPriority)
	require.True(t, ok, "write lock on another key must not contend")
	require.Equal(t, 2, g.Len())

	_, ok = g.TryRLock(ctx, 1, 10*time.Millisecond, DefaultPriority)
	require.False(t, ok)
	require.Equal(t, 2, g.Len(), "failed acquisition must drop its reference")

	a.Release()
	b.Release()
	require.Zero(t, g.Len())
}

func TestGroup_RefCounting(t *testing.T) {
	g := NewGroup[int]()
	ctx := context.Background()

	// 1. RLock -> Ref=1
	r1, err := g.RLock(ctx, 1, DefaultPriority)
	require.NoError(t, err)
	require.Equal(t, 1, g.Len())

	// 2. Second reader shares the entry -> Ref=2
	r2, ok := g.TryRLock(ctx, 1, 0, DefaultPriority)
	require.True(t, ok)
	require.Equal(t, 1, g.Len())

	r1.Release()
	r1.Release() // no double unref
	require.Equal(t, 1, g.Len())

	// 3. Ref=0 -> Deleted
	r2.Release()
	require.Zero(t, g.Len())
}

func TestGroup_Reentrant(t *testing.T) {
	g := NewGroup[string](WithReentrance())
	ctx := WithChain(context.Background())

	r, err := g.RLock(ctx, "cfg", DefaultPriority)
	require.NoError(t, err)
	w, err := g.Lock(ctx, "cfg", DefaultPriority)
	require.NoError(t, err)
	require.True(t, w.IsWrite())

	w.Release()
	r.Release()
	require.Zero(t, g.Len())
}

func TestGroup_DeadlockReleasesKey(t *testing.T) {
	g := NewGroup[string](WithReentrance())
	a := WithChain(context.Background())
	b := WithChain(context.Background())

	ra, err := g.RLock(a, "k", DefaultPriority)
	require.NoError(t, err)
	rb, err := g.RLock(b, "k", DefaultPriority)
	require.NoError(t, err)

	upgraded := make(chan Guard, 1)
	go func() {
		w, err := g.Lock(a, "k", DefaultPriority)
		if err == nil {
			upgraded <- w
		}
	}()
	require.Eventually(t, func() bool {
		e, ok := g.m.Load("k")
		return ok && e.mu.upgrading.Load()
	}, time.Second, time.Millisecond)

	require.PanicsWithError(t, (&DeadlockError{Readers: 2}).Error(), func() {
		_, _ = g.Lock(b, "k", DefaultPriority)
	})

	rb.Release()
	var w Guard
	select {
	case w = <-upgraded:
	case <-time.After(time.Second):
		t.Fatal("upgrade did not complete")
	}
	w.Release()
	ra.Release()
	require.Zero(t, g.Len(), "the aborted acquisition must drop its reference")
}
