package fairlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_Simple(t *testing.T) {
	var s Signal

	// 1. Initially unsignaled
	require.False(t, s.IsSet())
	require.True(t, s.WouldWait())

	// 2. Wait in bg
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned too early")
	case <-time.After(10 * time.Millisecond):
	}

	// 3. Set
	require.True(t, s.Set())
	require.False(t, s.Set(), "second Set must be a no-op")
	require.True(t, s.IsSet())
	<-done

	// 4. Wait again (should be immediate)
	start := time.Now()
	s.Wait()
	require.Less(t, time.Since(start), 100*time.Millisecond)

	// 5. Reset
	require.True(t, s.Reset())
	require.False(t, s.Reset(), "second Reset must be a no-op")
	require.True(t, s.WouldWait())
}

func TestSignal_InitialState(t *testing.T) {
	require.True(t, NewSignal(true).IsSet())
	require.False(t, NewSignal(false).IsSet())
	require.True(t, NewSignal(true).WaitTimeout(0))
	require.False(t, NewSignal(false).WaitTimeout(0))
}

func TestSignal_Broadcast(t *testing.T) {
	var s Signal
	var woke atomic.Int32
	var wg sync.WaitGroup
	const N = 10

	wg.Add(N)
	for i := range N {
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				s.Wait()
			} else {
				<-s.C()
			}
			woke.Add(1)
		}()
	}

	time.Sleep(10 * time.Millisecond)
	require.Zero(t, woke.Load())
	s.Set()
	wg.Wait()
	require.EqualValues(t, N, woke.Load())
}

func TestSignal_GenerationChannel(t *testing.T) {
	s := NewSignal(true)
	require.True(t, s.Reset())

	ch := s.C()
	select {
	case <-ch:
		t.Fatal("channel of a reset generation is closed")
	default:
	}

	// A no-op Reset must not replace the generation.
	require.False(t, s.Reset())
	require.Equal(t, ch, s.C())

	s.Set()
	select {
	case <-ch:
	default:
		t.Fatal("Set did not release the captured generation")
	}

	// The next generation is independent.
	s.Reset()
	select {
	case <-s.C():
		t.Fatal("new generation released without Set")
	default:
	}
}

func TestSignal_WaitTimeout(t *testing.T) {
	var s Signal

	start := time.Now()
	require.False(t, s.WaitTimeout(30*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	time.AfterFunc(20*time.Millisecond, func() { s.Set() })
	require.True(t, s.WaitTimeout(time.Second))

	require.True(t, s.WaitTimeout(-time.Second), "Set signal must not wait")
}

func TestSignal_WaitContext(t *testing.T) {
	var s Signal

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.False(t, s.WaitContext(ctx))

	time.AfterFunc(20*time.Millisecond, func() { s.Set() })
	require.True(t, s.WaitContext(context.Background()))
}

func TestSignal_ResetRace(t *testing.T) {
	var s Signal
	const N = 1000
	var wg sync.WaitGroup

	// Waiters racing with Set/Reset cycles must all return once the
	// signal finally stays set.
	wg.Add(N)
	for i := range N {
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				s.Wait()
			} else {
				assert.True(t, s.WaitContext(context.Background()))
			}
		}()
	}

	for i := range 100 {
		s.Set()
		if i%2 == 0 {
			time.Sleep(100 * time.Microsecond)
		}
		s.Reset()
	}

	s.Set()
	wg.Wait()
}

func TestSignal_NoLostWakeup(t *testing.T) {
	// The Reset, check, wait pattern of the lock slow path.
	var s Signal
	var cond atomic.Bool
	const rounds = 2000

	for range rounds {
		cond.Store(false)
		released := make(chan struct{})
		go func() {
			for {
				s.Reset()
				if cond.Load() {
					break
				}
				s.Wait()
			}
			close(released)
		}()
		cond.Store(true)
		s.Set()
		select {
		case <-released:
		case <-time.After(5 * time.Second):
			t.Fatal("wakeup lost")
		}
	}
}
