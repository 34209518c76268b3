package fairlock

// Guard is the proof of a successful acquisition. Release it exactly once,
// typically with defer:
//
//	g, err := mu.RLock(ctx, fairlock.DefaultPriority)
//	if err != nil {
//		return err
//	}
//	defer g.Release()
//
// A Guard may be returned from the function that acquired it, but must not
// be copied and released twice. Like sync.RWMutex, releasing a Mutex that is
// not held in the guard's mode panics. The zero Guard represents a failed
// acquisition and releasing it does nothing.
type Guard struct {
	m         *Mutex
	chain     *Chain
	write     bool
	downgrade bool
	after     func()
}

// Release gives the hold back to the Mutex. A write guard obtained by
// upgrading a read hold turns back into that read hold. Calling Release
// again is a no-op.
func (g *Guard) Release() {
	m := g.m
	if m == nil {
		return
	}
	g.m = nil
	if g.write {
		m.releaseWrite(g.chain, g.downgrade)
	} else {
		m.releaseRead(g.chain)
	}
	if g.after != nil {
		g.after()
	}
}

// Held reports whether the guard still holds its Mutex.
func (g *Guard) Held() bool {
	return g.m != nil
}

// IsWrite reports whether the guard is an exclusive hold.
func (g *Guard) IsWrite() bool {
	return g.write
}
