package fairlock

import (
	"context"

	"github.com/llxisdsh/pb"
)

// Chain identifies a logical call chain for reentrant Mutexes.
//
// Go has no goroutine-local storage, so the chain travels in the
// context.Context that is passed along the calls. Everything holding a
// context derived from the one returned by WithChain is the same call chain:
// goroutines started with such a context reenter each other's holds, and a
// chain never takes more than one hold on a Mutex. Fork a separate chain
// with WithChain when spawned work must contend instead.
//
// Reentered holds are counted, so a chain's hold is given back when the last
// of its guards is released. Write and upgrade holds nested in a chain must
// be released in reverse order of acquisition.
//
// Per Mutex the chain stores:
//   - 0: not entered
//   - >0: read depth
//   - <0: write depth (the more negative, the deeper)
type Chain struct {
	_     noCopy
	depth pb.MapOf[*Mutex, int32]
}

type chainKey struct{}

// WithChain returns a copy of ctx carrying a fresh Chain.
func WithChain(ctx context.Context) context.Context {
	return context.WithValue(ctx, chainKey{}, &Chain{})
}

// ChainFrom returns the Chain carried by ctx, or nil.
func ChainFrom(ctx context.Context) *Chain {
	c, _ := ctx.Value(chainKey{}).(*Chain)
	return c
}

// Depth returns the reentrance value of m in this chain.
func (c *Chain) Depth(m *Mutex) int {
	return int(c.load(m))
}

func (c *Chain) load(m *Mutex) int32 {
	d, _ := c.depth.ProcessEntry(
		m,
		func(e *pb.EntryOf[*Mutex, int32]) (*pb.EntryOf[*Mutex, int32], int32, bool) {
			if e == nil {
				return nil, 0, false
			}
			return e, e.Value, true
		},
	)
	return d
}

// update atomically replaces the reentrance value d of m by fn(d), dropping
// the entry at zero, and returns d.
func (c *Chain) update(m *Mutex, fn func(d int32) int32) int32 {
	d, _ := c.depth.ProcessEntry(
		m,
		func(e *pb.EntryOf[*Mutex, int32]) (*pb.EntryOf[*Mutex, int32], int32, bool) {
			var d int32
			if e != nil {
				d = e.Value
			}
			n := fn(d)
			switch {
			case n == d:
				return e, d, e != nil
			case n == 0:
				return nil, d, true
			default:
				return &pb.EntryOf[*Mutex, int32]{Value: n}, d, e != nil
			}
		},
	)
	return d
}
