//go:build race

package opt

// Race_ reports whether the race detector is enabled.
// Stress loops use it to scale down, the detector slows atomics by an order
// of magnitude.
const Race_ = true
