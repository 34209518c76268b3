package opt

// Pad_ separates hot atomics that are written by different goroutines.
// Its size is a full cache line so the fields before and after it never
// share one.
type Pad_ [CacheLineSize_]byte
