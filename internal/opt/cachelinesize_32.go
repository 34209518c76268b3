//go:build fairlock_cachelinesize_32

package opt

// CacheLineSize_ forced by the fairlock_cachelinesize_32 build tag.
const CacheLineSize_ = 32
