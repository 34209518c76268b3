//go:build fairlock_cachelinesize_64

package opt

// CacheLineSize_ forced by the fairlock_cachelinesize_64 build tag.
const CacheLineSize_ = 64
