//go:build fairlock_cachelinesize_128

package opt

// CacheLineSize_ forced by the fairlock_cachelinesize_128 build tag.
const CacheLineSize_ = 128
