//go:build fairlock_cachelinesize_256

package opt

// CacheLineSize_ forced by the fairlock_cachelinesize_256 build tag.
const CacheLineSize_ = 256
