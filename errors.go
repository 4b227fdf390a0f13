package slabcache

import "errors"

// Configuration errors returned by New. Runtime exhaustion is signaled by a
// nil return from Alloc, not an error; caller-contract violations on Free
// panic.
var (
	ErrNilBackend            = errors.New("slabcache: memory backend is nil")
	ErrInvalidSizeType       = errors.New("slabcache: invalid object size type")
	ErrObjectTooSmall        = errors.New("slabcache: object is smaller than a free-list node (two pointers)")
	ErrSlabTooSmall          = errors.New("slabcache: slab cannot fit SlabInfo and at least one object")
	ErrSlabSizeNotPowerOfTwo = errors.New("slabcache: slab size is not a power of two")
	ErrSlabNotPageMultiple   = errors.New("slabcache: slab size is not a multiple of page size")
	ErrPageMisaligned        = errors.New("slabcache: page size is not a multiple of the object alignment")
	ErrNoObjectSpace         = errors.New("slabcache: slab has no room for any object")
)
