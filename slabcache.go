// Package slabcache provides a fixed-size-object slab allocator designed to
// sit inside a kernel-style memory subsystem, layered on top of a page or
// buddy allocator. Memory is partitioned into power-of-two-sized, page-aligned
// slabs, each divided into objects of a caller-chosen type, with constant-time
// allocation and deallocation, occupancy-aware slab selection and lazy slab
// reclamation.
//
// Raw memory is supplied by a caller-provided MemoryBackend; the cache itself
// never touches the heap for object storage. Free objects host an intrusive
// free-list node overlaid on their own memory, so the object type must be at
// least two pointers wide and must not contain Go pointers: slab memory is
// untyped bytes and the garbage collector never scans it.
//
// Basic usage:
//
//	cache, err := slabcache.New[Inode](4096, 4096, slabcache.SmallObject, slabcache.NewHeapBackend())
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	obj := cache.Alloc() // nil when the backend is exhausted
//	// Use obj...
//	cache.Free(obj)
//
// A Cache performs no internal locking. All operations require exclusive
// access for their duration; wrap the cache in a mutex to share it.
package slabcache

import (
	"log/slog"
	"sync/atomic"
	"unsafe"
)

// ObjectSizeType selects where per-slab metadata lives. It is fixed per cache
// at construction.
type ObjectSizeType int

const (
	// SmallObject embeds the SlabInfo record at the tail of the slab itself.
	// Cheap, but the tail space is lost to objects.
	SmallObject ObjectSizeType = iota
	// LargeObject keeps the SlabInfo record out-of-band, allocated through
	// the MemoryBackend, so the whole slab is usable for objects.
	LargeObject
)

func (t ObjectSizeType) String() string {
	switch t {
	case SmallObject:
		return "small"
	case LargeObject:
		return "large"
	default:
		return "unknown"
	}
}

// CacheStatistics is a point-in-time snapshot of cache state.
type CacheStatistics struct {
	FreeSlabs        uint64 `json:"free_slabs"`
	FullSlabs        uint64 `json:"full_slabs"`
	FreeObjects      uint64 `json:"free_objects"`
	AllocatedObjects uint64 `json:"allocated_objects"`
	TotalAllocs      uint64 `json:"total_allocs"`
	TotalFrees       uint64 `json:"total_frees"`
	SlabAllocs       uint64 `json:"slab_allocs"`
	SlabReclaims     uint64 `json:"slab_reclaims"`
}

// freeObject is the intrusive list node overlaid on the memory of every
// object that is currently free. Two pointer-sized words, which is why
// sizeof(T) must be at least sizeof(freeObject).
type freeObject struct {
	next uintptr
	prev uintptr
}

// Slab membership tiers. Every live slab is in exactly one of the three
// cache lists; the tier field records which one so list removal never has to
// guess from occupancy counts.
const (
	tierFreeLow uintptr = iota
	tierFreeHigh
	tierFull
)

// slabInfoData is the mutable per-slab state.
type slabInfoData struct {
	freeHead    uintptr // intrusive list of free objects in the slab
	freeTail    uintptr
	owner       uint64  // id of the owning cache, checked on Free
	freeObjects uintptr // number of free objects in the slab
	slabAddr    uintptr // slab base address
	tier        uintptr
}

// slabInfo is the per-slab metadata record: a link placing the slab in one of
// the cache's three lists plus the mutable state. For SmallObject caches it is
// overlaid at the tail of the slab itself; for LargeObject caches it lives in
// backend-provided storage. Only fixed-size integer fields: this struct is
// written into raw memory the collector never scans.
type slabInfo struct {
	next uintptr
	prev uintptr
	data slabInfoData
}

var (
	freeObjectSize = unsafe.Sizeof(freeObject{})
	slabInfoSize   = unsafe.Sizeof(slabInfo{})
	slabInfoAlign  = unsafe.Alignof(slabInfo{})
)

// ownerSeq hands out a process-unique id per cache. Slabs carry the id of the
// cache that created them; Free checks it to catch cross-cache and garbage
// pointers without comparing raw cache addresses.
var ownerSeq atomic.Uint64

func infoAt(addr uintptr) *slabInfo {
	return (*slabInfo)(unsafe.Pointer(addr))
}

func nodeAt(addr uintptr) *freeObject {
	return (*freeObject)(unsafe.Pointer(addr))
}

func alignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}

// embeddedInfoAddr returns the address of the SlabInfo record embedded in a
// SmallObject slab: the highest aligned address that still leaves room for the
// record before the end of the slab.
func embeddedInfoAddr(slabAddr, slabSize uintptr) uintptr {
	return alignDown(slabAddr+slabSize-slabInfoSize, slabInfoAlign)
}

// slabList is a doubly-linked list of slabInfo records threaded through their
// next/prev fields and keyed by raw addresses. Zero means no node.
type slabList struct {
	head uintptr
	tail uintptr
}

func (l *slabList) empty() bool { return l.head == 0 }

func (l *slabList) pushFront(addr uintptr) {
	info := infoAt(addr)
	info.prev = 0
	info.next = l.head
	if l.head != 0 {
		infoAt(l.head).prev = addr
	} else {
		l.tail = addr
	}
	l.head = addr
}

func (l *slabList) pushBack(addr uintptr) {
	info := infoAt(addr)
	info.next = 0
	info.prev = l.tail
	if l.tail != 0 {
		infoAt(l.tail).next = addr
	} else {
		l.head = addr
	}
	l.tail = addr
}

func (l *slabList) remove(addr uintptr) {
	info := infoAt(addr)
	if info.prev != 0 {
		infoAt(info.prev).next = info.next
	} else {
		l.head = info.next
	}
	if info.next != 0 {
		infoAt(info.next).prev = info.prev
	} else {
		l.tail = info.prev
	}
	info.next, info.prev = 0, 0
}

// pushObject appends a free object node to the slab's free list.
func (d *slabInfoData) pushObject(addr uintptr) {
	node := nodeAt(addr)
	node.next = 0
	node.prev = d.freeTail
	if d.freeTail != 0 {
		nodeAt(d.freeTail).next = addr
	} else {
		d.freeHead = addr
	}
	d.freeTail = addr
}

// popObject removes and returns the most recently pushed free object, or zero
// when the list is empty.
func (d *slabInfoData) popObject() uintptr {
	addr := d.freeTail
	if addr == 0 {
		return 0
	}
	node := nodeAt(addr)
	d.freeTail = node.prev
	if node.prev != 0 {
		nodeAt(node.prev).next = 0
	} else {
		d.freeHead = 0
	}
	return addr
}

// Cache is a slab cache holding fixed-size objects of type T.
//
// A Cache must not be copied after first use, and must not be shared between
// goroutines without external synchronization: every method requires
// exclusive access for its duration.
type Cache[T any] struct {
	objectSize     uintptr
	objectAlign    uintptr
	slabSize       uintptr
	pageSize       uintptr
	sizeType       ObjectSizeType
	objectsPerSlab uintptr

	// Minimum allocated-object count for a slab to sit in the
	// high-occupancy free list: 75% of objectsPerSlab, rounded down.
	highOccupancyMin uintptr

	freeLow  slabList // partially free, < 75% allocated
	freeHigh slabList // partially free, >= 75% allocated; preferred on Alloc
	full     slabList

	backend MemoryBackend
	owner   uint64
	secure  bool
	logger  *slog.Logger

	stats CacheStatistics
}

// New creates a slab cache for objects of type T.
//
// slabSize must be a power of two and an exact multiple of pageSize, so slab
// boundaries are page boundaries. sizeof(T) must be at least two pointers
// (the free-list node lives inside free objects), and for SmallObject caches
// the slab must additionally fit the embedded SlabInfo record plus at least
// one object.
//
// Backend requirements by configuration:
//
//	SmallObject, slabSize == pageSize: AllocSlab/FreeSlab only.
//	SmallObject, slabSize > pageSize:  plus Save/Get/DeleteSlabInfoAddr.
//	LargeObject:                       plus Alloc/FreeSlabInfo.
func New[T any](slabSize, pageSize uintptr, sizeType ObjectSizeType, backend MemoryBackend, opts ...Option) (*Cache[T], error) {
	if backend == nil {
		return nil, ErrNilBackend
	}
	if sizeType != SmallObject && sizeType != LargeObject {
		return nil, ErrInvalidSizeType
	}

	var zero T
	objectSize := unsafe.Sizeof(zero)
	objectAlign := unsafe.Alignof(zero)

	if objectSize < freeObjectSize {
		return nil, ErrObjectTooSmall
	}
	if sizeType == SmallObject && slabSize < slabInfoSize+objectSize {
		return nil, ErrSlabTooSmall
	}
	if slabSize == 0 || slabSize&(slabSize-1) != 0 {
		return nil, ErrSlabSizeNotPowerOfTwo
	}
	if pageSize == 0 || slabSize%pageSize != 0 {
		return nil, ErrSlabNotPageMultiple
	}
	// A divisor of a power of two is itself a power of two, so pageSize is
	// usable as an alignment mask from here on.
	if pageSize%objectAlign != 0 {
		return nil, ErrPageMisaligned
	}

	var objectsPerSlab uintptr
	switch sizeType {
	case SmallObject:
		// Objects occupy the region below the embedded SlabInfo record.
		objectsPerSlab = embeddedInfoAddr(0, slabSize) / objectSize
	case LargeObject:
		objectsPerSlab = slabSize / objectSize
	}
	if objectsPerSlab == 0 {
		return nil, ErrNoObjectSpace
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Cache[T]{
		objectSize:       objectSize,
		objectAlign:      objectAlign,
		slabSize:         slabSize,
		pageSize:         pageSize,
		sizeType:         sizeType,
		objectsPerSlab:   objectsPerSlab,
		highOccupancyMin: 75 * objectsPerSlab / 100,
		backend:          backend,
		owner:            ownerSeq.Add(1),
		secure:           cfg.secure,
		logger:           cfg.logger,
	}, nil
}

// Alloc takes one object out of the cache, growing it by one slab through the
// MemoryBackend when no free object exists. It returns nil on exhaustion and
// never blocks. The returned memory is uninitialized.
func (c *Cache[T]) Alloc() *T {
	if c.freeHigh.empty() && c.freeLow.empty() {
		if !c.grow() {
			return nil
		}
	}

	// Prefer the most occupied slabs: concentrating allocations there keeps
	// lightly used slabs drainable, so they can be returned to the backend.
	infoAddr := c.freeHigh.head
	if infoAddr == 0 {
		infoAddr = c.freeLow.head
	}
	info := infoAt(infoAddr)
	data := &info.data

	objAddr := data.popObject()
	data.freeObjects--
	c.stats.FreeObjects--

	if !(c.sizeType == SmallObject && c.slabSize == c.pageSize) {
		pageAddr := alignDown(objAddr, c.pageSize)
		// A single-page slab records its page mapping on the first
		// allocation; afterwards the entry already exists.
		skip := c.objectsPerSlab >= 2 &&
			c.slabSize == c.pageSize &&
			data.freeObjects <= c.objectsPerSlab-2
		if !skip {
			c.backend.SaveSlabInfoAddr(pageAddr, infoAddr)
		}
	}

	// Crossed the 75% threshold: low-occupancy list -> high-occupancy list.
	allocated := c.objectsPerSlab - data.freeObjects
	if data.tier == tierFreeLow &&
		allocated-1 < c.highOccupancyMin && allocated >= c.highOccupancyMin {
		c.freeLow.remove(infoAddr)
		c.freeHigh.pushFront(infoAddr)
		data.tier = tierFreeHigh
	}

	// Last free object gone: free list -> full list.
	if data.freeObjects == 0 {
		c.tierList(data.tier).remove(infoAddr)
		c.full.pushBack(infoAddr)
		data.tier = tierFull
		c.stats.FreeSlabs--
		c.stats.FullSlabs++
	}

	c.stats.AllocatedObjects++
	c.stats.TotalAllocs++
	return (*T)(unsafe.Pointer(objAddr))
}

// MustAlloc is Alloc that panics on exhaustion. Use only where allocation
// failure is fatal anyway.
func (c *Cache[T]) MustAlloc() *T {
	obj := c.Alloc()
	if obj == nil {
		panic("slabcache: allocation failed, backend exhausted")
	}
	return obj
}

// grow requests one slab from the backend, threads its free-object list and
// places it on the low-occupancy free list. Returns false on backend failure,
// leaving the cache untouched.
func (c *Cache[T]) grow() bool {
	slabAddr := c.backend.AllocSlab(c.slabSize, c.pageSize)
	if slabAddr == 0 {
		return false
	}
	if slabAddr%c.pageSize != 0 {
		panic("slabcache: backend returned a slab that is not page-aligned")
	}

	var infoAddr uintptr
	switch c.sizeType {
	case SmallObject:
		infoAddr = embeddedInfoAddr(slabAddr, c.slabSize)
	case LargeObject:
		infoAddr = c.backend.AllocSlabInfo()
		if infoAddr == 0 {
			// Roll back so list and statistics invariants hold even on
			// partial failure.
			c.backend.FreeSlab(slabAddr, c.slabSize, c.pageSize)
			return false
		}
	}
	if infoAddr%slabInfoAlign != 0 {
		panic("slabcache: backend returned misaligned SlabInfo storage")
	}

	info := infoAt(infoAddr)
	*info = slabInfo{data: slabInfoData{
		owner:       c.owner,
		freeObjects: c.objectsPerSlab,
		slabAddr:    slabAddr,
		tier:        tierFreeLow,
	}}
	for i := uintptr(0); i < c.objectsPerSlab; i++ {
		objAddr := slabAddr + i*c.objectSize
		*nodeAt(objAddr) = freeObject{}
		info.data.pushObject(objAddr)
	}

	c.freeLow.pushBack(infoAddr)
	c.stats.FreeSlabs++
	c.stats.FreeObjects += uint64(c.objectsPerSlab)
	c.stats.SlabAllocs++

	if c.logger != nil {
		c.logger.Debug("slab allocated",
			slog.Uint64("slab_addr", uint64(slabAddr)),
			slog.Uint64("objects", uint64(c.objectsPerSlab)))
	}
	return true
}

// Free returns an object to the cache. obj must be a pointer previously
// returned by Alloc on this same cache; common misuse (nil, misaligned,
// cross-cache or stale pointers) panics rather than silently corrupting
// state, because nothing at this layer can recover from a violated
// raw-pointer contract.
//
// A slab whose last object is freed is returned to the backend immediately.
func (c *Cache[T]) Free(obj *T) {
	if obj == nil {
		panic("slabcache: free of nil pointer")
	}
	addr := uintptr(unsafe.Pointer(obj))
	if addr%c.objectAlign != 0 {
		panic("slabcache: free of misaligned pointer")
	}

	var slabAddr, infoAddr uintptr
	if c.sizeType == SmallObject && c.slabSize == c.pageSize {
		// Slab base and metadata are computable from the object address.
		slabAddr = alignDown(addr, c.pageSize)
		infoAddr = embeddedInfoAddr(slabAddr, c.slabSize)
	} else {
		pageAddr := alignDown(addr, c.pageSize)
		infoAddr = c.backend.GetSlabInfoAddr(pageAddr)
		if infoAddr == 0 {
			panic("slabcache: no slab metadata recorded for pointer")
		}
		if infoAddr%slabInfoAlign != 0 {
			panic("slabcache: backend returned misaligned SlabInfo storage")
		}
		slabAddr = infoAt(infoAddr).data.slabAddr
	}

	info := infoAt(infoAddr)
	data := &info.data
	if data.owner != c.owner {
		panic("slabcache: pointer does not belong to this cache")
	}
	if data.freeObjects == c.objectsPerSlab {
		panic("slabcache: double free or free of an unallocated object")
	}

	if c.secure {
		clearMemory(addr, c.objectSize)
	}
	*nodeAt(addr) = freeObject{}
	data.pushObject(addr)
	data.freeObjects++
	c.stats.FreeObjects++
	c.stats.AllocatedObjects--
	c.stats.TotalFrees++

	// First free object: full list -> front of the high-occupancy list.
	// A just-freed-from-full slab is the most likely to be reused soon.
	if data.freeObjects == 1 {
		c.full.remove(infoAddr)
		c.freeHigh.pushFront(infoAddr)
		data.tier = tierFreeHigh
		c.stats.FullSlabs--
		c.stats.FreeSlabs++
	}

	// Dropped below the 75% threshold: high-occupancy -> low-occupancy.
	allocated := c.objectsPerSlab - data.freeObjects
	if data.tier == tierFreeHigh &&
		allocated+1 >= c.highOccupancyMin && allocated < c.highOccupancyMin {
		c.freeHigh.remove(infoAddr)
		c.freeLow.pushFront(infoAddr)
		data.tier = tierFreeLow
	}

	// Slab fully free again: hand it back to the backend.
	if data.freeObjects == c.objectsPerSlab {
		c.tierList(data.tier).remove(infoAddr)
		c.stats.FreeSlabs--
		c.stats.FreeObjects -= uint64(c.objectsPerSlab)
		c.stats.SlabReclaims++

		// For SmallObject caches the metadata lives inside the slab, so
		// nothing may touch info past this call.
		c.backend.FreeSlab(slabAddr, c.slabSize, c.pageSize)

		if !(c.sizeType == SmallObject && c.slabSize == c.pageSize) {
			if c.sizeType == LargeObject {
				c.backend.FreeSlabInfo(infoAddr)
			}
			for pageAddr := slabAddr; pageAddr < slabAddr+c.slabSize; pageAddr += c.pageSize {
				c.backend.DeleteSlabInfoAddr(pageAddr)
			}
		}

		if c.logger != nil {
			c.logger.Debug("slab reclaimed",
				slog.Uint64("slab_addr", uint64(slabAddr)))
		}
	}
}

func (c *Cache[T]) tierList(tier uintptr) *slabList {
	switch tier {
	case tierFreeLow:
		return &c.freeLow
	case tierFreeHigh:
		return &c.freeHigh
	default:
		return &c.full
	}
}

// ObjectSize returns the size of one object in bytes.
func (c *Cache[T]) ObjectSize() uintptr { return c.objectSize }

// SlabSize returns the slab size in bytes.
func (c *Cache[T]) SlabSize() uintptr { return c.slabSize }

// PageSize returns the page size in bytes.
func (c *Cache[T]) PageSize() uintptr { return c.pageSize }

// SizeType returns the cache's ObjectSizeType.
func (c *Cache[T]) SizeType() ObjectSizeType { return c.sizeType }

// ObjectsPerSlab returns how many objects fit in one slab.
func (c *Cache[T]) ObjectsPerSlab() uintptr { return c.objectsPerSlab }

// Statistics returns a snapshot of the cache statistics.
func (c *Cache[T]) Statistics() CacheStatistics { return c.stats }

func clearMemory(addr, size uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	clear(b)
}
