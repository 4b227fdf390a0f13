package slabcache

import "unsafe"

// MemoryBackend supplies raw slab memory, out-of-band SlabInfo storage and
// the page-address to SlabInfo association the cache cannot always compute
// analytically. Addresses are raw; zero is the failure/absence sentinel.
//
// Backend methods are called under the same exclusive-access guarantee as the
// cache's own operations; the backend owns whatever locking its underlying
// resource needs.
type MemoryBackend interface {
	// AllocSlab returns a page-aligned region of exactly slabSize bytes, or
	// zero on failure.
	AllocSlab(slabSize, pageSize uintptr) uintptr
	// FreeSlab releases a region previously returned by AllocSlab with
	// matching sizes.
	FreeSlab(slabAddr, slabSize, pageSize uintptr)

	// AllocSlabInfo returns storage for one SlabInfo record, aligned per
	// SlabInfoLayout, or zero on failure. Only called by LargeObject caches.
	AllocSlabInfo() uintptr
	// FreeSlabInfo releases storage previously returned by AllocSlabInfo.
	FreeSlabInfo(infoAddr uintptr)

	// SaveSlabInfoAddr records that pageAddr (page-aligned) belongs to the
	// slab described by infoAddr. Not called when the mapping is computable
	// from the object address alone.
	SaveSlabInfoAddr(pageAddr, infoAddr uintptr)
	// GetSlabInfoAddr returns the previously saved association, or zero.
	GetSlabInfoAddr(pageAddr uintptr) uintptr
	// DeleteSlabInfoAddr drops any saved association for pageAddr. Called
	// for every page of a reclaimed slab, including pages that were never
	// recorded, so it must tolerate missing entries.
	DeleteSlabInfoAddr(pageAddr uintptr)
}

// SlabInfoLayout returns the size and alignment a backend must provide for
// one SlabInfo record from AllocSlabInfo.
func SlabInfoLayout() (size, align uintptr) {
	return slabInfoSize, slabInfoAlign
}

// HeapBackend is a portable MemoryBackend on top of the Go heap. Slabs are
// carved out of over-allocated byte slices rounded up to page alignment and
// pinned in a map so the collector keeps them alive; the page association is
// an ordinary hash map. Suitable for tests and userspace consumers.
type HeapBackend struct {
	slabs map[uintptr][]byte
	infos map[uintptr][]byte
	pages map[uintptr]uintptr
}

// NewHeapBackend returns an empty HeapBackend.
func NewHeapBackend() *HeapBackend {
	return &HeapBackend{
		slabs: make(map[uintptr][]byte),
		infos: make(map[uintptr][]byte),
		pages: make(map[uintptr]uintptr),
	}
}

// alignedAlloc over-allocates by align-1 bytes and rounds the base address
// up, returning the aligned address and the backing slice that pins it.
func alignedAlloc(size, align uintptr) (uintptr, []byte) {
	buf := make([]byte, size+align-1)
	base := uintptr(unsafe.Pointer(&buf[0]))
	addr := (base + align - 1) &^ (align - 1)
	return addr, buf
}

func (b *HeapBackend) AllocSlab(slabSize, pageSize uintptr) uintptr {
	addr, buf := alignedAlloc(slabSize, pageSize)
	b.slabs[addr] = buf
	return addr
}

func (b *HeapBackend) FreeSlab(slabAddr, slabSize, pageSize uintptr) {
	if _, ok := b.slabs[slabAddr]; !ok {
		panic("slabcache: HeapBackend: free of unknown slab")
	}
	delete(b.slabs, slabAddr)
}

func (b *HeapBackend) AllocSlabInfo() uintptr {
	size, align := SlabInfoLayout()
	addr, buf := alignedAlloc(size, align)
	b.infos[addr] = buf
	return addr
}

func (b *HeapBackend) FreeSlabInfo(infoAddr uintptr) {
	if _, ok := b.infos[infoAddr]; !ok {
		panic("slabcache: HeapBackend: free of unknown SlabInfo")
	}
	delete(b.infos, infoAddr)
}

func (b *HeapBackend) SaveSlabInfoAddr(pageAddr, infoAddr uintptr) {
	b.pages[pageAddr] = infoAddr
}

func (b *HeapBackend) GetSlabInfoAddr(pageAddr uintptr) uintptr {
	return b.pages[pageAddr]
}

func (b *HeapBackend) DeleteSlabInfoAddr(pageAddr uintptr) {
	delete(b.pages, pageAddr)
}

// SlabCount returns the number of slabs currently held by the backend.
func (b *HeapBackend) SlabCount() int { return len(b.slabs) }

// SlabInfoCount returns the number of outstanding SlabInfo allocations.
func (b *HeapBackend) SlabInfoCount() int { return len(b.infos) }

// MappingCount returns the number of recorded page associations.
func (b *HeapBackend) MappingCount() int { return len(b.pages) }
