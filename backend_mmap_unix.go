//go:build unix

package slabcache

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapBackend is a MemoryBackend that maps slabs with anonymous mmap, so slab
// memory is page-aligned by construction and returned to the OS on reclaim.
// SlabInfo storage and the page association stay on the pinned Go heap; only
// slab memory needs page-exact placement.
//
// The cache's pageSize must not exceed the OS page size: mmap guarantees OS
// page alignment and nothing stronger. AllocSlab fails (returns zero) when it
// cannot honor the requested alignment.
type MmapBackend struct {
	slabs map[uintptr][]byte
	infos map[uintptr][]byte
	pages map[uintptr]uintptr
}

// NewMmapBackend returns an empty MmapBackend.
func NewMmapBackend() *MmapBackend {
	return &MmapBackend{
		slabs: make(map[uintptr][]byte),
		infos: make(map[uintptr][]byte),
		pages: make(map[uintptr]uintptr),
	}
}

func (b *MmapBackend) AllocSlab(slabSize, pageSize uintptr) uintptr {
	mem, err := unix.Mmap(-1, 0, int(slabSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0
	}
	addr := uintptr(unsafe.Pointer(&mem[0]))
	if addr%pageSize != 0 {
		_ = unix.Munmap(mem)
		return 0
	}
	b.slabs[addr] = mem
	return addr
}

func (b *MmapBackend) FreeSlab(slabAddr, slabSize, pageSize uintptr) {
	mem, ok := b.slabs[slabAddr]
	if !ok {
		panic("slabcache: MmapBackend: free of unknown slab")
	}
	delete(b.slabs, slabAddr)
	_ = unix.Munmap(mem)
}

func (b *MmapBackend) AllocSlabInfo() uintptr {
	size, align := SlabInfoLayout()
	addr, buf := alignedAlloc(size, align)
	b.infos[addr] = buf
	return addr
}

func (b *MmapBackend) FreeSlabInfo(infoAddr uintptr) {
	if _, ok := b.infos[infoAddr]; !ok {
		panic("slabcache: MmapBackend: free of unknown SlabInfo")
	}
	delete(b.infos, infoAddr)
}

func (b *MmapBackend) SaveSlabInfoAddr(pageAddr, infoAddr uintptr) {
	b.pages[pageAddr] = infoAddr
}

func (b *MmapBackend) GetSlabInfoAddr(pageAddr uintptr) uintptr {
	return b.pages[pageAddr]
}

func (b *MmapBackend) DeleteSlabInfoAddr(pageAddr uintptr) {
	delete(b.pages, pageAddr)
}

// SlabCount returns the number of mapped slabs.
func (b *MmapBackend) SlabCount() int { return len(b.slabs) }
