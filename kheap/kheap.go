// Package kheap implements the kernel heap (§4.3): a variable-size
// allocator layered over page-granular virtual memory, with twin by-size
// and by-address free lists and coalescing on every insertion.
//
// No teacher package covers this directly (biscuit runs on the Go
// runtime's own allocator and never implements one of its own); the
// general "doubly linked intrusive list over raw memory" shape is
// grounded on fs/blk.go's BlkList_t, a container/list wrapper, adapted
// here because the list nodes live inside the kernel's simulated RAM
// (vm.InitRAM's flat byte slice), not host memory: a kernel virtual
// address is never a host-process pointer, so every header field is
// read and written through the same VA->PA->physSlice path vm.CopyIn
// and vm.CopyOut use, rather than an unsafe.Pointer cast of the VA.
package kheap

import (
	"encoding/binary"

	"goos32/mem"
	"goos32/vm"
)

// headerSize is the on-heap encoding of one free-block header (§3
// Kernel heap block): a uint32 size word followed by four uint32 link
// fields (by-size prev/next, by-address prev/next). 0 is never a valid
// kernel VA (the kernel half starts at vm.KERNEL_VAS_START) so it
// doubles as the "no link" sentinel, same role nil plays for a real
// pointer.
const headerSize = 20
const minPayload = 16

// Heap is the kernel heap singleton, initialized once boot has grown
// the kernel address space far enough to back it.
var Heap Heap_t

// Heap_t is the allocator singleton. It owns a kernel virtual range
// grown page-by-page from vm/mem as the free lists run dry.
type Heap_t struct {
	kv *vm.Vas_t

	sizeHead uint32 // VA of the smallest free block, 0 if the list is empty
	addrHead uint32 // VA of the lowest-address free block, 0 if empty

	base uint32 // first virtual address ever handed to this heap
	top  uint32 // one past the last mapped page
}

// Init resets the heap to empty, backed by kv, the kernel address space.
// Safe to call again (e.g. between tests that each build a fresh kernel
// VAS): a stale free-list entry from a prior Init would otherwise point
// at a virtual address that no longer exists in the new address space.
func (h *Heap_t) Init(kv *vm.Vas_t) {
	h.kv = kv
	h.sizeHead = 0
	h.addrHead = 0
	h.base = 0
	h.top = 0
}

func (h *Heap_t) readVA32(addr uint32) uint32 {
	return binary.LittleEndian.Uint32(vm.CopyIn(h.kv, addr, 4))
}

func (h *Heap_t) writeVA32(addr, val uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	vm.CopyOut(h.kv, addr, buf[:])
}

func (h *Heap_t) hdrSize(addr uint32) uint32 { return h.readVA32(addr) }
func (h *Heap_t) setHdrSize(addr, v uint32)  { h.writeVA32(addr, v) }
func (h *Heap_t) sPrev(addr uint32) uint32   { return h.readVA32(addr + 4) }
func (h *Heap_t) setSPrev(addr, v uint32)    { h.writeVA32(addr+4, v) }
func (h *Heap_t) sNext(addr uint32) uint32   { return h.readVA32(addr + 8) }
func (h *Heap_t) setSNext(addr, v uint32)    { h.writeVA32(addr+8, v) }
func (h *Heap_t) aPrev(addr uint32) uint32   { return h.readVA32(addr + 12) }
func (h *Heap_t) setAPrev(addr, v uint32)    { h.writeVA32(addr+12, v) }
func (h *Heap_t) aNext(addr uint32) uint32   { return h.readVA32(addr + 16) }
func (h *Heap_t) setANext(addr, v uint32)    { h.writeVA32(addr+16, v) }

func payloadOf(addr uint32) uint32 { return addr + uint32(headerSize) }

// growPages maps n fresh kernel pages and returns the address of the
// header describing them as one free block, ready for insertion.
func (h *Heap_t) growPages(n int) (uint32, bool) {
	va, ok := vm.PallocK(n)
	if !ok {
		return 0, false
	}
	for i := 0; i < n; i++ {
		pa, ok := mem.Physmem.Alloc()
		if !ok {
			// Roll back pages already allocated in this grow.
			for j := 0; j < i; j++ {
				pa, _ := h.kv.GetPhys(va + uint32(j*vm.PageSize))
				mem.Physmem.Free(pa)
			}
			h.kv.UnmapNofree(va, n)
			return 0, false
		}
		h.kv.Map(pa, va+uint32(i*vm.PageSize), 1, false, true)
	}
	if h.base == 0 || va < h.base {
		h.base = va
	}
	end := va + uint32(n)*vm.PageSize
	if end > h.top {
		h.top = end
	}
	h.setHdrSize(va, uint32(n)*uint32(vm.PageSize)-uint32(headerSize))
	return va, true
}

func (h *Heap_t) removeFromSize(addr uint32) {
	prev, next := h.sPrev(addr), h.sNext(addr)
	if prev != 0 {
		h.setSNext(prev, next)
	} else {
		h.sizeHead = next
	}
	if next != 0 {
		h.setSPrev(next, prev)
	}
}

func (h *Heap_t) removeFromAddr(addr uint32) {
	prev, next := h.aPrev(addr), h.aNext(addr)
	if prev != 0 {
		h.setANext(prev, next)
	} else {
		h.addrHead = next
	}
	if next != 0 {
		h.setAPrev(next, prev)
	}
}

func (h *Heap_t) insertSize(addr uint32) {
	size := h.hdrSize(addr)
	if h.sizeHead == 0 || size <= h.hdrSize(h.sizeHead) {
		h.setSNext(addr, h.sizeHead)
		h.setSPrev(addr, 0)
		if h.sizeHead != 0 {
			h.setSPrev(h.sizeHead, addr)
		}
		h.sizeHead = addr
		return
	}
	cur := h.sizeHead
	for h.sNext(cur) != 0 && h.hdrSize(h.sNext(cur)) < size {
		cur = h.sNext(cur)
	}
	next := h.sNext(cur)
	h.setSNext(addr, next)
	h.setSPrev(addr, cur)
	if next != 0 {
		h.setSPrev(next, addr)
	}
	h.setSNext(cur, addr)
}

// insertAddr inserts addr into the by-address list in order and
// coalesces with a physically adjacent left/right neighbor, maintaining
// the invariant that no two adjacent by-address entries ever touch (§3).
// Returns the address of the block actually holding the merged run
// (addr itself, unless a left-coalesce folded it into its predecessor).
func (h *Heap_t) insertAddr(addr uint32) uint32 {
	h.insertAddrRaw(addr)

	// Coalesce right: does addr end exactly where its successor begins?
	if next := h.aNext(addr); next != 0 && payloadOf(addr)+h.hdrSize(addr) == next {
		h.removeFromAddr(next)
		h.removeFromSize(next)
		h.setHdrSize(addr, h.hdrSize(addr)+uint32(headerSize)+h.hdrSize(next))
	}
	// Coalesce left: does predecessor end exactly where addr begins?
	if prev := h.aPrev(addr); prev != 0 && payloadOf(prev)+h.hdrSize(prev) == addr {
		h.removeFromAddr(addr)
		h.removeFromAddr(prev)
		h.removeFromSize(prev)
		h.setHdrSize(prev, h.hdrSize(prev)+uint32(headerSize)+h.hdrSize(addr))
		addr = prev
		h.insertAddrRaw(addr)
	}
	return addr
}

// insertAddrRaw inserts addr into the by-address list in sorted-by-VA
// order without triggering any coalescing.
func (h *Heap_t) insertAddrRaw(addr uint32) {
	if h.addrHead == 0 || addr < h.addrHead {
		h.setANext(addr, h.addrHead)
		h.setAPrev(addr, 0)
		if h.addrHead != 0 {
			h.setAPrev(h.addrHead, addr)
		}
		h.addrHead = addr
		return
	}
	cur := h.addrHead
	for h.aNext(cur) != 0 && h.aNext(cur) < addr {
		cur = h.aNext(cur)
	}
	next := h.aNext(cur)
	h.setANext(addr, next)
	h.setAPrev(addr, cur)
	if next != 0 {
		h.setAPrev(next, addr)
	}
	h.setANext(cur, addr)
}

func roundUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

// Alloc returns a pointer to a usable run of at least n bytes, or 0 if
// memory cannot be grown further.
func (h *Heap_t) Alloc(n uint32) uint32 {
	need := roundUp(n, 8)
	if need < minPayload {
		need = minPayload
	}

	addr := h.findFit(need)
	if addr == 0 {
		pages := (need + uint32(headerSize) + uint32(vm.PageSize) - 1) / uint32(vm.PageSize)
		if pages == 0 {
			pages = 1
		}
		grown, ok := h.growPages(int(pages))
		if !ok {
			return 0
		}
		grown = h.insertAddr(grown)
		h.insertSize(grown)
		addr = h.findFit(need)
		if addr == 0 {
			return 0
		}
	}

	h.removeFromSize(addr)
	h.removeFromAddr(addr)

	size := h.hdrSize(addr)
	if size >= need+uint32(headerSize)+minPayload {
		tailAddr := payloadOf(addr) + need
		h.setHdrSize(tailAddr, size-need-uint32(headerSize))
		h.setHdrSize(addr, need)
		tailAddr = h.insertAddr(tailAddr)
		h.insertSize(tailAddr)
	}

	return payloadOf(addr)
}

func (h *Heap_t) findFit(need uint32) uint32 {
	for b := h.sizeHead; b != 0; b = h.sNext(b) {
		if h.hdrSize(b) >= need {
			return b
		}
	}
	return 0
}

// Free returns ptr (as previously returned by Alloc) to the heap.
func (h *Heap_t) Free(ptr uint32) {
	addr := ptr - uint32(headerSize)
	addr = h.insertAddr(addr)
	h.insertSize(addr)
}

// ReadAt copies n bytes out of the heap starting at addr. Used by
// consumers that allocate a buffer with Alloc and then need its
// contents as a host-side []byte (e.g. fat's cached FAT table).
func (h *Heap_t) ReadAt(addr uint32, n uint32) []byte {
	return vm.CopyIn(h.kv, addr, n)
}

// WriteAt copies data into the heap starting at addr.
func (h *Heap_t) WriteAt(addr uint32, data []byte) {
	vm.CopyOut(h.kv, addr, data)
}
