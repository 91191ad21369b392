// Package mem implements the physical frame allocator (§4.1): a bitmap
// built from the boot memory map, one bit per page, 1 meaning free.
//
// Grounded on the teacher's mem/mem.go Physmem_t: a single mutex-guarded
// package singleton with an explicit Phys_init bootstrap entry point and a
// Pa_t physical-address type. The allocation algorithm itself (bitmap +
// highest-free hint, rather than biscuit's refcounted freelists) is
// replaced per the spec's data model (§3 Frame map).
package mem

import (
	"sync"

	"goos32/arch"
)

// Pa_t is a page-aligned physical address.
type Pa_t uint32

const PageSize = arch.PageSize

// Region_t is a page-aligned {start, n_pages} record, the shape the boot
// layer (§6) emits from the Multiboot memory map.
type Region_t struct {
	Start  Pa_t
	NPages uint32
}

// ISADMALimit is the 16 MiB ceiling for legacy ISA DMA allocations.
const ISADMALimit = 16 * 1024 * 1024

// DMABoundary is the 64 KiB boundary an ISA DMA run may never cross.
const DMABoundary = 64 * 1024

// Physmem_t is the frame-map allocator singleton.
type Physmem_t struct {
	sync.Mutex

	bitmap  []uint64 // 1 = free
	base    Pa_t     // physical address of bit 0
	npages  uint32
	hint    uint32 // highest-known-free page index, scans start here
	freecnt uint32
}

var Physmem Physmem_t

// Init builds the frame map from the boot memory map and a reserved
// set (the loaded kernel image plus the frame map's own backing storage).
// regions must be disjoint and sorted is not required; reserved entries
// are punched out after the union of regions is marked free.
//
// storage is the backing array for the bitmap itself; the caller (boot)
// is responsible for carving it out of a region that is then added to
// reserved, matching the teacher's "reserve the frame map's own pages"
// convention in mem.Phys_init's respgs handling.
func (p *Physmem_t) Init(regions []Region_t, reserved []Region_t, storage []uint64) {
	p.Lock()
	defer p.Unlock()

	var lo, hi Pa_t
	first := true
	for _, r := range regions {
		if r.NPages == 0 {
			continue
		}
		end := r.Start + Pa_t(r.NPages)*PageSize
		if first || r.Start < lo {
			lo = r.Start
		}
		if first || end > hi {
			hi = end
		}
		first = false
	}
	if first {
		panic("mem: no usable regions in memory map")
	}

	p.base = lo
	p.npages = uint32((hi - lo) / PageSize)
	need := (p.npages + 63) / 64
	if uint32(len(storage)) < need {
		panic("mem: frame map storage too small")
	}
	p.bitmap = storage[:need]
	for i := range p.bitmap {
		p.bitmap[i] = 0
	}

	for _, r := range regions {
		p.markRangeLocked(r.Start, r.NPages, true)
	}
	for _, r := range reserved {
		p.markRangeLocked(r.Start, r.NPages, false)
	}

	p.freecnt = 0
	p.hint = 0
	for i := uint32(0); i < p.npages; i++ {
		if p.testLocked(i) {
			p.freecnt++
			p.hint = i
		}
	}
}

func (p *Physmem_t) pageIndex(pa Pa_t) (uint32, bool) {
	if pa < p.base {
		return 0, false
	}
	idx := uint32((pa - p.base) / PageSize)
	if idx >= p.npages {
		return 0, false
	}
	return idx, true
}

func (p *Physmem_t) testLocked(idx uint32) bool {
	return p.bitmap[idx/64]&(1<<(idx%64)) != 0
}

func (p *Physmem_t) setLocked(idx uint32, free bool) {
	word, bit := idx/64, idx%64
	if free {
		p.bitmap[word] |= 1 << bit
	} else {
		p.bitmap[word] &^= 1 << bit
	}
}

func (p *Physmem_t) markRangeLocked(start Pa_t, n uint32, free bool) {
	idx, ok := p.pageIndex(start)
	if !ok {
		return
	}
	for i := uint32(0); i < n && idx+i < p.npages; i++ {
		p.setLocked(idx+i, free)
	}
}

// IsFree reports whether the frame at pa is currently free.
func (p *Physmem_t) IsFree(pa Pa_t) bool {
	p.Lock()
	defer p.Unlock()
	idx, ok := p.pageIndex(pa)
	if !ok {
		return false
	}
	return p.testLocked(idx)
}

// FreePageCount returns the number of frames currently marked free.
func (p *Physmem_t) FreePageCount() uint32 {
	p.Lock()
	defer p.Unlock()
	return p.freecnt
}

// Alloc returns any free frame, or false if none remain.
func (p *Physmem_t) Alloc() (Pa_t, bool) {
	p.Lock()
	defer p.Unlock()
	idx, ok := p.findFreeLocked(0, p.npages)
	if !ok {
		return 0, false
	}
	p.setLocked(idx, false)
	p.freecnt--
	p.updateHintLocked(idx)
	return p.base + Pa_t(idx)*PageSize, true
}

// AllocN returns the base of n contiguous free frames.
func (p *Physmem_t) AllocN(n uint32) (Pa_t, bool) {
	if n == 0 {
		panic("mem: AllocN(0)")
	}
	p.Lock()
	defer p.Unlock()
	idx, ok := p.findRunLocked(0, p.npages, n, 0)
	if !ok {
		return 0, false
	}
	for i := uint32(0); i < n; i++ {
		p.setLocked(idx+i, false)
	}
	p.freecnt -= n
	p.updateHintLocked(idx)
	return p.base + Pa_t(idx)*PageSize, true
}

// AllocISADMA returns n contiguous frames entirely below 16 MiB that do
// not cross a 64 KiB boundary (§4.1).
func (p *Physmem_t) AllocISADMA(n uint32) (Pa_t, bool) {
	if n == 0 {
		panic("mem: AllocISADMA(0)")
	}
	p.Lock()
	defer p.Unlock()

	limitIdx := uint32(0)
	if p.base < ISADMALimit {
		limitIdx = uint32((ISADMALimit - p.base) / PageSize)
	}
	if limitIdx > p.npages {
		limitIdx = p.npages
	}

	// The 64 KiB run counter resets at every absolute-address boundary,
	// not at an index boundary, since p.base need not be 64 KiB aligned.
	idx := uint32(0)
	for idx+n <= limitIdx {
		addr := uint32(p.base) + idx*PageSize
		boundaryEndAddr := (addr/DMABoundary + 1) * DMABoundary
		boundaryEndIdx := idx + (boundaryEndAddr-addr)/PageSize

		runEnd := idx
		for runEnd < boundaryEndIdx && runEnd < limitIdx && p.testLocked(runEnd) {
			runEnd++
		}
		if runEnd-idx >= n {
			base := idx
			for i := uint32(0); i < n; i++ {
				p.setLocked(base+i, false)
			}
			p.freecnt -= n
			p.updateHintLocked(base)
			return p.base + Pa_t(base)*PageSize, true
		}
		if runEnd == idx {
			idx++
		} else {
			idx = boundaryEndIdx
		}
	}
	return 0, false
}

func (p *Physmem_t) findFreeLocked(from, to uint32) (uint32, bool) {
	start := p.hint
	if start < from || start >= to {
		start = from
	}
	for i := start; i < to; i++ {
		if p.testLocked(i) {
			return i, true
		}
	}
	for i := from; i < start; i++ {
		if p.testLocked(i) {
			return i, true
		}
	}
	return 0, false
}

func (p *Physmem_t) findRunLocked(from, to, n, _ uint32) (uint32, bool) {
	run := uint32(0)
	runStart := from
	for i := from; i < to; i++ {
		if p.testLocked(i) {
			if run == 0 {
				runStart = i
			}
			run++
			if run >= n {
				return runStart, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

func (p *Physmem_t) updateHintLocked(consumed uint32) {
	// Walk backward from the top page looking for the new highest free
	// page; cheap linear scan is fine since consumption is rare relative
	// to lookups in this single-CPU kernel.
	for i := p.npages; i > 0; i-- {
		idx := i - 1
		if p.testLocked(idx) {
			p.hint = idx
			return
		}
	}
	p.hint = consumed
}

// Free marks pa as free. Double-free is fatal (§4.1 invariant).
func (p *Physmem_t) Free(pa Pa_t) {
	p.Lock()
	defer p.Unlock()
	idx, ok := p.pageIndex(pa)
	if !ok {
		panic("mem: Free of out-of-range frame")
	}
	if p.testLocked(idx) {
		panic("mem: double free of frame")
	}
	p.setLocked(idx, true)
	p.freecnt++
	if idx > p.hint {
		p.hint = idx
	}
}

// FreeN frees n contiguous frames starting at base.
func (p *Physmem_t) FreeN(base Pa_t, n uint32) {
	p.Lock()
	defer p.Unlock()
	idx, ok := p.pageIndex(base)
	if !ok {
		panic("mem: FreeN of out-of-range frame")
	}
	for i := uint32(0); i < n; i++ {
		if p.testLocked(idx + i) {
			panic("mem: double free of frame")
		}
	}
	for i := uint32(0); i < n; i++ {
		p.setLocked(idx+i, true)
	}
	p.freecnt += n
	if idx+n-1 > p.hint {
		p.hint = idx + n - 1
	}
}
