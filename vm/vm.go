// Package vm implements the two-level 32-bit virtual memory manager
// (§4.2): a self-referencing page directory, lazy page-table creation and
// reclamation, and the double validation every user pointer crossing the
// syscall boundary must pass.
//
// Grounded on the teacher's vm/as.go Vm_t: the same Lock/Unlock
// bracketing discipline around every address-space mutation (there is no
// Lockassert counterpart here),
// and mem/mem.go's PTE_* constant names (the 64-bit-only extras PTE_G/
// PTE_PS/PTE_PCD have no role in a flat 2-level 32-bit table and are
// dropped). The self-referencing-directory mechanism itself is enriched
// from gopher-os's PageDirectoryTable.Init, the one place in the pack
// that documents this exact trick for a 2-level table.
package vm

import (
	"sync"

	"goos32/arch"
	"goos32/mem"
)

const PageSize = arch.PageSize

// KERNEL_VAS_START is the fixed boundary between the user and kernel
// halves of every address space (glossary).
const KERNEL_VAS_START = 0xC0000000

// Page table entry flags.
const (
	PTE_P    = 1 << 0 // present
	PTE_W    = 1 << 1 // writable
	PTE_U    = 1 << 2 // user-accessible
	PTE_PWT  = 1 << 3
	PTE_PCD  = 1 << 4
	PTE_A    = 1 << 5 // accessed
	PTE_D    = 1 << 6 // dirty
	PTE_ADDR = 0xFFFFF000
)

const entriesPerTable = 1024

// vrecSlot is the page-directory slot that self-references: PDE[1023]
// points back at the directory's own physical frame, mapping every
// installed page table into the fixed 4 MiB window starting at
// 0xFFC00000 (§3 Page directory / page tables).
const vrecSlot = 1023

// firstKernelSlot is the PDE index of KERNEL_VAS_START (0xC0000000 / 4MiB
// = 768); slots [firstKernelSlot, vrecSlot) are the shared kernel half.
const firstKernelSlot = KERNEL_VAS_START / (entriesPerTable * PageSize)

// Vas_t is one address space: a page directory plus the lock that
// brackets every structural mutation to it, mirroring the teacher's
// Lock_pmap/Unlock_pmap pair (the embedded sync.Mutex offers no
// Lockassert_pmap equivalent).
type Vas_t struct {
	sync.Mutex
	pdir mem.Pa_t
}

var (
	kernelMu  sync.Mutex
	kernelDir mem.Pa_t // physical address of the master kernel page directory
	liveVAS   []*Vas_t // every live address space; kernel-half edits fan out to all of them
	curVasMu  sync.Mutex
	curVas    *Vas_t
)

// InitKernelVAS bootstraps the master kernel page directory. Must be
// called once, before any user address space is created.
func InitKernelVAS() *Vas_t {
	kernelMu.Lock()
	defer kernelMu.Unlock()

	pa, ok := mem.Physmem.Alloc()
	if !ok {
		panic("vm: out of memory allocating kernel page directory")
	}
	ZeroPage(pa)
	writePhys32(pdeAddr(pa, vrecSlot), uint32(pa)|PTE_P|PTE_W)
	kernelDir = pa

	v := &Vas_t{pdir: pa}
	liveVAS = append(liveVAS, v)
	curVas = v
	arch.WriteCR3(uint32(pa))
	return v
}

func pdeAddr(pdir mem.Pa_t, slot int) mem.Pa_t {
	return pdir + mem.Pa_t(slot*4)
}

// NewVas creates a fresh address space whose kernel half is populated
// from the current master kernel directory (§4.2: "kernel half is shared
// across address spaces"); its user half starts empty.
func NewVas() *Vas_t {
	kernelMu.Lock()
	defer kernelMu.Unlock()

	pa, ok := mem.Physmem.Alloc()
	if !ok {
		panic("vm: out of memory allocating page directory")
	}
	ZeroPage(pa)
	for slot := firstKernelSlot; slot < vrecSlot; slot++ {
		pde := readPhys32(pdeAddr(kernelDir, slot))
		writePhys32(pdeAddr(pa, slot), pde)
	}
	writePhys32(pdeAddr(pa, vrecSlot), uint32(pa)|PTE_P|PTE_W)

	v := &Vas_t{pdir: pa}
	liveVAS = append(liveVAS, v)
	return v
}

// DeleteVas frees every user-half page table and page, then frees the
// directory itself. Must not be the currently active VAS.
func DeleteVas(v *Vas_t) {
	v.Lock()
	for slot := 0; slot < firstKernelSlot; slot++ {
		pde := readPhys32(pdeAddr(v.pdir, slot))
		if pde&PTE_P == 0 {
			continue
		}
		pt := mem.Pa_t(pde & PTE_ADDR)
		for i := 0; i < entriesPerTable; i++ {
			pte := readPhys32(pt + mem.Pa_t(i*4))
			if pte&PTE_P != 0 {
				mem.Physmem.Free(mem.Pa_t(pte & PTE_ADDR))
			}
		}
		mem.Physmem.Free(pt)
	}
	v.Unlock()

	kernelMu.Lock()
	defer kernelMu.Unlock()
	mem.Physmem.Free(v.pdir)
	for i, live := range liveVAS {
		if live == v {
			liveVAS = append(liveVAS[:i], liveVAS[i+1:]...)
			break
		}
	}
}

// SwitchVas loads v's page directory into CR3 and records it as current.
func SwitchVas(v *Vas_t) {
	curVasMu.Lock()
	defer curVasMu.Unlock()
	curVas = v
	arch.WriteCR3(uint32(v.pdir))
}

// CurVas returns the address space currently loaded into CR3.
func CurVas() *Vas_t {
	curVasMu.Lock()
	defer curVasMu.Unlock()
	return curVas
}

// DestroyUVas clears every user-half mapping of v, freeing the mapped
// pages and their page tables, without freeing the directory itself.
// Nothing else in this tree calls it.
func DestroyUVas(v *Vas_t) {
	v.Lock()
	defer v.Unlock()
	for slot := 0; slot < firstKernelSlot; slot++ {
		pde := readPhys32(pdeAddr(v.pdir, slot))
		if pde&PTE_P == 0 {
			continue
		}
		pt := mem.Pa_t(pde & PTE_ADDR)
		for i := 0; i < entriesPerTable; i++ {
			pte := readPhys32(pt + mem.Pa_t(i*4))
			if pte&PTE_P != 0 {
				mem.Physmem.Free(mem.Pa_t(pte & PTE_ADDR))
			}
		}
		mem.Physmem.Free(pt)
		writePhys32(pdeAddr(v.pdir, slot), 0)
	}
}

func pdIndex(vaddr uint32) int { return int(vaddr >> 22) }
func ptIndex(vaddr uint32) int { return int((vaddr >> 12) & 0x3FF) }

// ensureTable returns the physical address of the page table covering
// vaddr, allocating and zeroing a fresh one if the PDE is not present.
func (v *Vas_t) ensureTable(vaddr uint32) mem.Pa_t {
	slot := pdIndex(vaddr)
	pde := readPhys32(pdeAddr(v.pdir, slot))
	if pde&PTE_P != 0 {
		return mem.Pa_t(pde & PTE_ADDR)
	}
	pt, ok := mem.Physmem.Alloc()
	if !ok {
		panic("vm: out of memory allocating page table")
	}
	ZeroPage(pt)
	flags := uint32(PTE_P | PTE_W)
	if slot < firstKernelSlot {
		flags |= PTE_U
	}
	writePhys32(pdeAddr(v.pdir, slot), uint32(pt)|flags)
	if slot >= firstKernelSlot && slot < vrecSlot {
		propagateKernelPDE(slot, uint32(pt)|flags)
	}
	return pt
}

// propagateKernelPDE writes a newly-created kernel-half PDE into every
// live address space, since the kernel half must stay identical across
// VAS boundaries (§4.2).
func propagateKernelPDE(slot int, pde uint32) {
	kernelMu.Lock()
	defer kernelMu.Unlock()
	writePhys32(pdeAddr(kernelDir, slot), pde)
	for _, live := range liveVAS {
		writePhys32(pdeAddr(live.pdir, slot), pde)
	}
}

// Map installs n contiguous present PTEs starting at vaddr -> paddr.
// Remapping an already-present entry is fatal (§4.2).
func (v *Vas_t) Map(paddr mem.Pa_t, vaddr uint32, n int, user, writable bool) {
	v.Lock()
	defer v.Unlock()
	for i := 0; i < n; i++ {
		va := vaddr + uint32(i*PageSize)
		pa := paddr + mem.Pa_t(i*PageSize)
		pt := v.ensureTable(va)
		idx := ptIndex(va)
		old := readPhys32(pt + mem.Pa_t(idx*4))
		if old&PTE_P != 0 {
			panic("vm: remap of present PTE")
		}
		flags := uint32(PTE_P)
		if writable {
			flags |= PTE_W
		}
		if user {
			flags |= PTE_U
		}
		writePhys32(pt+mem.Pa_t(idx*4), uint32(pa)|flags)
		arch.InvalidatePage(va)
	}
}

// unmap clears n PTEs starting at vaddr. If withFree, each present page
// is returned to the physical allocator and any page table left fully
// empty is itself reclaimed (§4.2, §8 "backing page table is reclaimed
// iff all its entries were cleared").
func (v *Vas_t) unmap(vaddr uint32, n int, withFree bool) {
	v.Lock()
	defer v.Unlock()
	touchedTables := map[int]mem.Pa_t{}
	for i := 0; i < n; i++ {
		va := vaddr + uint32(i*PageSize)
		slot := pdIndex(va)
		pde := readPhys32(pdeAddr(v.pdir, slot))
		if pde&PTE_P == 0 {
			continue
		}
		pt := mem.Pa_t(pde & PTE_ADDR)
		idx := ptIndex(va)
		pte := readPhys32(pt + mem.Pa_t(idx*4))
		if pte&PTE_P == 0 {
			continue
		}
		if withFree {
			mem.Physmem.Free(mem.Pa_t(pte & PTE_ADDR))
		}
		writePhys32(pt+mem.Pa_t(idx*4), 0)
		arch.InvalidatePage(va)
		touchedTables[slot] = pt
	}
	if !withFree {
		return
	}
	for slot, pt := range touchedTables {
		if slot >= firstKernelSlot {
			continue // kernel half's tables outlive any single VAS
		}
		empty := true
		for i := 0; i < entriesPerTable; i++ {
			if readPhys32(pt+mem.Pa_t(i*4))&PTE_P != 0 {
				empty = false
				break
			}
		}
		if empty {
			mem.Physmem.Free(pt)
			writePhys32(pdeAddr(v.pdir, slot), 0)
		}
	}
}

// Unmap clears n PTEs and reclaims backing frames and empty tables.
func (v *Vas_t) Unmap(vaddr uint32, n int) { v.unmap(vaddr, n, true) }

// UnmapNofree clears n PTEs without freeing the backing frames.
func (v *Vas_t) UnmapNofree(vaddr uint32, n int) { v.unmap(vaddr, n, false) }

// GetPhys returns the physical frame vaddr is mapped to, or false.
func (v *Vas_t) GetPhys(vaddr uint32) (mem.Pa_t, bool) {
	v.Lock()
	defer v.Unlock()
	slot := pdIndex(vaddr)
	pde := readPhys32(pdeAddr(v.pdir, slot))
	if pde&PTE_P == 0 {
		return 0, false
	}
	pt := mem.Pa_t(pde & PTE_ADDR)
	pte := readPhys32(pt + mem.Pa_t(ptIndex(vaddr)*4))
	if pte&PTE_P == 0 {
		return 0, false
	}
	off := vaddr & (PageSize - 1)
	return mem.Pa_t(pte&PTE_ADDR) + mem.Pa_t(off), true
}

// kernelFreeVA tracks the next untried virtual page inside the kernel
// half for PallocK/MapRangeAnyK's simple bump-then-scan search.
var kernelFreeVA uint32 = KERNEL_VAS_START

// PallocK finds n contiguous free virtual pages in the kernel half and
// reserves them (does not map anything; the caller maps afterward).
func PallocK(n int) (uint32, bool) {
	kernelMu.Lock()
	defer kernelMu.Unlock()

	start := kernelFreeVA
	const kernelEnd = uint64(vrecSlot) * entriesPerTable * PageSize
	for va := start; uint64(va)+uint64(n)*PageSize <= kernelEnd; va += PageSize {
		free := true
		for i := 0; i < n; i++ {
			if isMappedLocked(va + uint32(i*PageSize)) {
				free = false
				va += uint32(i * PageSize)
				break
			}
		}
		if free {
			kernelFreeVA = va + uint32(n)*PageSize
			return va, true
		}
	}
	return 0, false
}

func isMappedLocked(vaddr uint32) bool {
	slot := pdIndex(vaddr)
	pde := readPhys32(pdeAddr(kernelDir, slot))
	if pde&PTE_P == 0 {
		return false
	}
	pt := mem.Pa_t(pde & PTE_ADDR)
	pte := readPhys32(pt + mem.Pa_t(ptIndex(vaddr)*4))
	return pte&PTE_P != 0
}

// MapRangeAnyK maps an arbitrary physical range into a freshly chosen
// kernel virtual address, preserving the intra-page offset of paddr, and
// returns the virtual address corresponding to paddr itself.
func MapRangeAnyK(kv *Vas_t, paddr mem.Pa_t, size uint32) (uint32, bool) {
	off := uint32(paddr) & (PageSize - 1)
	base := mem.Pa_t(uint32(paddr) &^ (PageSize - 1))
	n := int((off + size + PageSize - 1) / PageSize)
	va, ok := PallocK(n)
	if !ok {
		return 0, false
	}
	kv.Map(base, va, n, false, true)
	return va + off, true
}

// ValidateUserPtr reports whether [ptr, ptr+size) lies wholly below the
// kernel-VAS boundary, with no overflow (§4.2, §8).
func ValidateUserPtr(ptr, size uint32) bool {
	if size == 0 {
		return ptr <= KERNEL_VAS_START
	}
	end := ptr + size
	if end < ptr {
		return false // overflow
	}
	return end <= KERNEL_VAS_START
}

// ValidateUserPtrMapped additionally verifies every page covered by
// [ptr, ptr+size) is currently mapped in v.
func ValidateUserPtrMapped(v *Vas_t, ptr, size uint32) bool {
	if !ValidateUserPtr(ptr, size) {
		return false
	}
	if size == 0 {
		return true
	}
	first := ptr &^ (PageSize - 1)
	last := (ptr + size - 1) &^ (PageSize - 1)
	for va := first; ; va += PageSize {
		if _, ok := v.GetPhys(va); !ok {
			return false
		}
		if va == last {
			break
		}
	}
	return true
}
