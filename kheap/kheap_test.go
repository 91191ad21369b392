package kheap

import (
	"testing"

	"goos32/arch"
	"goos32/mem"
	"goos32/vm"
)

func freshHeap(t *testing.T) *Heap_t {
	t.Helper()
	restore := arch.UseTestHooks()
	t.Cleanup(restore)

	npages := uint32(4096)
	storage := make([]uint64, (npages+63)/64)
	mem.Physmem.Init([]mem.Region_t{{Start: 0, NPages: npages}}, nil, storage)
	vm.InitRAM(npages * vm.PageSize)

	kv := vm.InitKernelVAS()
	h := &Heap_t{}
	h.Init(kv)
	return h
}

func addrOrdered(h *Heap_t) bool {
	for b := h.addrHead; b != 0 && h.aNext(b) != 0; b = h.aNext(b) {
		next := h.aNext(b)
		if b >= next {
			return false
		}
		if payloadOf(b)+h.hdrSize(b) == next {
			return false // adjacent free blocks must have been coalesced
		}
	}
	return true
}

func sizeOrdered(h *Heap_t) bool {
	for b := h.sizeHead; b != 0 && h.sNext(b) != 0; b = h.sNext(b) {
		if h.hdrSize(b) > h.hdrSize(h.sNext(b)) {
			return false
		}
	}
	return true
}

func TestAllocFreeRoundtrip(t *testing.T) {
	h := freshHeap(t)
	var ptrs []uint32
	for i := 0; i < 50; i++ {
		p := h.Alloc(uint32(16 + i*7))
		if p == 0 {
			t.Fatalf("alloc %d failed", i)
		}
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		h.Free(p)
	}
	if !addrOrdered(h) {
		t.Fatal("by-address list not ordered/coalesced after full free")
	}
	if !sizeOrdered(h) {
		t.Fatal("by-size list not ordered after full free")
	}
}

func TestInvariantsHoldUnderInterleaving(t *testing.T) {
	h := freshHeap(t)
	var live []uint32
	for round := 0; round < 20; round++ {
		p := h.Alloc(uint32(32 + round%5*64))
		if p == 0 {
			t.Fatalf("alloc failed at round %d", round)
		}
		live = append(live, p)
		if round%3 == 0 && len(live) > 0 {
			h.Free(live[0])
			live = live[1:]
		}
		if !addrOrdered(h) {
			t.Fatalf("address-order/coalescing invariant broken at round %d", round)
		}
		if !sizeOrdered(h) {
			t.Fatalf("size-order invariant broken at round %d", round)
		}
	}
}

func TestAllocatedRegionsDontOverlap(t *testing.T) {
	h := freshHeap(t)
	type span struct{ lo, hi uint32 }
	var spans []span
	sizes := []uint32{16, 100, 250, 40, 4096, 8}
	for _, s := range sizes {
		p := h.Alloc(s)
		if p == 0 {
			t.Fatalf("alloc(%d) failed", s)
		}
		spans = append(spans, span{p, p + s})
	}
	for i := range spans {
		for j := range spans {
			if i == j {
				continue
			}
			if spans[i].lo < spans[j].hi && spans[j].lo < spans[i].hi {
				t.Fatalf("overlapping allocations: %v and %v", spans[i], spans[j])
			}
		}
	}
}
