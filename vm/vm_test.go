package vm

import (
	"testing"

	"goos32/arch"
	"goos32/mem"
)

func freshEnv(t *testing.T) {
	t.Helper()
	restore := arch.UseTestHooks()
	t.Cleanup(restore)

	npages := uint32(4096)
	storage := make([]uint64, (npages+63)/64)
	p := &mem.Physmem
	p.Init([]mem.Region_t{{Start: 0, NPages: npages}}, nil, storage)

	InitRAM(npages * PageSize)
	liveVAS = nil
	kernelDir = 0
	curVas = nil
	kernelFreeVA = KERNEL_VAS_START
}

func TestMapThenGetPhys(t *testing.T) {
	freshEnv(t)
	kv := InitKernelVAS()

	pa, ok := mem.Physmem.AllocN(4)
	if !ok {
		t.Fatal("AllocN failed")
	}
	const vaddr = uint32(0x40000000)
	kv.Map(pa, vaddr, 4, true, true)

	for i := 0; i < 4; i++ {
		got, ok := kv.GetPhys(vaddr + uint32(i*PageSize))
		if !ok {
			t.Fatalf("page %d not mapped", i)
		}
		want := pa + mem.Pa_t(i*PageSize)
		if got != want {
			t.Fatalf("page %d: got %#x want %#x", i, got, want)
		}
	}
}

func TestUnmapClearsMapping(t *testing.T) {
	freshEnv(t)
	kv := InitKernelVAS()
	pa, _ := mem.Physmem.AllocN(2)
	const vaddr = uint32(0x40000000)
	kv.Map(pa, vaddr, 2, true, true)
	kv.Unmap(vaddr, 2)

	for i := 0; i < 2; i++ {
		if _, ok := kv.GetPhys(vaddr + uint32(i*PageSize)); ok {
			t.Fatalf("page %d still mapped after unmap", i)
		}
	}
}

func TestRemapPresentPanics(t *testing.T) {
	freshEnv(t)
	kv := InitKernelVAS()
	pa, _ := mem.Physmem.AllocN(1)
	const vaddr = uint32(0x40000000)
	kv.Map(pa, vaddr, 1, true, true)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic remapping a present PTE")
		}
	}()
	kv.Map(pa, vaddr, 1, true, true)
}

func TestValidateUserPtr(t *testing.T) {
	cases := []struct {
		ptr, size uint32
		want      bool
	}{
		{0, 0, true},
		{KERNEL_VAS_START - 4, 4, true},
		{KERNEL_VAS_START - 3, 4, false},
		{KERNEL_VAS_START, 1, false},
		{KERNEL_VAS_START, 0, true}, // ptr+size == boundary is still valid
		{0xFFFFFFFE, 4, false},      // overflow
	}
	for _, c := range cases {
		if got := ValidateUserPtr(c.ptr, c.size); got != c.want {
			t.Errorf("ValidateUserPtr(%#x,%d) = %v, want %v", c.ptr, c.size, got, c.want)
		}
	}
}

func TestValidateUserPtrMappedRequiresMapping(t *testing.T) {
	freshEnv(t)
	kv := InitKernelVAS()
	uv := NewVas()

	const vaddr = uint32(0x00100000)
	if ValidateUserPtrMapped(uv, vaddr, PageSize) {
		t.Fatal("expected false before mapping")
	}
	pa, _ := mem.Physmem.Alloc()
	uv.Map(pa, vaddr, 1, true, true)
	if !ValidateUserPtrMapped(uv, vaddr, PageSize) {
		t.Fatal("expected true after mapping")
	}
	_ = kv
}

func TestKernelHalfSharedAcrossVAS(t *testing.T) {
	freshEnv(t)
	InitKernelVAS()
	uv1 := NewVas()
	uv2 := NewVas()

	pa, _ := mem.Physmem.AllocN(1)
	const vaddr = uint32(KERNEL_VAS_START + 0x1000)
	uv1.Map(pa, vaddr, 1, false, true)

	got, ok := uv2.GetPhys(vaddr)
	if !ok || got != pa {
		t.Fatalf("kernel-half mapping did not propagate to sibling VAS: ok=%v got=%#x", ok, got)
	}
}

func TestCopyInOutRoundtrip(t *testing.T) {
	freshEnv(t)
	InitKernelVAS()
	uv := NewVas()
	pa, _ := mem.Physmem.Alloc()
	const vaddr = uint32(0x00200000)
	uv.Map(pa, vaddr, 1, true, true)

	data := []byte("hello, userland")
	CopyOut(uv, vaddr, data)
	got := CopyIn(uv, vaddr, uint32(len(data)))
	if string(got) != string(data) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, data)
	}
}

func TestDeleteVasFreesFrames(t *testing.T) {
	freshEnv(t)
	InitKernelVAS()
	before := mem.Physmem.FreePageCount()
	uv := NewVas()

	pa, _ := mem.Physmem.Alloc()
	uv.Map(pa, 0x00100000, 1, true, true)
	DeleteVas(uv)

	after := mem.Physmem.FreePageCount()
	if after != before {
		t.Fatalf("DeleteVas leaked frames: before=%d after=%d", before, after)
	}
}
