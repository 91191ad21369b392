package proc

import (
	"testing"

	"goos32/arch"
	"goos32/mem"
	"goos32/vm"
)

func freshEnv(t *testing.T) *vm.Vas_t {
	t.Helper()
	restore := arch.UseTestHooks()
	t.Cleanup(restore)

	npages := uint32(4096)
	storage := make([]uint64, (npages+63)/64)
	mem.Physmem.Init([]mem.Region_t{{Start: 0, NPages: npages}}, nil, storage)
	vm.InitRAM(npages * vm.PageSize)
	return vm.InitKernelVAS()
}

func TestInitProcessCannotExit(t *testing.T) {
	kv := freshEnv(t)
	tab := &Table_t{}
	tab.InitRoot(kv, "0:")

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic exiting init process")
		}
	}()
	tab.Pop(0)
}

func TestPushCreatesChildAndSwitchesVAS(t *testing.T) {
	kv := freshEnv(t)
	tab := &Table_t{}
	root := tab.InitRoot(kv, "0:")

	child := tab.Push()
	if child.Parent != root {
		t.Fatal("child's parent should be the root process")
	}
	if child.PageDirectory == root.PageDirectory {
		t.Fatal("child should have a distinct address space")
	}
	if tab.Current() != child {
		t.Fatal("current process should be the child after push")
	}
	if vm.CurVas() != child.PageDirectory {
		t.Fatal("CR3 should point at the child's address space after push")
	}
}

func TestPopReturnsToParentAndFreesChildVAS(t *testing.T) {
	kv := freshEnv(t)
	tab := &Table_t{}
	root := tab.InitRoot(kv, "0:")
	tab.Push()

	before := mem.Physmem.FreePageCount()

	parent := tab.Pop(7)
	if after := mem.Physmem.FreePageCount(); after != before+1 {
		t.Fatalf("pop should free the child's page directory frame: free pages %d -> %d", before, after)
	}
	if parent != root {
		t.Fatal("pop should return the parent")
	}
	if tab.Current() != root {
		t.Fatal("current process should be root after pop")
	}
	if vm.CurVas() != root.PageDirectory {
		t.Fatal("CR3 should be restored to parent's address space")
	}
}

func TestDishonorableExitSentinel(t *testing.T) {
	kv := freshEnv(t)
	tab := &Table_t{}
	tab.InitRoot(kv, "0:")
	child := tab.Push()
	tab.DishonorableExit()
	if child.LastExitStatus() != -100 {
		t.Fatalf("expected dishonorable sentinel -100, got %d", child.LastExitStatus())
	}
}

func TestOpenFileTableLifecycle(t *testing.T) {
	p := &Proc_t{}
	idx := p.AllocFile(42)
	if idx < 0 {
		t.Fatal("AllocFile failed on empty table")
	}
	if !p.OpenFiles[idx].Used || p.OpenFiles[idx].Handle != 42 {
		t.Fatal("slot not recorded correctly")
	}
	p.ReleaseFile(idx)
	if p.OpenFiles[idx].Used {
		t.Fatal("slot still marked used after release")
	}
}

func TestOpenFileTableExhaustion(t *testing.T) {
	p := &Proc_t{}
	for i := 0; i < MaxFiles; i++ {
		if idx := p.AllocFile(i); idx < 0 {
			t.Fatalf("unexpected exhaustion at %d", i)
		}
	}
	if idx := p.AllocFile(99); idx != -1 {
		t.Fatalf("expected -1 once table is full, got %d", idx)
	}
}
