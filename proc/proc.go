// Package proc implements the nested-stack process model (§4.6): push
// (exec) creates a child and switches to its address space, pop (exit)
// tears the child down and switches back to the parent.
//
// Grounded on tinfo/tinfo.go's Threadinfo_t (the "current" pointer idiom,
// reused here as "current PCB"), fd/fd.go's Cwd_t (Fullpath/Canonicalpath,
// reused for the per-process CWD), and accnt/accnt.go's Accnt_t, added
// per SPEC_FULL.md §3 as a per-process resource accounting record. Unlike
// the teacher's, these counters are not tied to any clock: they change
// only through Accounting.AddUser/AddSystem.
package proc

import (
	"sync"
	"sync/atomic"

	"goos32/arch"
	"goos32/defs"
	"goos32/vm"
)

// MaxFiles bounds the per-process open-file table (§3 Process control
// block).
const MaxFiles = 16

// PathMax bounds a canonical CWD string (glossary: Canonical path).
const PathMax = 256

// OpenFile is one slot of a PCB's open-file table.
type OpenFile struct {
	Used   bool
	Handle int // vfs file handle; meaning owned by package vfs
}

// Accounting mirrors accnt.Accnt_t's shape: nanosecond-resolution user
// and system time counters. They change only through AddUser/AddSystem,
// which nothing else in this tree calls, and no syscall or dump routine
// reports them.
type Accounting struct {
	UserNs int64
	SysNs  int64
}

func (a *Accounting) AddUser(deltaNs int64)   { atomic.AddInt64(&a.UserNs, deltaNs) }
func (a *Accounting) AddSystem(deltaNs int64) { atomic.AddInt64(&a.SysNs, deltaNs) }

// Proc_t is a process control block (§3).
type Proc_t struct {
	Pid    uint32
	Parent *Proc_t

	PageDirectory *vm.Vas_t
	CPUContext    arch.Context_t

	Cwd string // canonical, <= PathMax

	OpenFiles [MaxFiles]OpenFile

	Accounting Accounting

	// exitStatus is the value returned to the parent's exec() once this
	// process pops, either a clean status or defs.DISHONORABLE_EXIT.
	exitStatus int32
}

// Table_t owns the nested process stack. Exactly one PCB is "current" at
// any instant (§3); its parent chain is the stack, rooted at init.
type Table_t struct {
	mu      sync.Mutex
	nextPid uint32
	current *Proc_t
	init    *Proc_t
}

var Procs Table_t

// InitRoot installs the init process, owning the already-constructed
// bootstrap address space. The init PCB's parent is nil and it can never
// be popped (§4.6).
func (t *Table_t) InitRoot(rootVas *vm.Vas_t, cwd string) *Proc_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextPid = 1
	p := &Proc_t{
		Pid:           t.nextPid,
		Parent:        nil,
		PageDirectory: rootVas,
		Cwd:           cwd,
	}
	t.nextPid++
	t.init = p
	t.current = p
	return p
}

// Current returns the PCB currently scheduled to run.
func (t *Table_t) Current() *Proc_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Push creates a child of the current process, switches into its fresh
// address space, and returns it (§4.6 "push creates a child ... switches
// to a freshly created VAS").
func (t *Table_t) Push() *Proc_t {
	t.mu.Lock()
	parent := t.current
	t.mu.Unlock()

	child := &Proc_t{
		Parent:        parent,
		PageDirectory: vm.NewVas(),
		Cwd:           parent.Cwd,
	}

	t.mu.Lock()
	child.Pid = t.nextPid
	t.nextPid++
	t.current = child
	t.mu.Unlock()

	vm.SwitchVas(child.PageDirectory)
	return child
}

// Pop tears down the current process and returns control to its parent,
// recording status as the value the parent's exec() observes in EBX. The
// init process (parent == nil) must never be popped.
func (t *Table_t) Pop(status int32) *Proc_t {
	t.mu.Lock()
	child := t.current
	t.mu.Unlock()

	if child.Parent == nil {
		panic("proc: attempted to exit the init process")
	}
	child.exitStatus = status

	parent := child.Parent
	vm.SwitchVas(parent.PageDirectory)
	vm.DeleteVas(child.PageDirectory)

	t.mu.Lock()
	t.current = parent
	t.mu.Unlock()

	return parent
}

// DishonorableExit pops the current process with the sentinel status
// (§4.6, §7 tier 3, glossary "Dishonorable exit").
func (t *Table_t) DishonorableExit() *Proc_t {
	return t.Pop(defs.DISHONORABLE_EXIT)
}

// LastExitStatus returns the status a just-completed Pop recorded for p.
// The syscall layer writes the parent's resumed exec() return (EBX)
// itself and does not read it from here.
func (p *Proc_t) LastExitStatus() int32 { return p.exitStatus }

// AllocFile finds an unused open-file slot and marks it used, returning
// its index, or -1 if the table is full (§3 open_files[MAX_FILES]).
func (p *Proc_t) AllocFile(handle int) int {
	for i := range p.OpenFiles {
		if !p.OpenFiles[i].Used {
			p.OpenFiles[i] = OpenFile{Used: true, Handle: handle}
			return i
		}
	}
	return -1
}

// ReleaseFile frees slot i.
func (p *Proc_t) ReleaseFile(i int) {
	if i < 0 || i >= MaxFiles {
		panic("proc: file slot index out of range")
	}
	p.OpenFiles[i] = OpenFile{}
}

// SetupExec installs a fresh CPU context for a just-loaded program
// (§4.6 "Process setup of cpu_context for a new program").
func (p *Proc_t) SetupExec(entry, userStackTop uint32) {
	p.CPUContext.ResetUser(entry, userStackTop)
}
