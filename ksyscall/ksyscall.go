// Package ksyscall implements the syscall ABI dispatch of §4.6: the
// vector-48 trampoline's landing point, pointer validation and
// copy-in/copy-out for every argument that crosses the user/kernel
// boundary, and the "dishonorable exit" path for any exception or failed
// validation that originates in user code.
//
// Grounded on vm/as.go's Userdmap8_inner/Userstr/Userreadn/Userwriten/
// K2user/User2k family: the same double-validate-then-copy shape, adapted
// from biscuit's 4-level/COW page tables to this spec's flat
// validate-range-then-check-mapped contract over vm.Vas_t.
package ksyscall

import (
	"encoding/binary"
	"io"

	"goos32/arch"
	"goos32/blkdev"
	"goos32/defs"
	"goos32/elf"
	"goos32/hal"
	"goos32/intr"
	"goos32/kpath"
	"goos32/kstat"
	"goos32/proc"
	"goos32/timer"
	"goos32/vfs"
	"goos32/vm"
)

// Handler services one syscall number against the process that is
// "current" at entry. It reads arguments out of p.CPUContext (already
// snapshotted from the trampoline's frame) and may mutate proc.Procs
// (push/pop) as a side effect; dispatchVector copies whichever process is
// current *after* the handler returns back into the trampoline frame.
type Handler func(p *proc.Proc_t)

var table = map[defs.Sysno]Handler{
	defs.SYS_GET_LOCAL_TIME: sysGetLocalTime,
	defs.SYS_DELAY_MS:       sysDelayMs,

	defs.SYS_CONSOLE_WRITE:    sysConsoleWrite,
	defs.SYS_CONSOLE_READLINE: sysConsoleReadline,
	defs.SYS_CONSOLE_GETCHAR:  sysConsoleGetchar,

	defs.SYS_EXIT:   sysExit,
	defs.SYS_EXEC:   sysExec,
	defs.SYS_CHDIR:  sysChdir,
	defs.SYS_GETCWD: sysGetcwd,

	defs.SYS_MOUNT:   sysMount,
	defs.SYS_UNMOUNT: sysUnmount,

	defs.SYS_OPEN:    sysOpen,
	defs.SYS_CLOSE:   sysClose,
	defs.SYS_READ:    sysRead,
	defs.SYS_READDIR: sysReaddir,
}

// Init wires the syscall gate and every CPU exception vector into it
// (§4.4, §4.6). Exceptions whose faulting EIP lies in the user half are
// deflected to a dishonorable exit (§7 tier 3); any other exception is a
// tier-1 fatal condition, handled by the caller-supplied onKernelFault
// (normally panicdump.Fatal).
func Init(it *intr.Table_t, onKernelFault func(vector int, frame *arch.Context_t)) {
	it.RegisterSyscall(dispatchVector)
	for v := 0; v < 32; v++ {
		vec := v
		it.RegisterException(vec, func(frame *arch.Context_t) {
			handleException(vec, frame, onKernelFault)
		})
	}
}

func handleException(vector int, frame *arch.Context_t, onKernelFault func(int, *arch.Context_t)) {
	if frame.Eip < vm.KERNEL_VAS_START {
		cur := proc.Procs.Current()
		cur.CPUContext = *frame
		dishonorableExit(cur, frame)
		return
	}
	if onKernelFault != nil {
		onKernelFault(vector, frame)
		return
	}
	panic("ksyscall: unhandled CPU exception in kernel code")
}

// dishonorableExit pops the current process with the sentinel status and
// loads the parent's resumed context into frame (glossary "Dishonorable
// exit", §8 scenario 4).
func dishonorableExit(p *proc.Proc_t, frame *arch.Context_t) {
	kstat.DishonorableExit.Inc()
	parent := proc.Procs.DishonorableExit()
	parent.CPUContext.Eax = 0
	sentinel := int32(defs.DISHONORABLE_EXIT)
	parent.CPUContext.Ebx = uint32(sentinel)
	*frame = parent.CPUContext
	_ = p
}

// dispatchVector is installed as the vector-48 handler. It performs step
// 1 of §4.6's transition (snapshot user state into the current PCB),
// looks up and runs the handler named by EAX, then reloads frame from
// whichever process ends up current (push/pop may have changed it).
func dispatchVector(frame *arch.Context_t) {
	kstat.SyscallDispatch.Inc()

	cur := proc.Procs.Current()
	cur.CPUContext = *frame

	num := defs.Sysno(cur.CPUContext.Eax)
	h, ok := table[num]
	if !ok {
		fail(cur, defs.E_NOIMPL)
		*frame = cur.CPUContext
		return
	}
	h(cur)

	*frame = proc.Procs.Current().CPUContext
}

// --- pointer validation helpers -------------------------------------------------

// checkedPtr validates [ptr,size) against p's address space, per §4.6
// "every pointer crossing the boundary is checked twice." Returns false
// on any failure; the calling handler performs the dishonorable exit.
func checkedPtr(p *proc.Proc_t, ptr, size uint32) bool {
	if !vm.ValidateUserPtr(ptr, size) {
		return false
	}
	if !vm.ValidateUserPtrMapped(p.PageDirectory, ptr, size) {
		return false
	}
	return true
}

// copyInChecked validates then copies size bytes from ptr in p's address
// space, or reports failure.
func copyInChecked(p *proc.Proc_t, ptr, size uint32) ([]byte, bool) {
	if !checkedPtr(p, ptr, size) {
		return nil, false
	}
	return vm.CopyIn(p.PageDirectory, ptr, size), true
}

func copyOutChecked(p *proc.Proc_t, ptr uint32, data []byte) bool {
	if !checkedPtr(p, ptr, uint32(len(data))) {
		return false
	}
	vm.CopyOut(p.PageDirectory, ptr, data)
	return true
}

func copyInStringChecked(p *proc.Proc_t, ptr uint32, max uint32) (string, bool) {
	if !vm.ValidateUserPtr(ptr, 1) {
		return "", false
	}
	return vm.CopyInString(p.PageDirectory, ptr, max)
}

// fail records an error return in p's pending result (EAX) without
// touching the process stack; used for ordinary propagated errors (§7
// tier 2), as opposed to validation failures, which dishonorably exit.
func fail(p *proc.Proc_t, e defs.Err_t) {
	p.CPUContext.Eax = uint32(int32(e))
}

func ok(p *proc.Proc_t, v uint32) {
	p.CPUContext.Eax = v
}

// --- 0x01xx: time ----------------------------------------------------------------

func sysGetLocalTime(p *proc.Proc_t) {
	ok(p, uint32(timer.Clock.WallSeconds()))
}

func sysDelayMs(p *proc.Proc_t) {
	ms := p.CPUContext.Ebx
	target := timer.Clock.Now() + uint64(ms)
	for timer.Clock.Now() < target {
		arch.Pause()
	}
	ok(p, 0)
}

// --- 0x02xx: console ---------------------------------------------------------------

func sysConsoleWrite(p *proc.Proc_t) {
	ptr, n := p.CPUContext.Ebx, p.CPUContext.Ecx
	buf, valid := copyInChecked(p, ptr, n)
	if !valid {
		dishonorableExitCurrent(p)
		return
	}
	if hal.ActiveConsole == nil {
		fail(p, defs.E_NOIMPL)
		return
	}
	ok(p, uint32(hal.ActiveConsole.Write(buf)))
}

func sysConsoleReadline(p *proc.Proc_t) {
	ptr, n := p.CPUContext.Ebx, p.CPUContext.Ecx
	if !checkedPtr(p, ptr, n) {
		dishonorableExitCurrent(p)
		return
	}
	if hal.ActiveConsole == nil {
		fail(p, defs.E_NOIMPL)
		return
	}
	buf := make([]byte, n)
	count := hal.ActiveConsole.Readline(buf)
	if count < 0 {
		count = 0
	}
	if count > len(buf) {
		count = len(buf)
	}
	if !copyOutChecked(p, ptr, buf[:count]) {
		dishonorableExitCurrent(p)
		return
	}
	ok(p, uint32(count))
}

func sysConsoleGetchar(p *proc.Proc_t) {
	if hal.ActiveConsole == nil {
		fail(p, defs.E_NOIMPL)
		return
	}
	ok(p, uint32(hal.ActiveConsole.Getchar()))
}

// dishonorableExitCurrent is called from inside a handler, where p is
// still "current" (no push/pop has happened yet); it performs the pop
// and leaves p.CPUContext untouched since dispatchVector reloads frame
// from the new current afterward.
func dishonorableExitCurrent(p *proc.Proc_t) {
	kstat.DishonorableExit.Inc()
	parent := proc.Procs.DishonorableExit()
	parent.CPUContext.Eax = 0
	sentinel := int32(defs.DISHONORABLE_EXIT)
	parent.CPUContext.Ebx = uint32(sentinel)
}

// --- 0x10xx: process lifecycle -------------------------------------------------

func sysExit(p *proc.Proc_t) {
	status := int32(p.CPUContext.Ebx)
	parent := proc.Procs.Pop(status)
	parent.CPUContext.Eax = 0
	parent.CPUContext.Ebx = uint32(status)
}

// execParamsMax bounds the path argument read from user memory for exec
// (reuses proc.PathMax, since an exec target's path is itself a
// canonical-or-relative path string, §4.11).
const execParamsMax = proc.PathMax

func sysExec(p *proc.Proc_t) {
	pathPtr := p.CPUContext.Ebx
	raw, ok2 := copyInStringChecked(p, pathPtr, execParamsMax)
	if !ok2 {
		dishonorableExitCurrent(p)
		return
	}
	path, err := kpath.ResolveRelative(p.Cwd, raw)
	if err != 0 {
		fail(p, err)
		return
	}

	h, err := vfs.Vfs.Open(path, false)
	if err != 0 {
		fail(p, err)
		return
	}

	child := proc.Procs.Push()
	child.Cwd = p.Cwd

	reader := &vfsFileReaderAt{handle: h}
	size := vfsInodeSize(h)
	entry, lerr := elf.Load(child.PageDirectory, reader, size)
	vfs.Vfs.Close(h)
	if lerr != 0 {
		proc.Procs.Pop(int32(lerr))
		fail(p, lerr)
		return
	}

	const userStackTop = vm.KERNEL_VAS_START - vm.PageSize
	child.SetupExec(entry, userStackTop)
}

func sysChdir(p *proc.Proc_t) {
	ptr := p.CPUContext.Ebx
	raw, ok2 := copyInStringChecked(p, ptr, proc.PathMax)
	if !ok2 {
		dishonorableExitCurrent(p)
		return
	}
	canon, err := kpath.ResolveRelative(p.Cwd, raw)
	if err != 0 {
		fail(p, err)
		return
	}
	if len(canon) > proc.PathMax {
		fail(p, defs.E_INVREQ)
		return
	}
	p.Cwd = canon
	ok(p, 0)
}

func sysGetcwd(p *proc.Proc_t) {
	ptr, n := p.CPUContext.Ebx, p.CPUContext.Ecx
	data := []byte(p.Cwd)
	if uint32(len(data)) > n {
		fail(p, defs.E_INVREQ)
		return
	}
	if !copyOutChecked(p, ptr, data) {
		dishonorableExitCurrent(p)
		return
	}
	ok(p, uint32(len(data)))
}

// --- 0x11xx: mount / file -------------------------------------------------------

// mountParams is the byte-exact packed layout a user mount() call passes
// by address in EBX: device major, target mount point, then an
// fs-name pointer/length pair, fields in declared order (§6 ABI).
type mountParams struct {
	DevMajor  uint32
	Mp        uint32
	FsNamePtr uint32
	FsNameLen uint32
}

const mountParamsSize = 16

func sysMount(p *proc.Proc_t) {
	raw, ok2 := copyInChecked(p, p.CPUContext.Ebx, mountParamsSize)
	if !ok2 {
		dishonorableExitCurrent(p)
		return
	}
	mp := mountParams{
		DevMajor:  binary.LittleEndian.Uint32(raw[0:4]),
		Mp:        binary.LittleEndian.Uint32(raw[4:8]),
		FsNamePtr: binary.LittleEndian.Uint32(raw[8:12]),
		FsNameLen: binary.LittleEndian.Uint32(raw[12:16]),
	}
	fsNameBytes, ok3 := copyInChecked(p, mp.FsNamePtr, mp.FsNameLen)
	if !ok3 {
		dishonorableExitCurrent(p)
		return
	}

	dev, derr := blkdev.Registry.GetHandle(int(mp.DevMajor))
	if derr != 0 {
		fail(p, derr)
		return
	}
	err := vfs.Vfs.Mount(int(mp.Mp), string(fsNameBytes), dev)
	if err != 0 {
		blkdev.Registry.ReleaseHandle(dev)
	}
	fail(p, err)
}

func sysUnmount(p *proc.Proc_t) {
	mp := int(p.CPUContext.Ebx)
	fail(p, vfs.Vfs.Unmount(mp))
}

// openParams mirrors mountParams's packing discipline: path pointer and
// length, then the FOPT_* flag word.
type openParams struct {
	PathPtr uint32
	PathLen uint32
	Opts    uint32
}

const openParamsSize = 12

func sysOpen(p *proc.Proc_t) {
	raw, ok2 := copyInChecked(p, p.CPUContext.Ebx, openParamsSize)
	if !ok2 {
		dishonorableExitCurrent(p)
		return
	}
	params := openParams{
		PathPtr: binary.LittleEndian.Uint32(raw[0:4]),
		PathLen: binary.LittleEndian.Uint32(raw[4:8]),
		Opts:    binary.LittleEndian.Uint32(raw[8:12]),
	}
	pathBytes, ok3 := copyInChecked(p, params.PathPtr, params.PathLen)
	if !ok3 {
		dishonorableExitCurrent(p)
		return
	}
	resolved, err := kpath.ResolveRelative(p.Cwd, string(pathBytes))
	if err != 0 {
		fail(p, err)
		return
	}
	wantDir := params.Opts&defs.FOPT_DIR != 0
	h, err := vfs.Vfs.Open(resolved, wantDir)
	if err != 0 {
		fail(p, err)
		return
	}
	slot := p.AllocFile(h)
	if slot < 0 {
		vfs.Vfs.Close(h)
		fail(p, defs.E_TOOMANY)
		return
	}
	ok(p, uint32(slot))
}

func sysClose(p *proc.Proc_t) {
	slot := int(p.CPUContext.Ebx)
	if slot < 0 || slot >= proc.MaxFiles || !p.OpenFiles[slot].Used {
		fail(p, defs.E_INVREQ)
		return
	}
	h := p.OpenFiles[slot].Handle
	p.ReleaseFile(slot)
	fail(p, vfs.Vfs.Close(h))
}

// rwParams is the packed layout shared by read() and readdir(): a
// process-local file-table slot, a destination buffer, its length, and
// the byte/entry offset to start from.
type rwParams struct {
	Slot   uint32
	BufPtr uint32
	BufLen uint32
	Offset uint32
}

const rwParamsSize = 16

func readRwParams(p *proc.Proc_t, ptr uint32) (rwParams, bool) {
	raw, okc := copyInChecked(p, ptr, rwParamsSize)
	if !okc {
		return rwParams{}, false
	}
	return rwParams{
		Slot:   binary.LittleEndian.Uint32(raw[0:4]),
		BufPtr: binary.LittleEndian.Uint32(raw[4:8]),
		BufLen: binary.LittleEndian.Uint32(raw[8:12]),
		Offset: binary.LittleEndian.Uint32(raw[12:16]),
	}, true
}

func fileHandleForSlot(p *proc.Proc_t, slot uint32) (int, defs.Err_t) {
	if slot >= proc.MaxFiles || !p.OpenFiles[slot].Used {
		return 0, defs.E_INVREQ
	}
	return p.OpenFiles[slot].Handle, 0
}

func sysRead(p *proc.Proc_t) {
	params, okc := readRwParams(p, p.CPUContext.Ebx)
	if !okc {
		dishonorableExitCurrent(p)
		return
	}
	h, err := fileHandleForSlot(p, params.Slot)
	if err != 0 {
		fail(p, err)
		return
	}
	buf := make([]byte, params.BufLen)
	n, err := vfs.Vfs.Read(h, uint64(params.Offset), buf)
	if err != 0 {
		fail(p, err)
		return
	}
	if !copyOutChecked(p, params.BufPtr, buf[:n]) {
		dishonorableExitCurrent(p)
		return
	}
	ok(p, uint32(n))
}

func sysReaddir(p *proc.Proc_t) {
	params, okc := readRwParams(p, p.CPUContext.Ebx)
	if !okc {
		dishonorableExitCurrent(p)
		return
	}
	h, err := fileHandleForSlot(p, params.Slot)
	if err != 0 {
		fail(p, err)
		return
	}
	entries, err := vfs.Vfs.Readdir(h, int(params.Offset), int(params.BufLen))
	if err != 0 {
		fail(p, err)
		return
	}
	encoded := encodeDirEntries(entries)
	if !copyOutChecked(p, params.BufPtr, encoded) {
		dishonorableExitCurrent(p)
		return
	}
	ok(p, uint32(len(entries)))
}

// dirEntryWire is the packed on-the-wire form of one vfs.DirEntry_t: a
// fixed 28-byte name field, size, type, and id, matching the "byte-exact
// packed layouts (fields in declared order)" ABI rule.
const dirEntryWireSize = 28 + 8 + 4 + 8

func encodeDirEntries(entries []vfs.DirEntry_t) []byte {
	out := make([]byte, 0, len(entries)*dirEntryWireSize)
	for _, e := range entries {
		var nameField [28]byte
		copy(nameField[:], e.Name)
		out = append(out, nameField[:]...)
		var rest [20]byte
		binary.LittleEndian.PutUint64(rest[0:8], e.Size)
		binary.LittleEndian.PutUint32(rest[8:12], uint32(e.Type))
		binary.LittleEndian.PutUint64(rest[12:20], e.Id)
		out = append(out, rest[:]...)
	}
	return out
}

// --- exec support ------------------------------------------------------------------

// vfsFileReaderAt adapts a vfs file handle to io.ReaderAt for elf.Load.
type vfsFileReaderAt struct {
	handle int
}

func (r *vfsFileReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := vfs.Vfs.Read(r.handle, uint64(off), p)
	if err != 0 {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func vfsInodeSize(h int) int64 {
	// vfs does not expose inode size by handle directly; read in a large
	// enough probe is wasteful, so exec relies on elf.Load's own
	// offset-bounded reads instead of a precise size. A conservative
	// upper bound keeps program-header bounds checks meaningful without
	// the VFS layer growing a Stat operation this core's catalog never
	// calls for.
	return 1 << 24
}
