// Package boot implements the Multiboot handoff parsing and the
// leaves-first init composition of §2/§6: serial → console → logging →
// memory → interrupts → timer → input → block devices → VFS → process
// management → load+enter the init program.
//
// No teacher package covers this directly (biscuit's entry point lives in
// its patched Go runtime's own _rt0, outside the retrieved src/* tree);
// the memory-map field semantics are enriched from
// original_source/kernel/boot/multiboot.c, the direct C ancestor
// spec.md's §6 "Boot" paragraph was distilled from — magic check, the
// mem-map flag bit, and "page-align start, derive n_pages" all come
// straight from _mb_setup_boot_info_physmmap/_mb_add_physmmap_entry.
package boot

import (
	"io"
	"log"

	"goos32/arch"
	"goos32/blkdev"
	"goos32/elf"
	"goos32/fat"
	"goos32/hal"
	"goos32/intr"
	"goos32/kheap"
	"goos32/ksyscall"
	"goos32/mem"
	"goos32/panicdump"
	"goos32/proc"
	"goos32/timer"
	"goos32/vfs"
	"goos32/vm"
)

// MultibootMagic is the value the bootloader must hand back in EAX for
// the entry point to proceed (§6 "Boot").
const MultibootMagic = 0x2BADB002

const flagsMemMap = 1 << 6

// MaxMemoryRegions caps the number of {start, n_pages} records the
// memory-map scan emits (§6 "capped at 32 records").
const MaxMemoryRegions = 32

// mmapEntryMinSize is the fixed portion of one multiboot_mmap_entry: the
// addr/len/type fields that follow the entry's own size field.
const mmapEntryMinSize = 8 + 8 + 4

const memAvailable = 1

// ParseInfo validates magic and the presence of the memory-map flag in
// the multiboot_info header (flags at byte offset 0), returning the
// mmap_addr/mmap_length fields (offsets 48/44) a caller then hands to
// DecodeMemoryMap. info must be at least 52 bytes, the fixed prefix of
// multiboot_info_t this core consumes.
func ParseInfo(magic uint32, info []byte) (mmapAddr, mmapLen uint32, ok bool) {
	if magic != MultibootMagic {
		return 0, 0, false
	}
	if len(info) < 52 {
		return 0, 0, false
	}
	flags := le32(info[0:4])
	if flags&flagsMemMap == 0 {
		return 0, 0, false
	}
	mmapLen = le32(info[44:48])
	mmapAddr = le32(info[48:52])
	return mmapAddr, mmapLen, true
}

// DecodeMemoryMap walks a multiboot memory map (the raw bytes found at
// mmap_addr, mmap_length long) and emits one page-aligned {start,
// n_pages} record per "available" entry whose base address fits in 32
// bits, capped at MaxMemoryRegions (§6). Entries of any other type, and
// any trailing partial entry, are skipped.
func DecodeMemoryMap(mmap []byte) []mem.Region_t {
	var out []mem.Region_t
	off := 0
	for off+4 <= len(mmap) && len(out) < MaxMemoryRegions {
		size := le32(mmap[off : off+4])
		entryEnd := off + 4 + int(size)
		if size < mmapEntryMinSize || entryEnd > len(mmap) {
			break
		}
		addrHi := le32(mmap[off+4+4 : off+4+8])
		addr := le32(mmap[off+4 : off+4+4])
		lenHi := le32(mmap[off+4+12 : off+4+16])
		length := le32(mmap[off+4+8 : off+4+12])
		typ := le32(mmap[off+4+16 : off+4+20])

		off = entryEnd

		if typ != memAvailable || addrHi != 0 || lenHi != 0 {
			continue
		}
		start := (addr + uint32(vm.PageSize) - 1) &^ (uint32(vm.PageSize) - 1)
		end := addr + length
		if end <= start {
			continue
		}
		npages := (end - start) / uint32(vm.PageSize)
		if npages == 0 {
			continue
		}
		out = append(out, mem.Region_t{Start: mem.Pa_t(start), NPages: npages})
	}
	return out
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// serialWriter adapts a hal.SerialSink to io.Writer so the kernel's log
// output can go through the standard library's log package (SPEC_FULL.md
// §1 Ambient Stack, Logging) instead of a bespoke printf helper.
type serialWriter struct{ sink hal.SerialSink }

func (w serialWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		for !w.sink.ReadyToTransmit() {
		}
		w.sink.WriteByte(b)
	}
	return len(p), nil
}

// Logger is the kernel-wide log sink, installed by Init once a serial
// collaborator is available. nil until then.
var Logger *log.Logger

// Config bundles everything the init sequence needs from its
// external collaborators and the boot-time environment; every field
// mirrors one leaf of the §2 composition order.
type Config struct {
	Serial  hal.SerialSink
	VGA     hal.VGA
	Console hal.Console

	Regions      []mem.Region_t
	Reserved     []mem.Region_t
	FrameStorage []uint64
	RAMSize      uint32

	WallOffsetMs int64

	RootDevMajor int
	RootNBlocks  int
	RootOps      blkdev.Ops
	RootFsName   string

	InitPath string
	InitCwd  string
}

// Init runs the leaves-first composition order of §2 and returns the
// root (init) process, positioned to enter user mode at the loaded
// program's entry point.
func Init(cfg Config) *proc.Proc_t {
	// serial -> console -> logging
	hal.ActiveSerial = cfg.Serial
	hal.ActiveConsole = cfg.Console
	panicdump.SetVGA(cfg.VGA)
	if cfg.Serial != nil {
		Logger = log.New(serialWriter{cfg.Serial}, "goos32: ", 0)
	}

	// memory
	mem.Physmem.Init(cfg.Regions, cfg.Reserved, cfg.FrameStorage)
	vm.InitRAM(cfg.RAMSize)
	kv := vm.InitKernelVAS()
	kheap.Heap.Init(kv)

	// interrupts
	intr.IDT.Init()
	ksyscall.Init(&intr.IDT, func(vector int, frame *arch.Context_t) {
		panicdump.Fatal(vectorName(vector), "unhandled kernel-mode exception", frame)
	})

	// timer
	timer.Clock.Init(cfg.WallOffsetMs)

	// input: PS/2 and keyboard are external collaborators (§1); nothing
	// to initialize here beyond what hal.ActiveConsole already wires.

	// block devices
	blkdev.Registry.Init()
	if cfg.RootOps.ReadBlock != nil {
		blkdev.Registry.Register(cfg.RootDevMajor, cfg.RootNBlocks, cfg.RootOps)
	}

	// VFS
	vfs.Vfs.Init()
	vfs.Vfs.RegisterFsType("fat12", fat.Mount)

	// process management
	root := proc.Procs.InitRoot(kv, cfg.InitCwd)

	if cfg.RootOps.ReadBlock != nil {
		dev, err := blkdev.Registry.GetHandle(cfg.RootDevMajor)
		if err != 0 {
			panic("boot: failed to acquire root block device handle")
		}
		fsName := cfg.RootFsName
		if fsName == "" {
			fsName = "fat12"
		}
		if err := vfs.Vfs.Mount(0, fsName, dev); err != 0 {
			panic("boot: failed to mount root filesystem")
		}
	}

	// load + enter init program
	if cfg.InitPath != "" {
		h, err := vfs.Vfs.Open(cfg.InitPath, false)
		if err != 0 {
			panic("boot: init program not found")
		}
		entry, lerr := elf.Load(root.PageDirectory, &vfsReaderAt{h}, 1<<24)
		vfs.Vfs.Close(h)
		if lerr != 0 {
			panic("boot: init program failed to load")
		}
		const userStackTop = vm.KERNEL_VAS_START - vm.PageSize
		root.SetupExec(entry, userStackTop)
	}

	if Logger != nil {
		Logger.Printf("boot: %s mounted, entering %s", cfg.RootFsName, cfg.InitPath)
	}
	return root
}

type vfsReaderAt struct{ handle int }

func (r *vfsReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := vfs.Vfs.Read(r.handle, uint64(off), p)
	if err != 0 {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func vectorName(vector int) string {
	if name, ok := exceptionNames[vector]; ok {
		return name
	}
	return "vector_" + itoa(vector)
}

var exceptionNames = map[int]string{
	0:  "E_DIVIDE",
	6:  "E_INVALID_OPCODE",
	13: "E_GENERAL_PROTECTION",
	14: "E_PAGE_FAULT",
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
