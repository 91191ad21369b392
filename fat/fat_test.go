package fat

import (
	"encoding/binary"
	"testing"

	"goos32/arch"
	"goos32/blkdev"
	"goos32/defs"
	"goos32/kheap"
	"goos32/mem"
	"goos32/vfs"
	"goos32/vm"
)

const testNBlocks = 8

// setupHeap gives the package-level kheap.Heap singleton a fresh kernel
// address space to allocate from, mirroring kheap_test.go's freshHeap:
// Mount allocates the cached FAT table out of kheap.Heap, so every test
// that mounts a volume needs real backing memory underneath it first.
func setupHeap(t *testing.T) {
	t.Helper()
	restore := arch.UseTestHooks()
	t.Cleanup(restore)

	npages := uint32(4096)
	storage := make([]uint64, (npages+63)/64)
	mem.Physmem.Init([]mem.Region_t{{Start: 0, NPages: npages}}, nil, storage)
	vm.InitRAM(npages * vm.PageSize)
	kv := vm.InitKernelVAS()
	kheap.Heap.Init(kv)
}

// buildImage lays out a minimal FAT12 volume by hand: one reserved boot
// sector, a one-sector FAT, a one-sector root directory holding
// "HELLO.TXT" (cluster 2) and "SUBDIR" (cluster 3), and SUBDIR holding
// "A.TXT" (cluster 4).
func buildImage(t *testing.T) [][blkdev.BlockSize]byte {
	t.Helper()
	img := make([][blkdev.BlockSize]byte, testNBlocks)

	boot := img[0][:]
	binary.LittleEndian.PutUint16(boot[11:13], blkdev.BlockSize) // bytes/sector
	boot[13] = 1                                                 // sectors/cluster
	binary.LittleEndian.PutUint16(boot[14:16], 1)                // reserved sectors
	boot[16] = 1                                                 // num FATs
	binary.LittleEndian.PutUint16(boot[17:19], 16)               // root entry count
	binary.LittleEndian.PutUint16(boot[19:21], testNBlocks)      // total sectors (16-bit)
	boot[21] = 0xF8
	binary.LittleEndian.PutUint16(boot[22:24], 1) // sectors/FAT
	boot[510] = 0x55
	boot[511] = 0xAA

	fatSec := img[1][:]
	setFatEntry(fatSec, 0, 0x0FF8)
	setFatEntry(fatSec, 1, 0x0FFF)
	setFatEntry(fatSec, 2, 0x0FFF) // HELLO.TXT: single cluster, EOC
	setFatEntry(fatSec, 3, 0x0FFF) // SUBDIR: single cluster, EOC
	setFatEntry(fatSec, 4, 0x0FFF) // A.TXT: single cluster, EOC

	root := img[2][:]
	writeDirEntry(root[0:32], "HELLO", "TXT", 0, 2, 11)
	writeDirEntry(root[32:64], "SUBDIR", "", attrDirectory, 3, 0)

	data2 := img[3][:]
	copy(data2, "hello world")

	subdir := img[4][:]
	writeDirEntry(subdir[0:32], "A", "TXT", 0, 4, 1)

	data4 := img[5][:]
	copy(data4, "a")

	return img
}

func setFatEntry(buf []byte, n int, val uint16) {
	off := n + n/2
	existing := uint16(buf[off]) | uint16(buf[off+1])<<8
	var word uint16
	if n%2 == 0 {
		word = (existing &^ 0x0FFF) | (val & 0x0FFF)
	} else {
		word = (existing &^ 0xF000) | ((val & 0x0FFF) << 4)
	}
	buf[off] = byte(word)
	buf[off+1] = byte(word >> 8)
}

func writeDirEntry(raw []byte, name, ext string, attr byte, cluster uint16, size uint32) {
	for i := range raw {
		raw[i] = ' '
	}
	copy(raw[0:8], name)
	copy(raw[8:11], ext)
	raw[11] = attr
	binary.LittleEndian.PutUint16(raw[26:28], cluster)
	binary.LittleEndian.PutUint32(raw[28:32], size)
}

func mountTestImage(t *testing.T) (*vfs.Superblock_t, [][blkdev.BlockSize]byte) {
	t.Helper()
	setupHeap(t)
	img := buildImage(t)
	ops := blkdev.Ops{
		ReadBlock: func(block int, buf []byte) defs.Err_t {
			if block < 0 || block >= len(img) {
				return defs.E_INVREQ
			}
			copy(buf, img[block][:])
			return 0
		},
	}
	r := &blkdev.Registry_t{}
	r.Init()
	r.Register(1, testNBlocks, ops)
	h, err := r.GetHandle(1)
	if err != 0 {
		t.Fatalf("GetHandle failed: %v", err)
	}
	sb, err := Mount(h)
	if err != 0 {
		t.Fatalf("Mount failed: %v", err)
	}
	return sb, img
}

func TestMountParsesBPBAndRoot(t *testing.T) {
	sb, _ := mountTestImage(t)
	if sb.Root == nil {
		t.Fatal("expected a root inode")
	}
	if sb.Root.Type != vfs.TypeDir {
		t.Fatal("root inode should be a directory")
	}
}

func TestLookupAndReadFile(t *testing.T) {
	sb, _ := mountTestImage(t)
	in, err := sb.Root.Ops.Lookup("HELLO.TXT")
	if err != 0 {
		t.Fatalf("lookup failed: %v", err)
	}
	if in.Type != vfs.TypeFile {
		t.Fatal("expected a file inode")
	}
	buf := make([]byte, 32)
	n, err := in.Ops.Read(0, buf)
	if err != 0 {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf[:n]) != "hello world" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestLookupCaseInsensitive(t *testing.T) {
	sb, _ := mountTestImage(t)
	if _, err := sb.Root.Ops.Lookup("hello.txt"); err != 0 {
		t.Fatalf("expected case-insensitive match, got %v", err)
	}
}

func TestLookupMissingReturnsNoEnt(t *testing.T) {
	sb, _ := mountTestImage(t)
	if _, err := sb.Root.Ops.Lookup("NOPE.TXT"); err != defs.E_NOENT {
		t.Fatalf("expected E_NOENT, got %v", err)
	}
}

func TestSubdirectoryTraversal(t *testing.T) {
	sb, _ := mountTestImage(t)
	dir, err := sb.Root.Ops.Lookup("SUBDIR")
	if err != 0 {
		t.Fatalf("lookup SUBDIR failed: %v", err)
	}
	if dir.Type != vfs.TypeDir {
		t.Fatal("expected SUBDIR to be a directory")
	}
	file, err := dir.Ops.Lookup("A.TXT")
	if err != 0 {
		t.Fatalf("lookup A.TXT failed: %v", err)
	}
	buf := make([]byte, 4)
	n, err := file.Ops.Read(0, buf)
	if err != 0 || string(buf[:n]) != "a" {
		t.Fatalf("got %q err %v", buf[:n], err)
	}
}

func TestReaddirListsBothEntries(t *testing.T) {
	sb, _ := mountTestImage(t)
	es, err := sb.Root.Ops.Readdir(0, 10)
	if err != 0 {
		t.Fatalf("readdir failed: %v", err)
	}
	if len(es) != 2 {
		t.Fatalf("got %d entries, want 2", len(es))
	}
}

func TestPartialReadAtOffset(t *testing.T) {
	sb, _ := mountTestImage(t)
	in, _ := sb.Root.Ops.Lookup("HELLO.TXT")
	buf := make([]byte, 5)
	n, err := in.Ops.Read(6, buf)
	if err != 0 {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestMountRejectsBadSignature(t *testing.T) {
	img := make([][blkdev.BlockSize]byte, 4)
	ops := blkdev.Ops{
		ReadBlock: func(block int, buf []byte) defs.Err_t {
			copy(buf, img[block][:])
			return 0
		},
	}
	r := &blkdev.Registry_t{}
	r.Init()
	r.Register(1, 4, ops)
	h, _ := r.GetHandle(1)
	if _, err := Mount(h); err != defs.E_NOFS {
		t.Fatalf("expected E_NOFS for an unsigned boot sector, got %v", err)
	}
}
