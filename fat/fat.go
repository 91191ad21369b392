// Package fat implements a read-only FAT12 driver (§4.9): BPB parsing and
// sanity checks, a cached in-memory FAT table, cluster-chain walking, and
// 8.3 name decoding.
//
// Grounded on mkfs/mkfs.go (the only place in the retrieved corpus that
// builds a disk image and walks directory entries on it) and
// ufs/driver.go's ahci_disk_t (a file-backed block device used purely for
// testing, mirrored here by the in-memory test device in fat_test.go).
// The packed on-disk field access style is adapted from fs/super.go's
// fieldr/fieldw pattern, generalized from that package's block-indexed
// uint32 slots to this format's mixed-width, byte-offset BPB and
// directory-entry layouts (encoding/binary.LittleEndian in place of
// fieldr/fieldw's hand-rolled arithmetic, since FAT's field widths vary
// per field rather than being uniformly 4 bytes).
package fat

import (
	"encoding/binary"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"goos32/blkdev"
	"goos32/defs"
	"goos32/kheap"
	"goos32/vfs"
)

const (
	dirEntrySize  = 32
	attrLongName  = 0x0F
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	freeEntryByte = 0x00
	deletedEntry  = 0xE5
	badCluster    = 0xFF7
)

// bpb holds the fields of the BIOS Parameter Block this driver needs.
type bpb struct {
	bytesPerSector    uint16
	sectorsPerCluster uint8
	reservedSectors   uint16
	numFATs           uint8
	rootEntryCount    uint16
	totalSectors      uint32
	sectorsPerFAT     uint16
}

func parseBPB(sector []byte) (bpb, defs.Err_t) {
	if len(sector) < 512 {
		return bpb{}, defs.E_NOFS
	}
	if sector[510] != 0x55 || sector[511] != 0xAA {
		return bpb{}, defs.E_NOFS
	}
	b := bpb{
		bytesPerSector:    binary.LittleEndian.Uint16(sector[11:13]),
		sectorsPerCluster: sector[13],
		reservedSectors:   binary.LittleEndian.Uint16(sector[14:16]),
		numFATs:           sector[16],
		rootEntryCount:    binary.LittleEndian.Uint16(sector[17:19]),
		sectorsPerFAT:     binary.LittleEndian.Uint16(sector[22:24]),
	}
	total16 := binary.LittleEndian.Uint16(sector[19:21])
	if total16 != 0 {
		b.totalSectors = uint32(total16)
	} else {
		b.totalSectors = binary.LittleEndian.Uint32(sector[32:36])
	}
	if b.bytesPerSector != blkdev.BlockSize {
		return bpb{}, defs.E_NOFS
	}
	if b.sectorsPerCluster == 0 || b.numFATs == 0 || b.sectorsPerFAT == 0 {
		return bpb{}, defs.E_NOFS
	}
	return b, 0
}

func (b bpb) rootDirSectors() uint32 {
	bytes := uint32(b.rootEntryCount) * dirEntrySize
	return (bytes + uint32(b.bytesPerSector) - 1) / uint32(b.bytesPerSector)
}

func (b bpb) rootDirStart() uint32 {
	return uint32(b.reservedSectors) + uint32(b.numFATs)*uint32(b.sectorsPerFAT)
}

func (b bpb) dataStart() uint32 {
	return b.rootDirStart() + b.rootDirSectors()
}

func (b bpb) clusterToSector(cluster uint32) uint32 {
	return b.dataStart() + (cluster-2)*uint32(b.sectorsPerCluster)
}

// Fs_t is the mounted FAT12 instance: cached BPB, cached FAT table, and
// the underlying block handle. media_changed is sticky per §4.9: once
// observed, every subsequent operation fails E_MDCHNG until remount.
// fatAddr/fatLen describe the FAT table's backing: a run kheap.Heap
// handed out, not a plain Go slice, since it is the kernel heap (§4.3)
// that is supposed to carry this kind of long-lived kernel allocation.
type Fs_t struct {
	dev          *blkdev.Handle_t
	bpb          bpb
	fatAddr      uint32
	fatLen       uint32
	mediaChanged bool
}

// Mount parses dev's boot sector, validates it, and caches the FAT table.
// It satisfies vfs.MountFunc and is registered under the name "fat12".
func Mount(dev *blkdev.Handle_t) (*vfs.Superblock_t, defs.Err_t) {
	if err := dev.Read(0); err != 0 {
		return nil, err
	}
	b, err := parseBPB(dev.Buffer())
	if err != 0 {
		return nil, err
	}

	fatBytes := uint32(b.sectorsPerFAT) * uint32(b.bytesPerSector)
	fatAddr := kheap.Heap.Alloc(fatBytes)
	if fatAddr == 0 {
		return nil, defs.E_NOMEM
	}
	fs := &Fs_t{dev: dev, bpb: b, fatAddr: fatAddr, fatLen: fatBytes}
	for i := uint32(0); i < uint32(b.sectorsPerFAT); i++ {
		if err := dev.Read(int(uint32(b.reservedSectors) + i)); err != 0 {
			return nil, err
		}
		kheap.Heap.WriteAt(fatAddr+i*uint32(b.bytesPerSector), dev.Buffer())
	}

	root := fs.mkDirInode("", rootMarker)
	return &vfs.Superblock_t{
		Root:    root,
		FsState: fs,
		Unmount: func() defs.Err_t { return 0 },
	}, 0
}

// rootMarker is a sentinel cluster number for the fixed-size root
// directory region, which (unlike subdirectories) has no cluster chain.
const rootMarker = 0

func (fs *Fs_t) checkMedia() defs.Err_t {
	if fs.mediaChanged {
		return defs.E_MDCHNG
	}
	if fs.dev.MediaChanged() {
		fs.mediaChanged = true
		return defs.E_MDCHNG
	}
	return 0
}

func (fs *Fs_t) clusterEntry(n uint32) uint32 {
	off := n + n/2
	if off+1 >= fs.fatLen {
		return badCluster
	}
	raw := kheap.Heap.ReadAt(fs.fatAddr+off, 2)
	word := uint16(raw[0]) | uint16(raw[1])<<8
	if n%2 == 0 {
		return uint32(word & 0x0FFF)
	}
	return uint32(word >> 4)
}

// chainSectors returns every sector composing cluster's chain, in order.
// The walk stops at badCluster (0xFF7): that marker means the entry was
// never a valid data link, so treating it as end-of-chain data would
// read garbage sectors instead of ending the chain.
func (fs *Fs_t) chainSectors(cluster uint32) []uint32 {
	var sectors []uint32
	for cluster >= 2 && cluster < badCluster {
		start := fs.bpb.clusterToSector(cluster)
		for i := uint32(0); i < uint32(fs.bpb.sectorsPerCluster); i++ {
			sectors = append(sectors, start+i)
		}
		cluster = fs.clusterEntry(cluster)
	}
	return sectors
}

// rawDirEntry is the parsed, still-encoded form of one 32-byte slot.
type rawDirEntry struct {
	shortName string
	attr      byte
	cluster   uint32
	size      uint32
}

var cp437 = charmap.CodePage437.NewDecoder()

func decodeShortName(raw []byte) string {
	name := strings.TrimRight(string(raw[0:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")
	decoded, err := cp437.String(name)
	if err == nil {
		name = decoded
	}
	if ext == "" {
		return name
	}
	decodedExt, err := cp437.String(ext)
	if err == nil {
		ext = decodedExt
	}
	return name + "." + ext
}

func parseDirEntry(raw []byte) (rawDirEntry, bool) {
	if raw[0] == freeEntryByte {
		return rawDirEntry{}, false
	}
	if raw[0] == deletedEntry {
		return rawDirEntry{}, false
	}
	attr := raw[11]
	if attr == attrLongName || attr&attrVolumeID != 0 {
		return rawDirEntry{}, false
	}
	clusterLo := binary.LittleEndian.Uint16(raw[26:28])
	size := binary.LittleEndian.Uint32(raw[28:32])
	return rawDirEntry{
		shortName: decodeShortName(raw),
		attr:      attr,
		cluster:   uint32(clusterLo),
		size:      size,
	}, true
}

// entries lists every live directory entry in dirCluster (rootMarker for
// the fixed root region).
func (fs *Fs_t) entries(dirCluster uint32) ([]rawDirEntry, defs.Err_t) {
	if err := fs.checkMedia(); err != 0 {
		return nil, err
	}
	var sectors []uint32
	if dirCluster == rootMarker {
		start := fs.bpb.rootDirStart()
		for i := uint32(0); i < fs.bpb.rootDirSectors(); i++ {
			sectors = append(sectors, start+i)
		}
	} else {
		sectors = fs.chainSectors(dirCluster)
	}

	var out []rawDirEntry
	for _, sec := range sectors {
		if err := fs.dev.Read(int(sec)); err != 0 {
			return nil, err
		}
		buf := fs.dev.Buffer()
		for off := 0; off+dirEntrySize <= len(buf); off += dirEntrySize {
			if buf[off] == freeEntryByte {
				return out, 0
			}
			if e, ok := parseDirEntry(buf[off : off+dirEntrySize]); ok {
				out = append(out, e)
			}
		}
	}
	return out, 0
}

// mkDirInode builds a directory inode backed by dirCluster.
func (fs *Fs_t) mkDirInode(name string, dirCluster uint32) *vfs.Inode_t {
	in := &vfs.Inode_t{Name: name, Type: vfs.TypeDir, FsState: fs, Priv: dirCluster}
	in.Ops.Lookup = func(want string) (*vfs.Inode_t, defs.Err_t) {
		es, err := fs.entries(dirCluster)
		if err != 0 {
			return nil, err
		}
		for _, e := range es {
			if strings.EqualFold(e.shortName, want) {
				return fs.mkInode(e), 0
			}
		}
		return nil, defs.E_NOENT
	}
	in.Ops.Readdir = func(offset int, max int) ([]vfs.DirEntry_t, defs.Err_t) {
		es, err := fs.entries(dirCluster)
		if err != 0 {
			return nil, err
		}
		if offset >= len(es) {
			return nil, 0
		}
		end := offset + max
		if end > len(es) {
			end = len(es)
		}
		out := make([]vfs.DirEntry_t, 0, end-offset)
		for _, e := range es[offset:end] {
			t := vfs.TypeFile
			if e.attr&attrDirectory != 0 {
				t = vfs.TypeDir
			}
			out = append(out, vfs.DirEntry_t{Name: e.shortName, Size: uint64(e.size), Type: t, Id: uint64(e.cluster)})
		}
		return out, 0
	}
	in.Ops.Destroy = func() {}
	return in
}

// mkInode builds a file or directory inode from a parsed directory entry
// (§4.9: lookup returns a freshly allocated inode).
func (fs *Fs_t) mkInode(e rawDirEntry) *vfs.Inode_t {
	if e.attr&attrDirectory != 0 {
		return fs.mkDirInode(e.shortName, e.cluster)
	}
	in := &vfs.Inode_t{Name: e.shortName, Type: vfs.TypeFile, Size: uint64(e.size), FsState: fs}
	sectors := fs.chainSectors(e.cluster)
	in.Ops.Read = func(offset uint64, buf []byte) (int, defs.Err_t) {
		if err := fs.checkMedia(); err != 0 {
			return 0, err
		}
		if offset >= uint64(e.size) {
			return 0, 0
		}
		bps := uint64(fs.bpb.bytesPerSector)
		remaining := uint64(e.size) - offset
		n := uint64(len(buf))
		if n > remaining {
			n = remaining
		}
		read := uint64(0)
		for read < n {
			abs := offset + read
			secIdx := abs / bps
			secOff := abs % bps
			if int(secIdx) >= len(sectors) {
				break
			}
			if err := fs.dev.Read(int(sectors[secIdx])); err != 0 {
				return int(read), err
			}
			chunk := bps - secOff
			want := n - read
			if chunk > want {
				chunk = want
			}
			copy(buf[read:read+chunk], fs.dev.Buffer()[secOff:secOff+chunk])
			read += chunk
		}
		return int(read), 0
	}
	in.Ops.Destroy = func() {}
	return in
}
