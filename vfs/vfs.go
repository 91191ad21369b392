// Package vfs implements the mount table, inode/superblock model, and
// stateless file-handle operations of §4.8.
//
// Grounded on ufs/ufs.go's Ufs_t wrapper (BootFS/BootMemFS/ShutdownFS) for
// the mount/unmount lifecycle shape, generalized from biscuit's single
// hardwired filesystem to an indexed table of up to 16 simultaneously
// mounted superblocks, each bound to a registered filesystem-type driver
// (FAT12's fat.Mount is the sole producer in this tree, grounded on
// mkfs/mkfs.go and ufs/driver.go's on-disk layout code).
package vfs

import (
	"sync"

	"goos32/blkdev"
	"goos32/defs"
	"goos32/kpath"
)

// MaxMounts bounds the mount-point table (§4.8).
const MaxMounts = 16

// InodeType distinguishes regular files from directories (§3).
type InodeType int

const (
	TypeFile InodeType = iota
	TypeDir
)

// DirEntry_t is one entry yielded by a directory's Readdir.
type DirEntry_t struct {
	Name string
	Size uint64
	Type InodeType
	Id   uint64
}

// InodeOps is the per-inode operation set. Read and Readdir are mutually
// exclusive in practice (a file has Read, a directory has Readdir and
// Lookup) but nothing in this layer enforces that beyond the Type tag;
// the driver supplies only the members that make sense for the inode's
// type. Destroy is mandatory: every inode lookup returns a freshly
// allocated inode per §4.9, and closing it must release that allocation.
type InodeOps struct {
	Read    func(offset uint64, buf []byte) (int, defs.Err_t)
	Readdir func(offset int, max int) ([]DirEntry_t, defs.Err_t)
	Lookup  func(name string) (*Inode_t, defs.Err_t)
	Destroy func()
}

// Inode_t is the in-memory representation of one file or directory (§3).
type Inode_t struct {
	Name    string
	Size    uint64
	Type    InodeType
	Id      uint64
	FsState interface{}
	Priv    interface{}
	Ops     InodeOps
}

// Superblock_t is the mounted-filesystem-instance record (§3). Unmount
// flushes/releases driver state; vfs.Unmount calls it without checking
// for file handles still open on the mount.
type Superblock_t struct {
	Root    *Inode_t
	FsState interface{}
	Unmount func() defs.Err_t
}

// MountFunc binds a block-device handle into a mounted superblock. FAT12
// registers one of these under the name "fat12" (fat.Mount).
type MountFunc func(dev *blkdev.Handle_t) (*Superblock_t, defs.Err_t)

type openFile struct {
	used  bool
	inode *Inode_t
}

// MaxOpenFiles bounds the global stateless file-handle table; per-process
// fd tables (proc.OpenFile) index into this table rather than duplicating
// its state (§3 "the handle itself is stateless").
const MaxOpenFiles = 256

// Vfs_t is the virtual filesystem switch: registered filesystem types, the
// mount-point table, the global file-handle table, and the dentry/inode
// cache.
type Vfs_t struct {
	mu      sync.Mutex
	fsTypes map[string]MountFunc
	mounts  [MaxMounts]*Superblock_t
	files   [MaxOpenFiles]openFile
	cache   *DentryCache_t
}

// Vfs is the kernel-wide singleton switch.
var Vfs Vfs_t

// Init resets the switch to empty and allocates its dentry cache.
func (vf *Vfs_t) Init() {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	vf.fsTypes = make(map[string]MountFunc)
	vf.mounts = [MaxMounts]*Superblock_t{}
	vf.files = [MaxOpenFiles]openFile{}
	vf.cache = MkDentryCache(64)
}

// RegisterFsType installs a named filesystem driver's mount entry point.
func (vf *Vfs_t) RegisterFsType(name string, fn MountFunc) {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	vf.fsTypes[name] = fn
}

// Mount attaches dev at mount point mp using the named filesystem type.
func (vf *Vfs_t) Mount(mp int, fsName string, dev *blkdev.Handle_t) defs.Err_t {
	if mp < 0 || mp >= MaxMounts {
		return defs.E_NOMP
	}
	vf.mu.Lock()
	fn, ok := vf.fsTypes[fsName]
	if vf.mounts[mp] != nil {
		vf.mu.Unlock()
		return defs.E_BUSY
	}
	vf.mu.Unlock()
	if !ok {
		return defs.E_NOFS
	}
	sb, err := fn(dev)
	if err != 0 {
		return err
	}
	vf.mu.Lock()
	defer vf.mu.Unlock()
	if vf.mounts[mp] != nil {
		return defs.E_BUSY
	}
	vf.mounts[mp] = sb
	return 0
}

// Unmount detaches the superblock at mp, invoking its Unmount hook and
// invalidating any cached dentries rooted at that mount point.
func (vf *Vfs_t) Unmount(mp int) defs.Err_t {
	vf.mu.Lock()
	sb := vf.mounts[mp]
	if sb == nil {
		vf.mu.Unlock()
		return defs.E_NOMP
	}
	vf.mounts[mp] = nil
	cache := vf.cache
	vf.mu.Unlock()

	cache.Clear()
	if sb.Unmount != nil {
		return sb.Unmount()
	}
	return 0
}

// InvalidateMedia drops every cached dentry (§9). No driver in this tree
// calls it: the FAT driver's sticky E_MDCHNG state leaves the cache as is.
func (vf *Vfs_t) InvalidateMedia() {
	vf.mu.Lock()
	cache := vf.cache
	vf.mu.Unlock()
	cache.Clear()
}

func (vf *Vfs_t) superblock(mp int) (*Superblock_t, defs.Err_t) {
	if mp < 0 || mp >= MaxMounts {
		return nil, defs.E_NOMP
	}
	vf.mu.Lock()
	defer vf.mu.Unlock()
	sb := vf.mounts[mp]
	if sb == nil {
		return nil, defs.E_NOMP
	}
	return sb, 0
}

// resolve walks path's segments from the mounted root, consulting the
// dentry cache before calling down into the driver's Lookup.
func (vf *Vfs_t) resolve(path string) (*Inode_t, defs.Err_t) {
	canon, err := kpath.Canonicalize(path)
	if err != 0 {
		return nil, err
	}
	if cached, ok := vf.cache.Get(canon); ok {
		return cached, 0
	}

	mp, rest, ok := splitCanonical(canon)
	if !ok {
		return nil, defs.E_INVREQ
	}
	sb, err := vf.superblock(mp)
	if err != 0 {
		return nil, err
	}

	cur := sb.Root
	built := canon[:len(canon)-len(rest)]
	for _, seg := range splitSegments(rest) {
		if cur.Type != TypeDir {
			return nil, defs.E_WRONGTYPE
		}
		if cur.Ops.Lookup == nil {
			return nil, defs.E_NOIMPL
		}
		next, err := cur.Ops.Lookup(seg)
		if err != 0 {
			return nil, err
		}
		cur = next
		if built == "" || built[len(built)-1] != '/' {
			built += "/"
		}
		built += seg
		vf.cache.Set(built, cur)
	}
	return cur, 0
}

// splitCanonical splits "mp:/a/b" into (mp, "/a/b").
func splitCanonical(canon string) (int, string, bool) {
	for i := 0; i < len(canon); i++ {
		if canon[i] == ':' {
			mp := 0
			for j := 0; j < i; j++ {
				if canon[j] < '0' || canon[j] > '9' {
					return 0, "", false
				}
				mp = mp*10 + int(canon[j]-'0')
			}
			return mp, canon[i+1:], true
		}
	}
	return 0, "", false
}

func splitSegments(rest string) []string {
	var segs []string
	start := 0
	for i := 0; i <= len(rest); i++ {
		if i == len(rest) || rest[i] == '/' {
			if i > start {
				segs = append(segs, rest[start:i])
			}
			start = i + 1
		}
	}
	return segs
}

func (vf *Vfs_t) allocHandle(inode *Inode_t) (int, defs.Err_t) {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	for i := range vf.files {
		if !vf.files[i].used {
			vf.files[i] = openFile{used: true, inode: inode}
			return i, 0
		}
	}
	return 0, defs.E_TOOMANY
}

func (vf *Vfs_t) handleInode(h int) (*Inode_t, defs.Err_t) {
	if h < 0 || h >= MaxOpenFiles {
		return nil, defs.E_INVREQ
	}
	vf.mu.Lock()
	defer vf.mu.Unlock()
	if !vf.files[h].used {
		return nil, defs.E_INVREQ
	}
	return vf.files[h].inode, 0
}

// Open resolves path and, if its type matches wantDir, allocates a
// stateless file handle for it (§4.8 vfs_open).
func (vf *Vfs_t) Open(path string, wantDir bool) (int, defs.Err_t) {
	inode, err := vf.resolve(path)
	if err != 0 {
		return 0, err
	}
	if wantDir && inode.Type != TypeDir {
		return 0, defs.E_WRONGTYPE
	}
	if !wantDir && inode.Type != TypeFile {
		return 0, defs.E_WRONGTYPE
	}
	return vf.allocHandle(inode)
}

// Close releases handle h, destroying the inode it referenced.
func (vf *Vfs_t) Close(h int) defs.Err_t {
	inode, err := vf.handleInode(h)
	if err != 0 {
		return err
	}
	vf.mu.Lock()
	vf.files[h] = openFile{}
	vf.mu.Unlock()
	if inode.Ops.Destroy != nil {
		inode.Ops.Destroy()
	}
	return 0
}

// Read fills buf from handle h's file content starting at offset, per
// §4.8 vfs_read. Returns the number of bytes actually read.
func (vf *Vfs_t) Read(h int, offset uint64, buf []byte) (int, defs.Err_t) {
	inode, err := vf.handleInode(h)
	if err != 0 {
		return 0, err
	}
	if inode.Type != TypeFile {
		return 0, defs.E_WRONGTYPE
	}
	if inode.Ops.Read == nil {
		return 0, defs.E_NOIMPL
	}
	return inode.Ops.Read(offset, buf)
}

// Readdir yields up to max directory entries from handle h starting at
// offset, per §4.8 vfs_readdir.
func (vf *Vfs_t) Readdir(h int, offset int, max int) ([]DirEntry_t, defs.Err_t) {
	inode, err := vf.handleInode(h)
	if err != 0 {
		return nil, err
	}
	if inode.Type != TypeDir {
		return nil, defs.E_WRONGTYPE
	}
	if inode.Ops.Readdir == nil {
		return nil, defs.E_NOIMPL
	}
	return inode.Ops.Readdir(offset, max)
}
