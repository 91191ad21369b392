package vfs

import (
	"testing"

	"goos32/blkdev"
	"goos32/defs"
)

// memFile/memDir build a trivial in-memory filesystem used only to
// exercise the switch; it is not a stand-in for the FAT driver.
type memFile struct {
	data []byte
}

type memDir struct {
	entries map[string]*Inode_t
}

func mkMemInode(name string, typ InodeType, priv interface{}) *Inode_t {
	in := &Inode_t{Name: name, Type: typ, Priv: priv}
	switch p := priv.(type) {
	case *memFile:
		in.Size = uint64(len(p.data))
		in.Ops.Read = func(offset uint64, buf []byte) (int, defs.Err_t) {
			if offset >= uint64(len(p.data)) {
				return 0, 0
			}
			n := copy(buf, p.data[offset:])
			return n, 0
		}
		in.Ops.Destroy = func() {}
	case *memDir:
		in.Ops.Lookup = func(name string) (*Inode_t, defs.Err_t) {
			child, ok := p.entries[name]
			if !ok {
				return nil, defs.E_NOENT
			}
			return child, 0
		}
		in.Ops.Readdir = func(offset int, max int) ([]DirEntry_t, defs.Err_t) {
			var out []DirEntry_t
			i := 0
			for name, child := range p.entries {
				if i < offset {
					i++
					continue
				}
				if len(out) >= max {
					break
				}
				out = append(out, DirEntry_t{Name: name, Size: child.Size, Type: child.Type, Id: child.Id})
				i++
			}
			return out, 0
		}
		in.Ops.Destroy = func() {}
	}
	return in
}

func mountMem(t *testing.T, vf *Vfs_t, sb *Superblock_t) {
	t.Helper()
	vf.RegisterFsType("mem", func(dev *blkdev.Handle_t) (*Superblock_t, defs.Err_t) {
		return sb, 0
	})
	if err := vf.Mount(0, "mem", nil); err != 0 {
		t.Fatalf("mount failed: %v", err)
	}
}

func TestOpenReadFile(t *testing.T) {
	vf := &Vfs_t{}
	vf.Init()

	hello := mkMemInode("hello.txt", TypeFile, &memFile{data: []byte("hello world")})
	root := &memDir{entries: map[string]*Inode_t{"hello.txt": hello}}
	rootInode := mkMemInode("", TypeDir, root)
	mountMem(t, vf, &Superblock_t{Root: rootInode})

	h, err := vf.Open("0:/hello.txt", false)
	if err != 0 {
		t.Fatalf("Open failed: %v", err)
	}
	buf := make([]byte, 32)
	n, err := vf.Read(h, 0, buf)
	if err != 0 {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf[:n]) != "hello world" {
		t.Fatalf("got %q", buf[:n])
	}
	if err := vf.Close(h); err != 0 {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestOpenDirAsFileFails(t *testing.T) {
	vf := &Vfs_t{}
	vf.Init()
	root := &memDir{entries: map[string]*Inode_t{}}
	rootInode := mkMemInode("", TypeDir, root)
	mountMem(t, vf, &Superblock_t{Root: rootInode})

	if _, err := vf.Open("0:/", false); err != defs.E_WRONGTYPE {
		t.Fatalf("expected E_WRONGTYPE opening root as a file, got %v", err)
	}
	if _, err := vf.Open("0:/", true); err != 0 {
		t.Fatalf("expected success opening root as a dir, got %v", err)
	}
}

func TestLookupMissingReturnsNoEnt(t *testing.T) {
	vf := &Vfs_t{}
	vf.Init()
	root := &memDir{entries: map[string]*Inode_t{}}
	rootInode := mkMemInode("", TypeDir, root)
	mountMem(t, vf, &Superblock_t{Root: rootInode})

	if _, err := vf.Open("0:/nope.txt", false); err != defs.E_NOENT {
		t.Fatalf("expected E_NOENT, got %v", err)
	}
}

func TestReaddirListsEntries(t *testing.T) {
	vf := &Vfs_t{}
	vf.Init()
	a := mkMemInode("a.txt", TypeFile, &memFile{data: []byte("a")})
	b := mkMemInode("b.txt", TypeFile, &memFile{data: []byte("b")})
	root := &memDir{entries: map[string]*Inode_t{"a.txt": a, "b.txt": b}}
	rootInode := mkMemInode("", TypeDir, root)
	mountMem(t, vf, &Superblock_t{Root: rootInode})

	h, err := vf.Open("0:/", true)
	if err != 0 {
		t.Fatalf("Open dir failed: %v", err)
	}
	entries, err := vf.Readdir(h, 0, 10)
	if err != 0 {
		t.Fatalf("Readdir failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

func TestUnmountClearsMountAndCache(t *testing.T) {
	vf := &Vfs_t{}
	vf.Init()
	hello := mkMemInode("hello.txt", TypeFile, &memFile{data: []byte("x")})
	root := &memDir{entries: map[string]*Inode_t{"hello.txt": hello}}
	rootInode := mkMemInode("", TypeDir, root)
	unmounted := false
	sb := &Superblock_t{Root: rootInode, Unmount: func() defs.Err_t { unmounted = true; return 0 }}
	mountMem(t, vf, sb)

	if _, err := vf.Open("0:/hello.txt", false); err != 0 {
		t.Fatalf("Open before unmount failed: %v", err)
	}
	if err := vf.Unmount(0); err != 0 {
		t.Fatalf("Unmount failed: %v", err)
	}
	if !unmounted {
		t.Fatal("expected superblock Unmount hook to run")
	}
	if _, err := vf.Open("0:/hello.txt", false); err != defs.E_NOMP {
		t.Fatalf("expected E_NOMP after unmount, got %v", err)
	}
}

func TestMountDuplicateMountPointFails(t *testing.T) {
	vf := &Vfs_t{}
	vf.Init()
	root := &memDir{entries: map[string]*Inode_t{}}
	rootInode := mkMemInode("", TypeDir, root)
	mountMem(t, vf, &Superblock_t{Root: rootInode})
	if err := vf.Mount(0, "mem", nil); err != defs.E_BUSY {
		t.Fatalf("expected E_BUSY mounting over an existing mount point, got %v", err)
	}
}

func TestMountUnknownFsTypeFails(t *testing.T) {
	vf := &Vfs_t{}
	vf.Init()
	if err := vf.Mount(0, "nonesuch", nil); err != defs.E_NOFS {
		t.Fatalf("expected E_NOFS, got %v", err)
	}
}
