package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"goos32/arch"
	"goos32/defs"
	"goos32/mem"
	"goos32/vm"
)

const (
	userEntry = 0x08048000
	payload   = "hello world"
)

func buildExecutable(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer

	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_386),
		Version:   1,
		Entry:     userEntry,
		Phoff:     52,
		Ehsize:    52,
		Phentsize: 32,
		Phnum:     1,
	}
	hdr.Ident[0] = 0x7f
	hdr.Ident[1] = 'E'
	hdr.Ident[2] = 'L'
	hdr.Ident[3] = 'F'
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = 1

	ph := elf.Prog32{
		Type:   uint32(elf.PT_LOAD),
		Off:    84,
		Vaddr:  userEntry,
		Paddr:  userEntry,
		Filesz: uint32(len(payload)),
		Memsz:  16,
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Align:  0x1000,
	}

	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		t.Fatal(err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, &ph); err != nil {
		t.Fatal(err)
	}
	buf.WriteString(payload)
	return buf.Bytes()
}

func freshVasEnv(t *testing.T) *vm.Vas_t {
	t.Helper()
	restore := arch.UseTestHooks()
	t.Cleanup(restore)

	npages := uint32(4096)
	storage := make([]uint64, (npages+63)/64)
	mem.Physmem.Init([]mem.Region_t{{Start: 0, NPages: npages}}, nil, storage)
	vm.InitRAM(npages * vm.PageSize)
	vm.InitKernelVAS()
	return vm.NewVas()
}

func TestLoadMapsSegmentAndReturnsEntry(t *testing.T) {
	uv := freshVasEnv(t)
	img := buildExecutable(t)

	entry, err := Load(uv, bytes.NewReader(img), int64(len(img)))
	if err != 0 {
		t.Fatalf("Load failed: %v", err)
	}
	if entry != userEntry {
		t.Fatalf("got entry 0x%x, want 0x%x", entry, userEntry)
	}

	if _, ok := uv.GetPhys(userEntry); !ok {
		t.Fatal("expected entry page to be mapped")
	}
	got := vm.CopyIn(uv, userEntry, uint32(len(payload)))
	if string(got) != payload {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	img := buildExecutable(t)
	img[0] = 0x00
	if _, err := Load(nil, bytes.NewReader(img), int64(len(img))); err != defs.E_NOTELF {
		t.Fatalf("expected E_NOTELF, got %v", err)
	}
}

func TestLoadRejectsShortHeader(t *testing.T) {
	img := []byte{0x7f, 'E', 'L', 'F'}
	if _, err := Load(nil, bytes.NewReader(img), int64(len(img))); err != defs.E_NOTELF {
		t.Fatalf("expected E_NOTELF for a short header, got %v", err)
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	img := buildExecutable(t)
	binary.LittleEndian.PutUint16(img[18:20], uint16(elf.EM_X86_64))
	if _, err := Load(nil, bytes.NewReader(img), int64(len(img))); err != defs.E_ELFFMT {
		t.Fatalf("expected E_ELFFMT, got %v", err)
	}
}

func TestLoadRejectsNonExecType(t *testing.T) {
	img := buildExecutable(t)
	binary.LittleEndian.PutUint16(img[16:18], uint16(elf.ET_DYN))
	if _, err := Load(nil, bytes.NewReader(img), int64(len(img))); err != defs.E_ELFFMT {
		t.Fatalf("expected E_ELFFMT, got %v", err)
	}
}

func TestLoadRejectsTruncatedSegmentData(t *testing.T) {
	img := buildExecutable(t)
	truncated := img[:len(img)-5]
	if _, err := Load(nil, bytes.NewReader(truncated), int64(len(truncated))); err != defs.E_ELFFMT {
		t.Fatalf("expected E_ELFFMT for truncated segment data, got %v", err)
	}
}
