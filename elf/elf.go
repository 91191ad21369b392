// Package elf implements the loader of §4.10: header and program-header
// validation, LOAD-segment mapping, and zero-fill.
//
// Grounded on kernel/chentry.go, the only place in the retrieved corpus
// that touches debug/elf — there to patch an entry address, here to load
// one. The header-validation checklist (magic, class, data encoding,
// version, ABI, type, machine) mirrors chentry.go's chkELF, narrowed from
// its 64-bit EM_X86_64 checks to this format's 32-bit EM_386.
package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	"goos32/defs"
	"goos32/mem"
	"goos32/vm"
)

// Load validates the ELF image readable through r (size bytes long),
// maps every PT_LOAD segment into v, zero-fills each covered page, then
// copies in the segment's file content. Returns the entry VA.
func Load(v *vm.Vas_t, r io.ReaderAt, size int64) (uint32, defs.Err_t) {
	var hdr elf.Header32
	hdrSize := int64(binary.Size(hdr))
	if size < hdrSize {
		return 0, defs.E_NOTELF
	}
	hdrBuf := make([]byte, hdrSize)
	if _, err := r.ReadAt(hdrBuf, 0); err != nil {
		return 0, defs.E_NOTELF
	}
	if hdrBuf[0] != 0x7f || hdrBuf[1] != 'E' || hdrBuf[2] != 'L' || hdrBuf[3] != 'F' {
		return 0, defs.E_NOTELF
	}
	if err := binary.Read(bytes.NewReader(hdrBuf), binary.LittleEndian, &hdr); err != nil {
		return 0, defs.E_NOTELF
	}

	if elf.Class(hdr.Ident[elf.EI_CLASS]) != elf.ELFCLASS32 {
		return 0, defs.E_ELFFMT
	}
	if elf.Data(hdr.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return 0, defs.E_ELFFMT
	}
	if hdr.Ident[elf.EI_VERSION] != 1 {
		return 0, defs.E_ELFFMT
	}
	if hdr.Ident[elf.EI_OSABI] != 0 {
		return 0, defs.E_ELFFMT
	}
	if elf.Type(hdr.Type) != elf.ET_EXEC {
		return 0, defs.E_ELFFMT
	}
	if elf.Machine(hdr.Machine) != elf.EM_386 {
		return 0, defs.E_ELFFMT
	}

	var ph elf.Prog32
	phSize := int64(binary.Size(ph))
	if int64(hdr.Phentsize) != phSize {
		return 0, defs.E_ELFFMT
	}

	for i := 0; i < int(hdr.Phnum); i++ {
		off := int64(hdr.Phoff) + int64(i)*phSize
		if off+phSize > size {
			return 0, defs.E_ELFFMT
		}
		phBuf := make([]byte, phSize)
		if _, err := r.ReadAt(phBuf, off); err != nil {
			return 0, defs.E_ELFFMT
		}
		if err := binary.Read(bytes.NewReader(phBuf), binary.LittleEndian, &ph); err != nil {
			return 0, defs.E_ELFFMT
		}
		switch elf.ProgType(ph.Type) {
		case elf.PT_NULL:
			continue
		case elf.PT_LOAD:
			if err := loadSegment(v, r, size, ph); err != 0 {
				return 0, err
			}
		default:
			return 0, defs.E_ELFFMT
		}
	}
	return hdr.Entry, 0
}

func loadSegment(v *vm.Vas_t, r io.ReaderAt, imgSize int64, ph elf.Prog32) defs.Err_t {
	if ph.Filesz > ph.Memsz {
		return defs.E_ELFFMT
	}
	vaddrStart := ph.Vaddr &^ (vm.PageSize - 1)
	end := ph.Vaddr + ph.Memsz
	endAligned := (end + vm.PageSize - 1) &^ (vm.PageSize - 1)
	if endAligned <= vaddrStart {
		return defs.E_ELFFMT
	}
	npages := (endAligned - vaddrStart) / vm.PageSize

	if vaddrStart >= vm.KERNEL_VAS_START || endAligned > vm.KERNEL_VAS_START {
		return defs.E_ELFFMT
	}
	if ph.Filesz != 0 && int64(ph.Off)+int64(ph.Filesz) > imgSize {
		return defs.E_ELFFMT
	}

	pa, ok := mem.Physmem.AllocN(npages)
	if !ok {
		return defs.E_NOMEM
	}
	for i := uint32(0); i < npages; i++ {
		vm.ZeroPage(pa + mem.Pa_t(i*vm.PageSize))
	}
	v.Map(pa, vaddrStart, int(npages), true, true)

	if ph.Filesz == 0 {
		return 0
	}
	data := make([]byte, ph.Filesz)
	n, err := r.ReadAt(data, int64(ph.Off))
	if err != nil && err != io.EOF {
		return defs.E_ELFFMT
	}
	if uint32(n) != ph.Filesz {
		return defs.E_ELFFMT
	}
	vm.CopyOut(v, ph.Vaddr, data)
	return 0
}
