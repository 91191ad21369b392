// Command chentry modifies the entry address of a 32-bit ELF binary.
//
// The kernel image is built with a placeholder entry symbol resolved at
// link time by the bootloader's own loader; this tool patches the ELF
// header's e_entry field in place after the final link, the way the
// teacher's 64-bit chentry does for its own boot path.
package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"strconv"
)

// e_entryOffset32 is the byte offset of e_entry within an Elf32_Ehdr:
// e_ident[16] + e_type(2) + e_machine(2) + e_version(4).
const e_entryOffset32 = 16 + 2 + 2 + 4

func usage(me string) {
	fmt.Printf("%s <filename> <addr>\n\nChange the ELF entry point of <filename> to <addr>\n", me)
	os.Exit(1)
}

// chkELF validates that f is the kind of binary this tool is allowed to
// patch: a 32-bit little-endian X86 executable.
func chkELF(eh *elf.FileHeader) {
	if eh.Class != elf.ELFCLASS32 {
		log.Fatal("not a 32 bit elf")
	}
	if eh.Data != elf.ELFDATA2LSB {
		log.Fatal("not little-endian?")
	}
	if eh.Type != elf.ET_EXEC {
		log.Fatal("not an executable elf")
	}
	if eh.Machine != elf.EM_386 {
		log.Fatal("not an x86 elf")
	}
}

func main() {
	if len(os.Args) != 3 {
		usage(os.Args[0])
	}
	fn := os.Args[1]
	addr, err := parseAddr(os.Args[2])
	if err != nil {
		log.Fatal(err)
	}
	if addr>>32 != 0 {
		log.Fatal("entry does not fit in 32 bits")
	}

	f, err := os.OpenFile(fn, os.O_RDWR, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		log.Fatal(err)
	}
	chkELF(&ef.FileHeader)

	fmt.Printf("using address 0x%x\n", addr)

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(addr))
	if _, err := f.WriteAt(buf[:], e_entryOffset32); err != nil {
		log.Fatal(err)
	}
}

// parseAddr converts the supplied string into a uint64 address, matching
// C's strtoul with a base of 0 (accepts decimal, 0x-hex, and 0-octal).
func parseAddr(s string) (uint64, error) {
	a, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return a, nil
}
