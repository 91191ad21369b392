// Package panicdump implements the tier-1 fatal-panic path of §7: drain
// interrupts, paint a red VGA banner carrying a code and message plus a
// disassembly of the faulting instruction, then halt forever.
//
// Grounded on the pervasive "panic on invariant violation" convention run
// throughout mem/vm (double-free, remap of a present PTE, IRQ double
// registration); this package gives that convention a single landing
// point instead of a bare Go panic, and wires golang.org/x/arch/x86/x86asm
// to decode the instruction at the fault's EIP, the one domain dependency
// in the corpus with no other home in this tree.
package panicdump

import (
	"golang.org/x/arch/x86/x86asm"

	"goos32/arch"
	"goos32/hal"
)

// CodeReader fetches up to len(buf) bytes of code starting at vaddr,
// reading fewer than requested at a page or mapping boundary. It is a
// function variable, in the same overridable-hook style as package arch,
// since only the boot-time VMM knows how to turn a faulting EIP into
// readable bytes (§1 external collaborators draws the same boundary for
// VGA/serial).
var CodeReader func(vaddr uint32, buf []byte) int = func(uint32, []byte) int { return 0 }

const bannerBg = hal.ColorRed
const bannerFg = hal.ColorWhite

// Fatal paints the banner and halts. It never returns.
func Fatal(code string, msg string, frame *arch.Context_t) {
	arch.Cli()

	if hal.ActiveSerial != nil {
		writeSerial("PANIC " + code + ": " + msg + "\n")
	}

	if v := activeVGA; v != nil {
		paintBanner(v, code, msg, frame)
	}

	for {
		arch.Halt()
	}
}

// activeVGA is the framebuffer Fatal paints into; nil until boot installs
// one, matching hal.ActiveConsole's "external collaborator, may be
// unavailable" treatment.
var activeVGA hal.VGA

// SetVGA installs the framebuffer the panic banner paints into.
func SetVGA(v hal.VGA) { activeVGA = v }

func writeSerial(s string) {
	for i := 0; i < len(s); i++ {
		for !hal.ActiveSerial.ReadyToTransmit() {
		}
		hal.ActiveSerial.WriteByte(s[i])
	}
}

func paintBanner(v hal.VGA, code, msg string, frame *arch.Context_t) {
	v.Clear(bannerBg)
	row := 0
	row = putLine(v, row, "*** KERNEL PANIC ***")
	row = putLine(v, row, code+": "+msg)
	if frame != nil {
		row = putLine(v, row, "eip="+hex32(frame.Eip)+" cs="+hex32(frame.Cs)+" eflags="+hex32(frame.Eflags))
		row = putLine(v, row, "eax="+hex32(frame.Eax)+" ebx="+hex32(frame.Ebx)+" ecx="+hex32(frame.Ecx)+" edx="+hex32(frame.Edx))
		row = putLine(v, row, "esp="+hex32(frame.Esp)+" ebp="+hex32(frame.Ebp)+" ds="+hex32(frame.Ds)+" ss="+hex32(frame.Ss))
		putLine(v, row, "instr: "+disassembleAt(frame.Eip))
	}
	v.DisableCursor()
}

// disassembleAt decodes the single instruction at vaddr using CodeReader,
// falling back to a placeholder when no bytes could be read (the common
// case in tests, where CodeReader is never installed).
func disassembleAt(vaddr uint32) string {
	var buf [16]byte
	n := CodeReader(vaddr, buf[:])
	if n == 0 {
		return "<unavailable>"
	}
	inst, err := x86asm.Decode(buf[:n], 32)
	if err != nil {
		return "<undecodable>"
	}
	return x86asm.GNUSyntax(inst, uint64(vaddr), nil)
}

func putLine(v hal.VGA, row int, s string) int {
	const cols = 80
	for col := 0; col < cols && col < len(s); col++ {
		v.PutGlyph(row, col, s[col], bannerFg, bannerBg)
	}
	return row + 1
}

const hexDigits = "0123456789abcdef"

func hex32(v uint32) string {
	buf := [10]byte{'0', 'x'}
	for i := 0; i < 8; i++ {
		shift := uint(28 - 4*i)
		buf[2+i] = hexDigits[(v>>shift)&0xF]
	}
	return string(buf[:])
}
