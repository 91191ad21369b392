// Package arch isolates the handful of CPU primitives the rest of the
// kernel needs (control registers, port I/O, interrupt masking, TLB
// invalidation) behind package-level function variables. The teacher
// (biscuit) exercises the same seam by calling into its own patched Go
// runtime (runtime.Cpuid, runtime.Rcr4, runtime.Vtop); since this module
// does not fork the Go runtime, the seam is modeled the same way gopher-os
// models it for its page-directory hooks (activePDTFn/switchPDTFn): a set
// of overridable vars, defaulting to stubs that panic outside of real
// hardware, swapped out by tests and ultimately by the assembly-backed
// build tag for the real target.
package arch

const PageSize = 4096

// PageShift is log2(PageSize); used throughout mem/vm for shifts instead
// of division.
const PageShift = 12

// ReadCR3 / WriteCR3 read and load the page-directory base register.
var ReadCR3 func() uint32 = func() uint32 { panic("arch: ReadCR3 not installed") }
var WriteCR3 func(pdbase uint32) = func(uint32) { panic("arch: WriteCR3 not installed") }

// InvalidatePage flushes a single TLB entry for the given virtual address
// (the INVLPG instruction).
var InvalidatePage func(vaddr uint32) = func(uint32) { panic("arch: InvalidatePage not installed") }

// Cli / Sti disable and enable maskable interrupts. Critical sections in
// intr/timer/proc bracket shared-state updates with these (§5).
var Cli func() = func() { panic("arch: Cli not installed") }
var Sti func() = func() { panic("arch: Sti not installed") }

// InB / OutB perform byte-granular port I/O, used by the PIC-remap and
// PIT-programming sequences in intr/timer.
var InB func(port uint16) uint8 = func(uint16) uint8 { panic("arch: InB not installed") }
var OutB func(port uint16, v uint8) = func(uint16, uint8) { panic("arch: OutB not installed") }

// Halt stops the CPU until the next interrupt (HLT). Used by the idle path
// and by panicdump after painting the fatal banner.
var Halt func() = func() { panic("arch: Halt not installed") }

// Pause emits a PAUSE instruction; used by the spin-with-timeout pattern
// (§5 Blocking) instead of any blocking primitive.
var Pause func() = func() {}

// LoadIDT / LoadGDT load the IDT/GDT pointer via LIDT/LGDT.
var LoadIDT func(base uint32, limit uint16) = func(uint32, uint16) { panic("arch: LoadIDT not installed") }
var LoadGDT func(base uint32, limit uint16) = func(uint32, uint16) { panic("arch: LoadGDT not installed") }

// LoadTR loads the task register with a GDT selector (LTR), used once
// after the TSS descriptor is installed.
var LoadTR func(selector uint16) = func(uint16) { panic("arch: LoadTR not installed") }

// UseTestHooks installs no-op-but-stateful hooks suitable for unit tests
// that never touch real hardware: a fake CR3 register and a byte sink for
// port I/O. Returns a restore function.
func UseTestHooks() (restore func()) {
	prevCR3 := uint32(0)
	prevReadCR3, prevWriteCR3 := ReadCR3, WriteCR3
	prevInvl := InvalidatePage
	prevCli, prevSti := Cli, Sti
	prevInB, prevOutB := InB, OutB
	prevHalt := Halt

	ReadCR3 = func() uint32 { return prevCR3 }
	WriteCR3 = func(v uint32) { prevCR3 = v }
	InvalidatePage = func(uint32) {}
	Cli = func() {}
	Sti = func() {}
	InB = func(uint16) uint8 { return 0 }
	OutB = func(uint16, uint8) {}
	Halt = func() {}

	return func() {
		ReadCR3, WriteCR3 = prevReadCR3, prevWriteCR3
		InvalidatePage = prevInvl
		Cli, Sti = prevCli, prevSti
		InB, OutB = prevInB, prevOutB
		Halt = prevHalt
	}
}
