// Package intr implements the interrupt subsystem (§4.4): descriptor
// tables, IRQ multiplexing with spurious-interrupt handling, and
// exception routing.
//
// No teacher package covers this directly (biscuit's trap entry lives in
// its patched Go runtime, invisible to the retrieved src/* tree); the
// locking/table-registration style is grounded on tinfo/tinfo.go's
// Threadinfo_t (a sync.Mutex-guarded fixed table with an explicit Init).
package intr

import (
	"sync"

	"goos32/arch"
	"goos32/kstat"
)

// Vector layout (§3 IDT/GDT): 49 slots, 0-31 exceptions, 32-47 IRQs
// offset by the PIC remap, 48 the syscall gate.
const (
	NumVectors    = 49
	PICOffset     = 0x20
	SyscallVector = 48
)

// timerIRQ is the PIT's line (§4.5): every tick is also a profiling
// sample of whatever EIP it interrupted (defs.D_PROF).
const timerIRQ = 0

// descriptor mirrors one IDT gate entry.
type descriptor struct {
	offsetLow, offsetHigh uint16
	selector              uint16
	typeAttr              uint8
	present               bool
}

// Handler is a registered exception/IRQ/syscall callback. Frame is the
// saved interrupt frame (arch.Context_t); a handler reports nothing back
// and instead rewrites *frame in place when the interrupted context must
// change (as the syscall and exception handlers in ksyscall do).
type Handler func(frame *arch.Context_t)

type irqSlot struct {
	handlers [2]Handler
	n        int
}

// IRQToken identifies one registered IRQ handler so it can later be
// unregistered; Go function values are not comparable, so RegisterIRQ
// hands back an opaque token instead of asking the caller to pass the
// closure back.
type IRQToken struct {
	irq int
	idx int
}

// Table_t owns the IDT image and the IRQ handler registry. Exactly one
// instance exists per kernel (the package singleton IDT).
type Table_t struct {
	mu    sync.Mutex
	idt  [NumVectors]descriptor
	irqs [16]irqSlot
	exc  [32]Handler
	sys  Handler
}

var IDT Table_t

// Init builds an empty, present IDT: every vector initially routes to a
// default trampoline stub (installed by the caller's assembly glue in a
// real build; here we just mark the slots present so LoadIDT has a
// well-formed table to load).
func (t *Table_t) Init() {
	arch.Cli()
	defer arch.Sti()
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.idt {
		t.idt[i] = descriptor{selector: arch.SEL_KCODE, typeAttr: 0x8E, present: true}
	}
}

// RegisterException installs the handler for CPU exception vector v
// (0-31). Registering twice is fatal (no explicit spec requirement, but
// matches the "double registration panics" policy applied uniformly to
// IRQs in §4.4).
func (t *Table_t) RegisterException(v int, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v < 0 || v >= 32 {
		panic("intr: exception vector out of range")
	}
	if t.exc[v] != nil {
		panic("intr: exception handler already registered")
	}
	t.exc[v] = h
}

// RegisterSyscall installs the vector-48 handler.
func (t *Table_t) RegisterSyscall(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sys != nil {
		panic("intr: syscall handler already registered")
	}
	t.sys = h
}

// RegisterIRQ adds h to irq's handler list (§4.4: up to two handlers per
// IRQ, registered atomically under cli; double registration panics).
func (t *Table_t) RegisterIRQ(irq int, h Handler) IRQToken {
	arch.Cli()
	defer arch.Sti()
	t.mu.Lock()
	defer t.mu.Unlock()
	if irq < 0 || irq >= 16 {
		panic("intr: irq out of range")
	}
	s := &t.irqs[irq]
	if s.n >= len(s.handlers) {
		panic("intr: irq already has the maximum number of handlers")
	}
	idx := s.n
	s.handlers[idx] = h
	s.n++
	return IRQToken{irq: irq, idx: idx}
}

// UnregisterIRQ removes the handler identified by tok. Unregistering an
// already-empty slot is fatal (§4.4).
func (t *Table_t) UnregisterIRQ(tok IRQToken) {
	arch.Cli()
	defer arch.Sti()
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.irqs[tok.irq]
	if s.n == 0 {
		panic("intr: unregistering handler on empty IRQ slot")
	}
	for i := tok.idx; i < s.n-1; i++ {
		s.handlers[i] = s.handlers[i+1]
	}
	s.handlers[s.n-1] = nil
	s.n--
}

// readISR reads the master/slave PIC in-service register,
// installed by the PIC driver at boot via SetPICHooks. Needed to
// distinguish a genuine IRQ7/15 from a spurious one (§4.4).
var readISR func(slave bool) uint8 = func(bool) uint8 { return 0xFF }

// SetPICHooks installs the port-I/O sequence that reads the PIC's ISR and
// that sends end-of-interrupt. Both are PIC-specific byte sequences
// outside this core's scope (§1 external collaborators); intr only needs
// the read-ISR and send-EOI primitives.
func SetPICHooks(readISRFn func(slave bool) uint8, sendEOIFn func(slave bool)) {
	readISR = readISRFn
	sendEOI = sendEOIFn
}

var sendEOI func(slave bool) = func(bool) {}

// Dispatch routes one interrupt delivery. vector is the already-PIC-
// offset-adjusted or exception vector number read from the trampoline;
// frame is the saved register state. This is the one function a real
// assembly trampoline calls after building the Context_t on the stack.
func (t *Table_t) Dispatch(vector int, frame *arch.Context_t) {
	switch {
	case vector < 32:
		t.dispatchException(vector, frame)
	case vector < 32+16:
		t.dispatchIRQ(vector-PICOffset, frame)
	case vector == SyscallVector:
		if t.sys == nil {
			panic("intr: syscall vector fired with no handler installed")
		}
		t.sys(frame)
	default:
		panic("intr: vector out of range")
	}
}

func (t *Table_t) dispatchException(v int, frame *arch.Context_t) {
	h := t.exc[v]
	if h == nil {
		panic("intr: unhandled CPU exception")
	}
	h(frame)
}

func (t *Table_t) dispatchIRQ(irq int, frame *arch.Context_t) {
	slave := irq >= 8
	if irq == 7 || irq == 15 {
		isr := readISR(slave)
		if isr&(1<<(uint(irq)%8)) == 0 {
			kstat.IRQSpurious.Inc()
			// Spurious: acknowledged without invoking handlers. IRQ7
			// (master) needs no EOI at all; IRQ15 (slave) still cascades
			// through the master's IRQ2 line, so only the master PIC
			// gets an EOI, never the slave.
			if slave {
				sendEOI(false)
			}
			return
		}
	}

	kstat.IRQDelivered.Inc()
	if irq == timerIRQ {
		kstat.Prof.Record(frame.Eip)
	}
	s := &t.irqs[irq]
	for i := 0; i < s.n; i++ {
		s.handlers[i](frame)
	}

	if slave {
		sendEOI(true)
	}
	sendEOI(false)
}
