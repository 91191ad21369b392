// Package hal names the external-collaborator contracts §6 requires of
// the core: serial logging, the VGA text buffer, the console line editor,
// and the PS/2 controller and keyboard subsystem. None of these are
// implemented here (§1 "Out of scope (external collaborators)") — this
// package only fixes the interfaces the core depends on, so init-sequence
// composition (package boot) and the syscall layer (package ksyscall) can
// be written and tested against a contract rather than a concrete driver.
//
// No teacher package covers this seam directly (biscuit's console lives
// in its patched Go runtime, outside the retrieved src/* tree); enriched
// from gopheros/kernel/hal/hal.go, the one place in the pack that names
// exactly this kind of boundary for a freestanding kernel, simplified
// down to the handful of contracts §6 actually specifies.
package hal

// SerialSink is a byte-at-a-time transmit sink with ready polling (§6
// "Serial logger: byte sink with ready-to-transmit polling").
type SerialSink interface {
	WriteByte(b byte)
	ReadyToTransmit() bool
}

// Color is one of the 16-entry VGA palette indices a console foreground
// or background can be set to (§6 "Color tokens are a 16-entry
// enumeration mapped to VGA palette indices").
type Color int

const (
	ColorBlack Color = iota
	ColorBlue
	ColorGreen
	ColorCyan
	ColorRed
	ColorMagenta
	ColorBrown
	ColorLightGray
	ColorDarkGray
	ColorLightBlue
	ColorLightGreen
	ColorLightCyan
	ColorLightRed
	ColorLightMagenta
	ColorYellow
	ColorWhite
)

// VGA is the text-mode framebuffer contract (§6).
type VGA interface {
	PutGlyph(row, col int, code byte, fg, bg Color)
	Clear(bg Color)
	Scroll(bg Color)
	DisableCursor()
}

// Console parses a small ANSI subset over a VGA+keyboard pair and
// exposes line-oriented I/O to the syscall layer (§6 "Console:
// write(bytes, n) parses a small ANSI subset ... readline(buf, n) ->
// count; getchar()").
type Console interface {
	Write(data []byte) int
	Readline(buf []byte) int
	Getchar() byte
}

// KeyEvent is published by the keyboard subsystem to subscribers (§6
// "the keyboard subsystem publishes {keysym, mod_state} events").
type KeyEvent struct {
	Keysym   rune
	ModState ModState
}

// ModState is a bitset of held modifier keys.
type ModState uint8

const (
	ModShift ModState = 1 << iota
	ModCtrl
	ModAlt
)

// PS2Controller invokes a device-supplied callback on every received byte
// and exposes the two primitives a device driver needs to talk back to
// the controller (§6 "PS/2 controller driver invokes a device-supplied
// callback on every received byte and exposes send_data/enable/disable").
type PS2Controller interface {
	SetCallback(fn func(b byte))
	SendData(b byte)
	Enable()
	Disable()
}

// KeyboardSubscriber receives published key events; the console
// subsystem is the sole subscriber in this core.
type KeyboardSubscriber func(KeyEvent)

// ActiveConsole is the console instance the syscall layer's
// console_write/console_readline/console_getchar handlers address. It is
// nil until the boot sequence installs a real driver; ksyscall treats a
// nil ActiveConsole as E_NOIMPL rather than panicking, since the console
// driver is an external collaborator this core does not implement.
var ActiveConsole Console

// ActiveSerial is the byte sink the kernel's log.Logger writes through
// (SPEC_FULL.md §1 Ambient Stack, Logging).
var ActiveSerial SerialSink
