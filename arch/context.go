package arch

// Context_t mirrors the assembly-visible interrupt-frame layout (§6): the
// fields must stay in this order and size since the trampoline and the
// go-userspace return path both address them by fixed byte offset. Field
// order is edi, esi, edx, ecx, ebx, eax, ds, eip, cs, eflags, esp, ss, ebp.
type Context_t struct {
	Edi uint32
	Esi uint32
	Edx uint32
	Ecx uint32
	Ebx uint32
	Eax uint32
	Ds  uint32
	Eip uint32
	Cs  uint32
	Eflags uint32
	Esp uint32
	Ss  uint32
	Ebp uint32
}

// Selector constants for the GDT slots (§3 IDT/GDT): null, kernel code,
// kernel data, user code, user data, TSS — in that fixed order, each 8
// bytes wide.
const (
	SEL_NULL = 0 * 8
	SEL_KCODE = 1 * 8
	SEL_KDATA = 2 * 8
	SEL_UCODE = (3*8 | 3) // RPL 3
	SEL_UDATA = (4*8 | 3)
	SEL_TSS   = 5 * 8
)

const EFLAGS_IF = 1 << 9

// ResetUser zeroes the general-purpose registers and installs the
// user-mode segment/privilege setup for a freshly execed program (§4.6
// "Process setup of cpu_context for a new program").
func (c *Context_t) ResetUser(entry, esp uint32) {
	*c = Context_t{}
	c.Ds = SEL_UDATA
	c.Cs = SEL_UCODE
	c.Ss = SEL_UDATA
	c.Eflags = EFLAGS_IF
	c.Esp = esp
	c.Eip = entry
	c.Ebp = esp
}
