package defs

// Syscall numbers (§4.6). The catalog is intentionally small: only what the
// core's process/VFS model needs to exercise exec/exit and read-only file
// access.
const (
	SYS_GET_LOCAL_TIME Sysno = 0x0101
	SYS_DELAY_MS       Sysno = 0x0110

	SYS_CONSOLE_WRITE    Sysno = 0x0200
	SYS_CONSOLE_READLINE Sysno = 0x0201
	SYS_CONSOLE_GETCHAR  Sysno = 0x0202

	SYS_EXIT   Sysno = 0x1000
	SYS_EXEC   Sysno = 0x1001
	SYS_CHDIR  Sysno = 0x1002
	SYS_GETCWD Sysno = 0x1003

	SYS_MOUNT   Sysno = 0x1100
	SYS_UNMOUNT Sysno = 0x1101

	SYS_OPEN    Sysno = 0x1110
	SYS_CLOSE   Sysno = 0x1111
	SYS_READ    Sysno = 0x1112
	SYS_READDIR Sysno = 0x1114
)

// Sysno is the syscall-number type carried in EAX.
type Sysno uint32

// DISHONORABLE_EXIT is the status value a parent's exec() observes in EBX
// when a child is torn down by a fault rather than a clean exit (§4.6,
// §8 scenario 4).
const DISHONORABLE_EXIT = -100

// FOPT_DIR marks an open() request that must resolve to a directory inode
// (§4.8).
const FOPT_DIR = 1 << 0

// File-open flags carried in the open() parameter struct. The core is
// read-only at the VFS surface (§1 Non-goals), so only O_RDONLY is ever
// honored; the others are kept so the packed parameter struct layout
// matches what a user-space libc would send.
const (
	O_RDONLY = 0
	O_WRONLY = 1
	O_RDWR   = 2
	O_CREAT  = 0x40
)
