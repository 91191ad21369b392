// Package blkdev implements the block-device layer (§4.7): named devices
// exporting a common read/write/media-change contract, a handle table,
// and a fixed 512-byte I/O buffer per handle.
//
// Grounded directly on fs/blk.go's Bdev_block_t/Disk_i/Bdevcmd_t/BSIZE —
// the closest 1:1 grounding in the whole corpus. Disk_i{Start,Stats}
// becomes this spec's capability set {read_block, write_block?,
// media_changed?} (§4.7, §9's "ad hoc callbacks map to a capability
// set").
package blkdev

import (
	"sync"

	"goos32/defs"
)

// BlockSize is fixed at 512 bytes (§4.7).
const BlockSize = 512

// Ops is the capability set a driver exposes. WriteBlock and
// MediaChanged are optional — nil, not a function that errors, signals
// "absent" per §9's explicit note that the `?` members are genuine
// absent/present signals.
type Ops struct {
	ReadBlock    func(block int, buf []byte) defs.Err_t
	WriteBlock   func(block int, buf []byte) defs.Err_t
	MediaChanged func() bool
}

// Device_t is one registered named block device (§3 Block device).
type Device_t struct {
	Major    int
	NBlocks  int
	ops      Ops
	handleMu sync.Mutex
	inUse    bool
}

// Registry_t is the block-device layer singleton: a name-indexed table
// of devices and a single-handle-per-device enforcement (§4.7 "while a
// handle exists no other handle for the same device may be issued").
type Registry_t struct {
	mu      sync.Mutex
	devices map[int]*Device_t
}

var Registry Registry_t

// Init resets the registry to empty.
func (r *Registry_t) Init() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[int]*Device_t)
}

// Register installs a new named device. Registering an already-used
// major is fatal; this mirrors the "exhaustion/collision of fixed-size
// boot-time tables is a panic" policy applied elsewhere in §7 tier 1.
func (r *Registry_t) Register(major, nblocks int, ops Ops) *Device_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[major]; exists {
		panic("blkdev: device major already registered")
	}
	d := &Device_t{Major: major, NBlocks: nblocks, ops: ops}
	r.devices[major] = d
	return d
}

// Handle_t is an open handle onto one device: a 512-byte I/O buffer plus
// a reference back to the device for read/write dispatch.
type Handle_t struct {
	dev *Device_t
	buf [BlockSize]byte
}

// GetHandle allocates the device's single handle and its I/O buffer.
// Returns E_BUSY if a handle is already outstanding (§4.7 guarantee).
func (r *Registry_t) GetHandle(major int) (*Handle_t, defs.Err_t) {
	r.mu.Lock()
	d, ok := r.devices[major]
	r.mu.Unlock()
	if !ok {
		return nil, defs.E_NOENT
	}

	d.handleMu.Lock()
	defer d.handleMu.Unlock()
	if d.inUse {
		return nil, defs.E_BUSY
	}
	d.inUse = true
	return &Handle_t{dev: d}, 0
}

// ReleaseHandle frees h, allowing a future GetHandle on the same device.
func (r *Registry_t) ReleaseHandle(h *Handle_t) {
	h.dev.handleMu.Lock()
	defer h.dev.handleMu.Unlock()
	h.dev.inUse = false
}

// Read validates block against the device's extent and dispatches to the
// driver's ReadBlock, filling h's I/O buffer.
func (h *Handle_t) Read(block int) defs.Err_t {
	if block < 0 || block >= h.dev.NBlocks {
		return defs.E_INVREQ
	}
	if h.dev.ops.ReadBlock == nil {
		return defs.E_NOIMPL
	}
	return h.dev.ops.ReadBlock(block, h.buf[:])
}

// Write validates block and dispatches to the driver's WriteBlock, or
// E_NOIMPL if the device never declared one (§9's "?" capability).
func (h *Handle_t) Write(block int) defs.Err_t {
	if block < 0 || block >= h.dev.NBlocks {
		return defs.E_INVREQ
	}
	if h.dev.ops.WriteBlock == nil {
		return defs.E_NOIMPL
	}
	return h.dev.ops.WriteBlock(block, h.buf[:])
}

// Buffer returns the handle's 512-byte I/O buffer.
func (h *Handle_t) Buffer() []byte { return h.buf[:] }

// MediaChanged reports whether the underlying medium was swapped since
// the last observation; devices without the capability always report
// false.
func (h *Handle_t) MediaChanged() bool {
	if h.dev.ops.MediaChanged == nil {
		return false
	}
	return h.dev.ops.MediaChanged()
}
