package blkdev

import (
	"testing"

	"goos32/defs"
)

func freshRegistry() *Registry_t {
	r := &Registry_t{}
	r.Init()
	return r
}

func ramDisk(nblocks int) ([][BlockSize]byte, Ops) {
	storage := make([][BlockSize]byte, nblocks)
	ops := Ops{
		ReadBlock: func(block int, buf []byte) defs.Err_t {
			copy(buf, storage[block][:])
			return 0
		},
		WriteBlock: func(block int, buf []byte) defs.Err_t {
			copy(storage[block][:], buf)
			return 0
		},
	}
	return storage, ops
}

func TestReadWriteRoundtrip(t *testing.T) {
	r := freshRegistry()
	_, ops := ramDisk(4)
	r.Register(1, 4, ops)

	h, err := r.GetHandle(1)
	if err != 0 {
		t.Fatalf("GetHandle failed: %v", err)
	}
	copy(h.Buffer(), []byte("hello block"))
	if err := h.Write(2); err != 0 {
		t.Fatalf("Write failed: %v", err)
	}

	for i := range h.Buffer() {
		h.Buffer()[i] = 0
	}
	if err := h.Read(2); err != 0 {
		t.Fatalf("Read failed: %v", err)
	}
	if string(h.Buffer()[:11]) != "hello block" {
		t.Fatalf("got %q", h.Buffer()[:11])
	}
}

func TestSingleHandlePerDevice(t *testing.T) {
	r := freshRegistry()
	_, ops := ramDisk(4)
	r.Register(1, 4, ops)

	h1, err := r.GetHandle(1)
	if err != 0 {
		t.Fatalf("first GetHandle failed: %v", err)
	}
	if _, err := r.GetHandle(1); err != defs.E_BUSY {
		t.Fatalf("second GetHandle should return E_BUSY, got %v", err)
	}
	r.ReleaseHandle(h1)
	if _, err := r.GetHandle(1); err != 0 {
		t.Fatalf("GetHandle after release should succeed, got %v", err)
	}
}

func TestReadOutOfRangeBlock(t *testing.T) {
	r := freshRegistry()
	_, ops := ramDisk(2)
	r.Register(1, 2, ops)
	h, _ := r.GetHandle(1)
	if err := h.Read(5); err != defs.E_INVREQ {
		t.Fatalf("expected E_INVREQ, got %v", err)
	}
}

func TestAbsentWriteCapabilityReturnsNoImpl(t *testing.T) {
	r := freshRegistry()
	r.Register(1, 2, Ops{
		ReadBlock: func(int, []byte) defs.Err_t { return 0 },
	})
	h, _ := r.GetHandle(1)
	if err := h.Write(0); err != defs.E_NOIMPL {
		t.Fatalf("expected E_NOIMPL writing to a read-only device, got %v", err)
	}
	if h.MediaChanged() {
		t.Fatal("MediaChanged should default to false when capability is absent")
	}
}

func TestRegisterDuplicateMajorPanics(t *testing.T) {
	r := freshRegistry()
	_, ops := ramDisk(1)
	r.Register(1, 1, ops)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic registering duplicate major")
		}
	}()
	r.Register(1, 1, ops)
}
