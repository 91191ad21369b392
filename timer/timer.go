// Package timer implements the programmable-timer subsystem (§4.5): a PIT
// tick advances a 64-bit monotonic clock, and a fixed table of software
// oneshot/interval timers is walked on every tick.
//
// Grounded on accnt/accnt.go's nanosecond counters and Now()/Finish()
// bookkeeping idiom for the clock side, and limits/limits.go's
// Sysatomic_t take/give protocol for the monotonically increasing handle
// counter.
package timer

import (
	"sync"
	"sync/atomic"
)

// ResolutionMs is the default hardware tick period (§4.5).
const ResolutionMs = 50

const maxTimers = 64

type Kind int

const (
	Oneshot Kind = iota
	Interval
)

// Callback receives the context pointer passed to Set.
type Callback func(ctx any)

// record is one slot of the fixed timer table (§3 Timer record).
type record struct {
	used       bool
	handle     uint32
	kind       Kind
	durationMs uint64
	startMs    uint64
	cb         Callback
	ctx        any
}

// Clock_t is the monotonic-time and software-timer singleton.
type Clock_t struct {
	mu sync.Mutex // protects slots; the tick handler uses TryLock (§5)

	systemTimeMs uint64
	wallOffsetMs int64

	nextHandle uint32 // monotonically increasing; never reused (see DESIGN.md)
	slots      [maxTimers]record

	tickCount uint64
}

var Clock Clock_t

// Init resets the clock to zero monotonic time with the given wall-clock
// offset in milliseconds.
func (c *Clock_t) Init(wallOffsetMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemTimeMs = 0
	c.wallOffsetMs = wallOffsetMs
	c.nextHandle = 1
	for i := range c.slots {
		c.slots[i] = record{}
	}
}

// Tick advances monotonic time by ResolutionMs and walks the timer table,
// invoking expired callbacks. It uses TryLock, matching §5's
// try-acquire-and-skip-on-contention policy for the IRQ-vs-syscall shared
// timer table; a contended tick is simply dropped (the next tick's
// comparison against start+duration still catches it).
func (c *Clock_t) Tick() {
	if !c.mu.TryLock() {
		return
	}
	defer c.mu.Unlock()

	atomic.AddUint64(&c.tickCount, 1)
	c.systemTimeMs += ResolutionMs

	for i := range c.slots {
		s := &c.slots[i]
		if !s.used {
			continue
		}
		if c.systemTimeMs < s.startMs+s.durationMs {
			continue
		}
		cb, ctx := s.cb, s.ctx
		switch s.kind {
		case Oneshot:
			s.used = false
		case Interval:
			// Drift is bounded by resolution, not accumulated: restart
			// from now rather than startMs+durationMs.
			s.startMs = c.systemTimeMs
		}
		if cb != nil {
			cb(ctx)
		}
	}
}

// Now returns the current monotonic system time in milliseconds.
func (c *Clock_t) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systemTimeMs
}

// WallSeconds returns seconds-since-offset (§4.6 get_local_time).
func (c *Clock_t) WallSeconds() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wallOffsetMs/1000 + int64(c.systemTimeMs/1000)
}

// Set installs a new software timer and returns its handle, or -1 if the
// table is full.
func (c *Clock_t) Set(durationMs uint64, kind Kind, cb Callback, ctx any) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot := -1
	for i := range c.slots {
		if !c.slots[i].used {
			slot = i
			break
		}
	}
	if slot == -1 {
		return -1
	}

	h := c.nextHandle
	c.nextHandle++
	c.slots[slot] = record{
		used:       true,
		handle:     h,
		kind:       kind,
		durationMs: durationMs,
		startMs:    c.systemTimeMs,
		cb:         cb,
		ctx:        ctx,
	}
	return int64(h)
}

func (c *Clock_t) find(handle uint32) *record {
	for i := range c.slots {
		if c.slots[i].used && c.slots[i].handle == handle {
			return &c.slots[i]
		}
	}
	return nil
}

// Clear cancels the timer identified by handle. A clear racing with
// expiry may observe the callback having already run once (§5
// Cancellation); this is a tolerated ABI property, not an error.
func (c *Clock_t) Clear(handle uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r := c.find(handle); r != nil {
		r.used = false
	}
}

// Reset rewrites the duration of an active timer and restarts its
// window from now; reports false if the handle is not active.
func (c *Clock_t) Reset(handle uint32, newDurationMs uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.find(handle)
	if r == nil {
		return false
	}
	r.durationMs = newDurationMs
	r.startMs = c.systemTimeMs
	return true
}

// IsActive reports whether handle still names a live timer.
func (c *Clock_t) IsActive(handle uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.find(handle) != nil
}
