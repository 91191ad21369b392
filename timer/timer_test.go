package timer

import "testing"

func fresh() *Clock_t {
	c := &Clock_t{}
	c.Init(0)
	return c
}

func TestOneshotFiresOnceThenInactive(t *testing.T) {
	c := fresh()
	fired := 0
	h := c.Set(150, Oneshot, func(any) { fired++ }, nil)
	if h < 0 {
		t.Fatal("Set failed")
	}
	for i := 0; i < 2; i++ {
		c.Tick()
	}
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	for i := 0; i < 2; i++ {
		c.Tick()
	}
	if fired != 1 {
		t.Fatalf("expected exactly one firing, got %d", fired)
	}
	if c.IsActive(uint32(h)) {
		t.Fatal("oneshot still active after firing")
	}
}

func TestIntervalFiresRepeatedly(t *testing.T) {
	c := fresh()
	fired := 0
	h := c.Set(100, Interval, func(any) { fired++ }, nil)
	for i := 0; i < 10; i++ {
		c.Tick()
	}
	if fired < 4 {
		t.Fatalf("expected at least 4 firings in 500ms at 100ms interval, got %d", fired)
	}
	c.Clear(uint32(h))
	n := fired
	for i := 0; i < 10; i++ {
		c.Tick()
	}
	if fired != n {
		t.Fatalf("interval kept firing after Clear: before=%d after=%d", n, fired)
	}
}

func TestHandlesNeverReused(t *testing.T) {
	c := fresh()
	h1 := c.Set(50, Oneshot, func(any) {}, nil)
	c.Clear(uint32(h1))
	h2 := c.Set(50, Oneshot, func(any) {}, nil)
	if h1 == h2 {
		t.Fatalf("handle reused: %d == %d", h1, h2)
	}
	if c.IsActive(uint32(h1)) {
		t.Fatal("cleared handle should not be active")
	}
}

func TestResetRestartsWindow(t *testing.T) {
	c := fresh()
	fired := false
	h := c.Set(100, Oneshot, func(any) { fired = true }, nil)
	c.Tick() // 50ms
	if ok := c.Reset(uint32(h), 200); !ok {
		t.Fatal("Reset on active handle should succeed")
	}
	c.Tick() // 100ms, but window restarted at 50ms so needs 250ms
	c.Tick() // 150ms
	if fired {
		t.Fatal("timer fired before reset window elapsed")
	}
	c.Tick() // 200
	c.Tick() // 250
	if !fired {
		t.Fatal("timer did not fire after reset window elapsed")
	}
}

func TestSetFailsWhenTableFull(t *testing.T) {
	c := fresh()
	for i := 0; i < maxTimers; i++ {
		if h := c.Set(1000, Oneshot, func(any) {}, nil); h < 0 {
			t.Fatalf("unexpected failure filling table at %d", i)
		}
	}
	if h := c.Set(1000, Oneshot, func(any) {}, nil); h != -1 {
		t.Fatalf("expected -1 on full table, got %d", h)
	}
}
