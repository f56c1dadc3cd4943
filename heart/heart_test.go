package heart

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestHeartTicksThenTimesOut(t *testing.T) {
	var ticks, timeouts atomic.Int32
	h := New(20*time.Millisecond, 20*time.Millisecond,
		func() { ticks.Add(1) },
		func() { timeouts.Add(1) },
	)
	h.Start()
	defer h.Stop()

	if h.IsExpectingHeartbeat() {
		t.Fatal("should not be expecting a heartbeat before the first tick")
	}

	time.Sleep(35 * time.Millisecond)
	if !h.IsExpectingHeartbeat() {
		t.Fatal("should be expecting a heartbeat after the interval tick")
	}
	if ticks.Load() != 1 {
		t.Fatalf("ticks = %d, want 1", ticks.Load())
	}

	time.Sleep(35 * time.Millisecond)
	if timeouts.Load() != 1 {
		t.Fatalf("timeouts = %d, want 1", timeouts.Load())
	}
}

func TestHeartResetPreventsTimeout(t *testing.T) {
	var timeouts atomic.Int32
	h := New(20*time.Millisecond, 20*time.Millisecond,
		func() {},
		func() { timeouts.Add(1) },
	)
	h.Start()
	defer h.Stop()

	time.Sleep(25 * time.Millisecond)
	h.Reset()
	if h.IsExpectingHeartbeat() {
		t.Fatal("Reset() should clear isExpectingHeartbeat")
	}

	time.Sleep(15 * time.Millisecond)
	if timeouts.Load() != 0 {
		t.Fatal("timeout fired despite a reset inside the window")
	}
}

func TestHeartStopIsIdempotentAndSilences(t *testing.T) {
	var ticks atomic.Int32
	h := New(10*time.Millisecond, 10*time.Millisecond, func() { ticks.Add(1) }, func() {})
	h.Start()
	h.Stop()
	h.Stop()

	time.Sleep(30 * time.Millisecond)
	if ticks.Load() != 0 {
		t.Fatal("tick fired after Stop()")
	}
}
