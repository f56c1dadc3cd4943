// Package heart implements the bidirectional keep-alive timer pair: an
// interval timer that drives ping cadence and a timeout timer that tears
// down a session when no pong arrives in time.
package heart

import (
	"sync"
	"sync/atomic"
	"time"
)

// Heart drives one transport's heartbeat. OnTick fires when a ping should
// be sent; OnTimeout fires when the peer failed to respond within
// heartbeatTimeout of that ping. Both run on their own goroutine (per
// time.AfterFunc) and must not block.
type Heart struct {
	interval  time.Duration
	timeout   time.Duration
	onTick    func()
	onTimeout func()

	expecting atomic.Bool

	mu            sync.Mutex
	intervalTimer *time.Timer
	timeoutTimer  *time.Timer
	stopped       bool
}

// New builds a Heart. It does nothing until Start is called.
func New(interval, timeout time.Duration, onTick, onTimeout func()) *Heart {
	return &Heart{interval: interval, timeout: timeout, onTick: onTick, onTimeout: onTimeout}
}

// Start arms the interval timer. Calling Start more than once, or after
// Stop, has no effect.
func (h *Heart) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.intervalTimer != nil {
		return
	}
	h.armIntervalLocked()
}

func (h *Heart) armIntervalLocked() {
	h.intervalTimer = time.AfterFunc(h.interval, h.fireTick)
}

func (h *Heart) armTimeoutLocked() {
	h.timeoutTimer = time.AfterFunc(h.timeout, h.fireTimeout)
}

func (h *Heart) fireTick() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.expecting.Store(true)
	h.armTimeoutLocked()
	h.mu.Unlock()

	h.onTick()
}

func (h *Heart) fireTimeout() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	h.onTimeout()
}

// Reset clears isExpectingHeartbeat, cancels both timers and re-arms the
// interval timer; the timeout timer is armed again by the next tick. It is
// the only transition that drives isExpectingHeartbeat true -> false.
func (h *Heart) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.expecting.Store(false)
	if h.intervalTimer != nil {
		h.intervalTimer.Stop()
	}
	if h.timeoutTimer != nil {
		h.timeoutTimer.Stop()
	}
	h.armIntervalLocked()
}

// IsExpectingHeartbeat reports whether a ping has been sent and no
// corresponding reset has arrived yet.
func (h *Heart) IsExpectingHeartbeat() bool {
	return h.expecting.Load()
}

// Stop cancels both timers permanently. Idempotent.
func (h *Heart) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	if h.intervalTimer != nil {
		h.intervalTimer.Stop()
	}
	if h.timeoutTimer != nil {
		h.timeoutTimer.Stop()
	}
}
