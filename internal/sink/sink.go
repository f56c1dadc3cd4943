// Package sink implements typed, multi-consumer observer registries: one
// Sink[T] per event kind, owned by whichever object emits it (a transport,
// a session), with a lifetime bounded by that owner's dispose.
package sink

import "sync"

// Sink is a small multi-consumer broadcast point for one event kind
// carrying a T payload. It is safe for concurrent use.
type Sink[T any] struct {
	mu        sync.Mutex
	listeners []func(T)
	closed    bool
}

// On registers fn to be called on every future Fire, until Close.
// Registering on a closed sink is a silent no-op: the owner is gone and
// the listener would never fire anyway.
func (s *Sink[T]) On(fn func(T)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.listeners = append(s.listeners, fn)
}

// Fire invokes every registered listener with v. Listeners are snapshotted
// before invocation so a listener may itself register or close without
// deadlocking or racing the dispatch.
func (s *Sink[T]) Fire(v T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	listeners := make([]func(T), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(v)
	}
}

// Close discards every listener and marks the sink closed: subsequent On
// calls are ignored and subsequent Fire calls are no-ops. Idempotent.
func (s *Sink[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.listeners = nil
}
