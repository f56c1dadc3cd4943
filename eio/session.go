// Package eio implements the session lifecycle and server dispatcher that
// sit above the transport layer: the Session, which owns a client's
// transport and coordinates upgrades, and the Server, which routes
// requests.
package eio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/riverford/engineio/config"
	"github.com/riverford/engineio/eioerr"
	"github.com/riverford/engineio/internal/elog"
	"github.com/riverford/engineio/internal/sink"
	"github.com/riverford/engineio/packet"
	"github.com/riverford/engineio/transport"
)

var log = elog.New("eio:session")

type upgradeState int32

const (
	upgradeNone upgradeState = iota
	upgradeInitiated
	upgradeProbed
)

// Message is a single application payload delivered to a session.
type Message struct {
	Data   []byte
	Binary bool
}

// Session owns one client's transport (and, briefly, a candidate probe
// transport during an upgrade) for the lifetime of a connection.
// The upgrade state machine is guarded entirely by the
// session: a transport only reports facts about packets it received and
// defers every legality decision about upgrade progress back here.
type Session struct {
	id         string
	cfg        config.ServerConfiguration
	remoteAddr string
	registry   *ClientRegistry

	mu           sync.Mutex
	transport    transport.Transport
	probe        transport.Transport
	state        upgradeState
	upgradeTimer *time.Timer

	closed atomic.Bool

	onMessage sink.Sink[Message]
	onClose   sink.Sink[*eioerr.Exception]
	onUpgrade sink.Sink[config.ConnectionType]
}

// NewSession builds a session around its freshly handshaken transport: it
// assigns sid, sends the open packet, and starts the heartbeat.
func NewSession(id string, cfg config.ServerConfiguration, remoteAddr string, registry *ClientRegistry, initial transport.Transport) *Session {
	s := &Session{id: id, cfg: cfg, remoteAddr: remoteAddr, registry: registry, transport: initial}

	initial.SetUpgradeHandler(s)
	s.wireMain(initial)

	var upgrades []string
	for _, ct := range config.UpgradesFrom(initial.Type()) {
		if cfg.Connection.Has(ct) {
			upgrades = append(upgrades, string(ct))
		}
	}
	if upgrades == nil {
		upgrades = []string{}
	}

	open, err := packet.NewOpen(packet.OpenPayload{
		SID:          id,
		Upgrades:     upgrades,
		PingInterval: cfg.Connection.HeartbeatInterval.Milliseconds(),
		PingTimeout:  cfg.Connection.HeartbeatTimeout.Milliseconds(),
		MaxPayload:   cfg.Connection.MaximumChunkBytes,
	})
	if err != nil {
		log.Errorf("building open packet for %s: %v", id, err)
	} else {
		initial.Send([]*packet.Packet{open})
	}
	initial.StartHeartbeat()

	return s
}

func (s *Session) ID() string         { return s.id }
func (s *Session) RemoteAddr() string { return s.remoteAddr }
func (s *Session) Closed() bool       { return s.closed.Load() }

// Transport returns the session's current transport.
func (s *Session) Transport() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

func (s *Session) OnMessage(fn func(Message))               { s.onMessage.On(fn) }
func (s *Session) OnClose(fn func(*eioerr.Exception))       { s.onClose.On(fn) }
func (s *Session) OnUpgrade(fn func(config.ConnectionType)) { s.onUpgrade.On(fn) }

// Send queues a message packet on the session's current transport.
func (s *Session) Send(data []byte, binary bool) {
	t := s.Transport()
	if t == nil || t.Closed() {
		return
	}
	typ := packet.TextMessage
	if binary {
		typ = packet.BinaryMessage
	}
	t.Send([]*packet.Packet{{Type: typ, Data: data}})
}

// Dispose tears the session down: disposes any in-flight probe and the
// current transport, removes it from the registry and fires OnClose.
// Idempotent; a reentrant call (a transport exception fired from inside
// the disposal itself, or user code reacting to OnClose) observes the
// CompareAndSwap failing and returns. reason is nil for an unremarkable
// close.
func (s *Session) Dispose(reason *eioerr.Exception) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	cur := s.transport
	probe := s.probe
	s.probe = nil
	s.state = upgradeNone
	if s.upgradeTimer != nil {
		s.upgradeTimer.Stop()
		s.upgradeTimer = nil
	}
	s.mu.Unlock()

	if probe != nil {
		probe.Dispose(eioerr.ConnectionClosedDuringUpgrade())
	}
	if cur != nil {
		cur.Dispose(reason)
	}
	if s.registry != nil {
		s.registry.Remove(s.id, s.remoteAddr)
	}
	s.onMessage.Close()
	s.onUpgrade.Close()
	s.onClose.Fire(reason)
	s.onClose.Close()
}

// wireMain attaches the session's handlers to its current transport. Each
// handler guards against firing on behalf of a transport that has since
// been swapped out from under it: disposing the old transport after an
// upgrade completes (HandleUpgradePacket) must not look like the session
// itself closing. Sink has no per-listener removal, so the guard is a
// liveness check instead of an unsubscribe.
func (s *Session) wireMain(t transport.Transport) {
	t.OnMessage(func(p *packet.Packet) {
		if s.Transport() != t {
			return
		}
		s.onMessage.Fire(Message{Data: p.Data, Binary: p.Type == packet.BinaryMessage})
	})
	t.OnException(func(ex *eioerr.Exception) {
		if s.Transport() != t {
			return
		}
		s.Dispose(ex)
	})
	t.OnClose(func() {
		if s.Transport() != t {
			return
		}
		s.Dispose(nil)
	})
}

// BeginUpgrade registers probe as the candidate transport of a new upgrade
// attempt. It fails if an upgrade
// is already in flight or the upgrade graph disallows current -> probe.
func (s *Session) BeginUpgrade(probe transport.Transport) *eioerr.Exception {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return eioerr.ConnectionClosedDuringUpgrade()
	}
	if s.probe != nil || s.state != upgradeNone {
		s.mu.Unlock()
		return eioerr.UpgradeRequestInvalid()
	}
	if !config.CanUpgrade(s.transport.Type(), probe.Type()) {
		s.mu.Unlock()
		return eioerr.UpgradeRequestInvalid()
	}
	s.probe = probe
	s.state = upgradeInitiated
	s.upgradeTimer = time.AfterFunc(s.cfg.UpgradeTimeout, func() {
		s.abortUpgrade(eioerr.ConnectionClosedDuringUpgrade())
	})
	s.mu.Unlock()

	probe.SetUpgradeHandler(s)
	s.wireProbe(probe)
	return nil
}

// wireProbe attaches the guard that aborts an in-flight upgrade if the
// probe transport receives anything other than a probe ping or the final
// upgrade packet; only those two packet types are legal on a probe
// transport pre-completion.
func (s *Session) wireProbe(t transport.Transport) {
	t.OnReceive(func(p *packet.Packet) {
		if p.Type == packet.Close {
			s.abortUpgrade(eioerr.UpgradeRequestInvalid())
		}
	})
	t.OnMessage(func(*packet.Packet) {
		s.abortUpgrade(eioerr.UpgradeRequestInvalid())
	})
	t.OnException(func(ex *eioerr.Exception) { s.abortUpgrade(ex) })
	t.OnClose(func() { s.abortUpgrade(nil) })
}

// abortUpgrade discards the in-flight probe transport, if any, and
// returns the session to state none. Safe to call more than once.
func (s *Session) abortUpgrade(reason *eioerr.Exception) {
	s.mu.Lock()
	p := s.probe
	if p == nil {
		s.mu.Unlock()
		return
	}
	s.probe = nil
	s.state = upgradeNone
	if s.upgradeTimer != nil {
		s.upgradeTimer.Stop()
		s.upgradeTimer = nil
	}
	s.mu.Unlock()
	p.Dispose(reason)
}

// roleOfLocked reports t's role in any in-flight upgrade. A transport only
// has a role while a probe exists; outside an upgrade every transport is
// RoleNone. s.mu must be held.
func (s *Session) roleOfLocked(t transport.Transport) transport.Role {
	switch {
	case s.probe == nil:
		return transport.RoleNone
	case t == s.probe:
		return transport.RoleProbe
	case t == s.transport:
		return transport.RoleOrigin
	default:
		return transport.RoleNone
	}
}

// RoleOf implements transport.UpgradeHandler.
func (s *Session) RoleOf(t transport.Transport) transport.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roleOfLocked(t)
}

// HandleProbePing implements transport.UpgradeHandler: initiated -> probed.
func (s *Session) HandleProbePing(t transport.Transport) *eioerr.Exception {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.roleOfLocked(t) {
	case transport.RoleOrigin:
		return eioerr.TransportIsOrigin()
	case transport.RoleNone:
		return eioerr.PacketIllegal()
	}
	if s.state != upgradeInitiated {
		return eioerr.TransportAlreadyProbed()
	}
	s.state = upgradeProbed
	return nil
}

// HandleUpgradePacket implements transport.UpgradeHandler: probed -> none,
// committing the transport swap. An upgrade packet that does not arrive on
// a probed probe transport is rejected: PacketIllegal if the session's
// current transport has never been upgraded away from polling,
// TransportAlreadyUpgraded if it already has, TransportNotProbed if a
// probe is in flight but hasn't completed its ping/pong exchange yet.
func (s *Session) HandleUpgradePacket(t transport.Transport) *eioerr.Exception {
	s.mu.Lock()
	role := s.roleOfLocked(t)
	if role == transport.RoleProbe && s.state == upgradeProbed {
		old := s.transport
		s.transport = s.probe
		s.probe = nil
		s.state = upgradeNone
		if s.upgradeTimer != nil {
			s.upgradeTimer.Stop()
			s.upgradeTimer = nil
		}
		next := s.transport
		s.mu.Unlock()

		s.wireMain(next)
		next.StartHeartbeat()
		// Buffered packets on the old polling transport must reach the
		// client; replay them into the new transport before disposal.
		if drainer, ok := old.(interface{ Drain() []*packet.Packet }); ok {
			if pending := drainer.Drain(); len(pending) > 0 {
				next.Send(pending)
			}
		}
		old.Dispose(nil)
		s.onUpgrade.Fire(next.Type())
		return nil
	}

	if role == transport.RoleProbe {
		// A probe exists but hasn't received its ping yet.
		s.mu.Unlock()
		return eioerr.TransportNotProbed()
	}

	currentType := s.transport.Type()
	s.mu.Unlock()
	if currentType == config.WebSocket {
		return eioerr.TransportAlreadyUpgraded()
	}
	return eioerr.PacketIllegal()
}
