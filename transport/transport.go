// Package transport implements the Engine.IO transport state machines:
// the receive/send/process pipeline common to both the polling and
// WebSocket transports, plus each transport's own framing and concurrency
// rules.
package transport

import (
	"sync"
	"sync/atomic"

	"github.com/riverford/engineio/config"
	"github.com/riverford/engineio/eioerr"
	"github.com/riverford/engineio/heart"
	"github.com/riverford/engineio/internal/elog"
	"github.com/riverford/engineio/internal/sink"
	"github.com/riverford/engineio/packet"
)

var log = elog.New("eio:transport")

// Role describes a transport's place in an in-flight upgrade, as seen from
// the owning session's upgrade coordinator. A transport
// queries its own role through UpgradeHandler rather than owning the state
// itself: the upgrade state machine is guarded by the session.
type Role int

const (
	// RoleNone: no upgrade involves this transport right now.
	RoleNone Role = iota
	// RoleOrigin: this transport is the pre-upgrade transport of an
	// in-flight upgrade.
	RoleOrigin
	// RoleProbe: this transport is the candidate transport of an
	// in-flight upgrade, not yet committed.
	RoleProbe
)

// UpgradeHandler is the narrow, session-owned interface a transport uses to
// resolve the protocol-level legality of probe pings and upgrade packets,
// without the transport itself owning or mutating upgrade state:
// the upgrade state machine is guarded by the session.
type UpgradeHandler interface {
	// RoleOf reports t's current role in any upgrade this session is
	// coordinating.
	RoleOf(t Transport) Role
	// HandleProbePing processes a probe ping packet received on t. On
	// success the caller must reply with a probe pong on t.
	HandleProbePing(t Transport) *eioerr.Exception
	// HandleUpgradePacket processes an upgrade packet received on t (which
	// must be the probe transport of an in-flight upgrade).
	HandleUpgradePacket(t Transport) *eioerr.Exception
}

// Transport is the shared surface both the polling and WebSocket
// transports implement.
type Transport interface {
	Type() config.ConnectionType
	Closed() bool
	Disposing() bool
	Heart() *heart.Heart

	// SetUpgradeHandler wires the owning session's upgrade coordinator.
	// Called exactly once, before the transport serves any traffic.
	SetUpgradeHandler(UpgradeHandler)

	// StartHeartbeat arms the transport's Heart. Called once the open
	// packet (or, for a probe transport, nothing) has been queued.
	StartHeartbeat()

	// Send enqueues (polling) or writes (WebSocket) packets to the peer.
	Send(packets []*packet.Packet)

	// Dispose closes the transport: stops the Heart, marks it closed and
	// fires OnClose. Idempotent. reason is nil for an unremarkable close.
	Dispose(reason *eioerr.Exception)

	OnReceive(func(*packet.Packet))
	OnSend(func(*packet.Packet))
	OnMessage(func(*packet.Packet))
	OnHeartbeat(func())
	OnException(func(*eioerr.Exception))
	OnClose(func())
}

// base holds the fields and pipeline shared by every transport
// implementation.
type base struct {
	connType config.ConnectionType
	opts     config.ConnectionOptions
	heart    *heart.Heart

	closed    atomic.Bool
	disposing atomic.Bool

	upgradeHandler UpgradeHandler

	onReceive   sink.Sink[*packet.Packet]
	onSend      sink.Sink[*packet.Packet]
	onMessage   sink.Sink[*packet.Packet]
	onHeartbeat sink.Sink[struct{}]
	onException sink.Sink[*eioerr.Exception]
	onClose     sink.Sink[struct{}]

	disposeOnce sync.Once
}

func newBase(connType config.ConnectionType, opts config.ConnectionOptions) *base {
	return &base{connType: connType, opts: opts}
}

func (b *base) Type() config.ConnectionType { return b.connType }
func (b *base) Closed() bool                { return b.closed.Load() }
func (b *base) Disposing() bool             { return b.disposing.Load() }
func (b *base) Heart() *heart.Heart         { return b.heart }

func (b *base) SetUpgradeHandler(h UpgradeHandler) { b.upgradeHandler = h }

func (b *base) OnReceive(fn func(*packet.Packet))      { b.onReceive.On(fn) }
func (b *base) OnSend(fn func(*packet.Packet))         { b.onSend.On(fn) }
func (b *base) OnMessage(fn func(*packet.Packet))      { b.onMessage.On(fn) }
func (b *base) OnHeartbeat(fn func())                  { b.onHeartbeat.On(func(struct{}) { fn() }) }
func (b *base) OnException(fn func(*eioerr.Exception)) { b.onException.On(fn) }
func (b *base) OnClose(fn func())                      { b.onClose.On(func(struct{}) { fn() }) }

func (b *base) fireException(ex *eioerr.Exception) { b.onException.Fire(ex) }

// disposeBase runs the shared half of Dispose: it is the caller's job to
// additionally tear down its own I/O (close the socket, abort pending HTTP
// requests) before or after calling this.
func (b *base) disposeBase() {
	b.disposeOnce.Do(func() {
		b.disposing.Store(true)
		if b.heart != nil {
			b.heart.Stop()
		}
		b.closed.Store(true)
		b.onClose.Fire(struct{}{})
		b.onReceive.Close()
		b.onSend.Close()
		b.onMessage.Close()
		b.onHeartbeat.Close()
		b.onException.Close()
		b.onClose.Close()
	})
}

// process runs the shared receive pipeline (minus the HTTP-specific
// content-type checks, which only polling performs): the legality sweep,
// per-packet event emission, and the requested-closure signal. It returns the exception from the first illegal packet, if any,
// and whether the batch asked to close the connection.
func (b *base) process(self Transport, packets []*packet.Packet) (closeRequested bool, err *eioerr.Exception) {
	for _, p := range packets {
		if e := b.processOne(self, p); e != nil {
			return closeRequested, e
		}
		if p.Type == packet.Close {
			closeRequested = true
		}
	}
	return closeRequested, nil
}

func (b *base) processOne(self Transport, p *packet.Packet) *eioerr.Exception {
	switch p.Type {
	case packet.Open, packet.Noop:
		return eioerr.PacketIllegal()

	case packet.Ping:
		if string(p.Data) != packet.ProbeContent {
			// Only a probe ping is ever legal from a client.
			return eioerr.PacketIllegal()
		}
		if b.upgradeHandler == nil {
			return eioerr.PacketIllegal()
		}
		if e := b.upgradeHandler.HandleProbePing(self); e != nil {
			return e
		}
		b.onReceive.Fire(p)
		b.onHeartbeat.Fire(struct{}{})
		self.Send([]*packet.Packet{{Type: packet.Pong, Data: []byte(packet.ProbeContent)}})
		return nil

	case packet.Pong:
		if string(p.Data) == packet.ProbeContent {
			// Only the server ever sends a probe pong.
			return eioerr.PacketIllegal()
		}
		if !b.heart.IsExpectingHeartbeat() {
			return eioerr.HeartbeatUnexpected()
		}
		b.heart.Reset()
		b.onReceive.Fire(p)
		b.onHeartbeat.Fire(struct{}{})
		return nil

	case packet.Close:
		b.onReceive.Fire(p)
		return nil

	case packet.Upgrade:
		if b.upgradeHandler == nil {
			return eioerr.PacketIllegal()
		}
		if e := b.upgradeHandler.HandleUpgradePacket(self); e != nil {
			return e
		}
		b.onReceive.Fire(p)
		return nil

	case packet.TextMessage, packet.BinaryMessage:
		b.onReceive.Fire(p)
		b.onMessage.Fire(p)
		return nil

	default:
		return eioerr.PacketIllegal()
	}
}
