package transport

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/riverford/engineio/config"
	"github.com/riverford/engineio/eioerr"
	"github.com/riverford/engineio/heart"
	"github.com/riverford/engineio/packet"
)

// websocketGUID is the RFC 6455 handshake magic string.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ComputeAcceptKey derives the Sec-WebSocket-Accept header value from a
// client's Sec-WebSocket-Key: base64(sha1(key || GUID)).
func ComputeAcceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ValidateUpgradeRequest checks the standard WebSocket handshake headers
// required before a transport is allowed to start: an "Upgrade: websocket"
// connection, version 13, and a key that decodes to exactly 16 bytes.
func ValidateUpgradeRequest(r *http.Request) *eioerr.Exception {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return eioerr.UpgradeRequestInvalid()
	}
	if !headerContainsToken(r.Header.Get("Connection"), "upgrade") {
		return eioerr.UpgradeRequestInvalid()
	}
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return eioerr.UpgradeRequestInvalid()
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(decoded) != 16 {
		return eioerr.UpgradeRequestInvalid()
	}
	return nil
}

func headerContainsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// WebSocket is the WebSocket transport: frames map onto
// packets one-to-one, a binary frame carries a BinaryMessage packet's raw
// bytes directly (no base64), and every other packet type travels as a
// text frame in the same id||payload form polling uses.
type WebSocket struct {
	*base

	conn *ws.Conn
	mu   sync.Mutex // serializes writes; gorilla connections are not write-concurrent-safe
}

// NewWebSocket wraps an already-upgraded gorilla connection. Call Run to
// start its read loop.
func NewWebSocket(conn *ws.Conn, opts config.ConnectionOptions) *WebSocket {
	w := &WebSocket{base: newBase(config.WebSocket, opts), conn: conn}
	w.heart = heart.New(opts.HeartbeatInterval, opts.HeartbeatTimeout, w.sendPing, w.onHeartbeatTimeout)
	return w
}

func (w *WebSocket) StartHeartbeat() { w.heart.Start() }

func (w *WebSocket) sendPing() {
	w.Send([]*packet.Packet{{Type: packet.Ping}})
}

func (w *WebSocket) onHeartbeatTimeout() {
	w.fireException(eioerr.HeartbeatTimeout())
}

// Run drains incoming frames until the connection closes or a protocol
// violation is found. It blocks and should be run on its own goroutine.
func (w *WebSocket) Run() {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			if ws.IsCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) {
				w.Dispose(nil)
			} else if errors.Is(err, net.ErrClosed) {
				w.Dispose(nil)
			} else {
				log.Debugf("websocket read failed: %v", err)
				w.Dispose(eioerr.ClosedForcefully())
			}
			return
		}

		var pk *packet.Packet
		switch mt {
		case ws.BinaryMessage:
			pk = &packet.Packet{Type: packet.BinaryMessage, Data: data}
		case ws.TextMessage:
			pk, err = packet.Decode(data)
			if err != nil {
				w.Dispose(eioerr.DecodingPacketsFailed())
				return
			}
		default:
			w.Dispose(eioerr.UnknownDataType())
			return
		}

		closeRequested, ex := w.process(w, []*packet.Packet{pk})
		if ex != nil {
			w.Dispose(ex)
			return
		}
		if closeRequested {
			w.Dispose(eioerr.RequestedClosure())
			return
		}
	}
}

// Send writes packets directly to the socket: a BinaryMessage packet as a
// raw binary frame, everything else as a text frame in id||payload form.
func (w *WebSocket) Send(packets []*packet.Packet) {
	if w.Closed() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, pk := range packets {
		if w.Closed() {
			return
		}
		var err error
		if pk.Type == packet.BinaryMessage {
			err = w.conn.WriteMessage(ws.BinaryMessage, pk.Data)
		} else {
			var encoded []byte
			encoded, err = packet.Encode(pk)
			if err == nil {
				err = w.conn.WriteMessage(ws.TextMessage, encoded)
			}
		}
		if err != nil {
			go w.Dispose(eioerr.ClosedForcefully())
			return
		}
		w.onSend.Fire(pk)
	}
}

// Dispose stops the Heart, closes the underlying socket and marks the
// transport closed. Idempotent: a concurrent second call observes the
// CompareAndSwap failing and returns without re-firing reason. When reason
// is non-nil, a WebSocket close frame is written first, using close code
// 1000 for a success-class reason and 1008 (policy violation) otherwise.
func (w *WebSocket) Dispose(reason *eioerr.Exception) {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	if reason != nil {
		w.fireException(reason)
		code := eioerr.WSCloseNormal
		if !reason.IsSuccess() {
			code = eioerr.WSClosePolicyViolation
		}
		w.mu.Lock()
		w.conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(code, reason.ReasonPhrase), time.Now().Add(time.Second))
		w.mu.Unlock()
	}
	w.conn.Close()
	w.disposeBase()
}
