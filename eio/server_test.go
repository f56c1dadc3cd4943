package eio

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/riverford/engineio/config"
	"github.com/riverford/engineio/eioerr"
	"github.com/riverford/engineio/packet"
)

func mustServer(t *testing.T, cfg config.ServerConfiguration) *Server {
	t.Helper()
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv
}

// TestHandshakeOverPolling checks the open packet a fresh polling GET
// receives.
func TestHandshakeOverPolling(t *testing.T) {
	srv := mustServer(t, config.DefaultServerConfiguration())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/engine.io/?EIO=4&transport=polling")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	segment := firstSegment(t, resp)
	if segment[0] != '0' {
		t.Fatalf("first byte = %q, want '0' (open)", segment[0])
	}
	var open packet.OpenPayload
	if err := json.Unmarshal(segment[1:], &open); err != nil {
		t.Fatalf("unmarshal open payload: %v", err)
	}
	if open.SID == "" {
		t.Fatal("sid is empty")
	}
	if len(open.Upgrades) != 1 || open.Upgrades[0] != "websocket" {
		t.Fatalf("upgrades = %v, want [websocket]", open.Upgrades)
	}
	if open.PingInterval != 15000 || open.PingTimeout != 10000 || open.MaxPayload != 131072 {
		t.Fatalf("open = %+v, want the stock heartbeat/payload defaults", open)
	}
}

// TestSessionIdentifierRequired checks that a second request from an
// already-connected IP without sid is rejected rather than starting a
// second handshake.
func TestSessionIdentifierRequired(t *testing.T) {
	srv := mustServer(t, config.DefaultServerConfiguration())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := ts.Client()
	resp, err := client.Get(ts.URL + "/engine.io/?EIO=4&transport=polling")
	if err != nil {
		t.Fatalf("handshake GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("handshake status = %d, want 200", resp.StatusCode)
	}

	resp2, err := client.Get(ts.URL + "/engine.io/?EIO=4&transport=polling")
	if err != nil {
		t.Fatalf("second GET error = %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp2.StatusCode)
	}
	var body struct {
		Message string `json:"message"`
	}
	json.NewDecoder(resp2.Body).Decode(&body)
	if body.Message != "Clients with an active connection must provide the 'sid' parameter." {
		t.Fatalf("message = %q", body.Message)
	}
}

// TestPostIllegalOpenPacket checks that a client-sent open packet is
// rejected by the legality sweep.
func TestPostIllegalOpenPacket(t *testing.T) {
	srv := mustServer(t, config.DefaultServerConfiguration())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	sid := handshakeOverHTTP(t, ts.URL)

	resp, err := http.Post(ts.URL+"/engine.io/?EIO=4&transport=polling&sid="+sid, "application/json", strings.NewReader("0{}"))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body struct {
		Message string `json:"message"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Message != "Received a packet that is not legal to be sent by the client." {
		t.Fatalf("message = %q", body.Message)
	}
}

// TestProbeUpgrade walks a polling session through the full upgrade: a
// probe ping/pong exchange, then a committing upgrade packet.
func TestProbeUpgrade(t *testing.T) {
	srv := mustServer(t, config.DefaultServerConfiguration())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	sid := handshakeOverHTTP(t, ts.URL)
	conn := dialProbe(t, ts.URL, sid)
	defer conn.Close()

	if err := conn.WriteMessage(ws.TextMessage, []byte("2probe")); err != nil {
		t.Fatalf("write probe ping: %v", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read probe pong: %v", err)
	}
	if string(msg) != "3probe" {
		t.Fatalf("probe reply = %q, want %q", msg, "3probe")
	}

	// A message queued on the polling transport before the upgrade commits
	// must be replayed onto the WebSocket after the swap.
	session, ok := srv.Clients().Get(sid)
	if !ok {
		t.Fatal("session not found")
	}
	session.Send([]byte("queued"), false)

	if err := conn.WriteMessage(ws.TextMessage, []byte("5")); err != nil {
		t.Fatalf("write upgrade packet: %v", err)
	}

	waitForUpgrade(t, session)
	if session.Transport().Type() != config.WebSocket {
		t.Fatal("session did not upgrade to websocket")
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, replayed, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read replayed packet: %v", err)
	}
	if string(replayed) != "4queued" {
		t.Fatalf("replayed = %q, want %q", replayed, "4queued")
	}
}

// TestDuplicateUpgradePacket checks that a second upgrade packet after
// the swap has already committed is a policy violation, closed with
// WebSocket close code 1008.
func TestDuplicateUpgradePacket(t *testing.T) {
	srv := mustServer(t, config.DefaultServerConfiguration())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	sid := handshakeOverHTTP(t, ts.URL)
	conn := dialProbe(t, ts.URL, sid)
	defer conn.Close()

	conn.WriteMessage(ws.TextMessage, []byte("2probe"))
	conn.ReadMessage()
	conn.WriteMessage(ws.TextMessage, []byte("5"))

	session, _ := srv.Clients().Get(sid)
	waitForUpgrade(t, session)

	conn.WriteMessage(ws.TextMessage, []byte("5"))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the connection to be closed after a duplicate upgrade packet")
	}
	closeErr, ok := err.(*ws.CloseError)
	if !ok {
		t.Fatalf("error = %v, want a close error", err)
	}
	if closeErr.Code != ws.ClosePolicyViolation {
		t.Fatalf("close code = %d, want %d", closeErr.Code, ws.ClosePolicyViolation)
	}
}

// TestHeartbeatTimeout checks that a client that never answers the
// server's ping is disposed once interval+timeout elapses.
func TestHeartbeatTimeout(t *testing.T) {
	cfg := config.DefaultServerConfiguration()
	cfg.Connection.HeartbeatInterval = 80 * time.Millisecond
	cfg.Connection.HeartbeatTimeout = 60 * time.Millisecond
	srv := mustServer(t, cfg)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	sid := handshakeOverHTTP(t, ts.URL)
	session, ok := srv.Clients().Get(sid)
	if !ok {
		t.Fatal("session not registered")
	}

	done := make(chan *eioerr.Exception, 1)
	session.OnClose(func(ex *eioerr.Exception) { done <- ex })

	select {
	case ex := <-done:
		if ex == nil || ex.Name != "heartbeatTimeout" {
			t.Fatalf("close reason = %v, want heartbeatTimeout", ex)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session was not disposed within the heartbeat timeout window")
	}
}

func firstSegment(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	body := buf[:n]
	for i, b := range body {
		if b == 0x1E {
			return body[:i]
		}
	}
	return body
}

func handshakeOverHTTP(t *testing.T, base string) string {
	t.Helper()
	resp, err := http.Get(base + "/engine.io/?EIO=4&transport=polling")
	if err != nil {
		t.Fatalf("handshake GET error = %v", err)
	}
	defer resp.Body.Close()
	segment := firstSegment(t, resp)
	var open packet.OpenPayload
	if err := json.Unmarshal(segment[1:], &open); err != nil {
		t.Fatalf("unmarshal open payload: %v", err)
	}
	return open.SID
}

func dialProbe(t *testing.T, base, sid string) *ws.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/engine.io/?EIO=4&transport=websocket&sid=" + sid
	conn, _, err := ws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	return conn
}

func waitForUpgrade(t *testing.T, session *Session) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if session.Transport().Type() == config.WebSocket {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session did not upgrade within the deadline")
}
