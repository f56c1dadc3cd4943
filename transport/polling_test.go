package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/riverford/engineio/config"
	"github.com/riverford/engineio/packet"
)

func testOptions(maxChunk int64) config.ConnectionOptions {
	return config.ConnectionOptions{
		AvailableConnectionTypes: []config.ConnectionType{config.Polling, config.WebSocket},
		HeartbeatInterval:        15 * time.Second,
		HeartbeatTimeout:         10 * time.Second,
		MaximumChunkBytes:        maxChunk,
	}
}

// TestOffloadChunkLimit: with maximumChunkBytes = N and N one-byte packets
// buffered (each encoding to 2 bytes), the first GET ships only part of
// them because the per-chunk accounting counts the separator even for the
// first packet: each packet costs 3 bytes, so 6 of 20 ship and the rest
// stay buffered.
func TestOffloadChunkLimit(t *testing.T) {
	const n = 20
	p := NewPolling(testOptions(n))
	for i := 0; i < n; i++ {
		p.Send([]*packet.Packet{{Type: packet.TextMessage, Data: []byte("x")}})
	}

	r := httptest.NewRequest(http.MethodGet, "/engine.io/?EIO=4&transport=polling", nil)
	w := httptest.NewRecorder()
	if ex := p.Offload(w, r); ex != nil {
		t.Fatalf("Offload() error = %v", ex)
	}

	shipped := len(splitRS(w.Body.Bytes()))
	if shipped == 0 || shipped >= n {
		t.Fatalf("shipped %d of %d packets, want roughly half", shipped, n)
	}

	remaining := p.Drain()
	if shipped+len(remaining) != n {
		t.Fatalf("shipped(%d) + remaining(%d) != %d", shipped, len(remaining), n)
	}
}

func splitRS(body []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range body {
		if b == separator {
			out = append(out, body[start:i])
			start = i + 1
		}
	}
	if start <= len(body) {
		out = append(out, body[start:])
	}
	return out
}

func TestOffloadEmptyBufferIsPlainText(t *testing.T) {
	p := NewPolling(testOptions(1024))
	r := httptest.NewRequest(http.MethodGet, "/engine.io/?EIO=4&transport=polling", nil)
	w := httptest.NewRecorder()

	if ex := p.Offload(w, r); ex != nil {
		t.Fatalf("Offload() error = %v", ex)
	}
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("body = %q, want empty", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/plain; charset=UTF-8" {
		t.Fatalf("Content-Type = %q, want text/plain", ct)
	}
}

func TestOffloadOpenPacketIsJSON(t *testing.T) {
	p := NewPolling(testOptions(1024))
	open, err := packet.NewOpen(packet.OpenPayload{SID: "s", Upgrades: []string{}, PingInterval: 1, PingTimeout: 1, MaxPayload: 1})
	if err != nil {
		t.Fatalf("NewOpen() error = %v", err)
	}
	p.Send([]*packet.Packet{open})

	r := httptest.NewRequest(http.MethodGet, "/engine.io/?EIO=4&transport=polling", nil)
	w := httptest.NewRecorder()
	if ex := p.Offload(w, r); ex != nil {
		t.Fatalf("Offload() error = %v", ex)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
}

func TestDuplicateGetRequestRejected(t *testing.T) {
	p := NewPolling(testOptions(1024))
	r := httptest.NewRequest(http.MethodGet, "/engine.io/?EIO=4&transport=polling", nil)

	p.getLock.Store(true) // a GET is in flight
	w := httptest.NewRecorder()
	if ex := p.Offload(w, r); ex == nil || ex.Name != "duplicateGetRequest" {
		t.Fatalf("Offload() error = %v, want duplicateGetRequest", ex)
	}
	p.getLock.Store(false)
}

func TestReceiveRejectsIllegalOpenPacket(t *testing.T) {
	p := NewPolling(testOptions(1024))
	body := "0{}"
	r := httptest.NewRequest(http.MethodPost, "/engine.io/?EIO=4&transport=polling", nil)
	r.Header.Set("Content-Type", "application/json")
	r.Body = newReaderCloser(body)
	r.ContentLength = int64(len(body))

	ex := p.Receive(r)
	if ex == nil || ex.Name != "packetIllegal" {
		t.Fatalf("Receive() error = %v, want packetIllegal", ex)
	}
}

func TestReceiveContentTypeMustMatchDetected(t *testing.T) {
	cases := []struct {
		name     string
		declared string
		body     string
		want     string
	}{
		{"json packet without declaration", "", "0{}", "contentTypeDifferentToImplicit"},
		{"binary packet declared as text", "text/plain", "bAQID", "contentTypeDifferentToSpecified"},
		{"text packet declared as binary", "application/octet-stream", "4hi", "contentTypeDifferentToSpecified"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewPolling(testOptions(1024))
			r := httptest.NewRequest(http.MethodPost, "/engine.io/?EIO=4&transport=polling", nil)
			if tc.declared != "" {
				r.Header.Set("Content-Type", tc.declared)
			}
			r.Body = newReaderCloser(tc.body)
			r.ContentLength = int64(len(tc.body))

			ex := p.Receive(r)
			if ex == nil || ex.Name != tc.want {
				t.Fatalf("Receive() error = %v, want %s", ex, tc.want)
			}
		})
	}
}

func TestReceiveRejectsOversizedBody(t *testing.T) {
	p := NewPolling(testOptions(4))
	body := "4hello"
	r := httptest.NewRequest(http.MethodPost, "/engine.io/?EIO=4&transport=polling", nil)
	r.Body = newReaderCloser(body)
	r.ContentLength = -1 // undeclared; the actual byte count is the length

	ex := p.Receive(r)
	if ex == nil || ex.Name != "contentLengthLimitExceeded" {
		t.Fatalf("Receive() error = %v, want contentLengthLimitExceeded", ex)
	}
}

func TestReceiveRejectsContentLengthDisparity(t *testing.T) {
	p := NewPolling(testOptions(1024))
	body := "4hello"
	r := httptest.NewRequest(http.MethodPost, "/engine.io/?EIO=4&transport=polling", nil)
	r.Body = newReaderCloser(body)
	r.ContentLength = int64(len(body)) + 5

	ex := p.Receive(r)
	if ex == nil || ex.Name != "contentLengthDisparity" {
		t.Fatalf("Receive() error = %v, want contentLengthDisparity", ex)
	}
}

func TestReceiveLegalMessageEmitsEvents(t *testing.T) {
	p := NewPolling(testOptions(1024))
	var received, messaged int
	p.OnReceive(func(*packet.Packet) { received++ })
	p.OnMessage(func(*packet.Packet) { messaged++ })

	body := "4hello"
	r := httptest.NewRequest(http.MethodPost, "/engine.io/?EIO=4&transport=polling", nil)
	r.Body = newReaderCloser(body)
	r.ContentLength = int64(len(body))

	if ex := p.Receive(r); ex != nil {
		t.Fatalf("Receive() error = %v", ex)
	}
	if received != 1 || messaged != 1 {
		t.Fatalf("received=%d messaged=%d, want 1, 1", received, messaged)
	}
}
