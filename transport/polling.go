package transport

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/riverford/engineio/config"
	"github.com/riverford/engineio/eioerr"
	"github.com/riverford/engineio/heart"
	"github.com/riverford/engineio/packet"
)

// separator is the record separator Engine.IO v4 uses to concatenate
// multiple packets in one polling payload.
const separator = 0x1E

// Polling is the HTTP long-polling transport: a GET drains the outbound
// buffer, a POST delivers a batch of packets, and at most one of each may
// be in flight at a time.
type Polling struct {
	*base

	mu     sync.Mutex
	buffer []*packet.Packet

	getLock  atomic.Bool
	postLock atomic.Bool
}

// NewPolling builds a Polling transport. Its Heart is armed by StartHeartbeat.
func NewPolling(opts config.ConnectionOptions) *Polling {
	p := &Polling{base: newBase(config.Polling, opts)}
	p.heart = heart.New(opts.HeartbeatInterval, opts.HeartbeatTimeout, p.sendPing, p.onHeartbeatTimeout)
	return p
}

func (p *Polling) StartHeartbeat() { p.heart.Start() }

func (p *Polling) sendPing() {
	p.Send([]*packet.Packet{{Type: packet.Ping}})
}

func (p *Polling) onHeartbeatTimeout() {
	p.fireException(eioerr.HeartbeatTimeout())
}

// Send appends packets to the outbound buffer. There is no push to the
// client; delivery happens on the next GET.
func (p *Polling) Send(packets []*packet.Packet) {
	if p.Closed() {
		return
	}
	p.mu.Lock()
	p.buffer = append(p.buffer, packets...)
	p.mu.Unlock()

	for _, pk := range packets {
		p.onSend.Fire(pk)
	}
}

// Drain empties and returns the outbound buffer without encoding it onto
// the wire. Used by the session's upgrade coordinator to replay packets
// still queued on the origin transport into the new transport before the
// origin is disposed.
func (p *Polling) Drain() []*packet.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	drained := p.buffer
	p.buffer = nil
	return drained
}

// Dispose stops the Heart and marks the transport closed. Idempotent: a
// concurrent second call observes the CompareAndSwap failing and returns
// without re-firing reason.
func (p *Polling) Dispose(reason *eioerr.Exception) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if reason != nil {
		log.Debugf("polling transport disposed: %v", reason)
		p.fireException(reason)
	}
	p.disposeBase()
}

// Offload services one GET request: it drains as much of the buffer as
// fits in one chunk and writes the HTTP response immediately. An empty
// buffer yields an empty text/plain response rather than a deferred one.
// At most one Offload call may be in flight at a time; a concurrent call
// fails with DuplicateGetRequest.
func (p *Polling) Offload(w http.ResponseWriter, r *http.Request) *eioerr.Exception {
	if !p.getLock.CompareAndSwap(false, true) {
		return eioerr.DuplicateGetRequest()
	}
	defer p.getLock.Store(false)

	p.mu.Lock()
	drained, rest := drainForChunk(p.buffer, p.opts.MaximumChunkBytes)
	p.buffer = rest
	p.mu.Unlock()

	if len(drained) == 0 {
		w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
		w.WriteHeader(http.StatusOK)
		return nil
	}
	return p.write(w, r, drained)
}

// drainForChunk pops a prefix of packets that fits in one chunk: the
// running total plus the next packet's encoded length plus one separator
// byte must not exceed limit. The separator is counted for every packet,
// the first included. The first packet is always drained regardless of
// size, so a single oversized packet cannot stall the buffer forever.
func drainForChunk(buffer []*packet.Packet, limit int64) (drained, rest []*packet.Packet) {
	var total int64
	for i, p := range buffer {
		encoded, err := packet.Encode(p)
		if err != nil {
			continue
		}
		next := int64(len(encoded))
		if i > 0 && total+next+1 > limit {
			return buffer[:i], buffer[i:]
		}
		total += next + 1
	}
	return buffer, nil
}

func (p *Polling) write(w http.ResponseWriter, r *http.Request, packets []*packet.Packet) *eioerr.Exception {
	var body bytes.Buffer
	isBinary, isJSON := false, false
	for i, pk := range packets {
		if i > 0 {
			body.WriteByte(separator)
		}
		encoded, err := packet.Encode(pk)
		if err != nil {
			return eioerr.DecodingPacketsFailed()
		}
		body.Write(encoded)
		if pk.IsBinary() {
			isBinary = true
		}
		if pk.IsJSON() {
			isJSON = true
		}
	}

	// Content-type priority: binary beats JSON beats text.
	contentType := "text/plain; charset=UTF-8"
	switch {
	case isBinary:
		contentType = "application/octet-stream"
	case isJSON:
		contentType = "application/json"
	}
	w.Header().Set("Cache-Control", "no-store")
	if ua := r.UserAgent(); strings.Contains(ua, ";MSIE") || strings.Contains(ua, "Trident/") {
		w.Header().Set("X-XSS-Protection", "0")
	}

	payload := body.Bytes()
	encoding := p.negotiateEncoding(r, len(payload))
	if encoding != "" {
		compressed, err := compress(payload, encoding)
		if err == nil {
			w.Header().Set("Content-Encoding", encoding)
			payload = compressed
		}
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
	return nil
}

func (p *Polling) negotiateEncoding(r *http.Request, payloadLen int) string {
	if !p.opts.Compression.Enabled || payloadLen < p.opts.Compression.Threshold {
		return ""
	}
	accept := r.Header.Get("Accept-Encoding")
	for _, enc := range []string{"zstd", "br", "gzip", "deflate"} {
		if strings.Contains(accept, enc) {
			return enc
		}
	}
	return ""
}

func compress(data []byte, encoding string) ([]byte, error) {
	var buf bytes.Buffer
	switch encoding {
	case "gzip":
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
	case "deflate":
		zw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
	case "br":
		bw := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := bw.Write(data); err != nil {
			return nil, err
		}
		if err := bw.Close(); err != nil {
			return nil, err
		}
	case "zstd":
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
	default:
		return data, nil
	}
	return buf.Bytes(), nil
}

// Receive accepts a POST request body: a concatenation of encoded packets
// separated by a 0x1E byte. It validates the content length, decodes every
// packet, checks the declared content type against the decoded packets,
// then legality-sweeps them.
func (p *Polling) Receive(r *http.Request) *eioerr.Exception {
	if !p.postLock.CompareAndSwap(false, true) {
		return eioerr.DuplicatePostRequest()
	}
	defer p.postLock.Store(false)

	if r.ContentLength > p.opts.MaximumChunkBytes {
		return eioerr.ContentLengthLimitExceeded()
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, p.opts.MaximumChunkBytes+1))
	if err != nil {
		return eioerr.ReadingBodyFailed()
	}
	if r.ContentLength >= 0 && int64(len(body)) != r.ContentLength {
		return eioerr.ContentLengthDisparity()
	}
	if int64(len(body)) > p.opts.MaximumChunkBytes {
		return eioerr.ContentLengthLimitExceeded()
	}
	if !utf8.Valid(body) {
		return eioerr.DecodingBodyFailed()
	}

	var packets []*packet.Packet
	for _, chunk := range bytes.Split(body, []byte{separator}) {
		pk, err := packet.Decode(chunk)
		if err != nil {
			return eioerr.DecodingPacketsFailed()
		}
		packets = append(packets, pk)
	}

	// The mime detected from the decoded packets (binary beats JSON beats
	// text, same priority as Offload) must agree with what the client
	// declared; an absent declaration only ever matches text.
	detected := "text/plain"
	for _, pk := range packets {
		if pk.IsBinary() {
			detected = "application/octet-stream"
			break
		}
		if pk.IsJSON() {
			detected = "application/json"
		}
	}
	declared, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
	declared = strings.TrimSpace(declared)
	if declared == "" {
		if detected != "text/plain" {
			return eioerr.ContentTypeDifferentToImplicit()
		}
	} else if declared != detected {
		return eioerr.ContentTypeDifferentToSpecified()
	}

	closeRequested, ex := p.process(p, packets)
	if ex != nil {
		return ex
	}
	if closeRequested {
		p.fireException(eioerr.RequestedClosure())
	}
	return nil
}
