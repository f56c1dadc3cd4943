// Package packet implements the Engine.IO v4 packet codec: the
// binary/textual framing shared by every transport.
//
// A packet serialises to a one-byte type id followed by an optional
// payload: encoded = id || payload. Decoding is the exact inverse.
package packet

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the single-character wire id of a packet variant.
type Type byte

// The eight Engine.IO v4 packet types, keyed by their wire id.
const (
	Open          Type = '0'
	Close         Type = '1'
	Ping          Type = '2'
	Pong          Type = '3'
	TextMessage   Type = '4'
	BinaryMessage Type = 'b'
	Upgrade       Type = '5'
	Noop          Type = '6'
)

// Valid reports whether t is one of the eight defined packet types.
func (t Type) Valid() bool {
	switch t {
	case Open, Close, Ping, Pong, TextMessage, BinaryMessage, Upgrade, Noop:
		return true
	}
	return false
}

func (t Type) String() string {
	switch t {
	case Open:
		return "open"
	case Close:
		return "close"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	case TextMessage:
		return "message"
	case BinaryMessage:
		return "binaryMessage"
	case Upgrade:
		return "upgrade"
	case Noop:
		return "noop"
	default:
		return fmt.Sprintf("type(%c)", byte(t))
	}
}

// ProbeContent is the only legal non-empty payload for a ping or pong
// packet: a probe exchanged during a transport upgrade.
const ProbeContent = "probe"

// Packet is a single Engine.IO protocol frame.
//
// Data holds the raw payload: the JSON body for Open, the verbatim string
// for TextMessage, the decoded bytes for BinaryMessage, empty or the
// literal "probe" for Ping/Pong, and nothing for Close/Upgrade/Noop.
type Packet struct {
	Type Type
	Data []byte
}

// IsBinary reports whether p carries an opaque byte payload.
func (p *Packet) IsBinary() bool { return p.Type == BinaryMessage }

// IsJSON reports whether p carries a JSON payload.
func (p *Packet) IsJSON() bool { return p.Type == Open }

// ErrFormat is returned for any structurally invalid packet: an unknown
// type id, a non-empty payload on a payload-less variant, or an illegal
// ping/pong payload.
var ErrFormat = errors.New("packet: invalid format")

// OpenPayload is the JSON body carried by an Open packet.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}

// NewOpen builds an Open packet carrying the given handshake payload.
func NewOpen(payload OpenPayload) (*Packet, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Packet{Type: Open, Data: data}, nil
}

// DecodeOpen parses the JSON payload of an Open packet. It fails if any of
// sid, upgrades, pingInterval, pingTimeout or maxPayload is missing or
// mistyped.
func (p *Packet) DecodeOpen() (*OpenPayload, error) {
	if p.Type != Open {
		return nil, fmt.Errorf("%w: not an open packet", ErrFormat)
	}
	var raw struct {
		SID          *string  `json:"sid"`
		Upgrades     []string `json:"upgrades"`
		PingInterval *int64   `json:"pingInterval"`
		PingTimeout  *int64   `json:"pingTimeout"`
		MaxPayload   *int64   `json:"maxPayload"`
	}
	if err := json.Unmarshal(p.Data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if raw.SID == nil || raw.Upgrades == nil || raw.PingInterval == nil || raw.PingTimeout == nil || raw.MaxPayload == nil {
		return nil, fmt.Errorf("%w: missing open field", ErrFormat)
	}
	return &OpenPayload{
		SID:          *raw.SID,
		Upgrades:     raw.Upgrades,
		PingInterval: *raw.PingInterval,
		PingTimeout:  *raw.PingTimeout,
		MaxPayload:   *raw.MaxPayload,
	}, nil
}

// Encode renders p in its textual id||payload wire form. Binary payloads
// are base64-encoded in this form, which is how polling always carries
// them and how WebSocket carries every non-binary packet type.
func Encode(p *Packet) ([]byte, error) {
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown packet type", ErrFormat)
	}
	if p.Type == BinaryMessage {
		encLen := base64.StdEncoding.EncodedLen(len(p.Data))
		out := make([]byte, 1+encLen)
		out[0] = byte(p.Type)
		base64.StdEncoding.Encode(out[1:], p.Data)
		return out, nil
	}
	out := make([]byte, 1+len(p.Data))
	out[0] = byte(p.Type)
	copy(out[1:], p.Data)
	return out, nil
}

// Decode parses a single id||payload encoded packet, validating the
// payload shape for each variant.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty packet", ErrFormat)
	}
	id := Type(raw[0])
	payload := raw[1:]
	if !id.Valid() {
		return nil, fmt.Errorf("%w: unknown type id %q", ErrFormat, raw[0])
	}
	switch id {
	case Open:
		return &Packet{Type: Open, Data: payload}, nil
	case Close, Upgrade, Noop:
		if len(payload) != 0 {
			return nil, fmt.Errorf("%w: %s must carry no payload", ErrFormat, id)
		}
		return &Packet{Type: id}, nil
	case Ping, Pong:
		s := string(payload)
		if s != "" && s != ProbeContent {
			return nil, fmt.Errorf("%w: illegal %s payload %q", ErrFormat, id, s)
		}
		return &Packet{Type: id, Data: payload}, nil
	case TextMessage:
		return &Packet{Type: TextMessage, Data: payload}, nil
	case BinaryMessage:
		decoded, err := decodeBase64(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: bad base64 payload: %v", ErrFormat, err)
		}
		return &Packet{Type: BinaryMessage, Data: decoded}, nil
	}
	return nil, ErrFormat
}

// decodeBase64 normalizes URL-safe and unpadded base64 before decoding, so
// a payload is accepted regardless of which base64 alphabet produced it.
func decodeBase64(payload []byte) ([]byte, error) {
	normalized := make([]byte, len(payload))
	for i, b := range payload {
		switch b {
		case '-':
			normalized[i] = '+'
		case '_':
			normalized[i] = '/'
		default:
			normalized[i] = b
		}
	}
	if n := len(normalized) % 4; n != 0 {
		normalized = append(normalized, bytes4Pad[:4-n]...)
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(normalized)))
	n, err := base64.StdEncoding.Decode(out, normalized)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

var bytes4Pad = []byte("====")
