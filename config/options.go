// Package config defines the validated configuration records for the
// Engine.IO server: the connection type enumeration and its upgrade
// graph, the per-connection options and the server-wide configuration.
package config

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// ConnectionType enumerates the two transports a session can use.
type ConnectionType string

// The two defined connection types and the static upgrade graph between
// them: Polling may upgrade to WebSocket; WebSocket upgrades to nothing.
// Upgrade validity is always checked against this graph, never against
// configuration.
const (
	Polling   ConnectionType = "polling"
	WebSocket ConnectionType = "websocket"
)

// Valid reports whether t is one of the two defined connection types.
func (t ConnectionType) Valid() bool {
	return t == Polling || t == WebSocket
}

// ConnectionTypeByName resolves a user-supplied transport name, failing on
// anything unrecognized.
func ConnectionTypeByName(name string) (ConnectionType, bool) {
	ct := ConnectionType(name)
	return ct, ct.Valid()
}

// UpgradesFrom returns the connection types ct may upgrade to.
func UpgradesFrom(ct ConnectionType) []ConnectionType {
	if ct == Polling {
		return []ConnectionType{WebSocket}
	}
	return nil
}

// CanUpgrade reports whether the upgrade graph permits from -> to.
func CanUpgrade(from, to ConnectionType) bool {
	for _, candidate := range UpgradesFrom(from) {
		if candidate == to {
			return true
		}
	}
	return false
}

// MaxChunkBytesLimit is the hard ceiling on ConnectionOptions.MaximumChunkBytes.
const MaxChunkBytesLimit = 2_000_000_000

// Sentinel validation errors for ConnectionOptions and ServerConfiguration.
var (
	ErrNoConnectionTypes   = errors.New("config: availableConnectionTypes must not be empty")
	ErrHeartbeatOrdering   = errors.New("config: heartbeatTimeout must be strictly less than heartbeatInterval")
	ErrChunkSizeExceedsCap = errors.New("config: maximumChunkBytes exceeds the hard limit")
	ErrInvalidPath         = errors.New("config: path must start and end with '/'")
)

// Compression configures opt-in response compression for polling GETs.
// Disabled by default so byte-for-byte framing stays predictable.
type Compression struct {
	Enabled   bool
	Threshold int // minimum encoded payload size, in bytes, before compressing
}

// ConnectionOptions is the tuple of options shared by every transport on a
// session.
type ConnectionOptions struct {
	AvailableConnectionTypes []ConnectionType
	HeartbeatInterval        time.Duration
	HeartbeatTimeout         time.Duration
	MaximumChunkBytes        int64
	Compression              Compression
}

// Validate checks the structural invariants of a ConnectionOptions.
func (o ConnectionOptions) Validate() error {
	if len(o.AvailableConnectionTypes) == 0 {
		return ErrNoConnectionTypes
	}
	for _, ct := range o.AvailableConnectionTypes {
		if !ct.Valid() {
			return errors.New("config: unknown connection type " + string(ct))
		}
	}
	if o.HeartbeatTimeout >= o.HeartbeatInterval {
		return ErrHeartbeatOrdering
	}
	if o.MaximumChunkBytes > MaxChunkBytesLimit {
		return ErrChunkSizeExceedsCap
	}
	return nil
}

// Has reports whether ct is among the available connection types.
func (o ConnectionOptions) Has(ct ConnectionType) bool {
	for _, candidate := range o.AvailableConnectionTypes {
		if candidate == ct {
			return true
		}
	}
	return false
}

// DefaultConnectionOptions returns the protocol's stock defaults: 15s ping
// interval, 10s ping timeout, 128 KiB max payload.
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		AvailableConnectionTypes: []ConnectionType{Polling, WebSocket},
		HeartbeatInterval:        15 * time.Second,
		HeartbeatTimeout:         10 * time.Second,
		MaximumChunkBytes:        128 * 1024,
	}
}

// SessionIdentifiers is the pluggable sid generator/validator pair a
// ServerConfiguration is parameterized by. Generate is handed
// the originating request so an embedder may derive the id from it (e.g.
// sticky-session affinity); most implementations ignore it.
type SessionIdentifiers struct {
	Generate func(r *http.Request) (string, error)
	Validate func(sid string) bool
}

// HeadersHook lets an embedder attach headers (a sticky-session cookie, for
// instance) to any response the server writes.
type HeadersHook func(header http.Header, isHandshake bool)

// ServerConfiguration is the complete, validated configuration of an
// Engine.IO server.
type ServerConfiguration struct {
	Path               string
	Connection         ConnectionOptions
	UpgradeTimeout     time.Duration
	SessionIdentifiers SessionIdentifiers
	OnHeaders          HeadersHook
}

// Validate checks the structural invariants of a ServerConfiguration,
// including those of its embedded ConnectionOptions.
func (c ServerConfiguration) Validate() error {
	if !strings.HasPrefix(c.Path, "/") || !strings.HasSuffix(c.Path, "/") {
		return ErrInvalidPath
	}
	if c.SessionIdentifiers.Generate == nil || c.SessionIdentifiers.Validate == nil {
		return errors.New("config: sessionIdentifiers.generate and .validate are required")
	}
	return c.Connection.Validate()
}

// DefaultServerConfiguration returns the stock configuration: path
// "/engine.io/", a 15s upgrade timeout, and uuid-based session identifiers
// (see config/sid.go).
func DefaultServerConfiguration() ServerConfiguration {
	return ServerConfiguration{
		Path:               "/engine.io/",
		Connection:         DefaultConnectionOptions(),
		UpgradeTimeout:     15 * time.Second,
		SessionIdentifiers: DefaultSessionIdentifiers(),
	}
}
