// Package eioerr implements the three Engine.IO exception taxonomies:
// socket exceptions (raised by the dispatcher), transport exceptions
// (raised inside a transport) and WebSocket transport exceptions (a
// specialization using close codes). All three share the same shape —
// (statusCode, reasonPhrase, isSuccess) — so a single underlying type backs
// them, and each taxonomy is a set of named constructors fixing that triple.
package eioerr

import "fmt"

// Kind distinguishes which taxonomy an Exception belongs to, for callers
// that branch on it (e.g. deciding whether to surface a WebSocket close
// code instead of an HTTP status).
type Kind int

const (
	KindSocket Kind = iota
	KindTransport
	KindWebSocketTransport
)

// Exception is the common supertype of all three taxonomies.
type Exception struct {
	Kind         Kind
	Name         string
	StatusCode   int
	ReasonPhrase string
	CloseCode    int // meaningful only for KindWebSocketTransport
	Cause        error
}

func (e *Exception) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Name, e.ReasonPhrase, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.ReasonPhrase)
}

func (e *Exception) Unwrap() error { return e.Cause }

// IsSuccess reports whether the exception represents a non-failure
// closure: e.IsSuccess() <=> 200 <= e.StatusCode < 300.
func (e *Exception) IsSuccess() bool {
	return e.StatusCode >= 200 && e.StatusCode < 300
}

func newSocket(name string, status int, reason string) func(cause ...error) *Exception {
	return func(cause ...error) *Exception {
		var c error
		if len(cause) > 0 {
			c = cause[0]
		}
		return &Exception{Kind: KindSocket, Name: name, StatusCode: status, ReasonPhrase: reason, Cause: c}
	}
}

func newTransport(name string, status int, reason string) func(cause ...error) *Exception {
	return func(cause ...error) *Exception {
		var c error
		if len(cause) > 0 {
			c = cause[0]
		}
		return &Exception{Kind: KindTransport, Name: name, StatusCode: status, ReasonPhrase: reason, Cause: c}
	}
}

// SocketException constructors — raised by the server dispatcher before or
// around a session.
var (
	IPAddressUnobtainable       = newSocket("ipAddressUnobtainable", 400, "Could not determine the client's IP address.")
	ServerPathInvalid           = newSocket("serverPathInvalid", 403, "The requested path does not match the configured Engine.IO path.")
	MethodNotAllowed            = newSocket("methodNotAllowed", 405, "The HTTP method is not supported by Engine.IO.")
	GetExpected                 = newSocket("getExpected", 400, "A GET request was expected.")
	ProtocolVersionInvalid      = newSocket("protocolVersionInvalid", 400, "The 'EIO' parameter is not a valid protocol version number.")
	ProtocolVersionUnsupported  = newSocket("protocolVersionUnsupported", 400, "Unsupported protocol version.")
	TransportUnknown            = newSocket("transportUnknown", 400, "The 'transport' parameter is unknown or unavailable.")
	SessionIdentifierRequired   = newSocket("sessionIdentifierRequired", 400, "Clients with an active connection must provide the 'sid' parameter.")
	SessionIdentifierInvalid    = newSocket("sessionIdentifierInvalid", 400, "The 'sid' parameter is invalid.")
	SessionIdentifierUnexpected = newSocket("sessionIdentifierUnexpected", 400, "A 'sid' parameter was not expected on a new connection.")
	UpgradeRequestUnexpected    = newSocket("upgradeRequestUnexpected", 400, "A WebSocket upgrade request was not expected for this transport.")
	GetRequestUnexpected        = newSocket("getRequestUnexpected", 400, "A GET request was not expected on this transport.")
	PostRequestUnexpected       = newSocket("postRequestUnexpected", 400, "A POST request was not expected on this transport.")
)

// Transport exception constructors — raised inside a transport.
var (
	DuplicateGetRequest             = newTransport("duplicateGetRequest", 400, "A GET request is already being served for this transport.")
	DuplicatePostRequest            = newTransport("duplicatePostRequest", 400, "A POST request is already being served for this transport.")
	ReadingBodyFailed               = newTransport("readingBodyFailed", 400, "Failed to read the request body.")
	ContentLengthDisparity          = newTransport("contentLengthDisparity", 400, "The declared content length does not match the actual body length.")
	ContentLengthLimitExceeded      = newTransport("contentLengthLimitExceeded", 400, "The request body exceeds the configured maximum chunk size.")
	DecodingBodyFailed              = newTransport("decodingBodyFailed", 400, "The request body is not valid UTF-8.")
	DecodingPacketsFailed           = newTransport("decodingPacketsFailed", 400, "One or more packets in the request body could not be decoded.")
	ContentTypeDifferentToImplicit  = newTransport("contentTypeDifferentToImplicit", 400, "No Content-Type was declared, but the decoded packets are not text.")
	ContentTypeDifferentToSpecified = newTransport("contentTypeDifferentToSpecified", 400, "The declared Content-Type does not match the decoded packets.")
	PacketIllegal                   = newTransport("packetIllegal", 400, "Received a packet that is not legal to be sent by the client.")
	HeartbeatUnexpected             = newTransport("heartbeatUnexpected", 400, "Received an unexpected pong packet.")
	HeartbeatTimeout                = newTransport("heartbeatTimeout", 400, "The client did not respond to a ping within the heartbeat timeout.")
	RequestedClosure                = newTransport("requestedClosure", 200, "The client requested the connection be closed.")
	ServerClosing                   = newTransport("serverClosing", 200, "The server is shutting down.")
	UpgradeRequestInvalid           = newTransport("upgradeRequestInvalid", 400, "The WebSocket upgrade request is malformed.")
	TransportAlreadyProbed          = newTransport("transportAlreadyProbed", 400, "The probe transport has already received a probe ping.")
	TransportIsOrigin               = newTransport("transportIsOrigin", 400, "A probe ping arrived on the origin transport.")
	TransportNotProbed              = newTransport("transportNotProbed", 400, "An upgrade packet arrived before the probe was completed.")
	TransportAlreadyUpgraded        = newTransport("transportAlreadyUpgraded", 400, "The session has already completed its transport upgrade.")
	UnknownDataType                 = newTransport("unknownDataType", 400, "The WebSocket frame is neither text nor binary.")
	ConnectionClosedDuringUpgrade   = newTransport("connectionClosedDuringUpgrade", 500, "The session was disposed while an upgrade was in flight.")
)

// ClosedForcefully marks a WebSocket connection that completed without the
// transport itself requesting closure: a logical condition that is
// reported but never surfaces as an HTTP status.
func ClosedForcefully() *Exception {
	return &Exception{Kind: KindTransport, Name: "closedForcefully", StatusCode: 0, ReasonPhrase: "the WebSocket connection was closed by the remote peer"}
}

// WebSocket close codes used by the WebSocketTransportException
// specialization.
const (
	WSCloseNormal          = 1000
	WSClosePolicyViolation = 1008
)

func newWebSocket(name string, closeCode int, reason string) func(cause ...error) *Exception {
	return func(cause ...error) *Exception {
		var c error
		if len(cause) > 0 {
			c = cause[0]
		}
		status := 400
		if closeCode == WSCloseNormal {
			status = 200
		}
		return &Exception{Kind: KindWebSocketTransport, Name: name, StatusCode: status, ReasonPhrase: reason, CloseCode: closeCode, Cause: c}
	}
}

// WebSocketTransportException constructors.
var (
	WSSuccess         = newWebSocket("success", WSCloseNormal, "closed normally")
	WSPolicyViolation = newWebSocket("policyViolation", WSClosePolicyViolation, "policy violation")
)

// AsException reports whether err is itself an *Exception, by a plain type
// assertion: a wrapped *Exception is not found (callers that need that can
// do `var ex *eioerr.Exception; errors.As(err, &ex)`). This helper exists
// for the common case of reading straight off a freshly-constructed error.
func AsException(err error) (*Exception, bool) {
	ex, ok := err.(*Exception)
	return ex, ok
}
