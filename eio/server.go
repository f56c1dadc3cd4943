package eio

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	ws "github.com/gorilla/websocket"

	"github.com/riverford/engineio/config"
	"github.com/riverford/engineio/eioerr"
	"github.com/riverford/engineio/internal/elog"
	"github.com/riverford/engineio/internal/sink"
	"github.com/riverford/engineio/transport"
)

// protocolVersion is the only Engine.IO protocol version this server
// understands.
const protocolVersion = "4"

var serverLog = elog.New("eio:server")

// Server is the Engine.IO request dispatcher: it resolves
// every request to either a brand new handshake, a poll/data request
// against an existing session, or an upgrade probe, and otherwise never
// touches transport or session internals directly.
type Server struct {
	cfg      config.ServerConfiguration
	registry *ClientRegistry
	upgrader ws.Upgrader

	onConnection      sink.Sink[*Session]
	onConnectionError sink.Sink[*eioerr.Exception]
}

// NewServer builds a Server from a validated configuration.
func NewServer(cfg config.ServerConfiguration) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		registry: NewClientRegistry(),
		upgrader: ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}, nil
}

// OnConnection registers fn to be called with every newly handshaken
// session.
func (srv *Server) OnConnection(fn func(*Session)) { srv.onConnection.On(fn) }

// OnConnectionError registers fn to be called whenever a request is
// rejected before (or without) a session being created.
func (srv *Server) OnConnectionError(fn func(*eioerr.Exception)) { srv.onConnectionError.On(fn) }

// Clients returns the registry of live sessions.
func (srv *Server) Clients() *ClientRegistry { return srv.registry }

// Close disposes every live session with a serverClosing reason. Disposal
// of one session must not be aborted by a failure disposing another, so
// every session is given a chance and any panics recovered from its
// disposal are aggregated rather than dropped.
func (srv *Server) Close() error {
	srv.registry.mu.RLock()
	sessions := make([]*Session, 0, len(srv.registry.bySID))
	for _, s := range srv.registry.bySID {
		sessions = append(sessions, s)
	}
	srv.registry.mu.RUnlock()

	var result *multierror.Error
	for _, s := range sessions {
		if err := disposeRecovering(s); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func disposeRecovering(s *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("disposing session %s: %v", s.ID(), r)
		}
	}()
	s.Dispose(eioerr.ServerClosing())
	return nil
}

// ServeHTTP implements http.Handler: every Engine.IO request, handshake or
// otherwise, flows through here. The first validation failure terminates
// the request with the mapped status and reason.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Step 2: path.
	if r.URL.Path != srv.cfg.Path {
		srv.reject(w, r, eioerr.ServerPathInvalid())
		return
	}
	// Step 3: OPTIONS short-circuits with the fixed CORS policy.
	if r.Method == http.MethodOptions {
		writeCORSHeaders(w.Header())
		w.WriteHeader(http.StatusNoContent)
		return
	}
	// Step 4: method.
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		srv.reject(w, r, eioerr.MethodNotAllowed())
		return
	}

	// Step 1 (ordered here since it's cheap and every later step needs it).
	ip, ex := remoteIP(r)
	if ex != nil {
		srv.reject(w, r, ex)
		return
	}

	existing, connected := srv.registry.GetByIP(ip)

	// Step 5: a non-GET from an IP with no tracked session can only be a
	// malformed handshake attempt.
	if !connected && r.Method != http.MethodGet {
		srv.reject(w, r, eioerr.GetExpected())
		return
	}

	// Step 6: EIO + transport.
	q := r.URL.Query()
	eioParam := q.Get("EIO")
	if v, err := strconv.Atoi(eioParam); err != nil || v < 1 {
		srv.reject(w, r, eioerr.ProtocolVersionInvalid())
		return
	} else if strconv.Itoa(v) != protocolVersion {
		srv.reject(w, r, eioerr.ProtocolVersionUnsupported())
		return
	}
	ct, ok := config.ConnectionTypeByName(q.Get("transport"))
	if !ok || !srv.cfg.Connection.Has(ct) {
		srv.reject(w, r, eioerr.TransportUnknown())
		return
	}

	// Step 7: sid presence rules.
	sid := q.Get("sid")
	if connected {
		if sid == "" {
			srv.reject(w, r, eioerr.SessionIdentifierRequired())
			return
		}
		if !srv.cfg.SessionIdentifiers.Validate(sid) {
			srv.reject(w, r, eioerr.SessionIdentifierInvalid())
			return
		}
	} else if sid != "" {
		srv.reject(w, r, eioerr.SessionIdentifierUnexpected())
		return
	}

	// Step 8: handshake.
	if !connected {
		srv.handshake(w, r, ip, ct)
		return
	}

	// Step 9: resolve the session the sid names (must be the one this IP
	// owns; a stale or wrong sid is invalid either way).
	session, found := srv.registry.Get(sid)
	if !found || session != existing {
		srv.reject(w, r, eioerr.SessionIdentifierInvalid())
		return
	}
	srv.route(w, r, session, ct)
}

func writeCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST")
	h.Set("Access-Control-Max-Age", "86400")
}

func (srv *Server) handshake(w http.ResponseWriter, r *http.Request, ip string, ct config.ConnectionType) {
	if r.Method != http.MethodGet {
		srv.reject(w, r, eioerr.GetExpected())
		return
	}
	if srv.cfg.OnHeaders != nil {
		srv.cfg.OnHeaders(w.Header(), true)
	}

	sid, err := srv.cfg.SessionIdentifiers.Generate(r)
	if err != nil {
		srv.reject(w, r, eioerr.IPAddressUnobtainable(err))
		return
	}

	switch ct {
	case config.Polling:
		pt := transport.NewPolling(srv.cfg.Connection)
		session := NewSession(sid, srv.cfg, ip, srv.registry, pt)
		srv.registry.Add(session)
		srv.onConnection.Fire(session)
		pt.Offload(w, r)

	case config.WebSocket:
		if ex := transport.ValidateUpgradeRequest(r); ex != nil {
			srv.reject(w, r, ex)
			return
		}
		conn, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			srv.reject(w, r, eioerr.UpgradeRequestInvalid(err))
			return
		}
		wt := transport.NewWebSocket(conn, srv.cfg.Connection)
		session := NewSession(sid, srv.cfg, ip, srv.registry, wt)
		srv.registry.Add(session)
		srv.onConnection.Fire(session)
		go wt.Run()
	}
}

// route dispatches a request carrying a known sid: a matching-transport
// poll/data request, or a same-session upgrade probe.
func (srv *Server) route(w http.ResponseWriter, r *http.Request, session *Session, ct config.ConnectionType) {
	current := session.Transport()
	if current == nil {
		srv.rejectClient(w, r, eioerr.SessionIdentifierInvalid())
		return
	}

	if ct != current.Type() {
		if r.Method == http.MethodGet && config.CanUpgrade(current.Type(), ct) {
			srv.probeUpgrade(w, r, session, ct)
			return
		}
		if r.Method == http.MethodPost {
			srv.rejectClient(w, r, eioerr.PostRequestUnexpected())
			return
		}
		srv.rejectClient(w, r, eioerr.UpgradeRequestUnexpected())
		return
	}

	// Not seeking an upgrade (same transport named as current), but the
	// request is itself a WebSocket upgrade handshake: unexpected.
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		srv.rejectClient(w, r, eioerr.UpgradeRequestUnexpected())
		return
	}

	if srv.cfg.OnHeaders != nil {
		srv.cfg.OnHeaders(w.Header(), false)
	}

	switch current.Type() {
	case config.Polling:
		pt, ok := current.(*transport.Polling)
		if !ok {
			srv.rejectClient(w, r, eioerr.TransportUnknown())
			return
		}
		switch r.Method {
		case http.MethodGet:
			if ex := pt.Offload(w, r); ex != nil {
				session.Dispose(ex)
				srv.rejectClient(w, r, ex)
			}
		case http.MethodPost:
			if ex := pt.Receive(r); ex != nil {
				session.Dispose(ex)
				srv.rejectClient(w, r, ex)
				return
			}
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "ok")
		}
	case config.WebSocket:
		// An established WebSocket session owns a hijacked connection;
		// any further plain HTTP request against the same sid is
		// unexpected regardless of method.
		if r.Method == http.MethodGet {
			srv.rejectClient(w, r, eioerr.GetRequestUnexpected())
		} else {
			srv.rejectClient(w, r, eioerr.PostRequestUnexpected())
		}
	}
}

// probeUpgrade handles a GET that names a different, upgrade-reachable
// transport than the session's current one: it performs the WebSocket
// handshake and hands the resulting transport to the session's upgrade
// coordinator.
func (srv *Server) probeUpgrade(w http.ResponseWriter, r *http.Request, session *Session, ct config.ConnectionType) {
	if ct != config.WebSocket {
		srv.rejectClient(w, r, eioerr.UpgradeRequestUnexpected())
		return
	}
	if ex := transport.ValidateUpgradeRequest(r); ex != nil {
		srv.rejectClient(w, r, ex)
		return
	}
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.rejectClient(w, r, eioerr.UpgradeRequestInvalid(err))
		return
	}
	probe := transport.NewWebSocket(conn, srv.cfg.Connection)
	if ex := session.BeginUpgrade(probe); ex != nil {
		probe.Dispose(ex)
		return
	}
	go probe.Run()
}

// reject responds with ex's mapped status and fires onConnectionError: used
// for every failure before the request has resolved to an existing client.
func (srv *Server) reject(w http.ResponseWriter, r *http.Request, ex *eioerr.Exception) {
	srv.onConnectionError.Fire(ex)
	srv.writeRejection(w, r, ex)
}

// rejectClient responds with ex's mapped status without touching
// onConnectionError: used once the request has already resolved to a known
// session (inside route/probeUpgrade), where the exception belongs on that
// client instead of the server-level connect-error sink.
func (srv *Server) rejectClient(w http.ResponseWriter, r *http.Request, ex *eioerr.Exception) {
	srv.writeRejection(w, r, ex)
}

func (srv *Server) writeRejection(w http.ResponseWriter, r *http.Request, ex *eioerr.Exception) {
	serverLog.Debugf("rejecting %s %s: %s", r.Method, r.URL.Path, ex.Error())
	status := ex.StatusCode
	if status == 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"code":%q,"message":%q}`, ex.Name, ex.ReasonPhrase)
}

func remoteIP(r *http.Request) (string, *eioerr.Exception) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host, nil
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr, nil
	}
	return "", eioerr.IPAddressUnobtainable()
}
