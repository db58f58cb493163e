// Package socks5 implements the SOCKS5 session state machine (spec.md C5)
// on top of the connection runtime (netrt): greeting, optional
// username/password sub-negotiation, the CONNECT request, and the
// bidirectional proxy pair once a remote connection is established.
package socks5

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"socks5proxy/internal/auth"
	"socks5proxy/internal/codec"
	appmetrics "socks5proxy/internal/metrics"
	"socks5proxy/internal/netrt"
)

// Phase is the session's position in the state diagram of spec.md §4.5.
// Transitions happen only from DataReceived, remoteConnectSucceeded,
// remoteConnectFailed, remoteLost, and ConnectionLost - never implicitly -
// which is the tagged-enum
// dispatch spec.md §9 asks for in place of reassigning a handler function
// pointer on every transition.
type Phase int

const (
	PhaseAwaitGreeting Phase = iota
	PhaseAwaitAuth
	PhaseAwaitRequest
	PhaseAwaitRemote
	PhaseProxying
	PhaseTerminating
)

// unknownHostname is recorded in the connection log when the client
// requested an IP literal rather than a domain name.
const unknownHostname = "UNKNOWN"

// Factory creates a Session per accepted client connection, wired to a
// shared Authenticator, runtime, and pair of loggers.
type Factory struct {
	RT            *netrt.Runtime
	Authenticator auth.Authenticator
	Logger        zerolog.Logger
	ConnLogger    zerolog.Logger
	Metrics       *appmetrics.Metrics
}

func (f *Factory) Create() netrt.Handler {
	return &Session{
		rt:         f.RT,
		auth:       f.Authenticator,
		logger:     f.Logger,
		connLogger: f.ConnLogger,
		metrics:    f.Metrics,
		phase:      PhaseAwaitGreeting,
	}
}

// Session is the per-client SOCKS5 handler: it owns the client Conn and,
// once a destination is established, a RemoteHandler paired to it.
type Session struct {
	conn *netrt.Conn
	rt   *netrt.Runtime

	auth       auth.Authenticator
	logger     zerolog.Logger
	connLogger zerolog.Logger
	metrics    *appmetrics.Metrics

	phase     Phase
	pending   []byte
	startedAt time.Time

	remote *RemoteHandler

	// Fields describing the in-flight or established CONNECT, used to
	// build the connection-log line and the SOCKS5 replies.
	clientAddr string
	clientPort int
	destHost   string // original literal or domain name, for the log
	destAddr   string // address actually dialed
	destPort   uint16
}

func (s *Session) Attach(conn *netrt.Conn) { s.conn = conn }

func (s *Session) OnConnect() {
	s.startedAt = time.Now()
	s.clientAddr, s.clientPort = s.conn.PeerEndpoint().Addr, s.conn.PeerEndpoint().Port
	if s.metrics != nil {
		s.metrics.SessionsTotal.Inc()
	}
}

// DataReceived implements the buffered reassembly spec.md §9 asks for:
// short frames ask for more data rather than being treated as malformed.
// Each chunk is appended to a per-session pending buffer and the state
// machine is stepped until it can't make further progress, either because
// the next frame is incomplete or because the current phase (AwaitRemote,
// Terminating) doesn't parse framed input at all.
func (s *Session) DataReceived(data []byte) {
	s.pending = append(s.pending, data...)
	for len(s.pending) > 0 {
		if s.conn.State() != netrt.StateConnected {
			return
		}
		n := s.step()
		if n == 0 {
			return
		}
		s.pending = s.pending[n:]
	}
}

func (s *Session) step() int {
	switch s.phase {
	case PhaseAwaitGreeting:
		return s.handleGreeting()
	case PhaseAwaitAuth:
		return s.handleAuth()
	case PhaseAwaitRequest:
		return s.handleRequest()
	case PhaseAwaitRemote:
		// The client must wait for the CONNECT reply before sending
		// anything else; any bytes that arrive here are a protocol
		// violation (spec.md §4.5: "client bytes arrive -> hard close").
		s.logger.Debug().Msg("client sent data while awaiting remote connect; closing")
		s.conn.Close()
		return 0
	case PhaseProxying:
		data := s.pending
		s.remote.conn.Write(data)
		if s.metrics != nil {
			s.metrics.BytesClientToRemote.Add(len(data))
		}
		return len(data)
	default: // PhaseTerminating
		return 0
	}
}

func (s *Session) handleGreeting() int {
	methods, consumed, err := codec.ParseClientGreeting(s.pending)
	if err == codec.ErrShortBuffer {
		return 0
	}
	if err != nil {
		s.logger.Debug().Err(err).Msg("malformed client greeting")
		s.conn.Close()
		return 0
	}

	method := codec.ChooseAuthMethod(methods)
	s.conn.Write(codec.GreetingResponse(method))

	switch method {
	case codec.MethodNoneAcceptable:
		s.phase = PhaseTerminating
		s.conn.Closing()
	case codec.MethodNoAuth:
		s.phase = PhaseAwaitRequest
	case codec.MethodUserPwd:
		s.phase = PhaseAwaitAuth
	}
	return consumed
}

func (s *Session) handleAuth() int {
	user, pass, consumed, err := codec.ParseUsernamePassword(s.pending)
	if err == codec.ErrShortBuffer {
		return 0
	}
	if err != nil {
		s.logger.Debug().Err(err).Msg("malformed username/password frame")
		s.conn.Close()
		return 0
	}

	if s.auth.Authenticate(user, pass) {
		s.conn.Write(codec.AuthResponse(true))
		s.phase = PhaseAwaitRequest
	} else {
		s.logger.Debug().Str("user", string(user)).Msg("authentication failed")
		if s.metrics != nil {
			s.metrics.AuthFailures.Inc()
		}
		s.conn.Write(codec.AuthResponse(false))
		s.phase = PhaseTerminating
		s.conn.Closing()
	}
	return consumed
}

func (s *Session) handleRequest() int {
	addr, port, atyp, consumed, err := codec.ParseConnectionRequest(s.pending)
	if err == codec.ErrShortBuffer {
		return 0
	}
	if err != nil {
		s.logger.Debug().Err(err).Msg("malformed connection request")
		s.conn.Close()
		return 0
	}

	s.phase = PhaseAwaitRemote
	s.destPort = port

	if atyp == codec.AtypDomain {
		s.destHost = addr
		s.rt.Resolve(addr, func(resolved []string, rerr error) {
			if rerr != nil || len(resolved) == 0 {
				s.logger.Debug().Err(rerr).Str("host", addr).Msg("name resolution failed")
				s.remoteConnectFailed()
				return
			}
			s.connectRemote(resolved[0])
		})
	} else {
		s.destHost = unknownHostname
		s.connectRemote(addr)
	}
	return consumed
}

func (s *Session) connectRemote(addr string) {
	if s.phase != PhaseAwaitRemote {
		return // session moved on (e.g. client already disconnected) while resolving
	}
	s.destAddr = addr

	// Logged here, once per CONNECT that reaches the dial, regardless of
	// whether the dial below eventually succeeds or fails, matching
	// _make_client_connection_request logging before the dial outcome is
	// known. A domain request whose name lookup fails never gets here and
	// is not logged.
	s.connLogger.Info().Msg("Request:from:" + s.clientAddr + ":" + strconv.Itoa(s.clientPort) +
		":to:hostname:" + s.destHost + ":" + s.destAddr + ":" + strconv.Itoa(int(s.destPort)))

	s.remote = newRemoteHandler(s)
	s.rt.CreateClient(addr, int(s.destPort), s.remote, s.remoteConnectFailed)
}

// remoteConnectFailed handles every flavor of C3 failing to reach the
// destination: dial refused, network/host unreachable, or (above) name
// resolution failure. All three are "remote-connect failure" under
// spec.md §7 kind 3 and get the same SOCKS5 reply.
func (s *Session) remoteConnectFailed() {
	if s.phase != PhaseAwaitRemote {
		return
	}
	s.phase = PhaseTerminating
	if s.metrics != nil {
		s.metrics.RemoteConnectFailures.Inc()
	}
	local := s.conn.LocalEndpoint()
	s.conn.Write(codec.ConnectionResponse(local.Addr, uint16(local.Port), codec.StatusConnectionRefused))
	s.conn.Closing()
}

// remoteConnectSucceeded is called by RemoteHandler.OnConnect once the
// paired outbound connection is established. A success reply is only ever
// sent from here, so it can never follow a failure reply on the same
// session (spec.md §4.5 ordering guarantee).
func (s *Session) remoteConnectSucceeded() {
	if s.phase != PhaseAwaitRemote {
		return
	}
	s.phase = PhaseProxying
	if s.metrics != nil {
		s.metrics.SessionsActive.Inc()
		s.metrics.HandshakeDuration.UpdateDuration(s.startedAt)
	}

	local := s.remote.conn.LocalEndpoint()
	s.conn.Write(codec.ConnectionResponse(local.Addr, uint16(local.Port), codec.StatusSuccess))
}

// relayToClient is called by RemoteHandler.DataReceived with bytes read
// from the destination.
func (s *Session) relayToClient(data []byte) {
	if s.phase != PhaseProxying {
		return
	}
	s.conn.Write(data)
	if s.metrics != nil {
		s.metrics.BytesRemoteToClient.Add(len(data))
	}
}

// remoteLost is called by RemoteHandler.ConnectionLost: the paired remote
// socket went away, so the client side should wind down too.
func (s *Session) remoteLost() {
	if s.metrics != nil && s.phase == PhaseProxying {
		s.metrics.SessionsActive.Dec()
	}
	s.phase = PhaseTerminating
	s.conn.Closing()
}

// ConnectionLost is called when the client connection goes away. The
// paired remote handler (if any - it may still be mid-connect) is told to
// close; neither side keeps the other alive past this point.
func (s *Session) ConnectionLost() {
	if s.phase == PhaseProxying && s.metrics != nil {
		s.metrics.SessionsActive.Dec()
	}
	if s.remote != nil {
		s.remote.ownerLost()
	}
	s.phase = PhaseTerminating
}
