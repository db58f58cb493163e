package socks5

import "socks5proxy/internal/netrt"

// RemoteHandler is the destination-side half of a proxy pair: a
// netrt.Handler attached to the outbound connection a Session opened with
// CreateClient. It holds a non-owning back-reference to the Session it was
// created for, and the Session holds one to it; neither owns the other, so
// the pair is torn down starting from whichever side notices first.
//
// abandoned covers the race where the client connection closes while the
// outbound dial to the destination is still in flight: the Session can't
// simply drop its pointer to a RemoteHandler that hasn't been attached to
// a Conn yet; it needs the handler to finish connecting and then close
// itself immediately, never touching the Session again.
type RemoteHandler struct {
	conn    *netrt.Conn
	owner   *Session
	abandoned bool
}

func newRemoteHandler(owner *Session) *RemoteHandler {
	return &RemoteHandler{owner: owner}
}

func (r *RemoteHandler) Attach(c *netrt.Conn) { r.conn = c }

func (r *RemoteHandler) OnConnect() {
	if r.abandoned {
		r.conn.Close()
		return
	}
	r.owner.remoteConnectSucceeded()
}

func (r *RemoteHandler) DataReceived(data []byte) {
	if r.abandoned {
		return
	}
	r.owner.relayToClient(data)
}

func (r *RemoteHandler) ConnectionLost() {
	if r.abandoned {
		return
	}
	r.owner.remoteLost()
}

// ownerLost is called by Session.ConnectionLost when the client side goes
// away. If the remote Conn is already attached (Proxying), any bytes the
// client wrote just before disconnecting are still sitting in its write
// buffer, so it is told to drain via Closing rather than hard-closed - the
// same "bytes written before closing are delivered" guarantee spec.md §9
// asks for on the client side. If the outbound dial hasn't completed yet,
// there's no buffer to drain: mark the handler abandoned so its eventual
// OnConnect closes the socket instead of relaying into a dead session.
func (r *RemoteHandler) ownerLost() {
	r.abandoned = true
	if r.conn != nil {
		r.conn.Closing()
	}
}
