// Package codec implements byte-exact parsing and serialization of the
// SOCKS5 frames this proxy understands: the client greeting, the
// username/password sub-negotiation, and the CONNECT request/response.
//
// Every function here is pure: no I/O, no state. Parsing functions take the
// bytes received so far and report how many of them they consumed. A
// function returns ErrShortBuffer when the caller should wait for more
// bytes before trying again - callers must treat this as "not yet", never
// as a protocol violation, so message reassembly across multiple TCP reads
// stays possible.
package codec

import (
	"encoding/binary"
	"fmt"
	"net"
)

// ProtocolError reports a structurally invalid SOCKS5 frame: wrong version,
// unsupported command, bad reserved byte, unknown address type, and so on.
// It is always fatal to the session that produced it.
type ProtocolError struct {
	msg string
}

func (e *ProtocolError) Error() string { return e.msg }

func newProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{msg: fmt.Sprintf(format, args...)}
}

// ErrShortBuffer is returned by the parse functions when data holds fewer
// bytes than the frame needs. It is not a protocol error: the caller should
// buffer the bytes received so far and retry once more arrive.
var ErrShortBuffer = fmt.Errorf("codec: need more data")

const (
	// Version is the only SOCKS version this proxy speaks.
	Version = 0x05

	// Authentication method identifiers (RFC 1928 section 3).
	MethodNoAuth   = 0x00
	MethodUserPwd  = 0x02
	MethodNoneAcceptable = 0xFF

	// Username/password sub-negotiation version (RFC 1929).
	AuthVersion = 0x01

	AuthStatusOK   = 0x00
	AuthStatusFail = 0xFF

	// CMD values; only CmdConnect is supported.
	CmdConnect = 0x01

	// Address types.
	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04

	// Reply status codes.
	StatusSuccess           = 0x00
	StatusGeneralFailure    = 0x01
	StatusConnectionRefused = 0x05
)

// preferredAuthMethods lists the methods this server will choose, in order
// of preference. USER_PWD is preferred over NO_AUTH whenever the client
// offers both.
var preferredAuthMethods = [2]byte{MethodUserPwd, MethodNoAuth}

// ParseClientGreeting parses VER | NMETHODS | METHODS[NMETHODS].
//
// It returns the offered method list and the number of bytes consumed. A
// short read (fewer bytes than the declared NMETHODS requires) reports
// ErrShortBuffer, not a ProtocolError - the only deterministic thing about
// the frame's length is available after reading byte 1, so this check must
// run on the accumulated buffer, not on the first chunk the socket handed
// us. The off-by-one present in naive ports of this parser checks
// len(data) < n_auth+2 against a stale constant; here the true minimum is
// always recomputed as 2+NMETHODS.
func ParseClientGreeting(data []byte) (methods []byte, consumed int, err error) {
	if len(data) < 2 {
		return nil, 0, ErrShortBuffer
	}
	if data[0] != Version {
		return nil, 0, newProtocolError("invalid socks version %#x", data[0])
	}
	nMethods := int(data[1])
	if nMethods == 0 {
		return nil, 0, newProtocolError("client offered zero authentication methods")
	}
	need := 2 + nMethods
	if len(data) < need {
		return nil, 0, ErrShortBuffer
	}
	out := make([]byte, nMethods)
	copy(out, data[2:need])
	return out, need, nil
}

// ChooseAuthMethod applies server preference order: USER_PWD, then
// NO_AUTH, else MethodNoneAcceptable.
func ChooseAuthMethod(offered []byte) byte {
	for _, preferred := range preferredAuthMethods {
		for _, m := range offered {
			if m == preferred {
				return preferred
			}
		}
	}
	return MethodNoneAcceptable
}

// GreetingResponse serializes the server's chosen method: VER | METHOD.
func GreetingResponse(method byte) []byte {
	return []byte{Version, method}
}

// ParseUsernamePassword parses VER(1)=0x01 | ULEN(1) | UNAME(ULEN) | PLEN(1)
// | PASSWD(PLEN), validating each length field before indexing into data.
func ParseUsernamePassword(data []byte) (user, pass []byte, consumed int, err error) {
	if len(data) < 2 {
		return nil, nil, 0, ErrShortBuffer
	}
	if data[0] != AuthVersion {
		return nil, nil, 0, newProtocolError("invalid username/password auth version %#x", data[0])
	}
	ulen := int(data[1])
	uEnd := 2 + ulen
	if len(data) < uEnd+1 {
		return nil, nil, 0, ErrShortBuffer
	}
	plen := int(data[uEnd])
	pEnd := uEnd + 1 + plen
	if len(data) < pEnd {
		return nil, nil, 0, ErrShortBuffer
	}
	u := make([]byte, ulen)
	copy(u, data[2:uEnd])
	p := make([]byte, plen)
	copy(p, data[uEnd+1:pEnd])
	return u, p, pEnd, nil
}

// AuthResponse serializes the username/password sub-negotiation reply.
func AuthResponse(ok bool) []byte {
	if ok {
		return []byte{AuthVersion, AuthStatusOK}
	}
	return []byte{AuthVersion, AuthStatusFail}
}

// ParseConnectionRequest parses VER | CMD | RSV | ATYP | DST.ADDR |
// DST.PORT. Only CMD=CONNECT is accepted; BIND and UDP ASSOCIATE are
// out of scope (spec.md Non-goals) and are reported as protocol errors.
func ParseConnectionRequest(data []byte) (addr string, port uint16, atyp byte, consumed int, err error) {
	if len(data) < 4 {
		return "", 0, 0, 0, ErrShortBuffer
	}
	if data[0] != Version {
		return "", 0, 0, 0, newProtocolError("invalid socks version %#x", data[0])
	}
	if data[1] != CmdConnect {
		return "", 0, 0, 0, newProtocolError("unsupported command %#x, only CONNECT is implemented", data[1])
	}
	if data[2] != 0x00 {
		return "", 0, 0, 0, newProtocolError("reserved byte must be 0x00")
	}
	atyp = data[3]
	switch atyp {
	case AtypIPv4:
		need := 4 + 4 + 2
		if len(data) < need {
			return "", 0, 0, 0, ErrShortBuffer
		}
		ip := net.IP(data[4:8])
		port = binary.BigEndian.Uint16(data[8:10])
		return ip.String(), port, atyp, need, nil

	case AtypDomain:
		if len(data) < 5 {
			return "", 0, 0, 0, ErrShortBuffer
		}
		alen := int(data[4])
		need := 5 + alen + 2
		if len(data) < need {
			return "", 0, 0, 0, ErrShortBuffer
		}
		host := string(data[5 : 5+alen])
		port = binary.BigEndian.Uint16(data[5+alen : need])
		return host, port, atyp, need, nil

	case AtypIPv6:
		need := 4 + 16 + 2
		if len(data) < need {
			return "", 0, 0, 0, ErrShortBuffer
		}
		ip := net.IP(data[4:20])
		port = binary.BigEndian.Uint16(data[20:22])
		return ip.String(), port, atyp, need, nil

	default:
		return "", 0, 0, 0, newProtocolError("unsupported address type %#x", atyp)
	}
}

// ConnectionResponse serializes VER | REP | RSV | ATYP | BND.ADDR |
// BND.PORT. boundAddr must be the server's own local endpoint used to reach
// the destination (or, on failure, the server's listening endpoint) - never
// the client-requested host, which may not even be an IP literal.
func ConnectionResponse(boundAddr string, boundPort uint16, status byte) []byte {
	ip := net.ParseIP(boundAddr)
	if ip == nil {
		ip = net.IPv4zero
	}

	var atyp byte
	var packed []byte
	if v4 := ip.To4(); v4 != nil {
		atyp = AtypIPv4
		packed = v4
	} else {
		atyp = AtypIPv6
		packed = ip.To16()
	}

	out := make([]byte, 0, 4+len(packed)+2)
	out = append(out, Version, status, 0x00, atyp)
	out = append(out, packed...)
	out = binary.BigEndian.AppendUint16(out, boundPort)
	return out
}
