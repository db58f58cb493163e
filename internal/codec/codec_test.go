package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientGreetingRoundTrip(t *testing.T) {
	for _, methods := range [][]byte{
		{MethodNoAuth},
		{MethodUserPwd},
		{MethodNoAuth, MethodUserPwd},
		{0x01, 0x02, 0x03, 0x04, 0x05},
	} {
		frame := append([]byte{Version, byte(len(methods))}, methods...)
		got, consumed, err := ParseClientGreeting(frame)
		require.NoError(t, err)
		assert.Equal(t, len(frame), consumed)
		assert.Equal(t, methods, got)
	}
}

func TestChooseAuthMethodPreference(t *testing.T) {
	assert.Equal(t, byte(MethodUserPwd), ChooseAuthMethod([]byte{MethodNoAuth, MethodUserPwd}))
	assert.Equal(t, byte(MethodNoAuth), ChooseAuthMethod([]byte{MethodNoAuth}))
	assert.Equal(t, byte(MethodNoneAcceptable), ChooseAuthMethod([]byte{0x03, 0x09}))
}

func TestParseClientGreetingTruncated(t *testing.T) {
	full := []byte{Version, 0x03, 0x00, 0x01, 0x02}
	for n := 0; n < len(full); n++ {
		_, _, err := ParseClientGreeting(full[:n])
		assert.ErrorIs(t, err, ErrShortBuffer, "length %d should ask for more data", n)
	}
}

func TestParseClientGreetingBadVersion(t *testing.T) {
	_, _, err := ParseClientGreeting([]byte{0x04, 0x01, 0x00})
	var pe *ProtocolError
	assert.ErrorAs(t, err, &pe)
}

func TestParseClientGreetingZeroMethods(t *testing.T) {
	_, _, err := ParseClientGreeting([]byte{Version, 0x00})
	var pe *ProtocolError
	assert.ErrorAs(t, err, &pe)
}

func TestParseUsernamePasswordRoundTrip(t *testing.T) {
	user, pass := []byte("user"), []byte("pass")
	frame := []byte{AuthVersion, byte(len(user))}
	frame = append(frame, user...)
	frame = append(frame, byte(len(pass)))
	frame = append(frame, pass...)

	gotUser, gotPass, consumed, err := ParseUsernamePassword(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), consumed)
	assert.Equal(t, user, gotUser)
	assert.Equal(t, pass, gotPass)
}

func TestParseUsernamePasswordTruncated(t *testing.T) {
	full := []byte{AuthVersion, 0x02, 'h', 'i', 0x02, 'b', 'y'}
	for n := 0; n < len(full); n++ {
		_, _, _, err := ParseUsernamePassword(full[:n])
		assert.ErrorIs(t, err, ErrShortBuffer)
	}
}

func TestParseConnectionRequestIPv4(t *testing.T) {
	frame := []byte{Version, CmdConnect, 0x00, AtypIPv4, 127, 0, 0, 1, 0x00, 0x50}
	addr, port, atyp, consumed, err := ParseConnectionRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", addr)
	assert.Equal(t, uint16(80), port)
	assert.Equal(t, byte(AtypIPv4), atyp)
	assert.Equal(t, len(frame), consumed)
}

func TestParseConnectionRequestDomain(t *testing.T) {
	host := "localhost"
	frame := []byte{Version, CmdConnect, 0x00, AtypDomain, byte(len(host))}
	frame = append(frame, host...)
	frame = append(frame, 0x00, 0x50)

	addr, port, atyp, consumed, err := ParseConnectionRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, host, addr)
	assert.Equal(t, uint16(80), port)
	assert.Equal(t, byte(AtypDomain), atyp)
	assert.Equal(t, len(frame), consumed)
}

func TestParseConnectionRequestIPv6(t *testing.T) {
	ip := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	frame := []byte{Version, CmdConnect, 0x00, AtypIPv6}
	frame = append(frame, ip...)
	frame = append(frame, 0x1F, 0x90)

	addr, port, atyp, consumed, err := ParseConnectionRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, "::1", addr)
	assert.Equal(t, uint16(8080), port)
	assert.Equal(t, byte(AtypIPv6), atyp)
	assert.Equal(t, len(frame), consumed)
}

func TestParseConnectionRequestTruncated(t *testing.T) {
	full := []byte{Version, CmdConnect, 0x00, AtypIPv4, 127, 0, 0, 1, 0x00, 0x50}
	for n := 0; n < len(full); n++ {
		_, _, _, _, err := ParseConnectionRequest(full[:n])
		assert.ErrorIs(t, err, ErrShortBuffer, "length %d should ask for more data", n)
	}
}

func TestParseConnectionRequestRejectsBindAndUDP(t *testing.T) {
	frame := []byte{Version, 0x02 /* BIND */, 0x00, AtypIPv4, 127, 0, 0, 1, 0x00, 0x50}
	_, _, _, _, err := ParseConnectionRequest(frame)
	var pe *ProtocolError
	assert.ErrorAs(t, err, &pe)
}

func TestParseConnectionRequestBadAddressType(t *testing.T) {
	frame := []byte{Version, CmdConnect, 0x00, 0x02, 0, 0, 0, 0, 0, 0}
	_, _, _, _, err := ParseConnectionRequest(frame)
	var pe *ProtocolError
	assert.ErrorAs(t, err, &pe)
}

func TestConnectionResponseIPv4(t *testing.T) {
	resp := ConnectionResponse("127.0.0.1", 1080, StatusSuccess)
	assert.Equal(t, []byte{Version, StatusSuccess, 0x00, AtypIPv4, 127, 0, 0, 1, 0x04, 0x38}, resp)
}

func TestConnectionResponseIPv6(t *testing.T) {
	resp := ConnectionResponse("::1", 1080, StatusConnectionRefused)
	assert.Equal(t, byte(AtypIPv6), resp[3])
	assert.Len(t, resp, 4+16+2)
}

func TestConnectionResponseNeverUsesClientHostname(t *testing.T) {
	// Even if callers accidentally pass a non-IP literal through, the codec
	// must not panic or silently encode it: it falls back to the zero
	// address rather than echoing the requested domain name.
	resp := ConnectionResponse("example.com", 1080, StatusSuccess)
	assert.Equal(t, byte(AtypIPv4), resp[3])
	assert.Equal(t, net0, resp[4:8])
}

var net0 = []byte{0, 0, 0, 0}
