package socks5

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"socks5proxy/internal/auth"
	"socks5proxy/internal/codec"
	appmetrics "socks5proxy/internal/metrics"
	"socks5proxy/internal/netrt"
)

// newTestProxy starts a SOCKS5 listener backed by its own runtime, using
// authenticator for the username/password phase, and returns its address.
func newTestProxy(t *testing.T, authenticator auth.Authenticator) string {
	t.Helper()
	rt := netrt.New(zerolog.Nop())
	go rt.Run()
	t.Cleanup(rt.Shutdown)

	factory := &Factory{
		RT:            rt,
		Authenticator: authenticator,
		Logger:        zerolog.Nop(),
		ConnLogger:    zerolog.Nop(),
		Metrics:       appmetrics.New(),
	}
	ln, err := rt.CreateServer("127.0.0.1", 0, factory)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

// newTestEcho starts a plain TCP echo server to act as the CONNECT
// destination, returning its host and port separately (the SOCKS5 request
// needs them split out).
func newTestEcho(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func dial(t *testing.T, proxyAddr string) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	c.SetDeadline(time.Now().Add(5 * time.Second))
	return c
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return buf
}

func ipv4ConnectRequest(host string, port int) []byte {
	req := []byte{codec.Version, codec.CmdConnect, 0x00, codec.AtypIPv4}
	req = append(req, net.ParseIP(host).To4()...)
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, uint16(port))
	return append(req, p...)
}

func TestNoAuthHappyPath(t *testing.T) {
	echoHost, echoPort := newTestEcho(t)
	proxyAddr := newTestProxy(t, auth.NewTable(nil))

	c := dial(t, proxyAddr)

	_, err := c.Write([]byte{codec.Version, 0x01, codec.MethodNoAuth})
	require.NoError(t, err)
	require.Equal(t, []byte{codec.Version, codec.MethodNoAuth}, readN(t, c, 2))

	_, err = c.Write(ipv4ConnectRequest(echoHost, echoPort))
	require.NoError(t, err)

	reply := readN(t, c, 10)
	require.Equal(t, byte(codec.Version), reply[0])
	require.Equal(t, byte(codec.StatusSuccess), reply[1])
	require.Equal(t, byte(codec.AtypIPv4), reply[3])

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	require.Equal(t, "ping", string(readN(t, c, 4)))
}

func TestUserPwdSuccess(t *testing.T) {
	echoHost, echoPort := newTestEcho(t)
	table := auth.NewTable(map[string][]byte{"alice": []byte("wonderland")})
	proxyAddr := newTestProxy(t, table)

	c := dial(t, proxyAddr)

	_, err := c.Write([]byte{codec.Version, 0x01, codec.MethodUserPwd})
	require.NoError(t, err)
	require.Equal(t, []byte{codec.Version, codec.MethodUserPwd}, readN(t, c, 2))

	authReq := []byte{codec.AuthVersion, 5}
	authReq = append(authReq, []byte("alice")...)
	authReq = append(authReq, 10)
	authReq = append(authReq, []byte("wonderland")...)
	_, err = c.Write(authReq)
	require.NoError(t, err)
	require.Equal(t, []byte{codec.AuthVersion, codec.AuthStatusOK}, readN(t, c, 2))

	_, err = c.Write(ipv4ConnectRequest(echoHost, echoPort))
	require.NoError(t, err)
	reply := readN(t, c, 10)
	require.Equal(t, byte(codec.StatusSuccess), reply[1])
}

func TestUserPwdFailureClosesConnection(t *testing.T) {
	table := auth.NewTable(map[string][]byte{"alice": []byte("wonderland")})
	proxyAddr := newTestProxy(t, table)

	c := dial(t, proxyAddr)

	_, err := c.Write([]byte{codec.Version, 0x01, codec.MethodUserPwd})
	require.NoError(t, err)
	require.Equal(t, []byte{codec.Version, codec.MethodUserPwd}, readN(t, c, 2))

	authReq := []byte{codec.AuthVersion, 5}
	authReq = append(authReq, []byte("alice")...)
	authReq = append(authReq, 5)
	authReq = append(authReq, []byte("wrong")...)
	_, err = c.Write(authReq)
	require.NoError(t, err)
	require.Equal(t, []byte{codec.AuthVersion, codec.AuthStatusFail}, readN(t, c, 2))

	buf := make([]byte, 1)
	_, err = c.Read(buf)
	require.Equal(t, io.EOF, err)
}

func TestNoAcceptableMethodClosesConnection(t *testing.T) {
	proxyAddr := newTestProxy(t, auth.NewTable(nil))
	c := dial(t, proxyAddr)

	_, err := c.Write([]byte{codec.Version, 0x01, 0x7f})
	require.NoError(t, err)
	require.Equal(t, []byte{codec.Version, codec.MethodNoneAcceptable}, readN(t, c, 2))

	buf := make([]byte, 1)
	_, err = c.Read(buf)
	require.Equal(t, io.EOF, err)
}

func TestRemoteConnectRefused(t *testing.T) {
	proxyAddr := newTestProxy(t, auth.NewTable(nil))
	c := dial(t, proxyAddr)

	_, err := c.Write([]byte{codec.Version, 0x01, codec.MethodNoAuth})
	require.NoError(t, err)
	readN(t, c, 2)

	// Port 1 on loopback should refuse immediately.
	_, err = c.Write(ipv4ConnectRequest("127.0.0.1", 1))
	require.NoError(t, err)

	reply := readN(t, c, 10)
	require.Equal(t, byte(codec.StatusConnectionRefused), reply[1])
}

func TestDomainNameResolution(t *testing.T) {
	echoHost, echoPort := newTestEcho(t)
	require.Equal(t, "127.0.0.1", echoHost)
	proxyAddr := newTestProxy(t, auth.NewTable(nil))

	c := dial(t, proxyAddr)
	_, err := c.Write([]byte{codec.Version, 0x01, codec.MethodNoAuth})
	require.NoError(t, err)
	readN(t, c, 2)

	req := []byte{codec.Version, codec.CmdConnect, 0x00, codec.AtypDomain}
	req = append(req, byte(len("localhost")))
	req = append(req, []byte("localhost")...)
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, uint16(echoPort))
	req = append(req, p...)

	_, err = c.Write(req)
	require.NoError(t, err)
	reply := readN(t, c, 10)
	require.Equal(t, byte(codec.StatusSuccess), reply[1])
}

func TestMalformedGreetingClosesConnection(t *testing.T) {
	proxyAddr := newTestProxy(t, auth.NewTable(nil))
	c := dial(t, proxyAddr)

	_, err := c.Write([]byte{0x04, 0x01, codec.MethodNoAuth})
	require.NoError(t, err)

	buf := make([]byte, 1)
	_, err = c.Read(buf)
	require.Equal(t, io.EOF, err)
}

func TestSplitWriteAcrossGreetingAndRequest(t *testing.T) {
	echoHost, echoPort := newTestEcho(t)
	proxyAddr := newTestProxy(t, auth.NewTable(nil))
	c := dial(t, proxyAddr)

	// Send the greeting one byte at a time to exercise reassembly.
	greeting := []byte{codec.Version, 0x01, codec.MethodNoAuth}
	for _, b := range greeting {
		_, err := c.Write([]byte{b})
		require.NoError(t, err)
	}
	require.Equal(t, []byte{codec.Version, codec.MethodNoAuth}, readN(t, c, 2))

	// ...and the CONNECT request the same way.
	for _, b := range ipv4ConnectRequest(echoHost, echoPort) {
		_, err := c.Write([]byte{b})
		require.NoError(t, err)
	}
	reply := readN(t, c, 10)
	require.Equal(t, byte(codec.StatusSuccess), reply[1])
}
