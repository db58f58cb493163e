// Command echoserver is a minimal demonstration of the connection runtime
// (internal/netrt) standalone, with no SOCKS5 layered on top: it writes
// back whatever it reads. It exists to prove the C3/C4 runtime API is
// usable on its own, the same role echo_server.py plays for the
// connector/protocol API it was built against.
package main

import (
	"os"

	"github.com/rs/zerolog"

	"socks5proxy/internal/netrt"
)

type echoHandler struct {
	conn *netrt.Conn
	log  zerolog.Logger
}

func (h *echoHandler) Attach(c *netrt.Conn) { h.conn = c }

func (h *echoHandler) OnConnect() {
	h.log.Debug().Str("peer", h.conn.PeerEndpoint().Addr).Msg("connected")
}

func (h *echoHandler) DataReceived(data []byte) {
	h.log.Debug().Int("bytes", len(data)).Msg("data_received")
	h.conn.Write(data)
}

func (h *echoHandler) ConnectionLost() {
	h.log.Debug().Msg("connection lost")
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.DebugLevel).With().Timestamp().Logger()

	rt := netrt.New(log)
	go rt.Run()

	factory := netrt.FactoryFunc(func() netrt.Handler {
		return &echoHandler{log: log}
	})

	if _, err := rt.CreateServer("localhost", 1080, factory); err != nil {
		log.Fatal().Err(err).Msg("failed to start echo server")
	}

	log.Info().Msg("echo server listening on localhost:1080")
	select {}
}
