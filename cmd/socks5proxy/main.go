// Command socks5proxy runs a SOCKS5 (RFC 1928/1929) proxy server: one or
// more listeners accepting CONNECT requests, optionally gated behind a
// username/password table, relaying to whatever destination the client
// asked for.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"socks5proxy/internal/auth"
	"socks5proxy/internal/config"
	appmetrics "socks5proxy/internal/metrics"
	"socks5proxy/internal/netrt"
	"socks5proxy/internal/socks5"
)

var opt struct {
	Bind           string
	Port           int
	ConfigPath     string
	PasswordFile   string
	LogLevel       string
	ConnLogPath    string
	MetricsAddr    string
	EgressIP       string
	EgressIface    string
	Help           bool
}

func init() {
	pflag.StringVar(&opt.Bind, "bind", "0.0.0.0", "address to listen on (ignored if --config is set)")
	pflag.IntVar(&opt.Port, "port", 1080, "port to listen on (ignored if --config is set)")
	pflag.StringVar(&opt.ConfigPath, "config", "", "path to a YAML file describing multiple listeners")
	pflag.StringVar(&opt.PasswordFile, "password-file", "password_file", "base64 user,password CSV of valid credentials")
	pflag.StringVar(&opt.LogLevel, "loglevel", "warn", "diagnostic log level: debug, info, warn, error")
	pflag.StringVar(&opt.ConnLogPath, "connection-log", "", "file to append one line per CONNECT dial attempt to (default: stderr)")
	pflag.StringVar(&opt.MetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (default: disabled)")
	pflag.StringVar(&opt.EgressIP, "egress-ip", "", "bind outbound CONNECT dials to this local address")
	pflag.StringVar(&opt.EgressIface, "egress-iface", "", "network interface to ensure --egress-ip is assigned to (Linux only)")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "show this help text")
}

func main() {
	pflag.Parse()
	if opt.Help {
		fmt.Printf("usage: %s [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		os.Exit(0)
	}

	level, err := zerolog.ParseLevel(opt.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid --loglevel %q: %v\n", opt.LogLevel, err)
		os.Exit(1)
	}
	log := zerolog.New(zerolog.MultiLevelWriter(os.Stderr)).Level(level).With().Timestamp().Logger()

	var connWriter io.Writer = os.Stderr
	if opt.ConnLogPath != "" {
		f, err := os.OpenFile(opt.ConnLogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatal().Err(err).Str("path", opt.ConnLogPath).Msg("failed to open connection log")
		}
		defer f.Close()
		connWriter = f
	}
	// The connection log is a separate, non-propagating sink: it never
	// shares output with the diagnostic logger above, matching the
	// original's conn_logger.propagate = False.
	connLog := zerolog.New(zerolog.ConsoleWriter{Out: connWriter, NoColor: true, TimeFormat: "2006-01-02 15:04:05"}).
		With().Timestamp().Logger()

	table, err := auth.LoadCSV(opt.PasswordFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", opt.PasswordFile).Msg("failed to load password file")
	}
	var authenticator auth.Authenticator = table
	log.Info().Str("path", opt.PasswordFile).Msg("loaded password file, USER_PWD auth available")

	listeners, egressIP, egressIface := resolveListenerConfig(&log)

	rt := netrt.New(log)
	go rt.Run()

	if egressIP != nil {
		if egressIface != "" && runtime.GOOS == "linux" {
			if err := netrt.EnsureInterfaceAddress(log, egressIface, egressIP); err != nil {
				log.Fatal().Err(err).Msg("failed to ensure egress address is assigned")
			}
		}
		rt.SetEgressIP(egressIP)
		log.Info().Str("egress_ip", egressIP.String()).Msg("outbound dials will bind this address")
	}

	m := appmetrics.New()
	if opt.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) { m.WritePrometheus(w) })
		go func() {
			if err := http.ListenAndServe(opt.MetricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		log.Info().Str("addr", opt.MetricsAddr).Msg("serving metrics")
	}

	factory := &socks5.Factory{RT: rt, Authenticator: authenticator, Logger: log, ConnLogger: connLog, Metrics: m}

	for _, l := range listeners {
		ln, err := rt.CreateServer(l.Interface, l.Port, factory)
		if err != nil {
			log.Fatal().Err(err).Str("interface", l.Interface).Int("port", l.Port).Msg("failed to start listener")
		}
		log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	rt.Shutdown()
}

type listenerSpec struct {
	Interface string
	Port      int
}

// resolveListenerConfig picks listeners and egress settings from --config
// if given, falling back to the individual --bind/--port/--egress-ip/
// --egress-iface flags otherwise.
func resolveListenerConfig(log *zerolog.Logger) ([]listenerSpec, net.IP, string) {
	if opt.ConfigPath == "" {
		var egressIP net.IP
		if opt.EgressIP != "" {
			ip, err := netrt.ParseEgressAddr(opt.EgressIP)
			if err != nil {
				log.Fatal().Err(err).Msg("invalid --egress-ip")
			}
			egressIP = ip
		}
		return []listenerSpec{{Interface: opt.Bind, Port: opt.Port}}, egressIP, opt.EgressIface
	}

	cfg, err := config.Load(opt.ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config file")
	}

	specs := make([]listenerSpec, len(cfg.Listeners))
	for i, l := range cfg.Listeners {
		specs[i] = listenerSpec{Interface: l.Interface, Port: l.Port}
	}

	var egressIP net.IP
	if cfg.EgressIP != "" {
		egressIP, _ = netrt.ParseEgressAddr(cfg.EgressIP)
	}
	return specs, egressIP, cfg.EgressInterface
}
