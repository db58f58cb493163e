package netrt

import (
	"fmt"
	"net"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// ParseEgressAddr validates s as an IPv4 or IPv6 literal suitable for
// binding outbound dials to. Adapted from the teacher proxy's ipv6.go,
// generalized from "must be IPv6" to "either family" - this proxy has no
// reason to restrict egress binding to one address family the way the
// teacher's IPv6-pool design did.
func ParseEgressAddr(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("netrt: invalid egress address %q", s)
	}
	return ip, nil
}

// EnsureInterfaceAddress checks whether addr is already assigned to iface
// and, if not, adds it. It is adapted from the teacher proxy's
// netif.go:EnsureIPv6Addresses, generalized from "a list of IPv6 pool
// addresses" to "a single configured egress address" and from
// IPv6-only to either family (the prefix length is chosen accordingly).
// It is idempotent: an already-assigned address is silently skipped.
func EnsureInterfaceAddress(log zerolog.Logger, iface string, addr net.IP) error {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return fmt.Errorf("netrt: interface %q: %w", iface, err)
	}

	existing, err := ifi.Addrs()
	if err != nil {
		return fmt.Errorf("netrt: list addresses on %q: %w", iface, err)
	}

	normalized := addr.String()
	for _, a := range existing {
		ipStr := a.String()
		if idx := strings.IndexByte(ipStr, '/'); idx != -1 {
			ipStr = ipStr[:idx]
		}
		if ip := net.ParseIP(ipStr); ip != nil && ip.Equal(addr) {
			log.Debug().Str("addr", normalized).Str("iface", iface).Msg("egress address already assigned, skipping")
			return nil
		}
	}

	prefix := "32"
	if addr.To4() == nil {
		prefix = "128"
	}

	cidr := normalized + "/" + prefix
	cmd := exec.Command("ip", "addr", "add", cidr, "dev", iface)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "RTNETLINK answers: File exists") {
			log.Debug().Str("addr", normalized).Str("iface", iface).Msg("egress address already exists (concurrent add), skipping")
			return nil
		}
		return fmt.Errorf("netrt: ip addr add %s dev %s: %s: %w", cidr, iface, strings.TrimSpace(string(output)), err)
	}

	log.Info().Str("addr", normalized).Str("iface", iface).Msg("added egress address")
	return nil
}
