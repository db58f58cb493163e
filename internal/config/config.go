// Package config loads the optional YAML multi-listener configuration
// file. It is adapted from the teacher proxy's config.go: the same
// "read, unmarshal, validate with per-entry duplicate/range checks" shape,
// generalized from a single interface with a fixed pool of IPv6 egress
// addresses to an arbitrary list of (bind interface, port) listeners plus
// one optional egress address shared by all of them.
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// ListenerEntry is a single SOCKS5 listener: the interface/address to bind
// and the port to listen on.
type ListenerEntry struct {
	Interface string `yaml:"interface"`
	Port      int    `yaml:"port"`
}

// Config is the top-level YAML configuration for running more than one
// listener, or binding outbound dials to a specific egress address,
// without repeating --bind/--port/--egress-ip flags on the command line.
type Config struct {
	Listeners       []ListenerEntry `yaml:"listeners"`
	EgressIP        string          `yaml:"egress_ip"`
	EgressInterface string          `yaml:"egress_interface"`
}

// Load reads and validates the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if len(cfg.Listeners) == 0 {
		return nil, fmt.Errorf("config: at least one entry under 'listeners' is required")
	}

	seen := make(map[string]struct{}, len(cfg.Listeners))
	for i, l := range cfg.Listeners {
		if l.Interface == "" {
			return nil, fmt.Errorf("config: listeners[%d]: 'interface' is required (e.g. 0.0.0.0 or eth0's address)", i)
		}
		if l.Port < 1 || l.Port > 65535 {
			return nil, fmt.Errorf("config: listeners[%d]: port %d out of range (1-65535)", i, l.Port)
		}

		key := fmt.Sprintf("%s:%d", l.Interface, l.Port)
		if _, ok := seen[key]; ok {
			return nil, fmt.Errorf("config: listeners[%d]: duplicate listener %s", i, key)
		}
		seen[key] = struct{}{}
	}

	if cfg.EgressIP != "" {
		if ip := net.ParseIP(cfg.EgressIP); ip == nil {
			return nil, fmt.Errorf("config: invalid egress_ip %q", cfg.EgressIP)
		}
		if cfg.EgressInterface == "" {
			return nil, fmt.Errorf("config: egress_interface is required when egress_ip is set")
		}
	}

	return &cfg, nil
}
