// Package config loads daemon configuration: per-link Trickle/keepalive
// tunables from YAML, and the one piece of state that survives restarts,
// self's node-id.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dncp-project/dncpd/internal/dncp"
)

// LinkConfig is the YAML structure for a single configured link.
type LinkConfig struct {
	Interface           string `yaml:"ifname"`
	MulticastGroup      string `yaml:"multicast_group"`
	Port                int    `yaml:"port"`
	TrickleIMinMS        int    `yaml:"trickle_imin_ms"`
	TrickleIMaxMS        int    `yaml:"trickle_imax_ms"`
	TrickleK             int    `yaml:"trickle_k"`
	KeepaliveIntervalMS  int    `yaml:"keepalive_interval_ms"`
	KeepaliveMult        float64 `yaml:"keepalive_mult"`
	RejoinIntervalMS     int    `yaml:"rejoin_interval_ms"`
}

// Config is the top-level YAML document.
type Config struct {
	NodeID    string       `yaml:"node_id"`
	NodeIDLen int          `yaml:"node_id_len"`
	Links     []LinkConfig `yaml:"links"`
}

// Load reads and parses a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if c.NodeIDLen == 0 {
		c.NodeIDLen = dncp.MaxNodeIDLen
	}
	return &c, nil
}

// MulticastAddr parses a link's configured group and port into a net.UDPAddr.
func (lc LinkConfig) MulticastAddr() (net.UDPAddr, error) {
	ip := net.ParseIP(strings.TrimSpace(lc.MulticastGroup))
	if ip == nil {
		return net.UDPAddr{}, fmt.Errorf("config: invalid multicast_group %q on link %q", lc.MulticastGroup, lc.Interface)
	}
	if !ip.IsMulticast() {
		return net.UDPAddr{}, fmt.Errorf("config: %q on link %q is not a multicast address", lc.MulticastGroup, lc.Interface)
	}
	return net.UDPAddr{IP: ip, Port: lc.Port}, nil
}

// DNCPLinkConf converts the YAML tunables into a dncp.LinkConf. Fields left
// unset (zero or negative) stay zero here; dncp.NewLink fills in the
// defaults.
func (lc LinkConfig) DNCPLinkConf() dncp.LinkConf {
	return dncp.LinkConf{
		TrickleIMin:       durationMS(lc.TrickleIMinMS),
		TrickleIMax:       durationMS(lc.TrickleIMaxMS),
		TrickleK:          lc.TrickleK,
		KeepaliveInterval: durationMS(lc.KeepaliveIntervalMS),
		KeepaliveMult:     lc.KeepaliveMult,
		RejoinInterval:    durationMS(lc.RejoinIntervalMS),
	}
}

func durationMS(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// ResolveNodeID returns the configured node-id, parsing it from hex if
// present in the YAML document, or reading/creating the persisted identity
// file at identityPath otherwise. Only self.node_id needs to survive
// restarts (spec.md §6).
func (c *Config) ResolveNodeID(identityPath string) (dncp.NodeID, error) {
	if c.NodeID != "" {
		return dncp.ParseNodeID(c.NodeID)
	}
	return LoadOrCreateIdentity(identityPath, c.NodeIDLen)
}

// LoadOrCreateIdentity reads a one-line hex node-id from path, creating it
// with a fresh random node-id on first boot.
func LoadOrCreateIdentity(path string, length int) (dncp.NodeID, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return dncp.ParseNodeID(strings.TrimSpace(string(data)))
	}
	if !os.IsNotExist(err) {
		return dncp.NodeID{}, fmt.Errorf("config: reading identity file %s: %w", path, err)
	}

	id, err := dncp.RandomNodeID(length)
	if err != nil {
		return dncp.NodeID{}, fmt.Errorf("config: generating node-id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return dncp.NodeID{}, fmt.Errorf("config: persisting identity file %s: %w", path, err)
	}
	return id, nil
}
