// Package config loads and validates the cluster DNS daemon's configuration
// from environment variables. All settings have sensible defaults except
// the cluster secret, which is required cluster-wide and has none.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"

	"github.com/clusterdns/clusterd/internal/clusterr"
	"github.com/clusterdns/clusterd/internal/registry"
)

// Config holds all runtime configuration for the daemon. Values are loaded
// once at startup via Load() and then treated as immutable.
type Config struct {
	// NetworkName is the runtime network to monitor for containers. If
	// empty, this node is "main": it runs no observer and only relays
	// gossip and serves DNS.
	NetworkName string

	// DNSBind is the UDP+TCP bind address for the DNS responder.
	DNSBind string

	// GossipBind is the bind address for the gossip transport.
	GossipBind string

	// TopicID scopes gossip membership; it must match across the cluster.
	TopicID [32]byte

	// BootstrapPeers is an explicit list of peer endpoints to join on
	// startup. Takes precedence over BootstrapService.
	BootstrapPeers []string

	// BootstrapService is the runtime-DNS name resolved for bootstrap
	// endpoints when BootstrapPeers is empty.
	BootstrapService string

	// ClusterSecret is the HMAC key every peer in the cluster must share.
	ClusterSecret []byte

	// UpstreamDNS is the forwarder used for multi-label queries. Empty
	// means "resolve from the system configuration".
	UpstreamDNS string

	// MetricsBind is the HTTP bind address for the /metrics endpoint.
	MetricsBind string

	// NodeID is this node's stable gossip identity. Randomly generated
	// if not supplied.
	NodeID registry.PeerID
}

// IsReplica reports whether this node runs the container observer.
func (c *Config) IsReplica() bool { return c.NetworkName != "" }

const (
	envNetworkName      = "CLUSTERD_NETWORK_NAME"
	envDNSBind          = "CLUSTERD_DNS_BIND"
	envBindIP           = "CLUSTERD_BIND_IP"
	envGossipBind       = "CLUSTERD_GOSSIP_BIND"
	envTopicID          = "CLUSTERD_TOPIC_ID"
	envBootstrapPeers   = "CLUSTERD_BOOTSTRAP_PEERS"
	envBootstrapService = "CLUSTERD_BOOTSTRAP_SERVICE"
	envClusterSecret    = "CLUSTERD_CLUSTER_SECRET"
	envUpstreamDNS      = "CLUSTERD_UPSTREAM_DNS"
	envNodeID           = "CLUSTERD_NODE_ID"
	envMetricsBind      = "CLUSTERD_METRICS_BIND"

	defaultDNSBind     = "0.0.0.0:53"
	defaultGossipBind  = "0.0.0.0:7946"
	defaultMetricsBind = "0.0.0.0:9191"
)

// Load reads configuration from environment variables and validates it.
// Validation failures are wrapped as clusterr.ConfigInvalid.
func Load() (*Config, error) {
	cfg := &Config{
		NetworkName:      os.Getenv(envNetworkName),
		DNSBind:          getEnv(envDNSBind, defaultDNSBind),
		GossipBind:       getEnv(envGossipBind, defaultGossipBind),
		BootstrapService: getEnv(envBootstrapService, "main"),
		UpstreamDNS:      os.Getenv(envUpstreamDNS),
		MetricsBind:      getEnv(envMetricsBind, defaultMetricsBind),
	}

	if host := os.Getenv(envBindIP); host != "" {
		if err := applyBindIP(cfg, host); err != nil {
			return nil, clusterr.New(clusterr.ConfigInvalid, err)
		}
	}

	if v := os.Getenv(envBootstrapPeers); v != "" {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.BootstrapPeers = append(cfg.BootstrapPeers, p)
			}
		}
	}

	topic, err := loadTopicID(os.Getenv(envTopicID))
	if err != nil {
		return nil, clusterr.New(clusterr.ConfigInvalid, fmt.Errorf("%s: %w", envTopicID, err))
	}
	cfg.TopicID = topic

	secret := os.Getenv(envClusterSecret)
	if secret == "" {
		return nil, clusterr.New(clusterr.ConfigInvalid, fmt.Errorf("%s is required", envClusterSecret))
	}
	cfg.ClusterSecret = []byte(secret)

	nodeID, err := loadNodeID(os.Getenv(envNodeID))
	if err != nil {
		return nil, clusterr.New(clusterr.ConfigInvalid, fmt.Errorf("%s: %w", envNodeID, err))
	}
	cfg.NodeID = nodeID

	if _, _, err := net.SplitHostPort(cfg.DNSBind); err != nil {
		return nil, clusterr.New(clusterr.ConfigInvalid, fmt.Errorf("dns_bind %q: %w", cfg.DNSBind, err))
	}

	return cfg, nil
}

// applyBindIP overrides DNSBind's host, keeping its existing port (or 53
// if DNSBind carries none yet).
func applyBindIP(cfg *Config, host string) error {
	if _, err := netip.ParseAddr(host); err != nil {
		return fmt.Errorf("invalid %s %q: %w", envBindIP, host, err)
	}
	_, port, err := net.SplitHostPort(cfg.DNSBind)
	if err != nil {
		port = "53"
	}
	cfg.DNSBind = net.JoinHostPort(host, port)
	return nil
}

// loadTopicID decodes a hex-encoded 32-byte topic ID, or mints a random
// one if hexTopic is empty. A random topic only makes sense for a
// single-node or manually-coordinated test cluster — production clusters
// must set CLUSTERD_TOPIC_ID explicitly so every node agrees.
func loadTopicID(hexTopic string) ([32]byte, error) {
	var out [32]byte
	if hexTopic == "" {
		if _, err := rand.Read(out[:]); err != nil {
			return out, fmt.Errorf("generating random topic id: %w", err)
		}
		return out, nil
	}
	decoded, err := hex.DecodeString(hexTopic)
	if err != nil {
		return out, fmt.Errorf("decoding hex: %w", err)
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("topic id must be 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

// loadNodeID decodes a hex-encoded 32-byte peer id, or mints a random one.
func loadNodeID(hexID string) (registry.PeerID, error) {
	var out registry.PeerID
	if hexID == "" {
		if _, err := rand.Read(out[:]); err != nil {
			return out, fmt.Errorf("generating random node id: %w", err)
		}
		return out, nil
	}
	decoded, err := hex.DecodeString(hexID)
	if err != nil {
		return out, fmt.Errorf("decoding hex: %w", err)
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("node id must be 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

// getEnv returns the value of the environment variable named by key, or
// fallback if the variable is unset or empty.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
