// Package bootstrap turns a node's configured bootstrap source, explicit
// peers or a service name, into concrete gossip endpoints to join on
// startup.
package bootstrap

import (
	"context"
	"log/slog"
	"net"
)

// GossipPort is appended to resolved bootstrap-service addresses; the
// daemon's gossip listener is expected to run on the same port cluster-wide.
const GossipPort = "7946"

// Resolver looks up addresses for a name. *net.Resolver satisfies this;
// tests substitute a fake.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Resolve returns the bootstrap endpoints to join. Explicit peers take
// precedence and are returned unchanged. Otherwise service is resolved
// against res (the runtime's DNS, never this daemon's own responder, to
// avoid a resolution loop through self). A resolution failure is not
// fatal: the node starts with no bootstrap peers and waits to be
// discovered.
func Resolve(ctx context.Context, explicit []string, service string, res Resolver, log *slog.Logger) []string {
	if len(explicit) > 0 {
		return explicit
	}
	if service == "" {
		return nil
	}

	addrs, err := res.LookupHost(ctx, service)
	if err != nil {
		log.Warn("bootstrap service resolution failed, starting without bootstrap peers", "service", service, "error", err)
		return nil
	}

	endpoints := make([]string, 0, len(addrs))
	for _, a := range addrs {
		endpoints = append(endpoints, net.JoinHostPort(a, GossipPort))
	}
	if len(endpoints) == 0 {
		log.Warn("bootstrap service resolved no addresses, starting without bootstrap peers", "service", service)
	}
	return endpoints
}

// SystemResolver is a Resolver that queries the host's configured
// resolver, exactly like a regular outbound DNS client would — never
// this daemon's own listener.
func SystemResolver() Resolver { return &net.Resolver{} }

var _ Resolver = (*net.Resolver)(nil)
