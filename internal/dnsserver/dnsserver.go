// Package dnsserver answers DNS queries from the cluster registry,
// forwarding anything outside its authority to an upstream resolver.
package dnsserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/clusterdns/clusterd/internal/clusterr"
	"github.com/clusterdns/clusterd/internal/metrics"
	"github.com/clusterdns/clusterd/internal/registry"
)

// TTL is the answer TTL for registry-backed responses. Short on purpose:
// a long TTL would let a stale binding linger in resolver caches across
// a container restart.
const TTL = 10

const upstreamTimeout = 3 * time.Second

// Server listens for DNS queries on UDP and TCP and answers single-label
// names from the registry, forwarding everything else upstream.
type Server struct {
	Bind     string
	Upstream string
	Registry *registry.Registry
	Log      *slog.Logger
	Metrics  *metrics.Metrics // optional; nil disables instrumentation

	udp *dns.Server
	tcp *dns.Server

	client *dns.Client
}

// Run starts the UDP and TCP listeners and blocks until ctx is canceled.
// In-flight requests are given up to 2s to finish before the listeners
// are forcibly shut down.
func (s *Server) Run(ctx context.Context) error {
	s.client = &dns.Client{Timeout: upstreamTimeout}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	s.udp = &dns.Server{Addr: s.Bind, Net: "udp", Handler: mux}
	s.tcp = &dns.Server{Addr: s.Bind, Net: "tcp", Handler: mux}

	errCh := make(chan error, 2)
	go func() { errCh <- runListener(s.udp) }()
	go func() { errCh <- runListener(s.tcp) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.udp.ShutdownContext(shutdownCtx)
		_ = s.tcp.ShutdownContext(shutdownCtx)
		return nil
	case err := <-errCh:
		return clusterr.New(clusterr.BindFailure, fmt.Errorf("dns listener exited: %w", err))
	}
}

func runListener(srv *dns.Server) error {
	if err := srv.ListenAndServe(); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) != 1 {
		reply := new(dns.Msg)
		reply.SetRcode(r, dns.RcodeFormatError)
		_ = w.WriteMsg(reply)
		return
	}

	q := r.Question[0]
	name := strings.ToLower(q.Name)

	if isMultiLabel(name) {
		s.forward(w, r)
		return
	}

	reply := new(dns.Msg)
	reply.SetReply(r)
	reply.Authoritative = true

	addrs := s.Registry.Lookup(strings.TrimSuffix(name, "."))
	if len(addrs) == 0 {
		reply.Rcode = dns.RcodeNameError
		_ = w.WriteMsg(reply)
		s.countQuery("NXDOMAIN")
		return
	}

	reply.Answer = answersFor(q.Name, q.Qtype, addrs)
	_ = w.WriteMsg(reply)
	s.countQuery("NOERROR")
}

func (s *Server) countQuery(rcode string) {
	if s.Metrics != nil {
		s.Metrics.DNSQueries.WithLabelValues(rcode).Inc()
	}
}

// isMultiLabel reports whether name (already lowercased, dot-terminated)
// has more than one label, i.e. contains a dot before the trailing root.
func isMultiLabel(name string) bool {
	trimmed := strings.TrimSuffix(name, ".")
	return strings.Contains(trimmed, ".")
}

// answersFor builds the resource records matching qtype from addrs.
// ANY returns both A and AAAA; a type with no matching family yields no
// records (an authoritative empty answer, not NXDOMAIN).
func answersFor(qname string, qtype uint16, addrs []netip.Addr) []dns.RR {
	var rrs []dns.RR
	for _, a := range addrs {
		switch {
		case a.Is4() && (qtype == dns.TypeA || qtype == dns.TypeANY):
			rrs = append(rrs, &dns.A{
				Hdr: dns.RR_Header{Name: qname, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: TTL},
				A:   net.IP(a.AsSlice()),
			})
		case !a.Is4() && (qtype == dns.TypeAAAA || qtype == dns.TypeANY):
			rrs = append(rrs, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: qname, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: TTL},
				AAAA: net.IP(a.AsSlice()),
			})
		}
	}
	return rrs
}

// forward relays a multi-label query to the upstream resolver verbatim,
// replying SERVFAIL on any upstream failure.
func (s *Server) forward(w dns.ResponseWriter, r *dns.Msg) {
	upstream := s.Upstream
	if upstream == "" {
		upstream = systemUpstream()
	}

	resp, _, err := s.client.Exchange(r, upstream)
	if err != nil || resp == nil {
		s.Log.Debug("upstream forward failed", "upstream", upstream, "error", err)
		fail := new(dns.Msg)
		fail.SetRcode(r, dns.RcodeServerFailure)
		_ = w.WriteMsg(fail)
		if s.Metrics != nil {
			s.Metrics.DNSForwards.WithLabelValues("failed").Inc()
		}
		return
	}
	_ = w.WriteMsg(resp)
	if s.Metrics != nil {
		s.Metrics.DNSForwards.WithLabelValues("ok").Inc()
	}
}

// systemUpstream reads the first nameserver in /etc/resolv.conf, falling
// back to a public resolver if none is configured.
func systemUpstream() string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return "1.1.1.1:53"
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port)
}
