// Package dnssrv is responsible for the DNS server that points the clients of
// the redirected domains to the SNI relay.
package dnssrv

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/AdguardTeam/dnsproxy/proxy"
	"github.com/AdguardTeam/dnsproxy/upstream"
	"github.com/AdguardTeam/golibs/container"
	"github.com/AdguardTeam/golibs/log"
	"github.com/IGLOU-EU/go-wildcard"
	"github.com/ameshkov/sniforward/internal/metrics"
	"github.com/miekg/dns"
)

const (
	defaultTTL             = 300
	defaultCacheSizeBytes  = 16 * 1024
	ratelimitSubnetLenIPv4 = 24
	ratelimitSubnetLenIPv6 = 56

	// shutdownTimeout is the time Close waits for the listeners to stop.
	shutdownTimeout = 5 * time.Second
)

// Server is the DNS server that is able to re-route domains to the SNI relay.
type Server struct {
	proxy            *proxy.Proxy
	redirectDomains  []string
	redirectAddrIPv4 netip.Addr
	redirectAddrIPv6 netip.Addr
}

// type check
var _ io.Closer = (*Server)(nil)

// New creates a new DNS server with the specified configuration.
func New(config *Config) (srv *Server, err error) {
	proxyCfg := &proxy.Config{}

	proxyCfg.Ratelimit = config.RateLimit
	proxyCfg.RatelimitSubnetLenIPv4 = ratelimitSubnetLenIPv4
	proxyCfg.RatelimitSubnetLenIPv6 = ratelimitSubnetLenIPv6
	proxyCfg.RatelimitWhitelist = config.RateLimitAllowlist

	proxyCfg.CacheEnabled = true
	proxyCfg.CacheSizeBytes = defaultCacheSizeBytes

	proxyCfg.TLSConfig = config.TLSConfig

	proxyCfg.UpstreamConfig = &proxy.UpstreamConfig{
		Upstreams:                []upstream.Upstream{config.Upstream},
		DomainReservedUpstreams:  map[string][]upstream.Upstream{},
		SpecifiedDomainUpstreams: map[string][]upstream.Upstream{},
		SubdomainExclusions:      container.NewMapSet[string](),
	}

	if config.TCPAddr != nil {
		proxyCfg.TCPListenAddr = append(proxyCfg.TCPListenAddr, config.TCPAddr)
	}

	if config.UDPAddr != nil {
		proxyCfg.UDPListenAddr = append(proxyCfg.UDPListenAddr, config.UDPAddr)
	}

	if config.TLSAddr != nil {
		proxyCfg.TLSListenAddr = append(proxyCfg.TLSListenAddr, config.TLSAddr)
	}

	if config.HTTPSAddr != nil {
		proxyCfg.HTTPSListenAddr = append(proxyCfg.HTTPSListenAddr, config.HTTPSAddr)
	}

	if config.QUICAddr != nil {
		proxyCfg.QUICListenAddr = append(proxyCfg.QUICListenAddr, config.QUICAddr)
	}

	srv = &Server{
		redirectDomains:  config.RedirectDomains,
		redirectAddrIPv4: config.RedirectAddrIPv4,
		redirectAddrIPv6: config.RedirectAddrIPv6,
	}

	proxyCfg.RequestHandler = srv.requestHandler

	srv.proxy, err = proxy.New(proxyCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new DNS proxy: %w", err)
	}

	return srv, nil
}

// Start starts the DNS server.
func (s *Server) Start() (err error) {
	log.Info("dnssrv: starting")

	return s.proxy.Start(context.Background())
}

// Shutdown stops the DNS server.
func (s *Server) Shutdown(ctx context.Context) (err error) {
	log.Info("dnssrv: shutting down")

	return s.proxy.Shutdown(ctx)
}

// Close implements the io.Closer interface for *Server.
func (s *Server) Close() (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return s.Shutdown(ctx)
}

// Addr returns the address the proxy listens to for the specified DNS protocol.
func (s *Server) Addr(proto proxy.Proto) (addr net.Addr) {
	return s.proxy.Addr(proto)
}

// requestHandler handles DNS queries and makes a decision based on what
// domain is requested.
func (s *Server) requestHandler(_ *proxy.Proxy, ctx *proxy.DNSContext) (err error) {
	if ctx.Req == nil || len(ctx.Req.Question) != 1 {
		// Invalid request, ignore it immediately.
		return nil
	}

	resp := s.overrideResp(ctx)
	if resp != nil {
		ctx.Res = resp

		return nil
	}

	return s.proxy.Resolve(ctx)
}

// overrideResp checks if it is necessary to override the response. If it is,
// returns the overridden response. Otherwise, returns nil.
func (s *Server) overrideResp(ctx *proxy.DNSContext) (resp *dns.Msg) {
	q := ctx.Req.Question[0]
	hostname := strings.ToLower(strings.TrimSuffix(q.Name, "."))

	log.Debug("dnssrv: [%d] %s %s", ctx.RequestID, dns.Type(q.Qtype), hostname)

	redirect := s.shouldRedirect(hostname)

	redirectLabel := "0"
	if redirect {
		redirectLabel = "1"
	}
	metrics.QueriesTotal.WithLabelValues(string(ctx.Proto), redirectLabel).Inc()

	if !redirect {
		return nil
	}

	switch q.Qtype {
	case dns.TypeA, dns.TypeAAAA, dns.TypeHTTPS:
		// Go on.
	default:
		log.Debug("dnssrv: [%d] not redirecting type %s", ctx.RequestID, dns.Type(q.Qtype))

		return nil
	}

	resp = new(dns.Msg)
	resp.SetReply(ctx.Req)
	resp.Compress = true

	if rr := s.redirectRR(q); rr != nil {
		log.Debug("dnssrv: [%d] redirecting %s to the relay", ctx.RequestID, hostname)

		resp.Answer = []dns.RR{rr}
	} else {
		log.Debug("dnssrv: [%d] returning empty NOERROR response", ctx.RequestID)
	}

	return resp
}

// redirectRR returns the record that points q to the relay.  It returns nil
// when the response must be empty, e.g. for HTTPS queries which could carry
// hints with the real addresses.
func (s *Server) redirectRR(q dns.Question) (rr dns.RR) {
	hdr := dns.RR_Header{
		Name:   q.Name,
		Rrtype: q.Qtype,
		Class:  dns.ClassINET,
		Ttl:    defaultTTL,
	}

	switch {
	case q.Qtype == dns.TypeA && s.redirectAddrIPv4.IsValid():
		return &dns.A{Hdr: hdr, A: s.redirectAddrIPv4.AsSlice()}
	case q.Qtype == dns.TypeAAAA && s.redirectAddrIPv6.IsValid():
		return &dns.AAAA{Hdr: hdr, AAAA: s.redirectAddrIPv6.AsSlice()}
	default:
		return nil
	}
}

// shouldRedirect checks if the hostname needs to be redirected.
func (s *Server) shouldRedirect(hostname string) (ok bool) {
	for _, pattern := range s.redirectDomains {
		if wildcard.MatchSimple(pattern, hostname) {
			return true
		}
	}

	return false
}
