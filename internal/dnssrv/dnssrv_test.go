package dnssrv_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/dnsproxy/proxy"
	"github.com/AdguardTeam/dnsproxy/upstream"
	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/sniforward/internal/dnssrv"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

const (
	tlsServerName = "dns.example.com"

	// upstreamIPv4 is the address the local upstream returns for all A
	// queries.
	upstreamIPv4 = "192.0.2.1"

	redirectIPv4 = "127.0.0.1"
	redirectIPv6 = "::1"
)

// startUpstream starts a local plain DNS server that answers every A query
// with upstreamIPv4.
func startUpstream(t *testing.T) (u upstream.Upstream) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			resp := &dns.Msg{}
			resp.SetReply(req)

			q := req.Question[0]
			if q.Qtype == dns.TypeA {
				resp.Answer = append(resp.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.ParseIP(upstreamIPv4),
				})
			}

			_ = w.WriteMsg(resp)
		}),
	}

	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	u, err = upstream.AddressToUpstream(pc.LocalAddr().String(), &upstream.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { log.OnCloserError(u, log.DEBUG) })

	return u
}

func TestNew(t *testing.T) {
	testCases := []struct {
		name             string
		reqDomain        string
		redirectDomains  []string
		expectedRedirect bool
		proto            proxy.Proto
	}{{
		name:             "redirect-plain",
		reqDomain:        "example.com",
		redirectDomains:  []string{"*"},
		expectedRedirect: true,
		proto:            proxy.ProtoUDP,
	}, {
		name:             "redirect-tcp-wildcard",
		reqDomain:        "www.example.com",
		redirectDomains:  []string{"*.example.com"},
		expectedRedirect: true,
		proto:            proxy.ProtoTCP,
	}, {
		name:             "redirect-https",
		reqDomain:        "example.com",
		redirectDomains:  []string{"*"},
		expectedRedirect: true,
		proto:            proxy.ProtoHTTPS,
	}, {
		name:             "redirect-tls",
		reqDomain:        "example.com",
		redirectDomains:  []string{"*"},
		expectedRedirect: true,
		proto:            proxy.ProtoTLS,
	}, {
		name:             "redirect-quic",
		reqDomain:        "example.com",
		redirectDomains:  []string{"*"},
		expectedRedirect: true,
		proto:            proxy.ProtoQUIC,
	}, {
		name:             "no-redirect",
		reqDomain:        "example.org",
		redirectDomains:  []string{"example.com"},
		expectedRedirect: false,
		proto:            proxy.ProtoUDP,
	}, {
		name:             "no-redirect-tls",
		reqDomain:        "example.org",
		redirectDomains:  []string{"example.com"},
		expectedRedirect: false,
		proto:            proxy.ProtoTLS,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			localAddrUDP := &net.UDPAddr{IP: net.IP{127, 0, 0, 1}, Port: 0}
			localAddrTCP := &net.TCPAddr{IP: net.IP{127, 0, 0, 1}, Port: 0}

			tlsConfig, caPem := newTLSConfig(t)
			roots := x509.NewCertPool()
			roots.AppendCertsFromPEM(caPem)

			cfg := &dnssrv.Config{
				Upstream:         startUpstream(t),
				RedirectDomains:  tc.redirectDomains,
				RedirectAddrIPv4: netip.MustParseAddr(redirectIPv4),
				RedirectAddrIPv6: netip.MustParseAddr(redirectIPv6),
				TLSConfig:        tlsConfig,
			}

			switch tc.proto {
			case proxy.ProtoUDP, proxy.ProtoTCP:
				cfg.TCPAddr = localAddrTCP
				cfg.UDPAddr = localAddrUDP
			case proxy.ProtoTLS:
				cfg.TLSAddr = localAddrTCP
			case proxy.ProtoHTTPS:
				cfg.HTTPSAddr = localAddrTCP
			case proxy.ProtoQUIC:
				cfg.QUICAddr = localAddrUDP
			}

			srv, err := dnssrv.New(cfg)
			require.NoError(t, err)

			err = srv.Start()
			require.NoError(t, err)
			t.Cleanup(func() { log.OnCloserError(srv, log.DEBUG) })

			upstreamAddr := ""
			switch tc.proto {
			case proxy.ProtoUDP:
				upstreamAddr = fmt.Sprintf("%s", srv.Addr(proxy.ProtoUDP))
			case proxy.ProtoTCP:
				upstreamAddr = fmt.Sprintf("tcp://%s", srv.Addr(proxy.ProtoTCP))
			case proxy.ProtoHTTPS:
				upstreamAddr = fmt.Sprintf("https://%s/dns-query", srv.Addr(proxy.ProtoHTTPS))
			case proxy.ProtoTLS:
				upstreamAddr = fmt.Sprintf("tls://%s", srv.Addr(proxy.ProtoTLS))
			case proxy.ProtoQUIC:
				upstreamAddr = fmt.Sprintf("quic://%s", srv.Addr(proxy.ProtoQUIC))
			}

			testUpstream, err := upstream.AddressToUpstream(
				upstreamAddr,
				&upstream.Options{RootCAs: roots},
			)
			require.NoError(t, err)
			t.Cleanup(func() { log.OnCloserError(testUpstream, log.DEBUG) })

			for _, reqType := range []uint16{dns.TypeA, dns.TypeAAAA, dns.TypeHTTPS} {
				req := &dns.Msg{}
				req.Id = dns.Id()
				req.RecursionDesired = true
				req.Question = []dns.Question{
					{Name: dns.Fqdn(tc.reqDomain), Qtype: reqType, Qclass: dns.ClassINET},
				}

				resp, exchErr := testUpstream.Exchange(req)
				require.NoError(t, exchErr)
				require.NotNil(t, resp)
				require.Equal(t, dns.RcodeSuccess, resp.Rcode)

				requireAnswer(t, resp, reqType, tc.expectedRedirect)
			}
		})
	}
}

// requireAnswer checks the answer section of resp for a query of reqType.
func requireAnswer(t *testing.T, resp *dns.Msg, reqType uint16, redirected bool) {
	t.Helper()

	switch {
	case reqType == dns.TypeA && redirected:
		require.Len(t, resp.Answer, 1)
		a, ok := resp.Answer[0].(*dns.A)
		require.True(t, ok)
		require.Equal(t, redirectIPv4, a.A.String())
	case reqType == dns.TypeAAAA && redirected:
		require.Len(t, resp.Answer, 1)
		aaaa, ok := resp.Answer[0].(*dns.AAAA)
		require.True(t, ok)
		require.Equal(t, redirectIPv6, aaaa.AAAA.String())
	case reqType == dns.TypeA:
		require.Len(t, resp.Answer, 1)
		a, ok := resp.Answer[0].(*dns.A)
		require.True(t, ok)
		require.Equal(t, upstreamIPv4, a.A.String())
	default:
		require.Empty(t, resp.Answer)
	}
}

func newTLSConfig(t *testing.T) (conf *tls.Config, certPem []byte) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	require.NoError(t, err)

	notBefore := time.Now()
	notAfter := notBefore.Add(5 * 365 * time.Hour * 24)

	keyUsage := x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign
	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{"AdGuard Tests"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              keyUsage,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{tlsServerName},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(
		rand.Reader,
		&template,
		&template,
		&privateKey.PublicKey,
		privateKey,
	)
	require.NoError(t, err)

	certPem = pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: derBytes,
	})
	keyPem := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	cert, err := tls.X509KeyPair(certPem, keyPem)
	require.NoError(t, err)

	return &tls.Config{Certificates: []tls.Certificate{cert}, ServerName: tlsServerName}, certPem
}
