package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"time"

	"github.com/AdguardTeam/dnsproxy/upstream"
	"github.com/ameshkov/sniforward/internal/relay"
)

// Relay represents the SNI relay server section of the configuration file.
type Relay struct {
	// ListenAddr is the address where the Relay server will listen to incoming
	// connections.
	ListenAddr string `yaml:"listen-addr"`

	// HTTPSPort is the port where relay will expect to receive TLS
	// connections.  If not specified, 443 is used.
	HTTPSPort uint16 `yaml:"https-port"`

	// RemotePort is the port the relay connects to on the backends.  If not
	// specified, 443 is used.
	RemotePort uint16 `yaml:"remote-port"`

	// ProxyURL is the optional port for upstream connections by the relay.
	// Format of the URL: [protocol://username:password@]host[:port]
	ProxyURL string `yaml:"proxy-url"`

	// MaxConnections is the maximum number of connections handled at the same
	// time.  If not specified, relay.DefaultMaxConnections is used.  A
	// negative value disables the limit.
	MaxConnections int64 `yaml:"max-connections"`

	// HandshakeTimeout is the time a client has to send its ClientHello.  If
	// not specified, relay.DefaultHandshakeTimeout is used.
	HandshakeTimeout time.Duration `yaml:"handshake-timeout"`

	// DialTimeout is the timeout for connecting to the backends.  If not
	// specified, relay.DefaultDialTimeout is used.
	DialTimeout time.Duration `yaml:"dial-timeout"`
}

// Resolver represents the section of the configuration file that controls the
// resolution of the backend names.
type Resolver struct {
	// UpstreamAddr is the address of the DNS server used to resolve the
	// backend names, e.g. "tls://dns.google".  If not specified, the system
	// resolver is used.
	UpstreamAddr string `yaml:"upstream-addr"`

	// Hosts maps server names to the backend IP addresses.  It takes
	// precedence over UpstreamAddr.
	Hosts map[string]string `yaml:"hosts"`
}

// ToRelayConfig transforms the configuration to the internal relay.Config.
func (f *File) ToRelayConfig() (relayCfg *relay.Config, err error) {
	if f.Relay == nil {
		return nil, fmt.Errorf("relay config is empty")
	}

	relayCfg = &relay.Config{
		ListenPort:       withDefault(f.Relay.HTTPSPort, relay.DefaultPort),
		RemotePort:       withDefault(f.Relay.RemotePort, relay.DefaultPort),
		MaxConnections:   withDefault(f.Relay.MaxConnections, relay.DefaultMaxConnections),
		HandshakeTimeout: withDefault(f.Relay.HandshakeTimeout, relay.DefaultHandshakeTimeout),
		DialTimeout:      withDefault(f.Relay.DialTimeout, relay.DefaultDialTimeout),
		RedirectDomains:  f.redirectDomains(),
	}

	if relayCfg.MaxConnections < 0 {
		relayCfg.MaxConnections = 0
	}

	relayCfg.ListenAddr, err = netip.ParseAddr(f.Relay.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("parse relay listen addr: %w", err)
	}

	if f.Relay.ProxyURL != "" {
		relayCfg.ProxyURL, err = url.Parse(f.Relay.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse relay proxy url: %w", err)
		}
	}

	if f.Resolver != nil {
		err = f.Resolver.toRelayConfig(relayCfg)
		if err != nil {
			return nil, fmt.Errorf("parse resolver: %w", err)
		}
	}

	return relayCfg, nil
}

// toRelayConfig sets the resolution parameters of relayCfg.
func (r *Resolver) toRelayConfig(relayCfg *relay.Config) (err error) {
	relayCfg.Hosts = make(map[string]netip.Addr, len(r.Hosts))
	for host, ip := range r.Hosts {
		relayCfg.Hosts[host], err = netip.ParseAddr(ip)
		if err != nil {
			return fmt.Errorf("hosts: %s: %w", host, err)
		}
	}

	if r.UpstreamAddr != "" {
		relayCfg.Upstream, err = upstream.AddressToUpstream(r.UpstreamAddr, &upstream.Options{
			Timeout: relayCfg.DialTimeout,
		})
		if err != nil {
			return fmt.Errorf("upstream-addr: %w", err)
		}
	}

	return nil
}

// withDefault returns def if v is the zero value.
func withDefault[T comparable](v, def T) (res T) {
	var zero T
	if v == zero {
		return def
	}

	return v
}
