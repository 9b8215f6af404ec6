package relay

import (
	"net/netip"
	"net/url"
	"time"

	"github.com/AdguardTeam/dnsproxy/upstream"
)

// Default values for the optional Config fields.
const (
	// DefaultPort is the port the relay listens on and connects to.
	DefaultPort uint16 = 443

	// DefaultMaxConnections is the default limit of the connections that are
	// handled simultaneously.
	DefaultMaxConnections = 4096

	// DefaultHandshakeTimeout is the default time a client has to send its
	// ClientHello.
	DefaultHandshakeTimeout = 60 * time.Second

	// DefaultDialTimeout is the default timeout for connecting to a backend.
	DefaultDialTimeout = 10 * time.Second
)

// Config represents the SNI relay server configuration.
type Config struct {
	// ListenAddr is the address the SNI relay server will listen to.
	ListenAddr netip.Addr

	// ListenPort is the port the SNI relay expects to receive TLS connections
	// to.  Zero means a random port, which is only useful in tests.
	ListenPort uint16

	// RemotePort is the port the relay connects to on the backend.  If zero,
	// DefaultPort is used.
	RemotePort uint16

	// ProxyURL is the proxy server address (optional).  If set, connections
	// to the backends are made through this proxy.
	ProxyURL *url.URL

	// Upstream is the DNS upstream used to resolve the backend names
	// (optional).  If nil, the names are passed to the dialer as is.
	Upstream upstream.Upstream

	// Hosts is the static mapping of server names to backend addresses.  It
	// takes precedence over Upstream.
	Hosts map[string]netip.Addr

	// RedirectDomains is a list of wildcards the relay server can reroute.
	// If it is not empty and the server name matches none of them, the
	// connection will not be accepted.
	RedirectDomains []string

	// MaxConnections is the maximum number of connections that are handled
	// simultaneously.  Zero means no limit.
	MaxConnections int64

	// HandshakeTimeout is the time a client has to send the first TLS record.
	// Zero means no timeout.
	HandshakeTimeout time.Duration

	// DialTimeout is the timeout for connecting to a backend.  Zero means no
	// timeout.
	DialTimeout time.Duration
}
