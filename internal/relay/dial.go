package relay

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/netutil"
	"golang.org/x/net/proxy"
)

// ErrUpstream is returned when the relay cannot connect to the backend or
// cannot replay the captured handshake to it.
const ErrUpstream errors.Error = "upstream error"

// newDialer returns the dialer for the backend connections.  If proxyURL is
// set, the connections are made through that proxy.
func newDialer(proxyURL *url.URL, timeout time.Duration) (d proxy.Dialer, err error) {
	d = &net.Dialer{Timeout: timeout}
	if proxyURL == nil {
		return d, nil
	}

	d, err = proxy.FromURL(proxyURL, d)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy: %w", err)
	}

	return d, nil
}

// dialUpstream connects to the backend for serverName and writes the captured
// handshake bytes to it.  There is exactly one attempt.
func (s *Server) dialUpstream(serverName string, captured []byte) (conn net.Conn, err error) {
	host, err := s.resolver.Resolve(serverName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	remoteAddr := netutil.JoinHostPort(host, s.remotePort)
	log.Debug("relay: connecting to %s", remoteAddr)

	conn, err = s.dialer.Dial("tcp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %w", ErrUpstream, remoteAddr, err)
	}

	n, err := conn.Write(captured)
	if err == nil && n < len(captured) {
		err = io.ErrShortWrite
	}

	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("%w: replaying handshake to %s: %w", ErrUpstream, remoteAddr, err),
			conn.Close(),
		)
	}

	return conn, nil
}
