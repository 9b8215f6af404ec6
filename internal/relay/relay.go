// Package relay implements all the relay logic: it accepts TLS connections,
// peeks the server name, connects to the backend and tunnels the traffic.
package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/IGLOU-EU/go-wildcard"
	"github.com/ameshkov/sniforward/internal/forward"
	"github.com/ameshkov/sniforward/internal/metrics"
	"github.com/ameshkov/sniforward/internal/sni"
	"github.com/getsentry/sentry-go"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/semaphore"
)

// acceptRetryDelay is the pause after a failed Accept call.
const acceptRetryDelay = 50 * time.Millisecond

// Server implements all the relay logic, listens for incoming connections and
// redirects them to the proper server.
type Server struct {
	started bool
	wg      *sync.WaitGroup

	dialer   proxy.Dialer
	resolver *Resolver

	// slots limits the number of simultaneously handled connections, nil
	// means no limit.
	slots *semaphore.Weighted

	// ctx is canceled when the server is closed.
	ctx    context.Context
	cancel context.CancelFunc

	redirectDomains  []string
	remotePort       uint16
	handshakeTimeout time.Duration

	listenAddr *net.TCPAddr
	listener   net.Listener

	// mu protects started and listener.
	mu *sync.Mutex
}

// type check
var _ io.Closer = (*Server)(nil)

// NewServer creates a new instance of *Server.
func NewServer(cfg *Config) (s *Server, err error) {
	if !cfg.ListenAddr.IsValid() {
		return nil, fmt.Errorf("invalid listen IP: %s", cfg.ListenAddr)
	}

	s = &Server{
		wg:               &sync.WaitGroup{},
		mu:               &sync.Mutex{},
		resolver:         NewResolver(cfg.Upstream, cfg.Hosts),
		redirectDomains:  cfg.RedirectDomains,
		remotePort:       cfg.RemotePort,
		handshakeTimeout: cfg.HandshakeTimeout,
		listenAddr:       net.TCPAddrFromAddrPort(netip.AddrPortFrom(cfg.ListenAddr, cfg.ListenPort)),
	}

	if s.remotePort == 0 {
		s.remotePort = DefaultPort
	}

	if cfg.MaxConnections > 0 {
		s.slots = semaphore.NewWeighted(cfg.MaxConnections)
	}

	s.dialer, err = newDialer(cfg.ProxyURL, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Addr returns the address where the server listens for TLS traffic.
func (s *Server) Addr() (addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	return s.listener.Addr()
}

// Start starts the server.
func (s *Server) Start() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Info("relay: starting")

	if s.started {
		return fmt.Errorf("server is already started")
	}

	s.listener, err = net.ListenTCP("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to serve TLS: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		aErr := s.acceptLoop(s.ctx, s.listener)
		log.Info("relay: exiting listener loop: %v", aErr)
	}()

	s.started = true

	log.Info("relay: started on %s", s.listener.Addr())

	return nil
}

// acceptLoop runs the accept loop until the listener is closed.  It never
// handles the connections itself.
func (s *Server) acceptLoop(ctx context.Context, l net.Listener) (err error) {
	for {
		if err = s.acquire(ctx); err != nil {
			return err
		}

		var conn net.Conn
		conn, err = l.Accept()
		if errors.Is(err, net.ErrClosed) {
			s.release()

			return err
		}

		if err != nil {
			s.release()
			metrics.ConnectionErrorsTotal.WithLabelValues(kindTransport).Inc()
			log.Debug("relay: failed to accept: %v", err)

			time.Sleep(acceptRetryDelay)

			continue
		}

		go s.serveConn(conn)
	}
}

// acquire waits for a free connection slot.
func (s *Server) acquire(ctx context.Context) (err error) {
	if s.slots == nil {
		return nil
	}

	return s.slots.Acquire(ctx, 1)
}

// release frees a connection slot.
func (s *Server) release() {
	if s.slots != nil {
		s.slots.Release(1)
	}
}

// serveConn handles conn and makes sure that whatever happens to it does not
// affect the other connections.
func (s *Server) serveConn(conn net.Conn) {
	defer s.release()
	defer func() {
		v := recover()
		if v == nil {
			return
		}

		sentry.CurrentHub().Recover(v)
		log.Error("relay: panic while handling %s: %v", conn.RemoteAddr(), v)
		log.OnCloserError(conn, log.DEBUG)
	}()

	err := s.handleConn(conn)
	if err != nil {
		kind := errorKind(err)
		metrics.ConnectionErrorsTotal.WithLabelValues(kind).Inc()
		log.Debug("relay: %s error for %s: %v", kind, conn.RemoteAddr(), err)
	}
}

// handleConn handles the network connection, peeks SNI and tunnels traffic.
func (s *Server) handleConn(conn net.Conn) (err error) {
	forwarding := false
	defer func() {
		if !forwarding {
			log.OnCloserError(conn, log.DEBUG)
		}
	}()

	log.Debug("relay: accepting new connection from %s", conn.RemoteAddr())
	metrics.AddClient(conn.RemoteAddr())

	if s.handshakeTimeout > 0 {
		if err = conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
			return fmt.Errorf("relay: failed to set read deadline: %w", err)
		}
	}

	hs, err := sni.Read(conn)
	if err != nil {
		return fmt.Errorf("relay: failed to peek server name: %w", err)
	}

	serverName := hs.ServerName
	log.Debug("relay: server name is %s", serverName)

	if !s.isAllowed(serverName) {
		return fmt.Errorf("relay: %w: server name %q is not allowed", sni.ErrRouting, serverName)
	}

	if err = conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("relay: failed to remove read deadline: %w", err)
	}

	remoteConn, err := s.dialUpstream(serverName, hs.Raw)
	if err != nil {
		return fmt.Errorf("relay: %s: %w", serverName, err)
	}

	forwarding = true

	return s.tunnel(serverName, conn, remoteConn)
}

// tunnel relays the traffic between the client and the backend until either of
// them closes the connection.  Both connections are closed afterwards.
func (s *Server) tunnel(serverName string, conn, remoteConn net.Conn) (err error) {
	metrics.AddServerName(serverName)
	metrics.ConnectionsTotal.WithLabelValues(serverName).Inc()
	defer metrics.ConnectionsTotal.WithLabelValues(serverName).Dec()

	startTime := time.Now()
	log.Debug("relay: start tunneling %s<->%s", remoteConn.RemoteAddr(), conn.RemoteAddr())

	st, err := forward.Pipe(conn, remoteConn)

	metrics.BytesSentTotal.WithLabelValues(serverName).Add(float64(st.Sent))
	metrics.BytesReceivedTotal.WithLabelValues(serverName).Add(float64(st.Received))

	log.Debug(
		"relay: finished tunneling to %s. received %d, sent %d, elapsed: %v",
		serverName,
		st.Received,
		st.Sent,
		time.Since(startTime),
	)

	if err != nil {
		return fmt.Errorf("relay: %w: %s: %w", errForward, serverName, err)
	}

	return nil
}

// isAllowed returns true if the relay may route connections for serverName.
func (s *Server) isAllowed(serverName string) (ok bool) {
	if len(s.redirectDomains) == 0 {
		return true
	}

	name := normalizeHost(serverName)
	for _, pattern := range s.redirectDomains {
		if wildcard.MatchSimple(pattern, name) {
			return true
		}
	}

	return false
}

// Close implements the io.Closer interface for *Server.  It stops accepting
// new connections, the established ones keep running until either side closes
// them.
func (s *Server) Close() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Info("relay: closing")

	if !s.started {
		return nil
	}

	s.cancel()
	err = s.listener.Close()

	log.Info("relay: waiting until the listener loop stops")

	s.wg.Wait()
	s.started = false

	log.Info("relay: closed")

	return err
}
