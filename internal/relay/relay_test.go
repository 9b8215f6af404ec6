package relay_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/netip"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/sniforward/internal/relay"
	"github.com/ameshkov/sniforward/internal/sni"
	"github.com/stretchr/testify/require"
	"github.com/things-go/go-socks5"
)

const backendName = "backend.example"

// testTimeout is the time within which the connections must be closed.
const testTimeout = 5 * time.Second

// newClientHello returns the first TLS record a real TLS client sends for
// serverName.
func newClientHello(t *testing.T, serverName string) (record []byte) {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	defer func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
	}()

	go func() {
		_ = tls.Client(clientConn, &tls.Config{ServerName: serverName}).Handshake()
	}()

	hs, err := sni.Read(serverConn)
	require.NoError(t, err)

	return hs.Raw
}

// startEchoBackend starts a TCP server that echoes everything back.  It
// returns the server port and a channel that receives the number of echoed
// bytes when a connection ends.
func startEchoBackend(t *testing.T) (port uint16, done <-chan int64) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	doneCh := make(chan int64, 16)
	go func() {
		for {
			conn, aErr := l.Accept()
			if aErr != nil {
				return
			}

			go func() {
				defer func() { _ = conn.Close() }()

				n, _ := io.Copy(conn, conn)
				doneCh <- n
			}()
		}
	}()

	return uint16(l.Addr().(*net.TCPAddr).Port), doneCh
}

// startRelay starts a relay server that routes backendName to the local port.
func startRelay(t *testing.T, cfg *relay.Config) (addr string) {
	t.Helper()

	cfg.ListenAddr = netip.MustParseAddr("127.0.0.1")
	if cfg.Hosts == nil {
		cfg.Hosts = map[string]netip.Addr{backendName: netip.MustParseAddr("127.0.0.1")}
	}

	r, err := relay.NewServer(cfg)
	require.NoError(t, err)

	err = r.Start()
	require.NoError(t, err)
	t.Cleanup(func() { log.OnCloserError(r, log.ERROR) })

	return r.Addr().String()
}

// requireClosed checks that the peer closes conn without sending anything.
func requireClosed(t *testing.T, conn net.Conn) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))

	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	require.Zero(t, n)
	require.Error(t, err)

	var netErr net.Error
	if errors.As(err, &netErr) {
		require.False(t, netErr.Timeout(), "connection was not closed in time")
	}
}

func TestServer_echo(t *testing.T) {
	port, done := startEchoBackend(t)
	addr := startRelay(t, &relay.Config{RemotePort: port})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer log.OnCloserError(conn, log.DEBUG)

	record := newClientHello(t, backendName)
	_, err = conn.Write(record)
	require.NoError(t, err)

	// The backend must receive the record unchanged.
	got := make([]byte, len(record))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, record, got)

	for _, msg := range []string{"first", "second", "third"} {
		_, err = conn.Write([]byte(msg))
		require.NoError(t, err)

		reply := make([]byte, len(msg))
		_, err = io.ReadFull(conn, reply)
		require.NoError(t, err)
		require.Equal(t, msg, string(reply))
	}

	require.NoError(t, conn.Close())

	select {
	case n := <-done:
		require.EqualValues(t, len(record)+len("firstsecondthird"), n)
	case <-time.After(testTimeout):
		t.Fatal("backend connection was not closed")
	}
}

func TestServer_backendCloses(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	record := newClientHello(t, backendName)
	received := make(chan []byte, 1)
	go func() {
		conn, aErr := l.Accept()
		if aErr != nil {
			return
		}

		buf := make([]byte, len(record))
		_, _ = io.ReadFull(conn, buf)
		received <- buf

		_, _ = conn.Write([]byte("bye"))
		_ = conn.Close()
	}()

	addr := startRelay(t, &relay.Config{RemotePort: uint16(l.Addr().(*net.TCPAddr).Port)})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer log.OnCloserError(conn, log.DEBUG)

	_, err = conn.Write(record)
	require.NoError(t, err)

	require.Equal(t, record, <-received)

	reply := make([]byte, 3)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, "bye", string(reply))

	requireClosed(t, conn)
}

func TestServer_tls(t *testing.T) {
	tlsConfig, caPem := newTLSConfig(t, backendName)

	l, err := tls.Listen("tcp", "127.0.0.1:0", tlsConfig)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			conn, aErr := l.Accept()
			if aErr != nil {
				return
			}

			go func() {
				defer func() { _ = conn.Close() }()

				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	addr := startRelay(t, &relay.Config{
		RemotePort:      uint16(l.Addr().(*net.TCPAddr).Port),
		RedirectDomains: []string{"*.example"},
	})

	roots := x509.NewCertPool()
	roots.AppendCertsFromPEM(caPem)

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: backendName, RootCAs: roots})
	require.NoError(t, err)
	defer log.OnCloserError(conn, log.DEBUG)

	msg := []byte("encrypted end to end")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	reply := make([]byte, len(msg))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, msg, reply)
}

func TestServer_rejects(t *testing.T) {
	port, _ := startEchoBackend(t)

	unusedListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	unusedPort := uint16(unusedListener.Addr().(*net.TCPAddr).Port)
	require.NoError(t, unusedListener.Close())

	testCases := []struct {
		name string
		cfg  *relay.Config
		data []byte
	}{{
		name: "not_allowed",
		cfg: &relay.Config{
			RemotePort:      port,
			RedirectDomains: []string{"*.example.org"},
		},
		data: newClientHello(t, backendName),
	}, {
		name: "record_too_large",
		cfg:  &relay.Config{RemotePort: port},
		data: []byte{0x16, 0x03, 0x01, 0x40, 0x01},
	}, {
		name: "alert_record",
		cfg:  &relay.Config{RemotePort: port},
		data: []byte{0x15, 0x03, 0x03, 0x00, 0x02, 0x02, 0x28},
	}, {
		name: "backend_down",
		cfg:  &relay.Config{RemotePort: unusedPort},
		data: newClientHello(t, backendName),
	}, {
		name: "handshake_timeout",
		cfg: &relay.Config{
			RemotePort:       port,
			HandshakeTimeout: 100 * time.Millisecond,
		},
		data: []byte{0x16, 0x03},
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			addr := startRelay(t, tc.cfg)

			conn, dErr := net.Dial("tcp", addr)
			require.NoError(t, dErr)
			defer log.OnCloserError(conn, log.DEBUG)

			_, dErr = conn.Write(tc.data)
			require.NoError(t, dErr)

			requireClosed(t, conn)

			// The listener keeps working after a failed connection.
			next, dErr := net.Dial("tcp", addr)
			require.NoError(t, dErr)
			require.NoError(t, next.Close())
		})
	}
}

func TestServer_maxConnections(t *testing.T) {
	port, _ := startEchoBackend(t)
	addr := startRelay(t, &relay.Config{RemotePort: port, MaxConnections: 1})

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	record := newClientHello(t, backendName)
	_, err = first.Write(record)
	require.NoError(t, err)

	got := make([]byte, len(record))
	_, err = io.ReadFull(first, got)
	require.NoError(t, err)

	// The second connection is only handled once the first one is done.
	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer log.OnCloserError(second, log.DEBUG)

	_, err = second.Write(record)
	require.NoError(t, err)

	require.NoError(t, second.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = second.Read(got[:1])
	require.Error(t, err)

	require.NoError(t, first.Close())

	require.NoError(t, second.SetReadDeadline(time.Now().Add(testTimeout)))
	_, err = io.ReadFull(second, got)
	require.NoError(t, err)
	require.Equal(t, record, got)
}

func TestServer_socks5(t *testing.T) {
	port, _ := startEchoBackend(t)

	var dials atomic.Int32
	proxyListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = proxyListener.Close() })

	proxySrv := socks5.NewServer(socks5.WithDial(
		func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials.Add(1)

			return (&net.Dialer{}).DialContext(ctx, network, addr)
		},
	))
	go func() { _ = proxySrv.Serve(proxyListener) }()

	addr := startRelay(t, &relay.Config{
		RemotePort: port,
		ProxyURL:   &url.URL{Scheme: "socks5", Host: proxyListener.Addr().String()},
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer log.OnCloserError(conn, log.DEBUG)

	record := newClientHello(t, backendName)
	_, err = conn.Write(record)
	require.NoError(t, err)

	got := make([]byte, len(record))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, record, got)

	require.EqualValues(t, 1, dials.Load())
}

func TestNewServer_invalidProxy(t *testing.T) {
	_, err := relay.NewServer(&relay.Config{
		ListenAddr: netip.MustParseAddr("127.0.0.1"),
		ProxyURL:   &url.URL{Scheme: "ftp", Host: "127.0.0.1:21"},
	})
	require.Error(t, err)
}

func newTLSConfig(t *testing.T, serverName string) (conf *tls.Config, certPem []byte) {
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
		DNSNames:              []string{serverName},
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

	return &tls.Config{Certificates: []tls.Certificate{cert}}, certPem
}
