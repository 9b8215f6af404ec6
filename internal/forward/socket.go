package forward

import (
	"fmt"
	"net"
	"runtime"
	"syscall"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/sys/unix"
)

// Socket is an Endpoint backed by the file descriptor of a network connection.
// Go keeps socket descriptors in non-blocking mode, so single read(2) and
// write(2) calls never block.
type Socket struct {
	conn net.Conn
	raw  syscall.RawConn
}

// type check
var _ Endpoint = (*Socket)(nil)

// NewSocket returns a new *Socket for conn.  conn must implement syscall.Conn,
// which is true for *net.TCPConn and *net.UnixConn.
func NewSocket(conn net.Conn) (s *Socket, err error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("connection of type %T has no file descriptor", conn)
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("getting raw connection: %w", err)
	}

	return &Socket{
		conn: conn,
		raw:  raw,
	}, nil
}

// TryRead implements the Endpoint interface for *Socket.
func (s *Socket) TryRead(p []byte) (n int, err error) {
	var opErr error
	err = s.raw.Read(func(fd uintptr) (done bool) {
		n, opErr = unix.Read(int(fd), p)

		return true
	})

	return result(n, errors.Join(err, opErr))
}

// TryWrite implements the Endpoint interface for *Socket.
func (s *Socket) TryWrite(p []byte) (n int, err error) {
	var opErr error
	err = s.raw.Write(func(fd uintptr) (done bool) {
		n, opErr = unix.Write(int(fd), p)

		return true
	})

	return result(n, errors.Join(err, opErr))
}

// Close implements the Endpoint interface for *Socket.
func (s *Socket) Close() (err error) {
	return s.conn.Close()
}

// fd returns the file descriptor of the socket.  It is only valid until the
// socket is closed.
func (s *Socket) fd() (fd int, err error) {
	err = s.raw.Control(func(sysfd uintptr) {
		fd = int(sysfd)
	})

	return fd, err
}

// result normalizes the result of a read(2) or write(2) call.
func result(n int, err error) (int, error) {
	if err == nil {
		return n, nil
	}

	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
		return 0, ErrWouldBlock
	}

	return 0, err
}

// Poller is a Waiter for *Socket endpoints that uses poll(2).
type Poller struct {
	// Timeout is the poll timeout in milliseconds, a negative value means no
	// timeout.
	Timeout int
}

// type check
var _ Waiter = Poller{}

// Wait implements the Waiter interface for Poller.
func (p Poller) Wait(interests []Interest) (err error) {
	fds := make([]unix.PollFd, 0, len(interests))
	for _, in := range interests {
		s, ok := in.Endpoint.(*Socket)
		if !ok {
			return fmt.Errorf("cannot poll endpoint of type %T", in.Endpoint)
		}

		var fd int
		fd, err = s.fd()
		if err != nil {
			return fmt.Errorf("getting descriptor: %w", err)
		}

		var events int16 = unix.POLLIN
		if in.Write {
			events = unix.POLLOUT
		}

		fds = appendPollFd(fds, int32(fd), events)
	}

	_, err = unix.Poll(fds, p.Timeout)
	if errors.Is(err, unix.EINTR) {
		return nil
	}

	return err
}

// appendPollFd merges the events into the entry for fd or adds a new one.
func appendPollFd(fds []unix.PollFd, fd int32, events int16) (res []unix.PollFd) {
	for i := range fds {
		if fds[i].Fd == fd {
			fds[i].Events |= events

			return fds
		}
	}

	return append(fds, unix.PollFd{Fd: fd, Events: events})
}

// Spin is a Waiter that only yields the processor, so the forwarder keeps
// polling its endpoints.  It works with any Endpoint.
type Spin struct{}

// type check
var _ Waiter = Spin{}

// Wait implements the Waiter interface for Spin.
func (Spin) Wait(_ []Interest) (err error) {
	runtime.Gosched()

	return nil
}

// Pipe relays data between two network connections until either side is done
// and closes both of them.
func Pipe(client, backend net.Conn) (st Stats, err error) {
	cs, err := NewSocket(client)
	if err != nil {
		return Stats{}, errors.Join(fmt.Errorf("client: %w", err), client.Close(), backend.Close())
	}

	bs, err := NewSocket(backend)
	if err != nil {
		return Stats{}, errors.Join(fmt.Errorf("backend: %w", err), client.Close(), backend.Close())
	}

	return New(cs, bs, Poller{Timeout: -1}).Run()
}
