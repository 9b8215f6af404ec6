// Package forward relays bytes between two connections in both directions
// using non-blocking reads and writes driven from a single goroutine.
package forward

import (
	"fmt"
	"io"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	pool "github.com/libp2p/go-buffer-pool"
)

// BufferSize is the size of the buffer each direction uses.
const BufferSize = 8 * 1024

// ErrWouldBlock is returned by the Endpoint methods when the operation cannot
// make progress right now and should be retried later.
const ErrWouldBlock errors.Error = "operation would block"

// Endpoint is one side of a relayed connection.  TryRead and TryWrite must
// never block, they return ErrWouldBlock instead.
type Endpoint interface {
	io.Closer

	// TryRead makes a single attempt to read into p.  n is zero with a nil
	// error only when the peer has closed the connection.
	TryRead(p []byte) (n int, err error)

	// TryWrite makes a single attempt to write p.
	TryWrite(p []byte) (n int, err error)
}

// Interest describes a readiness condition the forwarder waits for.
type Interest struct {
	// Endpoint is the endpoint that needs to become ready.
	Endpoint Endpoint

	// Write is true if the endpoint must become writable, and false if it
	// must become readable.
	Write bool
}

// Waiter blocks until at least one of the interests may be satisfied.
// Spurious wakeups are allowed.
type Waiter interface {
	Wait(interests []Interest) (err error)
}

// Stats contains the number of bytes relayed in each direction.
type Stats struct {
	// Sent is the number of bytes written to the backend.
	Sent int64

	// Received is the number of bytes written to the client.
	Received int64
}

// Forwarder relays bytes between the client and the backend until either
// direction is done.
type Forwarder struct {
	client  Endpoint
	backend Endpoint
	waiter  Waiter
}

// New creates a new *Forwarder.  The forwarder owns both endpoints and closes
// them when Run returns.
func New(client, backend Endpoint, w Waiter) (f *Forwarder) {
	return &Forwarder{
		client:  client,
		backend: backend,
		waiter:  w,
	}
}

// Run relays the data until one of the directions is done and then closes both
// endpoints.  A connection that lost one direction is not usable, so the other
// one is never kept alive.
func (f *Forwarder) Run() (st Stats, err error) {
	cs := newUnit(f.client, f.backend)
	defer cs.release()

	sc := newUnit(f.backend, f.client)
	defer sc.release()

	defer func() {
		err = errors.Join(err, f.client.Close(), f.backend.Close())
	}()

	interests := make([]Interest, 0, 2)
	for {
		csProgress, csOK := cs.step()
		if !csOK {
			log.Debug("forward: client to backend done: %v", cs.err)

			break
		}

		scProgress, scOK := sc.step()
		if !scOK {
			log.Debug("forward: backend to client done: %v", sc.err)

			break
		}

		if csProgress || scProgress {
			continue
		}

		interests = append(interests[:0], cs.interest(), sc.interest())
		if err = f.waiter.Wait(interests); err != nil {
			err = fmt.Errorf("waiting for readiness: %w", err)

			break
		}
	}

	return Stats{
		Sent:     cs.written,
		Received: sc.written,
	}, err
}

// state is the relay state of a single direction.
type state uint8

const (
	// stateReading means there is no pending output.
	stateReading state = iota

	// stateWriting means buf[off:end] still has to be written.
	stateWriting
)

// unit relays bytes in a single direction.
type unit struct {
	src Endpoint
	dst Endpoint
	buf []byte

	// err is the reason the unit stopped, nil on a clean close.
	err error

	state   state
	off     int
	end     int
	written int64
}

// newUnit returns a unit that copies from src to dst.
func newUnit(src, dst Endpoint) (u *unit) {
	return &unit{
		src:   src,
		dst:   dst,
		buf:   pool.Get(BufferSize),
		state: stateReading,
	}
}

// release returns the buffer to the pool.
func (u *unit) release() {
	pool.Put(u.buf)
	u.buf = nil
}

// step makes a single non-blocking attempt to advance the unit.  progress is
// true if any bytes were moved.  ok is false once the direction is done.
func (u *unit) step() (progress, ok bool) {
	switch u.state {
	case stateReading:
		return u.read()
	case stateWriting:
		return u.write()
	default:
		panic(fmt.Errorf("forward: bad state %d", u.state))
	}
}

// read performs the Reading transition.
func (u *unit) read() (progress, ok bool) {
	n, err := u.src.TryRead(u.buf)
	switch {
	case errors.Is(err, ErrWouldBlock):
		return false, true
	case err != nil:
		u.err = err

		return false, false
	case n == 0:
		return false, false
	}

	u.state, u.off, u.end = stateWriting, 0, n

	return true, true
}

// write performs the Writing transition.
func (u *unit) write() (progress, ok bool) {
	n, err := u.dst.TryWrite(u.buf[u.off:u.end])
	switch {
	case errors.Is(err, ErrWouldBlock):
		return false, true
	case err != nil:
		u.err = err

		return false, false
	case n == 0:
		u.err = io.ErrShortWrite

		return false, false
	}

	u.written += int64(n)
	u.off += n
	if u.off == u.end {
		u.state, u.off, u.end = stateReading, 0, 0
	}

	return true, true
}

// interest returns the readiness condition the unit is blocked on.
func (u *unit) interest() (i Interest) {
	if u.state == stateWriting {
		return Interest{Endpoint: u.dst, Write: true}
	}

	return Interest{Endpoint: u.src}
}
