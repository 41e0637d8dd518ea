// Package rtpudp implements the UDP datagram socket used for the voice data
// plane: dialing the voice server's negotiated address, sending already-
// encoded RTP datagrams, and pushing inbound datagrams to a callback. It
// also implements the one-shot IP-discovery handshake that learns the
// NAT-observed public endpoint for the socket.
package rtpudp

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

var defaultDialer = net.Dialer{Timeout: 30 * time.Second}

// ErrClosed is returned by Write/ReadDatagram after Close.
var ErrClosed = errors.New("rtpudp: socket closed")

// Socket is a connected UDP datagram socket. It is safe for one writer and
// one reader to use concurrently (the reader is normally the Listen loop);
// it is not safe for multiple concurrent writers.
type Socket struct {
	conn    net.Conn
	closing atomic.Bool
}

// Dial opens a UDP socket connected to addr (host:port form).
func Dial(ctx context.Context, addr string) (*Socket, error) {
	conn, err := defaultDialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "rtpudp: failed to dial voice server")
	}
	return &Socket{conn: conn}, nil
}

// Write sends a single pre-built datagram to the connected peer.
func (s *Socket) Write(b []byte) error {
	if s.closing.Load() {
		return ErrClosed
	}
	_, err := s.conn.Write(b)
	return err
}

// ReadDatagram blocks until one datagram arrives, writing it into buf and
// returning the number of bytes read. ctx's deadline, if any, is applied to
// the read.
func (s *Socket) ReadDatagram(ctx context.Context, buf []byte) (int, error) {
	if s.closing.Load() {
		return 0, ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return 0, err
		}
		defer s.conn.SetReadDeadline(time.Time{})
	}

	n, err := s.conn.Read(buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Listen runs a read loop on its own goroutine, invoking onDatagram with a
// copy of each inbound datagram's bytes until the socket is closed. If the
// read loop ends because of an unexpected transport error, onClose is
// invoked with that error; if it ends because Close was called on this
// Socket, onClose is not invoked at all: the caller that closed the socket
// already knows why.
func (s *Socket) Listen(onDatagram func([]byte), onClose func(error)) {
	go func() {
		buf := make([]byte, 1500)
		for {
			n, err := s.conn.Read(buf)
			if err != nil {
				if !s.closing.Load() {
					onClose(err)
				}
				return
			}

			datagram := make([]byte, n)
			copy(datagram, buf[:n])
			onDatagram(datagram)
		}
	}()
}

// Close closes the underlying socket. It marks the Socket as intentionally
// closing first, so a concurrent Listen loop unblocked by this Close
// doesn't report it to onClose as a transport failure.
func (s *Socket) Close() error {
	s.closing.Store(true)
	return s.conn.Close()
}
