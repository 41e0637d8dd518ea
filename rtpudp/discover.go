package rtpudp

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
)

// discoveryRequestSize and discoveryReplySize are fixed by the protocol:
// a 2-byte type, 2-byte length, 4-byte SSRC, and a 66-byte padded body for
// the request; the reply has the same shape with the body holding a
// NUL-terminated IP and a trailing little-endian port.
const (
	discoveryRequestSize = 74
	discoveryReplySize   = 74
	discoveryReplyType   = 2
	discoveryRequestType = 1
)

// ErrDiscoveryMalformed is returned when a discovery reply doesn't look like
// one.
var ErrDiscoveryMalformed = errors.New("rtpudp: malformed IP discovery reply")

// BuildDiscoveryRequest encodes the 74-byte IP discovery request for the
// given SSRC.
func BuildDiscoveryRequest(ssrc uint32) []byte {
	buf := make([]byte, discoveryRequestSize)
	binary.BigEndian.PutUint16(buf[0:2], discoveryRequestType)
	binary.BigEndian.PutUint16(buf[2:4], 70)
	binary.BigEndian.PutUint32(buf[4:8], ssrc)
	// buf[8:74] stays zero.
	return buf
}

// ParseDiscoveryReply parses a 74-byte IP discovery reply, returning the
// NAT-observed public IP and port. It returns ErrDiscoveryMalformed if buf
// isn't a well-formed reply (wrong size, wrong type, or missing the IP's
// NUL terminator).
func ParseDiscoveryReply(buf []byte) (ip string, port uint16, err error) {
	if len(buf) != discoveryReplySize {
		return "", 0, errors.Wrap(ErrDiscoveryMalformed, "unexpected reply size")
	}
	if binary.BigEndian.Uint16(buf[0:2]) != discoveryReplyType {
		return "", 0, errors.Wrap(ErrDiscoveryMalformed, "unexpected reply type")
	}

	body := buf[8:72]
	nul := bytes.IndexByte(body, 0)
	if nul < 0 {
		return "", 0, errors.Wrap(ErrDiscoveryMalformed, "missing NUL terminator in IP field")
	}

	ip = string(body[:nul])
	port = binary.LittleEndian.Uint16(buf[72:74])
	return ip, port, nil
}

// Discover performs the one-shot IP-discovery handshake over an already-
// dialed socket: it sends one request datagram and waits for one reply
// whose type field is 2, discarding any other datagrams received in the
// meantime. There is no retry; the caller's state machine recovers via full
// reconnect on failure.
func Discover(ctx context.Context, s *Socket, ssrc uint32) (ip string, port uint16, err error) {
	if err := s.Write(BuildDiscoveryRequest(ssrc)); err != nil {
		return "", 0, errors.Wrap(err, "rtpudp: failed to send discovery request")
	}

	buf := make([]byte, discoveryReplySize+16)
	for {
		n, err := s.ReadDatagram(ctx, buf)
		if err != nil {
			return "", 0, errors.Wrap(err, "rtpudp: failed to read discovery reply")
		}

		if n != discoveryReplySize || binary.BigEndian.Uint16(buf[0:2]) != discoveryReplyType {
			// Not our reply; discard and keep waiting.
			continue
		}

		return ParseDiscoveryReply(buf[:n])
	}
}
