// Package rtpcodec builds and parses the fixed 12-byte RTP header used for
// every voice datagram, and implements the nonce-construction rule for each
// of the four encryption modes a Discord-compatible voice server can
// negotiate.
package rtpcodec

import "encoding/binary"

// HeaderSize is the fixed size of an RTP header as used by this codec: no
// CSRC list, no extension, version 2.
const HeaderSize = 12

// versionByte is byte 0 of every header: version=2, no padding, no
// extension, no CSRC.
const versionByte = 0x80

// payloadType is byte 1 of every header, Discord's fixed Opus payload type.
const payloadType = 0x78

// OpusFrameSize is the number of bytes the send pacer reads from its source
// for each 20ms tick (960, the sample count of one 20ms frame at 48kHz).
const OpusFrameSize = 960

// TimestampIncrement is how much the RTP timestamp advances per transmitted
// frame: 48000 Hz * 20 ms.
const TimestampIncrement = 960

// SilenceFrame is the 3-byte Opus "no transmission" marker sent once on
// Stop, unencrypted and without an RTP header.
var SilenceFrame = [3]byte{0xF8, 0xFF, 0xFE}

// Header is the decoded form of an RTP header's fields relevant to this
// core. CSRC count, padding, and marker bits are not modeled since this
// core never sets them.
type Header struct {
	Sequence  uint16
	Timestamp uint32
	SSRC      uint32
}

// Put writes h into buf[:HeaderSize]. buf must have length >= HeaderSize.
func (h Header) Put(buf []byte) {
	buf[0] = versionByte
	buf[1] = payloadType
	binary.BigEndian.PutUint16(buf[2:4], h.Sequence)
	binary.BigEndian.PutUint32(buf[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], h.SSRC)
}

// Bytes returns a freshly allocated HeaderSize-byte encoding of h.
func (h Header) Bytes() []byte {
	buf := make([]byte, HeaderSize)
	h.Put(buf)
	return buf
}

// ParseHeader reads an RTP header out of buf. ok is false if buf is shorter
// than HeaderSize or byte 0 is neither 0x80 nor 0x90. The payload-type byte
// is not checked.
func ParseHeader(buf []byte) (h Header, ok bool) {
	if len(buf) < HeaderSize {
		return Header{}, false
	}
	// The high nibble of byte 0 must be version 2 (0x80 or 0x90 if the
	// extension bit is set by the sender).
	if buf[0] != 0x80 && buf[0] != 0x90 {
		return Header{}, false
	}

	h.Sequence = binary.BigEndian.Uint16(buf[2:4])
	h.Timestamp = binary.BigEndian.Uint32(buf[4:8])
	h.SSRC = binary.BigEndian.Uint32(buf[8:12])
	return h, true
}
