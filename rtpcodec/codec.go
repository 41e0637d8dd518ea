package rtpcodec

import (
	"encoding/binary"

	"github.com/duskline/voicecore/crypto"
	"github.com/pkg/errors"
)

func (m Mode) algorithm() crypto.Algorithm {
	if m == ModeAES256GCM {
		return crypto.AES256GCM
	}
	return crypto.XSalsa20Poly1305
}

// Encode builds a complete outbound datagram: the 12-byte RTP header
// followed by the sealed payload and, for lite/suffix modes, the trailer.
//
// nonceCounter is only consulted for ModeLite, where it is the caller-owned
// monotonically increasing send nonce counter; callers using any other mode
// may pass 0.
func Encode(mode Mode, header Header, payload []byte, key *[32]byte, nonceCounter uint32) ([]byte, error) {
	if !mode.valid() {
		return nil, ErrModeUnsupported
	}

	var nonce [crypto.NonceSize]byte

	switch mode {
	case ModeLite:
		binary.LittleEndian.PutUint32(nonce[0:4], nonceCounter)
	case ModeSuffix:
		if err := crypto.Random(nonce[:]); err != nil {
			return nil, errors.Wrap(err, "rtpcodec: failed to generate suffix nonce")
		}
	case ModeNormal, ModeAES256GCM:
		header.Put(nonce[0:HeaderSize])
	}

	packet := make([]byte, HeaderSize, HeaderSize+len(payload)+crypto.NonceSize+16)
	header.Put(packet)

	packet, err := crypto.Seal(packet, payload, &nonce, key, mode.algorithm())
	if err != nil {
		return nil, errors.Wrap(err, "rtpcodec: failed to seal payload")
	}

	switch mode {
	case ModeLite:
		packet = append(packet, nonce[0:4]...)
	case ModeSuffix:
		packet = append(packet, nonce[:]...)
	}

	return packet, nil
}

// Decode parses an inbound datagram of the given mode, decrypts its payload,
// and strips any RTP one-byte header extension present in the decrypted
// Opus frame.
//
// datagram must be longer than 8 bytes; callers are expected to have
// dropped shorter datagrams already.
func Decode(mode Mode, datagram []byte, key *[32]byte) (Header, []byte, error) {
	if !mode.valid() {
		return Header{}, nil, ErrModeUnsupported
	}

	header, ok := ParseHeader(datagram)
	if !ok {
		return Header{}, nil, errors.New("rtpcodec: malformed RTP header")
	}

	trailer := mode.TrailerSize()
	if len(datagram) < HeaderSize+trailer {
		return Header{}, nil, errors.New("rtpcodec: datagram too short for mode")
	}

	ciphertext := datagram[HeaderSize : len(datagram)-trailer]

	var nonce [crypto.NonceSize]byte
	switch mode {
	case ModeLite:
		copy(nonce[0:4], datagram[len(datagram)-trailer:])
	case ModeSuffix:
		copy(nonce[:], datagram[len(datagram)-trailer:])
	case ModeNormal, ModeAES256GCM:
		copy(nonce[0:HeaderSize], datagram[0:HeaderSize])
	}

	plaintext, err := crypto.Open(nil, ciphertext, &nonce, key, mode.algorithm())
	if err != nil {
		return Header{}, nil, errors.Wrap(err, "rtpcodec: failed to open payload")
	}

	return header, StripExtension(plaintext), nil
}
