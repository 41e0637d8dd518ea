package rtpcodec

import "encoding/binary"

// extensionMagic is the RFC 8285 one-byte header extension profile value
// Discord's voice servers use.
var extensionMagic = [2]byte{0xBE, 0xDE}

// StripExtension removes a leading RTP one-byte header extension from a
// decrypted Opus frame, if present. If plaintext is too short to contain a
// full extension header, it is returned unchanged.
func StripExtension(plaintext []byte) []byte {
	if len(plaintext) < 4 || plaintext[0] != extensionMagic[0] || plaintext[1] != extensionMagic[1] {
		return plaintext
	}

	length := binary.BigEndian.Uint16(plaintext[2:4])
	shift := 4 + 4*int(length)

	if len(plaintext) >= shift {
		return plaintext[shift:]
	}

	return plaintext
}
