package rtpcodec

import "github.com/pkg/errors"

// Mode identifies an encryption mode a voice server can negotiate via
// Select Protocol. Only Lite is ever sent in this core's Select Protocol
// message; the others are implemented here for interop/testing but are
// never selected.
type Mode string

const (
	// ModeLite is "xsalsa20_poly1305_lite": the only mode this core
	// negotiates. Nonce is a 4-byte little-endian counter, zero-padded to
	// 24 bytes, carried as a 4-byte trailer on the wire.
	ModeLite Mode = "xsalsa20_poly1305_lite"

	// ModeSuffix is "xsalsa20_poly1305_suffix": a random 24-byte nonce is
	// appended in full after the ciphertext.
	ModeSuffix Mode = "xsalsa20_poly1305_suffix"

	// ModeNormal is "xsalsa20_poly1305": the nonce is the 12-byte RTP
	// header zero-padded to 24 bytes. No trailer.
	ModeNormal Mode = "xsalsa20_poly1305"

	// ModeAES256GCM is "aead_aes256_gcm": same nonce construction as
	// ModeNormal, but sealed with AES-256-GCM. No trailer (the GCM tag is
	// part of the ciphertext).
	ModeAES256GCM Mode = "aead_aes256_gcm"
)

// ErrModeUnsupported is returned by Encode/Decode for a Mode this codec
// does not recognize.
var ErrModeUnsupported = errors.New("rtpcodec: unsupported encryption mode")

// TrailerSize returns how many bytes of trailer this mode appends after the
// ciphertext: 4 for lite, 24 for suffix, 0 otherwise.
func (m Mode) TrailerSize() int {
	switch m {
	case ModeLite:
		return 4
	case ModeSuffix:
		return 24
	default:
		return 0
	}
}

// valid reports whether m is one of the four modes this codec knows about.
func (m Mode) valid() bool {
	switch m {
	case ModeLite, ModeSuffix, ModeNormal, ModeAES256GCM:
		return true
	default:
		return false
	}
}
