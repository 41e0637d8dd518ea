// Package crypto wraps the authenticated-encryption primitives used to
// protect outgoing and incoming RTP payloads. It exposes the primitives as
// a black box: Seal, Open, and a CSPRNG.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

// NonceSize is the size in bytes of every nonce used by this package,
// regardless of algorithm. xsalsa20_poly1305 requires 24 bytes; AES-256-GCM
// only uses the first 12, the rest is kept zero so that callers can treat
// nonces uniformly across modes (see rtpcodec for the per-mode construction
// rules).
const NonceSize = 24

// gcmNonceSize is the nonce length actually consumed by AES-256-GCM.
const gcmNonceSize = 12

// ErrOpenFailed is returned by Open when authentication fails.
var ErrOpenFailed = errors.New("crypto: failed to authenticate and decrypt")

// Algorithm identifies which AEAD construction Seal/Open should use.
type Algorithm int

const (
	// XSalsa20Poly1305 is the NaCl secretbox construction used by all three
	// xsalsa20_poly1305 modes (normal, suffix, lite).
	XSalsa20Poly1305 Algorithm = iota
	// AES256GCM is the aead_aes256_gcm construction.
	AES256GCM
)

// Random fills b with cryptographically secure random bytes.
func Random(b []byte) error {
	_, err := rand.Read(b)
	return err
}

// Seal authenticates and encrypts plaintext using key and the given nonce,
// appending the result to dst and returning the extended slice.
func Seal(dst, plaintext []byte, nonce *[NonceSize]byte, key *[32]byte, algo Algorithm) ([]byte, error) {
	switch algo {
	case XSalsa20Poly1305:
		return secretbox.Seal(dst, plaintext, nonce, key), nil
	case AES256GCM:
		gcm, err := newGCM(key)
		if err != nil {
			return nil, err
		}
		return gcm.Seal(dst, nonce[:gcmNonceSize], plaintext, nil), nil
	default:
		return nil, errors.Errorf("crypto: unknown algorithm %d", algo)
	}
}

// Open authenticates and decrypts ciphertext using key and the given nonce,
// appending the plaintext to dst and returning the extended slice.
func Open(dst, ciphertext []byte, nonce *[NonceSize]byte, key *[32]byte, algo Algorithm) ([]byte, error) {
	switch algo {
	case XSalsa20Poly1305:
		out, ok := secretbox.Open(dst, ciphertext, nonce, key)
		if !ok {
			return nil, ErrOpenFailed
		}
		return out, nil
	case AES256GCM:
		gcm, err := newGCM(key)
		if err != nil {
			return nil, err
		}
		out, err := gcm.Open(dst, nonce[:gcmNonceSize], ciphertext, nil)
		if err != nil {
			return nil, errors.Wrap(ErrOpenFailed, err.Error())
		}
		return out, nil
	default:
		return nil, errors.Errorf("crypto: unknown algorithm %d", algo)
	}
}

func newGCM(key *[32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "crypto: failed to create AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: failed to create GCM instance")
	}
	return gcm, nil
}
