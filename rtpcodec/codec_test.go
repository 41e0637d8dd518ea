package rtpcodec

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// TestEncodeLiteKnownVector pins the wire layout: SSRC=1, key=32 zero bytes,
// counter=0, sequence=0, timestamp=0, 20-byte payload of 0x55.
func TestEncodeLiteKnownVector(t *testing.T) {
	var key [32]byte // all zero

	payload := bytes.Repeat([]byte{0x55}, 20)
	header := Header{Sequence: 0, Timestamp: 0, SSRC: 1}

	packet, err := Encode(ModeLite, header, payload, &key, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	wantHeader := []byte{0x80, 0x78, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01}
	if !bytes.Equal(packet[:HeaderSize], wantHeader) {
		t.Fatalf("header mismatch: got % X want % X", packet[:HeaderSize], wantHeader)
	}

	trailer := packet[len(packet)-4:]
	wantTrailer := []byte{0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(trailer, wantTrailer) {
		t.Fatalf("lite trailer mismatch: got % X want % X", trailer, wantTrailer)
	}

	// Round trip back through Decode.
	gotHeader, gotPayload, err := Decode(ModeLite, packet, &key)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotHeader != header {
		t.Fatalf("decoded header mismatch: got %+v want %+v", gotHeader, header)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("decoded payload mismatch: got % X want % X", gotPayload, payload)
	}
}

// TestLiteTrailerLittleEndian verifies a nonzero nonce counter appears correctly as a
// little-endian trailer, per the worked example's expected counter advance.
func TestLiteTrailerLittleEndian(t *testing.T) {
	var key [32]byte
	header := Header{Sequence: 1, Timestamp: 960, SSRC: 1}

	packet, err := Encode(ModeLite, header, []byte("hi"), &key, 1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	trailer := packet[len(packet)-4:]
	want := []byte{0x01, 0x00, 0x00, 0x00}
	if !bytes.Equal(trailer, want) {
		t.Fatalf("trailer mismatch: got % X want % X", trailer, want)
	}
}

// TestRoundTripAllModes checks Seal/Open round-tripping for every mode this
// codec implements, for frames up to 1400 bytes.
func TestRoundTripAllModes(t *testing.T) {
	modes := []Mode{ModeLite, ModeSuffix, ModeNormal, ModeAES256GCM}

	var key [32]byte
	for i := range key {
		key[i] = byte(i * 7)
	}

	header := Header{Sequence: 42, Timestamp: 40320, SSRC: 0xDEADBEEF}
	payload := bytes.Repeat([]byte{0xAB}, 1400)

	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			packet, err := Encode(mode, header, payload, &key, 12345)
			if err != nil {
				t.Fatalf("Encode(%s): %v", mode, err)
			}

			gotHeader, gotPayload, err := Decode(mode, packet, &key)
			if err != nil {
				t.Fatalf("Decode(%s): %v", mode, err)
			}
			if gotHeader != header {
				t.Fatalf("header mismatch: got %+v want %+v", gotHeader, header)
			}
			if !bytes.Equal(gotPayload, payload) {
				t.Fatalf("payload mismatch for mode %s", mode)
			}
		})
	}
}

// TestNonceCounterRoundTrip checks that for any frame up to
// 1400 bytes and any key, sealing with a lite nonce counter n and opening
// the result must reproduce the original frame, for n across the counter
// space including near the 32-bit wraparound boundary.
func TestNonceCounterRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	counters := []uint32{0, 1, 1000, 0xFFFFFFFE, 0xFFFFFFFF}
	header := Header{Sequence: 7, Timestamp: 6720, SSRC: 99}
	frame := bytes.Repeat([]byte{0x11, 0x22, 0x33}, 467)[:1400]

	for _, n := range counters {
		packet, err := Encode(ModeLite, header, frame, &key, n)
		if err != nil {
			t.Fatalf("Encode(counter=%d): %v", n, err)
		}

		_, got, err := Decode(ModeLite, packet, &key)
		if err != nil {
			t.Fatalf("Decode(counter=%d): %v", n, err)
		}
		if !bytes.Equal(got, frame) {
			t.Fatalf("counter=%d: round trip mismatch", n)
		}
	}
}

// TestInboundExtensionStripping checks that an inbound
// packet whose plaintext begins with the one-byte extension magic must have
// its first 4+4*len bytes stripped before being handed to the speaker
// stream.
func TestInboundExtensionStripping(t *testing.T) {
	var key [32]byte
	header := Header{Sequence: 7, Timestamp: 0x3C0, SSRC: 42}

	inner := []byte{0xEE, 0xFF, 0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	plaintext := append([]byte{0xBE, 0xDE, 0x00, 0x01, 0xAA, 0xBB, 0xCC, 0xDD}, inner...)

	packet, err := Encode(ModeLite, header, plaintext, &key, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	gotHeader, gotPayload, err := Decode(ModeLite, packet, &key)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotHeader.SSRC != 42 {
		t.Fatalf("SSRC mismatch: got %d", gotHeader.SSRC)
	}
	if !bytes.Equal(gotPayload, inner) {
		t.Fatalf("extension not stripped: got % X want % X", gotPayload, inner)
	}
}

func TestStripExtensionNoMagicLeavesPayloadUntouched(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	got := StripExtension(payload)
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload without magic was modified: got % X", got)
	}
}

func TestParseHeaderRejectsShortOrUnknownVersion(t *testing.T) {
	if _, ok := ParseHeader([]byte{0x80, 0x78, 0x00}); ok {
		t.Fatal("expected ParseHeader to reject a too-short buffer")
	}

	buf := make([]byte, HeaderSize)
	buf[0] = 0x00 // not RTP
	if _, ok := ParseHeader(buf); ok {
		t.Fatal("expected ParseHeader to reject an unrecognized version byte")
	}
}

func TestEncodeUnknownModeErrors(t *testing.T) {
	var key [32]byte
	if _, err := Encode(Mode("bogus"), Header{}, nil, &key, 0); err != ErrModeUnsupported {
		t.Fatalf("expected ErrModeUnsupported, got %v", err)
	}
}

// sanity check that our binary layout helper matches what Put/ParseHeader do,
// guarding against accidental endian mixups.
func TestHeaderPutMatchesManualEncoding(t *testing.T) {
	h := Header{Sequence: 0x1234, Timestamp: 0x89ABCDEF, SSRC: 0x11223344}
	got := h.Bytes()

	want := make([]byte, HeaderSize)
	want[0] = 0x80
	want[1] = 0x78
	binary.BigEndian.PutUint16(want[2:4], h.Sequence)
	binary.BigEndian.PutUint32(want[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(want[8:12], h.SSRC)

	if !bytes.Equal(got, want) {
		t.Fatalf("header bytes mismatch: got % X want % X", got, want)
	}
}
