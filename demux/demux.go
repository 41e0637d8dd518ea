// Package demux implements the inbound RTP demultiplexer: it tracks one
// Speaker per announced SSRC, decrypts and republishes each datagram to the
// right speaker's stream, and emits speak-start/speak-end on activity
// boundaries.
package demux

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/duskline/voicecore/rtpcodec"
	"github.com/pkg/errors"
)

// DefaultSilenceTimeout is used when no WithSilenceTimeout option is given.
// 200ms is long enough to absorb normal inter-frame jitter without flapping
// speak-start/speak-end on every short gap.
const DefaultSilenceTimeout = 200 * time.Millisecond

// ErrUnknownSSRC names the unknown-SSRC condition. Speaker does not return
// it; Speaker reports an unregistered SSRC through its boolean result.
var ErrUnknownSSRC = errors.New("demux: unknown ssrc")

// Speaker is a single remote participant's inbound audio, keyed by SSRC.
type Speaker struct {
	UserID string
	SSRC   uint32

	mu     sync.Mutex
	open   bool
	stream *Stream
	timer  *time.Timer
}

// Stream returns the speaker's current byte stream, or nil if the speaker
// has no stream open right now. A stream exists iff the speaker has
// transmitted since the last silence timeout.
func (sp *Speaker) Stream() *Stream {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.stream
}

// Demuxer dispatches inbound UDP datagrams to the right Speaker.
type Demuxer struct {
	mode rtpcodec.Mode
	key  [32]byte

	silenceTimeout time.Duration

	// OnSpeakStart/OnSpeakEnd mirror the Connection-level speakStart/
	// speakEnd events.
	OnSpeakStart func(userID string, ssrc uint32)
	OnSpeakEnd   func(userID string, ssrc uint32)

	// ErrorLog receives non-fatal decode errors (e.g. a single tampered or
	// misrouted datagram); it defaults to a no-op.
	ErrorLog func(error)

	mu       sync.Mutex
	speakers map[uint32]*Speaker
}

// Option configures a Demuxer at construction time.
type Option func(*Demuxer)

// WithSilenceTimeout overrides DefaultSilenceTimeout.
func WithSilenceTimeout(d time.Duration) Option {
	return func(dx *Demuxer) { dx.silenceTimeout = d }
}

// New creates a Demuxer that decrypts datagrams encoded with mode and key.
func New(mode rtpcodec.Mode, key [32]byte, opts ...Option) *Demuxer {
	dx := &Demuxer{
		mode:           mode,
		key:            key,
		silenceTimeout: DefaultSilenceTimeout,
		speakers:       make(map[uint32]*Speaker),
		ErrorLog:       func(error) {},
	}
	for _, opt := range opts {
		opt(dx)
	}
	return dx
}

// RegisterSpeaker binds ssrc to userID, as announced by the signalling
// channel's opcode-5 Speaking event. A datagram for an SSRC that has never
// been registered is dropped.
func (dx *Demuxer) RegisterSpeaker(ssrc uint32, userID string) {
	dx.mu.Lock()
	defer dx.mu.Unlock()

	if sp, ok := dx.speakers[ssrc]; ok {
		sp.UserID = userID
		return
	}
	dx.speakers[ssrc] = &Speaker{UserID: userID, SSRC: ssrc}
}

// Unregister removes ssrc's speaker entirely, closing its stream first if
// open. Call this when a participant leaves the channel.
func (dx *Demuxer) Unregister(ssrc uint32) {
	dx.mu.Lock()
	sp, ok := dx.speakers[ssrc]
	if ok {
		delete(dx.speakers, ssrc)
	}
	dx.mu.Unlock()

	if ok {
		dx.closeSpeaker(sp)
	}
}

// Speaker returns the registered speaker for ssrc, if any (backs
// Voice.GetSpeakStream).
func (dx *Demuxer) Speaker(ssrc uint32) (*Speaker, bool) {
	dx.mu.Lock()
	defer dx.mu.Unlock()
	sp, ok := dx.speakers[ssrc]
	return sp, ok
}

// HandleDatagram routes one inbound datagram. Datagrams too short to hold
// an RTP header (under 12 bytes), or addressed to an unregistered SSRC, are
// dropped silently; everything else is decrypted and republished to the
// owning speaker's stream.
func (dx *Demuxer) HandleDatagram(datagram []byte) {
	if len(datagram) < rtpcodec.HeaderSize {
		return
	}
	ssrc := binary.BigEndian.Uint32(datagram[8:12])

	dx.mu.Lock()
	sp, known := dx.speakers[ssrc]
	dx.mu.Unlock()
	if !known {
		return
	}

	_, plaintext, err := rtpcodec.Decode(dx.mode, datagram, &dx.key)
	if err != nil {
		dx.ErrorLog(errors.Wrapf(err, "demux: failed to decode datagram from ssrc %d", ssrc))
		return
	}

	dx.deliver(sp, plaintext)
}

// deliver opens sp's stream if it was closed, (re)arms its silence timer,
// and publishes plaintext to it.
func (dx *Demuxer) deliver(sp *Speaker, plaintext []byte) {
	sp.mu.Lock()
	wasOpen := sp.open
	if !wasOpen {
		sp.open = true
		sp.stream = newStream()
	}
	stream := sp.stream
	if sp.timer != nil {
		sp.timer.Stop()
	}
	sp.timer = time.AfterFunc(dx.silenceTimeout, func() { dx.closeSpeaker(sp) })
	sp.mu.Unlock()

	if !wasOpen && dx.OnSpeakStart != nil {
		dx.OnSpeakStart(sp.UserID, sp.SSRC)
	}

	stream.publish(plaintext)
}

// closeSpeaker closes sp's stream (if open) and emits speak-end. It is safe
// to call more than once; only the transition from open to closed fires the
// event.
func (dx *Demuxer) closeSpeaker(sp *Speaker) {
	sp.mu.Lock()
	if !sp.open {
		sp.mu.Unlock()
		return
	}
	sp.open = false
	stream := sp.stream
	sp.stream = nil
	if sp.timer != nil {
		sp.timer.Stop()
	}
	sp.mu.Unlock()

	if stream != nil {
		stream.close()
	}
	if dx.OnSpeakEnd != nil {
		dx.OnSpeakEnd(sp.UserID, sp.SSRC)
	}
}

// Close closes every open speaker's stream without unregistering them,
// for use when a Connection is destroyed.
func (dx *Demuxer) Close() {
	dx.mu.Lock()
	speakers := make([]*Speaker, 0, len(dx.speakers))
	for _, sp := range dx.speakers {
		speakers = append(speakers, sp)
	}
	dx.mu.Unlock()

	for _, sp := range speakers {
		dx.closeSpeaker(sp)
	}
}
