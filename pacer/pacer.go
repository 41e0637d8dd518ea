// Package pacer implements the 20ms send loop that reads Opus frames from
// an audio source, stamps them with an RTP header, encrypts them, and
// transmits them at a steady cadence.
package pacer

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/duskline/voicecore/rtpcodec"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// tickInterval is one Opus frame's worth of wall clock at 48kHz.
const tickInterval = 20 * time.Millisecond

// ErrAlreadyPlaying is returned by Play when a source is already active.
// Silently swapping the active source would leave the old one undrained,
// so a second Play is rejected instead.
var ErrAlreadyPlaying = errors.New("pacer: already playing")

// ErrNotPaused is returned by Unpause when the player isn't paused.
var ErrNotPaused = errors.New("pacer: not paused")

// ErrNotReady is returned by Play when the player has no Writer,
// i.e. UDP info hasn't been negotiated yet.
var ErrNotReady = errors.New("pacer: cannot play audio without UDP info")

// Status is the player's lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusPlaying
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	default:
		return "idle"
	}
}

// Writer sends one already-built datagram to the voice server. *rtpudp.Socket
// satisfies this.
type Writer interface {
	Write(b []byte) error
}

// Source is the audio source contract: Read returns exactly N bytes (one
// Opus frame) or an error/EOF at end of stream; Resume drains any
// backpressure so the upstream producer can make progress after playback
// stops.
type Source interface {
	io.Reader
	Resume()
}

// Player is the send pacer for a single Connection's outbound audio.
type Player struct {
	writer Writer
	mode   rtpcodec.Mode
	key    [32]byte
	ssrc   uint32

	// OnSpeaking is invoked with true just before the first datagram of a
	// play episode and with false after the last. A non-nil error from the
	// true call aborts Play/Unpause; an error from the false call is
	// returned by Pause/Stop after transmission has already halted.
	OnSpeaking func(speaking bool) error

	// OnStopped is invoked on the tick goroutine whenever the pacer stops
	// itself because the source was exhausted, rather than because Stop was
	// called explicitly.
	OnStopped func()

	// ErrorLog receives non-fatal errors encountered on the tick goroutine
	// (e.g. a write error from a single tick); it defaults to a no-op.
	ErrorLog func(error)

	limiter *rate.Limiter

	mu        sync.Mutex
	status    Status
	source    Source
	sequence  uint16
	timestamp uint32
	nonce     uint32
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New creates a Player that writes encrypted datagrams through w using mode
// and key for the given local SSRC.
func New(w Writer, mode rtpcodec.Mode, key [32]byte, ssrc uint32) *Player {
	return &Player{
		writer:   w,
		mode:     mode,
		key:      key,
		ssrc:     ssrc,
		ErrorLog: func(error) {},
		// Ceiling of 50/s underneath the ticker, in case the ticker
		// misfires (clock jumps, test fakes).
		limiter: rate.NewLimiter(rate.Every(tickInterval), 1),
	}
}

// Status returns the current player status.
func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Sequence and Timestamp expose the current pacing counters, primarily for
// tests verifying wraparound and monotonicity.
func (p *Player) Sequence() uint16  { p.mu.Lock(); defer p.mu.Unlock(); return p.sequence }
func (p *Player) Timestamp() uint32 { p.mu.Lock(); defer p.mu.Unlock(); return p.timestamp }

// Play activates the pacer with the given audio source. It returns
// ErrAlreadyPlaying if a source is already active.
func (p *Player) Play(source Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer == nil {
		return ErrNotReady
	}
	if p.status == StatusPlaying {
		return ErrAlreadyPlaying
	}

	p.source = source
	return p.startLocked()
}

// Unpause resumes playback of the source supplied to the most recent Play
// call, continuing the sequence/timestamp counters without resetting them.
func (p *Player) Unpause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusPaused {
		return ErrNotPaused
	}

	return p.startLocked()
}

// startLocked must be called with p.mu held.
func (p *Player) startLocked() error {
	if p.OnSpeaking != nil {
		if err := p.OnSpeaking(true); err != nil {
			return errors.Wrap(err, "pacer: failed to announce speaking")
		}
	}

	p.status = StatusPlaying
	p.stop = make(chan struct{})

	p.wg.Add(1)
	go p.run(p.stop)

	return nil
}

// Pause stops transmission without sending the silence marker, keeping the
// sequence/timestamp counters where they are so Unpause can continue them.
func (p *Player) Pause() error {
	p.mu.Lock()
	if p.status != StatusPlaying {
		p.mu.Unlock()
		return nil
	}
	p.status = StatusPaused
	stop := p.stop
	p.mu.Unlock()

	close(stop)
	p.wg.Wait()

	if p.OnSpeaking != nil {
		return p.OnSpeaking(false)
	}
	return nil
}

// Stop halts transmission, resumes the source to drain backpressure, and
// transmits the 3-byte Opus silence marker followed by Speaking(0).
func (p *Player) Stop() error {
	p.mu.Lock()
	wasActive := p.status == StatusPlaying
	p.status = StatusIdle
	stop := p.stop
	source := p.source
	p.mu.Unlock()

	if wasActive && stop != nil {
		close(stop)
		p.wg.Wait()
	}

	if source != nil {
		source.Resume()
	}

	if p.writer != nil {
		if err := p.writer.Write(rtpcodec.SilenceFrame[:]); err != nil {
			p.ErrorLog(errors.Wrap(err, "pacer: failed to send silence frame"))
		}
	}

	if p.OnSpeaking != nil {
		return p.OnSpeaking(false)
	}
	return nil
}

// run is the tick goroutine. stop is captured at start time so a concurrent
// Stop/Pause closing a *different* generation's channel can't affect this
// run.
func (p *Player) run(stop chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	frame := make([]byte, rtpcodec.OpusFrameSize)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if err := p.limiter.Wait(context.Background()); err != nil {
			return
		}

		p.mu.Lock()
		source := p.source
		p.mu.Unlock()

		if source == nil {
			p.stopFromTick()
			return
		}

		n, err := io.ReadFull(source, frame)
		if err != nil || n < len(frame) {
			p.stopFromTick()
			return
		}

		if writeErr := p.transmit(frame); writeErr != nil {
			p.ErrorLog(errors.Wrap(writeErr, "pacer: failed to send frame"))
		}
	}
}

// transmit stamps, encrypts, and sends one frame, advancing the pacing
// counters with wraparound (uint16/uint32 arithmetic wraps natively).
func (p *Player) transmit(frame []byte) error {
	p.mu.Lock()
	header := rtpcodec.Header{Sequence: p.sequence, Timestamp: p.timestamp, SSRC: p.ssrc}
	nonce := p.nonce
	mode := p.mode
	key := p.key
	p.sequence++
	p.timestamp += rtpcodec.TimestampIncrement
	p.nonce++
	p.mu.Unlock()

	packet, err := rtpcodec.Encode(mode, header, frame, &key, nonce)
	if err != nil {
		return err
	}

	return p.writer.Write(packet)
}

// stopFromTick handles the source-exhausted/no-source path from within the
// tick goroutine: it performs the same stop sequence as an explicit Stop()
// call, then notifies OnStopped so the owning Connection can react (e.g.
// transition player_status and emit a PlayerStateChange event).
func (p *Player) stopFromTick() {
	p.mu.Lock()
	source := p.source
	p.status = StatusIdle
	p.mu.Unlock()

	if source != nil {
		source.Resume()
	}

	if p.writer != nil {
		if err := p.writer.Write(rtpcodec.SilenceFrame[:]); err != nil {
			p.ErrorLog(errors.Wrap(err, "pacer: failed to send silence frame"))
		}
	}

	if p.OnSpeaking != nil {
		if err := p.OnSpeaking(false); err != nil {
			p.ErrorLog(err)
		}
	}

	if p.OnStopped != nil {
		p.OnStopped()
	}
}
