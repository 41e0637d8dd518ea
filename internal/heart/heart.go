// Package heart implements a general-purpose heartbeat pacemaker used to
// drive both the voice gateway's heartbeat loop and to track round-trip
// latency from heartbeat ACKs.
package heart

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Debug is called with diagnostic messages. It defaults to a no-op.
var Debug = func(v ...interface{}) {}

// ErrDead is returned from the pacemaker loop when two heartbeats have been
// sent without receiving an echo (ACK) in between.
var ErrDead = errors.New("no heartbeat ack received, connection presumed dead")

// AtomicTime is a thread-safe UnixNano timestamp.
type AtomicTime struct {
	unixnano int64
}

// Get returns the stored timestamp in UnixNano.
func (t *AtomicTime) Get() int64 {
	return atomic.LoadInt64(&t.unixnano)
}

// Set stores the given time.
func (t *AtomicTime) Set(tm time.Time) {
	atomic.StoreInt64(&t.unixnano, tm.UnixNano())
}

// Time returns the stored timestamp as a time.Time.
func (t *AtomicTime) Time() time.Time {
	return time.Unix(0, t.Get())
}

// Pacemaker periodically calls Pace at Heartrate intervals until Stop is
// called or Pace errors out. It also tracks the last sent and echoed
// heartbeat so RTT (ping) can be derived and dead connections detected.
type Pacemaker struct {
	// Heartrate is the interval between heartbeats, normally supplied by
	// the server (Hello's heartbeat_interval).
	Heartrate time.Duration

	SentBeat AtomicTime
	EchoBeat AtomicTime

	// Pace is called once per heartrate tick. A returned error stops the
	// pacemaker and is surfaced through the death channel.
	Pace func(context.Context) error

	stop  chan struct{}
	once  sync.Once
	death chan error
}

// NewPacemaker creates a Pacemaker with the given rate and pacing function.
func NewPacemaker(heartrate time.Duration, pace func(context.Context) error) *Pacemaker {
	return &Pacemaker{Heartrate: heartrate, Pace: pace}
}

// Echo records that a heartbeat ACK was just received.
func (p *Pacemaker) Echo() {
	p.EchoBeat.Set(time.Now())
}

// Ping returns the time from the last sent heartbeat to the echo recorded
// after it. It returns 0 until a heartbeat has been echoed, and again while
// the most recently sent heartbeat is still awaiting its echo.
func (p *Pacemaker) Ping() time.Duration {
	sent := p.SentBeat.Get()
	echo := p.EchoBeat.Get()
	if sent == 0 || echo == 0 || echo < sent {
		return 0
	}
	return time.Duration(echo - sent)
}

// Dead reports whether the pacemaker should consider the connection dead:
// the last sent heartbeat went out more than two heartrates after the last
// recorded echo.
func (p *Pacemaker) Dead() bool {
	echo := p.EchoBeat.Get()
	sent := p.SentBeat.Get()

	if echo == 0 || sent == 0 {
		return false
	}

	return sent-echo > int64(p.Heartrate)*2
}

// Stop stops the pacemaker. It is idempotent.
func (p *Pacemaker) Stop() {
	Debug("pacemaker: stopping")
	p.once.Do(func() {
		close(p.stop)
	})
}

func (p *Pacemaker) pace() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.Heartrate)
	defer cancel()

	return p.Pace(ctx)
}

func (p *Pacemaker) start() error {
	p.EchoBeat.Set(time.Unix(0, 0))
	p.SentBeat.Set(time.Unix(0, 0))

	tick := time.NewTicker(p.Heartrate)
	defer tick.Stop()

	// Assume alive until proven otherwise.
	p.Echo()

	for {
		select {
		case <-p.stop:
			return nil
		case <-tick.C:
		}

		if err := p.pace(); err != nil {
			return errors.Wrap(err, "failed to send heartbeat")
		}

		p.SentBeat.Set(time.Now())

		if p.Dead() {
			return ErrDead
		}
	}
}

// StartAsync starts the pacemaker loop in a new goroutine. The returned
// channel receives exactly one value (nil on graceful Stop, an error
// otherwise) when the loop exits. If wg is non-nil, it is incremented before
// starting and decremented when the loop exits.
func (p *Pacemaker) StartAsync(wg *sync.WaitGroup) (death chan error) {
	p.death = make(chan error, 1)
	p.stop = make(chan struct{})
	p.once = sync.Once{}

	if wg != nil {
		wg.Add(1)
	}

	go func() {
		p.death <- p.start()
		Debug("pacemaker: loop returned")

		if wg != nil {
			wg.Done()
		}
	}()

	return p.death
}
