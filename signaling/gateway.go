package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/duskline/voicecore/internal/heart"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ResumableCloseCode is the close code that means "reconnect with Resume
// instead of a fresh Identify".
const ResumableCloseCode = 4015

var (
	ErrMissingForIdentify = errors.New("signaling: missing guild/user/session/token for identify")
	ErrMissingForResume   = errors.New("signaling: missing guild/session/token for resume")
	ErrNotConnected       = errors.New("signaling: not connected")
)

// frame is the {op, d} envelope every control-channel message uses.
type frame struct {
	Op   OpCode          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
}

// Identity carries the fields needed to Identify or Resume a session.
type Identity struct {
	GuildID   string
	UserID    string
	SessionID string
	Token     string
}

// Gateway is a client of the voice signalling channel: JSON frames over a
// WebSocket, with heartbeating driven by a *heart.Pacemaker once Hello
// arrives.
type Gateway struct {
	Identity Identity

	// UserAgent is sent as the dial's HTTP User-Agent header, identifying
	// this client to the voice server.
	UserAgent string

	// Timeout bounds the Dial handshake.
	Timeout time.Duration

	// OnReady/OnSessionDescription/OnSpeaking fire from the read loop as
	// the corresponding opcodes arrive.
	OnReady              func(ReadyData)
	OnSessionDescription func(SessionDescriptionData)
	OnSpeaking           func(SpeakingData)

	// OnClose fires at most once, when the read loop ends on its own; it is
	// not invoked after Close. code is 0 if the loop ended without a
	// WebSocket close frame. err is nil only for the resumable 4015 close,
	// which the caller is expected to detect via code and react to with
	// Resume; every other ending carries a non-nil err.
	OnClose func(code int, err error)

	// ErrorLog receives non-fatal protocol violations: malformed frames,
	// unexpected opcodes.
	ErrorLog func(error)

	mu       sync.Mutex
	conn     *websocket.Conn
	pacer    *heart.Pacemaker
	wg       sync.WaitGroup
	closing  atomic.Bool
	ping     atomic.Duration
	deathErr error
}

// New creates a Gateway for the given identity. UserAgent and Timeout carry
// sensible defaults; override before calling Dial if needed.
func New(identity Identity) *Gateway {
	return &Gateway{
		Identity:  identity,
		UserAgent: "duskline-voicecore (https://github.com/duskline/voicecore, 0.1.0)",
		Timeout:   10 * time.Second,
		ErrorLog:  func(error) {},
		OnClose:   func(int, error) {},
	}
}

// Dial opens the WebSocket connection to endpoint (host[:port], no scheme
// or query string, as received from a voice server update) and starts the
// read loop. It does not wait for Hello/Ready; those surface through
// OnReady/OnSessionDescription and the heartbeat pacemaker they trigger.
func (g *Gateway) Dial(ctx context.Context, endpoint string) error {
	url := endpoint
	if !strings.Contains(endpoint, "://") {
		// A bare host[:port] as received from a voice server update; real
		// voice endpoints always speak TLS. Callers that already have a
		// full URL (tests, non-standard deployments) pass it through
		// unchanged.
		url = "wss://" + strings.TrimSuffix(endpoint, ":80") + "/?v=4"
	}

	header := http.Header{}
	header.Set("User-Agent", g.UserAgent)

	dialCtx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, header)
	if err != nil {
		return errors.Wrap(err, "signaling: failed to dial voice endpoint")
	}

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	g.wg.Add(1)
	go g.readLoop()

	return nil
}

func (g *Gateway) send(op OpCode, v interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn == nil {
		return ErrNotConnected
	}

	f := frame{Op: op}
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "signaling: failed to encode payload")
		}
		f.Data = b
	}

	return g.conn.WriteJSON(f)
}

// Identify sends opcode 0 using g.Identity.
func (g *Gateway) Identify() error {
	id := g.Identity
	if id.GuildID == "" || id.UserID == "" || id.SessionID == "" || id.Token == "" {
		return ErrMissingForIdentify
	}
	return g.send(OpIdentify, IdentifyData{
		GuildID:   id.GuildID,
		UserID:    id.UserID,
		SessionID: id.SessionID,
		Token:     id.Token,
	})
}

// Resume sends opcode 7 using g.Identity, for reconnects after a 4015 close.
func (g *Gateway) Resume() error {
	id := g.Identity
	if id.GuildID == "" || id.SessionID == "" || id.Token == "" {
		return ErrMissingForResume
	}
	return g.send(OpResume, ResumeData{
		GuildID:   id.GuildID,
		SessionID: id.SessionID,
		Token:     id.Token,
	})
}

// SelectProtocol sends opcode 1 once IP discovery has produced address/port.
func (g *Gateway) SelectProtocol(address string, port uint16, mode string) error {
	return g.send(OpSelectProtocol, SelectProtocolData{
		Protocol: "udp",
		Data:     SelectProtocolInnerData{Address: address, Port: port, Mode: mode},
	})
}

// Speaking sends opcode 5: flag&SpeakingMicrophone != 0 (and delay 0) on
// play/unpause, flag == 0 on stop/pause.
func (g *Gateway) Speaking(flag SpeakingFlag, ssrc uint32) error {
	return g.send(OpSpeaking, SpeakingData{Speaking: flag, Delay: 0, SSRC: ssrc})
}

// heartbeat is the Pacemaker's Pace function: opcode 3 carrying the current
// wall clock in milliseconds.
func (g *Gateway) heartbeat(ctx context.Context) error {
	return g.send(OpHeartbeat, time.Now().UnixMilli())
}

// Ping returns the most recently observed heartbeat round-trip time, or 0
// if no heartbeat round trip has completed yet (including before Hello).
func (g *Gateway) Ping() time.Duration {
	return g.ping.Load()
}

func (g *Gateway) readLoop() {
	defer g.wg.Done()

	for {
		g.mu.Lock()
		conn := g.conn
		g.mu.Unlock()
		if conn == nil {
			return
		}

		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			g.stopPacemaker()

			g.mu.Lock()
			deathErr := g.deathErr
			g.mu.Unlock()

			if g.closing.Load() {
				// Close() already tore this connection down on purpose;
				// the read error is just that unblocking, not a real close
				// to report.
				return
			}

			if deathErr != nil {
				g.OnClose(0, deathErr)
				return
			}

			code := 0
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			if code == ResumableCloseCode {
				g.OnClose(code, nil)
			} else {
				g.OnClose(code, err)
			}
			return
		}

		g.dispatch(f)
	}
}

func (g *Gateway) dispatch(f frame) {
	switch f.Op {
	case OpHello:
		var h HelloData
		if err := json.Unmarshal(f.Data, &h); err != nil {
			g.ErrorLog(errors.Wrap(err, "signaling: malformed hello payload"))
			return
		}
		g.startPacemaker(time.Duration(h.HeartbeatIntervalMillis * float64(time.Millisecond)))

	case OpReady:
		var r ReadyData
		if err := json.Unmarshal(f.Data, &r); err != nil {
			g.ErrorLog(errors.Wrap(err, "signaling: malformed ready payload"))
			return
		}
		if g.OnReady != nil {
			g.OnReady(r)
		}

	case OpSessionDescription:
		var sd SessionDescriptionData
		if err := json.Unmarshal(f.Data, &sd); err != nil {
			g.ErrorLog(errors.Wrap(err, "signaling: malformed session description payload"))
			return
		}
		if g.OnSessionDescription != nil {
			g.OnSessionDescription(sd)
		}

	case OpSpeaking:
		var sp SpeakingData
		if err := json.Unmarshal(f.Data, &sp); err != nil {
			g.ErrorLog(errors.Wrap(err, "signaling: malformed speaking payload"))
			return
		}
		if g.OnSpeaking != nil {
			g.OnSpeaking(sp)
		}

	case OpHeartbeatACK:
		var sentMillis int64
		if json.Unmarshal(f.Data, &sentMillis) == nil && sentMillis > 0 {
			g.ping.Store(time.Since(time.UnixMilli(sentMillis)))
		}
		g.mu.Lock()
		pacer := g.pacer
		g.mu.Unlock()
		if pacer != nil {
			pacer.Echo()
		}

	default:
		g.ErrorLog(errors.Errorf("signaling: unexpected opcode %d", f.Op))
	}
}

func (g *Gateway) startPacemaker(interval time.Duration) {
	g.mu.Lock()
	if g.pacer != nil {
		g.mu.Unlock()
		return
	}
	g.pacer = heart.NewPacemaker(interval, g.heartbeat)
	pacer := g.pacer
	g.mu.Unlock()

	death := pacer.StartAsync(nil)
	go g.watchPacemakerDeath(death)
}

// watchPacemakerDeath waits for the pacemaker's death signal. A nil error
// means Stop was called deliberately (e.g. from Close) and needs no
// reaction. A non-nil error means heart.ErrDead: two heartrates passed
// without an ACK. This forces the underlying connection closed so
// readLoop's blocked ReadJSON unblocks and reports the failure through
// OnClose, instead of the heartbeat loop just going quiet.
func (g *Gateway) watchPacemakerDeath(death chan error) {
	err := <-death
	if err == nil {
		return
	}

	g.mu.Lock()
	conn := g.conn
	g.deathErr = errors.Wrap(err, "signaling: heartbeat pacemaker died")
	g.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (g *Gateway) stopPacemaker() {
	g.mu.Lock()
	pacer := g.pacer
	g.pacer = nil
	g.mu.Unlock()

	if pacer != nil {
		pacer.Stop()
	}
}

// Close gracefully closes the connection: the heartbeat pacemaker is
// stopped first, then a close frame is sent and the socket is closed. It
// blocks until the read loop has observed the close. Because this is an
// intentional shutdown, OnClose is not invoked; callers that want to react
// to a close already know they caused this one.
func (g *Gateway) Close() error {
	g.closing.Store(true)

	g.stopPacemaker()

	g.mu.Lock()
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()

	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

	err := conn.Close()
	g.wg.Wait()
	return err
}
