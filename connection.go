package voicecore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/duskline/voicecore/demux"
	"github.com/duskline/voicecore/pacer"
	"github.com/duskline/voicecore/rtpcodec"
	"github.com/duskline/voicecore/rtpudp"
	"github.com/duskline/voicecore/signaling"
	"github.com/pkg/errors"
)

// Status is the Connection lifecycle state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusReady
	StatusDestroyed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusDestroyed:
		return "destroyed"
	default:
		return "disconnected"
	}
}

// ConnectionKey identifies a Connection in Voice's registry.
type ConnectionKey struct {
	UserID  string
	GuildID string
}

// Connection is a single voice connection to one guild's voice server,
// tying together the signalling channel, the UDP data plane, the send
// pacer, and the ingress demultiplexer.
type Connection struct {
	Key      ConnectionKey
	Observer Observer

	// ErrorLog receives errors not significant enough to report through
	// Observer.OnError.
	ErrorLog func(error)

	voice *Voice

	mu sync.Mutex

	status Status

	channelID   string
	sessionID   string
	haveSession bool

	token      string
	endpoint   string
	haveServer bool

	onReady func(error)

	gw      *signaling.Gateway
	sock    *rtpudp.Socket
	player  *pacer.Player
	demuxer *demux.Demuxer

	ssrc uint32
}

func newConnection(voice *Voice, key ConnectionKey) *Connection {
	return &Connection{
		Key:      key,
		voice:    voice,
		status:   StatusDisconnected,
		ErrorLog: func(error) {},
	}
}

// Status returns the Connection's current lifecycle status.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Ping returns the most recently observed signalling heartbeat round-trip
// time, or 0 if no heartbeat round trip has completed.
func (c *Connection) Ping() time.Duration {
	c.mu.Lock()
	gw := c.gw
	c.mu.Unlock()
	if gw == nil {
		return 0
	}
	return gw.Ping()
}

// VoiceStateUpdate stores the channel/session id from a voiceStateUpdate
// event. The first time both this and VoiceServerUpdate have supplied their
// halves and no signalling channel is live, a connect is triggered
// automatically.
func (c *Connection) VoiceStateUpdate(channelID, sessionID string) {
	c.mu.Lock()
	c.channelID = channelID
	c.sessionID = sessionID
	c.haveSession = sessionID != ""
	trigger := c.haveSession && c.haveServer && c.channelID != "" && c.status == StatusDisconnected
	c.mu.Unlock()

	if trigger {
		go c.autoConnect()
	}
}

// VoiceServerUpdate stores the token/endpoint from a voiceServerUpdate
// event, with the same auto-connect trigger as VoiceStateUpdate.
func (c *Connection) VoiceServerUpdate(token, endpoint string) {
	c.mu.Lock()
	c.token = token
	c.endpoint = endpoint
	c.haveServer = true
	trigger := c.haveSession && c.channelID != "" && c.status == StatusDisconnected
	c.mu.Unlock()

	if trigger {
		go c.autoConnect()
	}
}

func (c *Connection) autoConnect() {
	c.mu.Lock()
	cb := c.onReady
	c.mu.Unlock()

	if err := c.Connect(context.Background(), cb, false); err != nil {
		c.Observer.error(wrapErr(TransportClosed, err))
	}
}

// SetOnReady stores the continuation fired when opcode 4 (Session
// Description) arrives, for connects triggered automatically by
// VoiceStateUpdate/VoiceServerUpdate rather than an explicit Connect call.
func (c *Connection) SetOnReady(onReady func(error)) {
	c.mu.Lock()
	c.onReady = onReady
	c.mu.Unlock()
}

// Connect opens the signalling channel and drives the connection towards
// ready. onReady, if non-nil, is invoked exactly once when opcode 4
// (Session Description) arrives and playing becomes safe, or with a
// non-nil error if the connection fails before that point. isReconnect
// selects Resume over Identify.
func (c *Connection) Connect(ctx context.Context, onReady func(error), isReconnect bool) error {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusReady {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	if c.status == StatusDestroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.channelID == "" {
		c.mu.Unlock()
		return ErrNoChannel
	}
	old := c.status
	c.status = StatusConnecting
	c.onReady = onReady
	identity := signaling.Identity{
		GuildID:   c.Key.GuildID,
		UserID:    c.Key.UserID,
		SessionID: c.sessionID,
		Token:     c.token,
	}
	endpoint := c.endpoint
	c.mu.Unlock()

	c.Observer.stateChange(old, StatusConnecting, "", 0)

	gw := signaling.New(identity)
	gw.OnReady = c.handleReady
	gw.OnSessionDescription = c.handleSessionDescription
	gw.OnSpeaking = c.handleSpeaking
	gw.OnClose = c.handleClose
	gw.ErrorLog = func(err error) { c.Observer.error(wrapErr(ProtocolViolation, err)) }

	if err := gw.Dial(ctx, endpoint); err != nil {
		c.mu.Lock()
		c.status = StatusDisconnected
		c.mu.Unlock()
		c.failReady(err)
		return errors.Wrap(err, "voicecore: failed to dial signalling channel")
	}

	c.mu.Lock()
	c.gw = gw
	c.mu.Unlock()

	var opErr error
	if isReconnect {
		opErr = gw.Resume()
	} else {
		opErr = gw.Identify()
	}
	if opErr != nil {
		c.failReady(opErr)
		return opErr
	}

	return nil
}

func (c *Connection) failReady(err error) {
	c.mu.Lock()
	cb := c.onReady
	c.onReady = nil
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// handleReady runs on opcode 2: it dials the UDP socket, performs IP
// discovery, and dispatches Select Protocol, moving status to ready once
// that dispatch succeeds. The secret key, and therefore Play, isn't usable
// until opcode 4 separately arrives.
func (c *Connection) handleReady(r signaling.ReadyData) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr := r.IP + ":" + strconv.Itoa(r.Port)
	sock, err := rtpudp.Dial(ctx, addr)
	if err != nil {
		c.teardown(wrapErr(TransportClosed, errors.Wrap(err, "voicecore: failed to dial voice UDP")))
		return
	}

	ip, port, err := rtpudp.Discover(ctx, sock, r.SSRC)
	if err != nil {
		sock.Close()
		c.teardown(wrapErr(ProtocolViolation, errors.Wrap(err, "voicecore: IP discovery failed")))
		return
	}

	c.mu.Lock()
	c.sock = sock
	c.ssrc = r.SSRC
	gw := c.gw
	c.mu.Unlock()

	sock.Listen(c.handleDatagram, c.handleSocketClose)

	if gw == nil {
		return
	}
	if err := gw.SelectProtocol(ip, port, string(rtpcodec.ModeLite)); err != nil {
		c.teardown(wrapErr(TransportClosed, errors.Wrap(err, "voicecore: failed to send select protocol")))
		return
	}

	c.mu.Lock()
	old := c.status
	c.status = StatusReady
	c.mu.Unlock()
	c.Observer.stateChange(old, StatusReady, "", 0)
}

// handleSessionDescription runs on opcode 4: it builds the send pacer and
// ingress demultiplexer now that the secret key is known, and fires the
// connect's onReady continuation.
func (c *Connection) handleSessionDescription(sd signaling.SessionDescriptionData) {
	mode := rtpcodec.Mode(sd.Mode)

	c.mu.Lock()
	sock := c.sock
	ssrc := c.ssrc
	c.mu.Unlock()

	if sock == nil {
		c.failReady(ErrNotReady)
		return
	}

	player := pacer.New(sock, mode, sd.SecretKey, ssrc)
	player.OnSpeaking = func(speaking bool) error {
		flag := signaling.SpeakingFlag(0)
		if speaking {
			flag = signaling.SpeakingMicrophone
		}

		c.mu.Lock()
		gw := c.gw
		c.mu.Unlock()
		if gw == nil {
			return nil
		}
		return gw.Speaking(flag, ssrc)
	}
	player.OnStopped = func() {
		c.Observer.playerStateChange(pacer.StatusPlaying, pacer.StatusIdle)
	}
	player.ErrorLog = func(err error) {
		c.Observer.error(wrapErr(TransportClosed, err))
	}

	dmx := demux.New(mode, sd.SecretKey)
	dmx.OnSpeakStart = func(userID string, ssrc uint32) { c.Observer.speakStart(userID, ssrc) }
	dmx.OnSpeakEnd = func(userID string, ssrc uint32) { c.Observer.speakEnd(userID, ssrc) }
	dmx.ErrorLog = func(err error) { c.Observer.error(wrapErr(CryptoFailure, err)) }

	c.mu.Lock()
	c.player = player
	c.demuxer = dmx
	cb := c.onReady
	c.onReady = nil
	c.mu.Unlock()

	if cb != nil {
		cb(nil)
	}
}

// handleSpeaking runs on opcode 5: it registers the announced SSRC with
// both this Connection's demuxer and the owning Voice's process-wide
// registry, so Voice.GetSpeakStream can find it.
func (c *Connection) handleSpeaking(sp signaling.SpeakingData) {
	c.mu.Lock()
	dmx := c.demuxer
	c.mu.Unlock()
	if dmx == nil {
		return
	}

	dmx.RegisterSpeaker(sp.SSRC, sp.UserID)
	if c.voice != nil {
		c.voice.registerSpeaker(sp.SSRC, dmx)
	}
}

func (c *Connection) handleDatagram(datagram []byte) {
	c.mu.Lock()
	dmx := c.demuxer
	c.mu.Unlock()
	if dmx != nil {
		dmx.HandleDatagram(datagram)
	}
}

func (c *Connection) handleSocketClose(err error) {
	c.teardown(wrapErr(TransportClosed, err))
}

// handleClose reacts to the signalling channel closing: the UDP socket is
// always torn down and a disconnected state-change always emitted; close
// code 4015 triggers an automatic Resume instead of surfacing an error.
func (c *Connection) handleClose(code int, err error) {
	c.mu.Lock()
	old := c.status
	c.status = StatusDisconnected
	sock := c.sock
	c.sock, c.player, c.demuxer = nil, nil, nil
	cb := c.onReady
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}

	c.Observer.stateChange(old, StatusDisconnected, "websocketClose", code)

	if code == signaling.ResumableCloseCode {
		go func() {
			if cerr := c.Connect(context.Background(), cb, true); cerr != nil {
				c.Observer.error(wrapErr(TransportClosed, cerr))
			}
		}()
		return
	}

	if err != nil {
		e := wrapErr(TransportClosed, err)
		e.Code = code
		c.failReady(e)
		c.Observer.error(e)
	}
}

// teardown closes both transports (if open), marks the connection
// disconnected, and reports err, for local transport failures that
// don't originate from the signalling channel's own close handling. The
// signalling channel is closed on its own goroutine, since teardown can run
// on that channel's read loop.
func (c *Connection) teardown(err *Error) {
	c.mu.Lock()
	old := c.status
	c.status = StatusDisconnected
	gw := c.gw
	sock := c.sock
	c.gw, c.sock, c.player, c.demuxer = nil, nil, nil, nil
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	if gw != nil {
		go gw.Close()
	}

	c.Observer.stateChange(old, StatusDisconnected, "websocketClose", err.Code)
	c.failReady(err)
	c.Observer.error(err)
}

// Play activates playback of source over this Connection's send pacer.
// Returns ErrNotReady if opcode 4 hasn't arrived yet, or
// pacer.ErrAlreadyPlaying if playback is already active.
func (c *Connection) Play(source pacer.Source) error {
	c.mu.Lock()
	player := c.player
	c.mu.Unlock()

	if player == nil {
		return ErrNotReady
	}

	old := player.Status()
	err := player.Play(source)
	if err == nil {
		c.Observer.playerStateChange(old, pacer.StatusPlaying)
	}
	return err
}

// Stop halts playback, if any, sending the silence marker and Speaking(0).
func (c *Connection) Stop() error {
	c.mu.Lock()
	player := c.player
	c.mu.Unlock()
	if player == nil {
		return nil
	}

	old := player.Status()
	err := player.Stop()
	c.Observer.playerStateChange(old, pacer.StatusIdle)
	return err
}

// Pause suspends playback without resetting pacing counters.
func (c *Connection) Pause() error {
	c.mu.Lock()
	player := c.player
	c.mu.Unlock()
	if player == nil {
		return ErrNotReady
	}

	old := player.Status()
	err := player.Pause()
	if err == nil {
		c.Observer.playerStateChange(old, pacer.StatusPaused)
	}
	return err
}

// Unpause resumes playback from where Pause left off.
func (c *Connection) Unpause() error {
	c.mu.Lock()
	player := c.player
	c.mu.Unlock()
	if player == nil {
		return ErrNotReady
	}

	old := player.Status()
	err := player.Unpause()
	if err == nil {
		c.Observer.playerStateChange(old, pacer.StatusPlaying)
	}
	return err
}

// Destroy closes both transports, releases timers, clears connection
// state, emits a final destroyed state-change, and removes the Connection
// from its Voice registry. It is idempotent.
func (c *Connection) Destroy() error {
	c.mu.Lock()
	if c.status == StatusDestroyed {
		c.mu.Unlock()
		return nil
	}
	old := c.status
	c.status = StatusDestroyed
	gw := c.gw
	sock := c.sock
	player := c.player
	dmx := c.demuxer
	c.gw, c.sock, c.player, c.demuxer = nil, nil, nil, nil
	c.mu.Unlock()

	if player != nil {
		player.Stop()
	}
	if dmx != nil {
		dmx.Close()
	}

	var firstErr error
	if sock != nil {
		if err := sock.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if gw != nil {
		if err := gw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	c.Observer.stateChange(old, StatusDestroyed, "", 0)

	if c.voice != nil {
		c.voice.removeConnection(c.Key)
	}

	return firstErr
}
