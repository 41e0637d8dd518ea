// Package voicecore implements a standalone voice-signalling and RTP data
// plane client: the signalling gateway (package signaling), the UDP data
// plane and IP discovery (package rtpudp), RTP framing and encryption
// (package rtpcodec), the outbound send pacer (package pacer), and the
// inbound demultiplexer (package demux) are tied together here into
// Connection and Voice, the two types most callers touch directly.
//
// The package works with the plain string identifiers (guild id, user id,
// channel id, session id, endpoint, token) that a voice server update
// actually carries, so it has no dependency on a particular chat-gateway
// client.
package voicecore

import (
	"strconv"
	"sync"

	"github.com/duskline/voicecore/demux"
)

// Voice owns the process-wide Connection registry (one per guild/user pair)
// and the remote-speaker lookup (one per inbound SSRC).
type Voice struct {
	// ErrorLog receives errors not tied to any specific Connection.
	ErrorLog func(error)

	mu          sync.Mutex
	connections map[ConnectionKey]*Connection

	speakersMu sync.Mutex
	speakers   map[uint32]*demux.Demuxer
}

// New creates an empty Voice registry.
func New() *Voice {
	return &Voice{
		ErrorLog:    func(error) {},
		connections: make(map[ConnectionKey]*Connection),
		speakers:    make(map[uint32]*demux.Demuxer),
	}
}

// JoinVoiceChannel returns the Connection for (userID, guildID), creating
// one if it doesn't already exist. Joining doesn't itself open any
// transport; that happens once both VoiceStateUpdate and VoiceServerUpdate
// have delivered their halves, or via an explicit Connection.Connect call.
func (v *Voice) JoinVoiceChannel(userID, guildID string) *Connection {
	key := ConnectionKey{UserID: userID, GuildID: guildID}

	v.mu.Lock()
	defer v.mu.Unlock()

	if c, ok := v.connections[key]; ok {
		return c
	}

	c := newConnection(v, key)
	v.connections[key] = c
	return c
}

// Connection returns the existing Connection for (userID, guildID), if any.
func (v *Voice) Connection(userID, guildID string) (*Connection, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.connections[ConnectionKey{UserID: userID, GuildID: guildID}]
	return c, ok
}

// VoiceStateUpdate forwards a voiceStateUpdate event to the matching
// Connection, if one has been created via JoinVoiceChannel. Updates for an
// unknown pair are ignored. An update with an empty channel id means the
// user has disconnected from voice, so the Connection is destroyed and
// evicted from the registry.
func (v *Voice) VoiceStateUpdate(userID, guildID, channelID, sessionID string) {
	c, ok := v.Connection(userID, guildID)
	if !ok {
		return
	}
	c.VoiceStateUpdate(channelID, sessionID)

	if channelID == "" {
		if err := c.Destroy(); err != nil {
			v.ErrorLog(err)
		}
	}
}

// VoiceServerUpdate forwards a voiceServerUpdate event to the matching
// Connection, if one has been created via JoinVoiceChannel.
func (v *Voice) VoiceServerUpdate(userID, guildID, token, endpoint string) {
	c, ok := v.Connection(userID, guildID)
	if !ok {
		return
	}
	c.VoiceServerUpdate(token, endpoint)
}

// GetSpeakStream returns the byte stream for ssrc's currently active
// speaker, or nil if the SSRC is unknown or the speaker isn't currently
// streaming.
func (v *Voice) GetSpeakStream(ssrc uint32) *demux.Stream {
	v.speakersMu.Lock()
	dmx, ok := v.speakers[ssrc]
	v.speakersMu.Unlock()
	if !ok {
		return nil
	}

	sp, ok := dmx.Speaker(ssrc)
	if !ok {
		return nil
	}
	return sp.Stream()
}

// registerSpeaker records which Connection's demuxer owns ssrc, called from
// Connection.handleSpeaking as opcode-5 Speaking events arrive.
func (v *Voice) registerSpeaker(ssrc uint32, dmx *demux.Demuxer) {
	v.speakersMu.Lock()
	defer v.speakersMu.Unlock()
	v.speakers[ssrc] = dmx
}

func (v *Voice) removeConnection(key ConnectionKey) {
	v.mu.Lock()
	delete(v.connections, key)
	v.mu.Unlock()
}

// Close destroys every registered Connection concurrently, aggregating any
// errors encountered into a CloseError. Returns nil if every Connection
// closed cleanly.
func (v *Voice) Close() *CloseError {
	v.mu.Lock()
	conns := make([]*Connection, 0, len(v.connections))
	for _, c := range v.connections {
		conns = append(conns, c)
	}
	v.mu.Unlock()

	closeErr := &CloseError{Errors: make(map[ConnectionKey]error)}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := c.Destroy(); err != nil {
				mu.Lock()
				closeErr.Errors[c.Key] = err
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	if len(closeErr.Errors) == 0 {
		return nil
	}
	return closeErr
}

// CloseError aggregates per-Connection errors encountered while closing a
// Voice registry.
type CloseError struct {
	Errors map[ConnectionKey]error
}

func (e *CloseError) Error() string {
	return strconv.Itoa(len(e.Errors)) + " connections returned errors while closing"
}
