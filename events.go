package voicecore

import "github.com/duskline/voicecore/pacer"

// StateChangeEvent is emitted whenever a Connection's status changes.
type StateChangeEvent struct {
	Old, New Status
	// Reason is "websocketClose" for transitions to disconnected, whether
	// the server closed the signalling channel or it was torn down after a
	// local transport failure; it is empty for other transitions.
	Reason string
	// Code is the WebSocket close code received from the server, or 0 when
	// no close frame was received (including a local teardown).
	Code int
}

// PlayerStateChangeEvent is emitted whenever a Connection's player status
// changes.
type PlayerStateChangeEvent struct {
	Old, New pacer.Status
}

// SpeakStartEvent/SpeakEndEvent are emitted when a remote speaker's stream
// opens or closes.
type SpeakStartEvent struct {
	UserID string
	SSRC   uint32
}

type SpeakEndEvent struct {
	UserID string
	SSRC   uint32
}

// Observer is the typed event-callback struct a caller attaches to a
// Connection. Unset fields are simply not invoked; the whole event surface
// is five fixed shapes, so there is no stringly-typed event bus to
// register against.
type Observer struct {
	OnStateChange       func(StateChangeEvent)
	OnPlayerStateChange func(PlayerStateChangeEvent)
	OnSpeakStart        func(SpeakStartEvent)
	OnSpeakEnd          func(SpeakEndEvent)
	OnError             func(*Error)
}

func (o *Observer) stateChange(old, new_ Status, reason string, code int) {
	if o.OnStateChange != nil {
		o.OnStateChange(StateChangeEvent{Old: old, New: new_, Reason: reason, Code: code})
	}
}

func (o *Observer) playerStateChange(old, new_ pacer.Status) {
	if o.OnPlayerStateChange != nil {
		o.OnPlayerStateChange(PlayerStateChangeEvent{Old: old, New: new_})
	}
}

func (o *Observer) speakStart(userID string, ssrc uint32) {
	if o.OnSpeakStart != nil {
		o.OnSpeakStart(SpeakStartEvent{UserID: userID, SSRC: ssrc})
	}
}

func (o *Observer) speakEnd(userID string, ssrc uint32) {
	if o.OnSpeakEnd != nil {
		o.OnSpeakEnd(SpeakEndEvent{UserID: userID, SSRC: ssrc})
	}
}

func (o *Observer) error(err *Error) {
	if o.OnError != nil {
		o.OnError(err)
	}
}
