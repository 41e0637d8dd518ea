package voicecore

import "github.com/pkg/errors"

// ErrorKind classifies an Error surfaced through Observer.OnError.
type ErrorKind int

const (
	// TransportClosed: the UDP socket closed unexpectedly, or the
	// signalling channel closed with a code other than 4015.
	TransportClosed ErrorKind = iota
	// PreconditionFailed: an operation was invoked before its
	// prerequisites were met, e.g. Play before UDP info is known.
	PreconditionFailed
	// CryptoFailure: seal/open failed in the crypto primitive.
	CryptoFailure
	// ProtocolViolation: a malformed IP-discovery reply or unexpected
	// opcode. Non-fatal; logged rather than torn down.
	ProtocolViolation
)

func (k ErrorKind) String() string {
	switch k {
	case TransportClosed:
		return "transport_closed"
	case PreconditionFailed:
		return "precondition_failed"
	case CryptoFailure:
		return "crypto_failure"
	case ProtocolViolation:
		return "protocol_violation"
	default:
		return "unknown"
	}
}

// Error is the error type delivered through Observer.OnError.
type Error struct {
	Kind ErrorKind
	// Code is the WebSocket close code, populated only for TransportClosed
	// errors originating from the signalling channel.
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Sentinel errors returned by Connection's methods. The pacer's own
// sentinels (pacer.ErrAlreadyPlaying from Play, pacer.ErrNotPaused from
// Unpause) are passed through as they are and not re-exported here.
var (
	ErrNotReady         = errors.New("voicecore: connection is not ready")
	ErrNoChannel        = errors.New("voicecore: cannot connect without a channel id")
	ErrAlreadyConnected = errors.New("voicecore: connection already has a live signalling channel")
	ErrDestroyed        = errors.New("voicecore: connection is destroyed")
)
