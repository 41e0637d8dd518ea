package signaling

// IdentifyData is opcode 0's payload, sent once on first connect.
type IdentifyData struct {
	GuildID   string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// ResumeData is opcode 7's payload, sent instead of Identify on reconnect.
type ResumeData struct {
	GuildID   string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// SelectProtocolData is opcode 1's payload, sent once IP discovery
// completes.
type SelectProtocolData struct {
	Protocol string                  `json:"protocol"`
	Data     SelectProtocolInnerData `json:"data"`
}

type SelectProtocolInnerData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

// SpeakingFlag is the bitflag set carried by opcode 5.
type SpeakingFlag uint64

const (
	SpeakingMicrophone SpeakingFlag = 1 << iota
	SpeakingSoundshare
	SpeakingPriority
)

// SpeakingData is opcode 5's payload, sent on play/unpause (speaking=1) and
// stop/pause (speaking=0), and received as the speaker announcement.
type SpeakingData struct {
	Speaking SpeakingFlag `json:"speaking"`
	Delay    int          `json:"delay"`
	SSRC     uint32       `json:"ssrc"`
	UserID   string       `json:"user_id,omitempty"`
}
