package signaling

// ReadyData is opcode 2's payload: UDP connection parameters for the
// session. Any heartbeat interval in this payload is not decoded; the
// interval used comes from Hello.
type ReadyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

// SessionDescriptionData is opcode 4's payload: the negotiated mode and the
// 32-byte symmetric key used for all subsequent data-plane encryption.
type SessionDescriptionData struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

// HelloData is opcode 8's payload.
type HelloData struct {
	HeartbeatIntervalMillis float64 `json:"heartbeat_interval"`
}
