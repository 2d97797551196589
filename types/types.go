package types

// Link is the state reported for a link or port.
type Link string

const (
	LinkUp       Link = "up"
	LinkDown     Link = "down"
	LinkDegraded Link = "degraded"
)

// Generic replies
type OKReply struct {
	OK bool `json:"ok"`
}
type ErrorReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// Retained on bridge/state.
type BridgeState struct {
	Link   Link   `json:"link"`
	Port   string `json:"port"`
	RTTMs  int64  `json:"rtt_ms,omitempty"`
	TS     int64  `json:"ts_ms"`
	Reason string `json:"reason,omitempty"`
}

// Published on heartbeat/<id> each tick.
type Heartbeat struct {
	Seq    uint32                 `json:"seq"`
	TS     int64                  `json:"ts_ms"`
	Uptime int64                  `json:"uptime_ms"`
	Ports  map[string]SerialStats `json:"ports,omitempty"`
}
