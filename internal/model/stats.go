package model

import "time"

type ProbeMode string

const (
	ModeRawTCP       ProbeMode = "raw_tcp"
	ModeTunneledTCP  ProbeMode = "tunneled_tcp"
	ModeTunneledHTTP ProbeMode = "tunneled_http"
)

// ServerStats is the smoothed measurement state of one server. A nil EMA
// means "unknown": never measured, or cleared by the last failure.
type ServerStats struct {
	TCPEMA              *float64  `json:"tcp_ema"`
	URLEMA              *float64  `json:"url_ema"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastProbe           time.Time `json:"last_probe"`
}

// LatencyEMA returns the URL EMA when known, else the TCP EMA.
func (s ServerStats) LatencyEMA() (float64, bool) {
	if s.URLEMA != nil {
		return *s.URLEMA, true
	}
	if s.TCPEMA != nil {
		return *s.TCPEMA, true
	}
	return 0, false
}

// Clone returns a deep copy; EMA pointers are never shared.
func (s ServerStats) Clone() ServerStats {
	out := s
	if s.TCPEMA != nil {
		v := *s.TCPEMA
		out.TCPEMA = &v
	}
	if s.URLEMA != nil {
		v := *s.URLEMA
		out.URLEMA = &v
	}
	return out
}

type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

type SelectionRecord struct {
	ServerID  string    `json:"server_id"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
	Outcome   Outcome   `json:"outcome"`
}

// Succeeded treats pending as success until a real outcome is reported.
func (r SelectionRecord) Succeeded() bool { return r.Outcome != OutcomeFailure }
