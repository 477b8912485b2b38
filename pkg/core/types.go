package core

import "time"

// Status represents the current state of a decoder session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
	StatusUnknown Status = "unknown"
)

// Stream names the decoder output a router reads from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamReplay Stream = "replay"
)

// StreamStats is a point-in-time snapshot of one router's counters.
type StreamStats struct {
	Stream        Stream `json:"stream"`
	Lines         uint64 `json:"lines"`
	Records       uint64 `json:"records"`
	ParseFailures uint64 `json:"parse_failures"`
	Dispatched    uint64 `json:"dispatched"`
	EOF           bool   `json:"eof"`
}

// SubscriptionInfo describes a subscription and what the daemon has drained from it.
type SubscriptionInfo struct {
	ID        string `json:"id"`
	Protocol  int    `json:"protocol"`
	Model     string `json:"model"`
	DeviceID  string `json:"device_id,omitempty"`
	Field     string `json:"field,omitempty"`
	Capacity  int    `json:"capacity"`
	Overflow  string `json:"overflow"`
	Queued    int    `json:"queued"`
	Matched   uint64 `json:"matched"`
	Dropped   uint64 `json:"dropped"`
	LastTime  string `json:"last_time,omitempty"`
	LastValue any    `json:"last_value,omitempty"`
}

// ProcessStats is a resource sample of a running process.
type ProcessStats struct {
	CPUSeconds float64 `json:"cpu_seconds"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Threads    int     `json:"threads"`
	Cmdline    string  `json:"cmdline,omitempty"`
}

// SessionInfo describes the decoder process owned by a session.
type SessionInfo struct {
	PID       int           `json:"pid,omitempty"`
	Status    Status        `json:"status"`
	Command   []string      `json:"command"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	EOF       bool          `json:"eof"`
	Streams   []StreamStats `json:"streams,omitempty"`
	Process   *ProcessStats `json:"process,omitempty"`
}
