package calls

import (
	"time"

	"callcore/internal/negotiation"
	"callcore/internal/signaling"
)

// Status is the observable state of the local call session.
//
// Paths:
//
//	idle -> ringing -> connecting -> connected -> ended
//	ringing -> ended | rejected
//	connecting -> ended | rejected
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
	StatusRejected   Status = "rejected"
)

func (s Status) Terminal() bool { return s == StatusEnded || s == StatusRejected }

type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeMissed    Outcome = "missed"
	OutcomeCancelled Outcome = "cancelled"
)

// Result is the terminal summary handed to the Recorder, exactly once per session.
type Result struct {
	SessionID       string
	CallerID        string
	ReceiverID      string
	CallType        signaling.CallType
	Outcome         Outcome
	DurationSeconds *int
}

// Snapshot is a read-only view of the machine, published on every change.
// Rendering code consumes snapshots and media handles; it never drives
// negotiation directly.
type Snapshot struct {
	SessionID    string             `json:"session_id,omitempty"`
	Status       Status             `json:"status"`
	Kind         signaling.CallType `json:"call_type,omitempty"`
	Role         Role               `json:"role,omitempty"`
	LocalUserID  string             `json:"local_user_id"`
	RemoteUserID string             `json:"remote_user_id,omitempty"`

	StartedAt       *time.Time `json:"started_at,omitempty"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`

	AudioMuted bool `json:"audio_muted"`
	VideoOff   bool `json:"video_off"`
	Downgraded bool `json:"downgraded"`

	// Error is a user-facing message for the failure that ended the call.
	Error   string  `json:"error,omitempty"`
	Outcome Outcome `json:"outcome,omitempty"`
}

// Media exposes the active session's media handles. Both are nil when idle.
type Media struct {
	Local  *negotiation.MediaHandle
	Remote []negotiation.RemoteTrack
}
