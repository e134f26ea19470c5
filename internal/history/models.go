package history

import (
	"time"

	"callcore/internal/signaling"
)

// Record is one finished call as seen by the agent that recorded it.
//
// Records are append-only. Both parties' agents record their own view of
// the same call, so RecordedBy scopes reads to the local user's records.
type Record struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"session_id" db:"session_id"`

	CallerID   string             `json:"caller_id" db:"caller_id"`
	ReceiverID string             `json:"receiver_id" db:"receiver_id"`
	CallType   signaling.CallType `json:"call_type" db:"call_type"`
	Outcome    Outcome            `json:"outcome" db:"outcome"`

	// DurationSeconds is set only for completed calls.
	DurationSeconds *int `json:"duration_seconds" db:"duration_seconds"`

	RecordedBy string    `json:"recorded_by" db:"recorded_by"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeMissed    Outcome = "missed"
	OutcomeCancelled Outcome = "cancelled"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeCompleted, OutcomeRejected, OutcomeMissed, OutcomeCancelled:
		return true
	}
	return false
}

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Summary aggregates a user's calls over a time range.
type Summary struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`

	TotalCalls     int `json:"total_calls"`
	CompletedCalls int `json:"completed_calls"`
	RejectedCalls  int `json:"rejected_calls"`
	MissedCalls    int `json:"missed_calls"`
	CancelledCalls int `json:"cancelled_calls"`
	OutgoingCalls  int `json:"outgoing_calls"`
	IncomingCalls  int `json:"incoming_calls"`
	VideoCalls     int `json:"video_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}
