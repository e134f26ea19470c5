package calls

import (
	"context"

	"callcore/internal/history"
)

// Recorder persists terminal call results. Failures are logged by the
// machine and never affect the session.
type Recorder interface {
	Record(ctx context.Context, r Result) error
}

// HistoryAppender is the part of history.Service the adapter needs.
type HistoryAppender interface {
	Append(ctx context.Context, r history.Record) error
}

// HistoryRecorder bridges the machine's Recorder hook to the history service.
type HistoryRecorder struct {
	History     HistoryAppender
	LocalUserID string
}

func (a HistoryRecorder) Record(ctx context.Context, r Result) error {
	if a.History == nil {
		return nil
	}
	return a.History.Append(ctx, history.Record{
		SessionID:       r.SessionID,
		CallerID:        r.CallerID,
		ReceiverID:      r.ReceiverID,
		CallType:        r.CallType,
		Outcome:         history.Outcome(r.Outcome),
		DurationSeconds: r.DurationSeconds,
		RecordedBy:      a.LocalUserID,
	})
}
