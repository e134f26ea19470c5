package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"callcore/internal/signaling"
)

var (
	ErrInvalidRecord  = errors.New("history: invalid record")
	ErrInvalidRequest = errors.New("history: invalid request")
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Repository is the persistence contract for call records. Append-only.
type Repository interface {
	Append(ctx context.Context, r Record) error
	// ListForUser returns records userID wrote in which they took part,
	// newest first, created in [from, to) when the bounds are non-zero.
	ListForUser(ctx context.Context, userID string, from, to time.Time, limit int) ([]Record, error)
}

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) Append(ctx context.Context, r Record) error {
	if s.repo == nil {
		return errors.New("history: repository not configured")
	}
	if err := validate(r); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.clock().UTC()
	}
	if r.Outcome != OutcomeCompleted {
		r.DurationSeconds = nil
	}
	return s.repo.Append(ctx, r)
}

func validate(r Record) error {
	switch {
	case r.CallerID == "" || r.ReceiverID == "":
		return fmt.Errorf("%w: caller and receiver are required", ErrInvalidRecord)
	case r.CallerID == r.ReceiverID:
		return fmt.Errorf("%w: caller and receiver must differ", ErrInvalidRecord)
	case r.RecordedBy != r.CallerID && r.RecordedBy != r.ReceiverID:
		return fmt.Errorf("%w: recorder must be a participant", ErrInvalidRecord)
	case !r.CallType.Valid():
		return fmt.Errorf("%w: call type %q", ErrInvalidRecord, r.CallType)
	case !r.Outcome.Valid():
		return fmt.Errorf("%w: outcome %q", ErrInvalidRecord, r.Outcome)
	case r.DurationSeconds != nil && *r.DurationSeconds < 0:
		return fmt.Errorf("%w: negative duration", ErrInvalidRecord)
	}
	return nil
}

// ListForUser returns the user's most recent calls.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	if userID == "" {
		return nil, ErrInvalidRequest
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if s.repo == nil {
		return nil, errors.New("history: repository not configured")
	}
	return s.repo.ListForUser(ctx, userID, time.Time{}, time.Time{}, limit)
}

// Summary aggregates the user's calls created in [rng.From, rng.To).
func (s *Service) Summary(ctx context.Context, userID string, rng TimeRange) (Summary, error) {
	if userID == "" {
		return Summary{}, ErrInvalidRequest
	}
	if rng.From.IsZero() || rng.To.IsZero() || !rng.To.After(rng.From) {
		return Summary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Summary{}, errors.New("history: repository not configured")
	}

	rows, err := s.repo.ListForUser(ctx, userID, rng.From, rng.To, 0)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{UserID: userID, Range: rng}
	for _, r := range rows {
		out.TotalCalls++
		if r.CallerID == userID {
			out.OutgoingCalls++
		} else {
			out.IncomingCalls++
		}
		if r.CallType == signaling.CallTypeVideo {
			out.VideoCalls++
		}
		switch r.Outcome {
		case OutcomeCompleted:
			out.CompletedCalls++
			if r.DurationSeconds != nil {
				out.TotalDurationSeconds += *r.DurationSeconds
			}
		case OutcomeRejected:
			out.RejectedCalls++
		case OutcomeMissed:
			out.MissedCalls++
		case OutcomeCancelled:
			out.CancelledCalls++
		}
	}
	if out.CompletedCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.CompletedCalls
	}
	return out, nil
}
