package calls

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"callcore/internal/negotiation"
	"callcore/internal/signaling"
)

// session is the live call. It is owned by the machine loop; nothing else
// reads or writes it.
type session struct {
	id     string
	gen    uint64
	status Status
	kind   signaling.CallType
	role   Role
	local  string
	remote string
	log    *slog.Logger

	startedAt   time.Time
	connectedAt time.Time

	// Remote candidates wait here until the remote description is applied.
	remoteDescriptionSet bool
	pendingCandidates    []signaling.Candidate
	seen                 map[string]struct{}

	// Receiver only: the caller's offer, held until accept.
	pendingOffer *signaling.SessionDescription

	// Local candidates wait here until our offer or answer has been sent.
	localSent       bool
	localCandidates []signaling.Candidate

	ringDeadline   time.Time
	minRingElapsed bool
	eligible       bool
	trackHeld      bool
	answerPending  bool

	audioMuted bool
	videoOff   bool
	downgraded bool
	errMsg     string

	engine negotiation.Engine
	worker *serial
	ctx    context.Context
	cancel context.CancelFunc

	ringTimer    *clock.Timer
	connectTimer *clock.Timer
	minRingTimer *clock.Timer
	ticker       *clock.Ticker
}

func (s *session) callerID() string {
	if s.role == RoleCaller {
		return s.local
	}
	return s.remote
}

func (s *session) receiverID() string {
	if s.role == RoleCaller {
		return s.remote
	}
	return s.local
}

// remember records a candidate and reports whether it is new.
func (s *session) remember(c signaling.Candidate) bool {
	k := c.Key()
	if _, ok := s.seen[k]; ok {
		return false
	}
	s.seen[k] = struct{}{}
	return true
}

func (s *session) stopTimer(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (s *session) stopTimers() {
	s.stopTimer(&s.ringTimer)
	s.stopTimer(&s.connectTimer)
	s.stopTimer(&s.minRingTimer)
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

func (s *session) duration(now time.Time) int {
	if s.connectedAt.IsZero() {
		return 0
	}
	return int(now.Sub(s.connectedAt) / time.Second)
}

// orphan is a candidate that arrived while idle, before its sender's offer.
type orphan struct {
	candidate signaling.Candidate
	at        time.Time
}
