package calls

import (
	"context"
	"slices"
	"time"

	"callcore/internal/signaling"
)

// onSignal routes one inbound signal. Signals that match no live session
// are stale and dropped; only offers and candidates are ever buffered.
func (m *Machine) onSignal(sig signaling.Signal) {
	if sig.To != m.cfg.LocalUserID || sig.From == "" || sig.From == m.cfg.LocalUserID {
		m.log.Debug("dropping misaddressed signal", "type", sig.Type, "from", sig.From, "to", sig.To)
		return
	}
	if err := sig.Validate(); err != nil {
		m.log.Warn("dropping invalid signal", "type", sig.Type, "from", sig.From, "err", err)
		return
	}

	if sig.Type == signaling.TypeOffer {
		m.onOffer(sig)
		return
	}
	if sig.Type == signaling.TypeCandidate && m.session == nil {
		m.holdOrphan(sig.From, *sig.Candidate)
		return
	}

	s := m.session
	if s == nil || s.remote != sig.From {
		m.dropStale(sig)
		return
	}

	switch sig.Type {
	case signaling.TypeCandidate:
		m.onRemoteCandidate(s, *sig.Candidate)
	case signaling.TypeAccepted:
		m.onAccepted(s)
	case signaling.TypeAnswer:
		m.onAnswer(s, *sig.Answer)
	case signaling.TypeReject:
		m.onRemoteReject(s)
	case signaling.TypeEnd:
		m.onRemoteEnd(s)
	}
}

func (m *Machine) dropStale(sig signaling.Signal) {
	m.log.Debug("dropping signal", "type", sig.Type, "from", sig.From, "err", ErrStaleSignal)
}

func (m *Machine) onOffer(sig signaling.Signal) {
	if s := m.session; s != nil {
		if s.remote == sig.From && s.role == RoleReceiver {
			s.log.Debug("duplicate offer ignored")
			return
		}
		// Busy: refuse the newcomer, leave the active session alone.
		m.log.Info("busy, rejecting offer", "from", sig.From, "active_session_id", s.id)
		delete(m.orphans, sig.From)
		m.send(signaling.TypeReject, sig.From, nil)
		return
	}

	s := m.newSession(RoleReceiver, sig.From, sig.CallType)
	offer := *sig.Offer
	s.pendingOffer = &offer
	delete(m.ended, sig.From)
	for _, o := range m.takeOrphans(sig.From, offer.ICEUfrags()) {
		if s.remember(o) {
			s.pendingCandidates = append(s.pendingCandidates, o)
		}
	}
	m.startRing(s)
	s.log.Info("incoming call", "call_type", s.kind, "buffered_candidates", len(s.pendingCandidates))
	m.publish()
}

func (m *Machine) onRemoteCandidate(s *session, c signaling.Candidate) {
	if !s.remember(c) {
		return
	}
	if !s.remoteDescriptionSet {
		s.pendingCandidates = append(s.pendingCandidates, c)
		return
	}
	m.applyCandidate(s, c)
}

func (m *Machine) onAccepted(s *session) {
	if s.role != RoleCaller {
		return
	}
	s.eligible = true
	if s.status != StatusRinging {
		if s.trackHeld {
			m.connect(s)
		}
		return
	}
	m.enterConnecting(s)
	s.log.Info("remote accepted")
	if s.trackHeld {
		m.connect(s)
		return
	}
	m.publish()
}

func (m *Machine) onAnswer(s *session, answer signaling.SessionDescription) {
	if s.role != RoleCaller || s.remoteDescriptionSet || s.answerPending || s.engine == nil {
		m.dropStale(signaling.Signal{Type: signaling.TypeAnswer, From: s.remote})
		return
	}
	if s.status != StatusRinging && s.status != StatusConnecting {
		return
	}
	if s.status == StatusRinging {
		// The answer implies the remote accepted; its accepted signal may be late or lost.
		m.enterConnecting(s)
		m.publish()
	}

	s.answerPending = true
	eng, gen := s.engine, s.gen
	s.worker.push(func(ctx context.Context) {
		err := eng.AcceptAnswer(ctx, answer)
		m.post(func() { m.onAnswerApplied(gen, err) })
	})
}

func (m *Machine) enterConnecting(s *session) {
	s.status = StatusConnecting
	s.stopTimer(&s.ringTimer)
	s.connectTimer = m.after(s, m.cfg.ConnectTimeout, m.onConnectTimeout)
}

func (m *Machine) onRemoteReject(s *session) {
	switch {
	case s.status == StatusConnected:
		m.finish(s, StatusEnded, OutcomeCompleted)
	case s.role == RoleCaller && (s.status == StatusRinging || s.status == StatusConnecting):
		m.finish(s, StatusRejected, OutcomeRejected)
	case s.role == RoleReceiver && s.status == StatusConnecting:
		m.finish(s, StatusRejected, OutcomeRejected)
	default:
		m.dropStale(signaling.Signal{Type: signaling.TypeReject, From: s.remote})
	}
}

func (m *Machine) onRemoteEnd(s *session) {
	switch {
	case s.status == StatusConnected:
		m.finish(s, StatusEnded, OutcomeCompleted)
	case s.role == RoleReceiver && s.status == StatusRinging:
		m.finish(s, StatusEnded, OutcomeMissed)
	default:
		m.finish(s, StatusEnded, OutcomeCancelled)
	}
}

// holdOrphan buffers a candidate that arrived before its sender's offer.
// Candidates from a peer whose call just ended belong to that call unless
// their username fragment says otherwise, so fragment-less ones are dropped.
func (m *Machine) holdOrphan(from string, c signaling.Candidate) {
	now := m.clock.Now()
	m.forgetEnded(now)
	if _, ok := m.ended[from]; ok && c.Ufrag() == "" {
		m.log.Debug("dropping candidate from finished call", "from", from, "err", ErrStaleSignal)
		return
	}
	list, ok := m.orphans[from]
	if !ok && len(m.orphans) >= orphanMaxSenders {
		m.log.Debug("orphan candidate dropped, too many senders", "from", from)
		return
	}
	if len(list) >= orphanPerSender {
		list = list[1:]
	}
	m.orphans[from] = append(list, orphan{candidate: c, at: now})
}

func (m *Machine) forgetEnded(now time.Time) {
	for peer, at := range m.ended {
		if now.Sub(at) > orphanTTL {
			delete(m.ended, peer)
		}
	}
}

// takeOrphans returns from's unexpired buffered candidates in arrival order
// and forgets the rest. When the offer names its ICE username fragments, a
// candidate carrying a different fragment belongs to another negotiation.
func (m *Machine) takeOrphans(from string, ufrags []string) []signaling.Candidate {
	now := m.clock.Now()
	var out []signaling.Candidate
	for _, o := range m.orphans[from] {
		if now.Sub(o.at) > orphanTTL {
			continue
		}
		if u := o.candidate.Ufrag(); u != "" && len(ufrags) > 0 && !slices.Contains(ufrags, u) {
			continue
		}
		out = append(out, o.candidate)
	}
	delete(m.orphans, from)
	for sender, list := range m.orphans {
		if n := len(list); n > 0 && now.Sub(list[n-1].at) > orphanTTL {
			delete(m.orphans, sender)
		}
	}
	return out
}
