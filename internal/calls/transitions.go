package calls

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"callcore/internal/negotiation"
	"callcore/internal/signaling"
)

func (m *Machine) initiate(remote string, kind signaling.CallType) error {
	if remote == "" || remote == m.cfg.LocalUserID {
		return fmt.Errorf("%w: remote user %q", ErrInvalidArgument, remote)
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: call type %q", ErrInvalidArgument, kind)
	}
	if m.session != nil {
		return ErrBusy
	}
	if !m.channel.Ready() {
		return fmt.Errorf("%w: signal subscription not active", signaling.ErrTransportUnavailable)
	}

	s := m.newSession(RoleCaller, remote, kind)
	s.log.Info("outgoing call", "call_type", kind)
	m.startRing(s)
	if m.cfg.MinRing > 0 {
		s.minRingTimer = m.after(s, m.cfg.MinRing, m.onMinRingElapsed)
	} else {
		s.minRingElapsed = true
	}

	eng, err := m.newEngine(s)
	if err != nil {
		s.errMsg = UserMessage(err)
		m.finish(s, StatusEnded, OutcomeCancelled)
		return err
	}
	gen := s.gen
	s.worker.push(func(ctx context.Context) {
		h, err := eng.Capture(ctx, kind)
		if err != nil {
			m.post(func() { m.onCaptureFailed(gen, err) })
			return
		}
		m.post(func() { m.onCaptured(gen, h) })
		offer, err := eng.CreateOffer(ctx)
		m.post(func() { m.onOfferCreated(gen, offer, err) })
	})
	m.publish()
	return nil
}

func (m *Machine) accept() error {
	s := m.session
	if s == nil {
		return ErrNoSession
	}
	if s.role != RoleReceiver || s.status != StatusRinging || s.pendingOffer == nil {
		return fmt.Errorf("%w: accept while %s %s", ErrInvalidTransition, s.role, s.status)
	}

	offer := *s.pendingOffer
	s.pendingOffer = nil
	s.status = StatusConnecting
	s.stopTimer(&s.ringTimer)
	s.connectTimer = m.after(s, m.cfg.ConnectTimeout, m.onConnectTimeout)
	m.send(signaling.TypeAccepted, s.remote, nil)
	s.log.Info("call accepted")

	eng, err := m.newEngine(s)
	if err != nil {
		m.abortCapture(s, err)
		return err
	}
	gen, kind := s.gen, s.kind
	s.worker.push(func(ctx context.Context) {
		h, err := eng.Capture(ctx, kind)
		if err != nil {
			m.post(func() { m.onCaptureFailed(gen, err) })
			return
		}
		m.post(func() { m.onCaptured(gen, h) })
		answer, err := eng.AcceptOffer(ctx, offer)
		m.post(func() { m.onAnswerCreated(gen, answer, err) })
	})
	m.publish()
	return nil
}

func (m *Machine) reject() error {
	s := m.session
	if s == nil {
		return ErrNoSession
	}
	if s.role != RoleReceiver || s.status != StatusRinging {
		return fmt.Errorf("%w: reject while %s %s", ErrInvalidTransition, s.role, s.status)
	}
	m.send(signaling.TypeReject, s.remote, nil)
	m.finish(s, StatusRejected, OutcomeRejected)
	return nil
}

// hangUp ends s from any non-terminal state. cause, when set, is surfaced
// on the terminal snapshot.
func (m *Machine) hangUp(s *session, cause error) {
	if cause != nil {
		s.errMsg = UserMessage(cause)
		s.log.Warn("ending call", "status", s.status, "err", cause)
	}
	switch {
	case s.status == StatusConnected:
		m.send(signaling.TypeEnd, s.remote, nil)
		m.finish(s, StatusEnded, OutcomeCompleted)
	case s.role == RoleReceiver && s.status == StatusRinging:
		m.send(signaling.TypeReject, s.remote, nil)
		m.finish(s, StatusEnded, OutcomeRejected)
	default:
		m.send(signaling.TypeEnd, s.remote, nil)
		m.finish(s, StatusEnded, OutcomeCancelled)
	}
}

func (m *Machine) toggle(kind negotiation.TrackKind) (bool, error) {
	s := m.session
	if s == nil {
		return false, ErrNoSession
	}
	if s.engine == nil || s.status.Terminal() {
		return false, fmt.Errorf("%w: no local media yet", ErrInvalidTransition)
	}
	if kind == negotiation.TrackVideo && s.kind != signaling.CallTypeVideo {
		return false, fmt.Errorf("%w: voice call has no camera", ErrInvalidTransition)
	}
	if kind == negotiation.TrackVideo && s.downgraded {
		return false, fmt.Errorf("%w: call continues audio-only", ErrInvalidTransition)
	}

	var off bool
	if kind == negotiation.TrackAudio {
		s.audioMuted = !s.audioMuted
		off = s.audioMuted
	} else {
		s.videoOff = !s.videoOff
		off = s.videoOff
	}
	eng, log, gen := s.engine, s.log, s.gen
	s.worker.push(func(context.Context) {
		if err := eng.SetTrackEnabled(kind, !off); err != nil {
			log.Warn("track toggle failed", "kind", kind, "err", err)
			m.post(func() { m.onToggleFailed(gen, kind, off) })
		}
	})
	m.publish()
	return off, nil
}

// onToggleFailed restores a flag the engine could not apply, unless the
// user has toggled again since.
func (m *Machine) onToggleFailed(gen uint64, kind negotiation.TrackKind, off bool) {
	s := m.active(gen)
	if s == nil {
		return
	}
	flag := &s.audioMuted
	if kind == negotiation.TrackVideo {
		flag = &s.videoOff
	}
	if *flag != off {
		return
	}
	*flag = !off
	m.publish()
}

// connect moves s into connected. Entered at most once per session.
func (m *Machine) connect(s *session) {
	if s.status != StatusRinging && s.status != StatusConnecting {
		return
	}
	s.status = StatusConnected
	s.connectedAt = m.clock.Now()
	s.trackHeld = false
	s.stopTimers()

	t := m.clock.Ticker(time.Second)
	s.ticker = t
	gen, ctx := s.gen, s.ctx
	go func() {
		for {
			select {
			case <-t.C:
				m.post(func() {
					if m.active(gen) != nil {
						m.publish()
					}
				})
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.Info("call connected")
	m.publish()
}

// finish is the single exit from a session: cancel timers and pending
// engine work, release media, publish the terminal snapshot and record the
// result. Runs once per session because the session is detached here.
func (m *Machine) finish(s *session, status Status, outcome Outcome) {
	if m.session != s {
		return
	}
	now := m.clock.Now()
	s.status = status
	s.stopTimers()
	s.cancel()
	if eng := s.engine; eng != nil {
		// Dispose can wait on in-flight engine work; keep it off the loop.
		m.disposals.Add(1)
		go func() {
			defer m.disposals.Done()
			eng.Dispose()
		}()
	}

	snap := m.snapshot()
	snap.Outcome = outcome
	var duration *int
	if outcome == OutcomeCompleted && !s.connectedAt.IsZero() {
		d := s.duration(now)
		duration = &d
		snap.DurationSeconds = d
	}
	m.session = nil
	delete(m.orphans, s.remote)
	m.forgetEnded(now)
	m.ended[s.remote] = now
	m.publishTerminal(snap)
	m.publish()

	s.log.Info("call finished", "status", status, "outcome", outcome)
	m.record(s, Result{
		SessionID:       s.id,
		CallerID:        s.callerID(),
		ReceiverID:      s.receiverID(),
		CallType:        s.kind,
		Outcome:         outcome,
		DurationSeconds: duration,
	})
}

func (m *Machine) publishTerminal(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// record hands r to the recorder without waiting for it.
func (m *Machine) record(s *session, r Result) {
	if m.recorder == nil {
		return
	}
	m.records.Add(1)
	go func() {
		defer m.records.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RecordTimeout)
		defer cancel()
		if err := m.recorder.Record(ctx, r); err != nil {
			s.log.Warn("call history write failed", "outcome", r.Outcome, "err", err)
		}
	}()
}

func (m *Machine) newEngine(s *session) (negotiation.Engine, error) {
	gen := s.gen
	eng, err := m.engines.New(s.id, negotiation.Events{
		OnLocalCandidate: func(c signaling.Candidate) {
			m.post(func() { m.onLocalCandidate(gen, c) })
		},
		OnRemoteTrack: func(t negotiation.RemoteTrack) {
			m.post(func() { m.onRemoteTrack(gen, t) })
		},
		OnConnectivityStateChange: func(st negotiation.ConnectivityState) {
			m.post(func() { m.onConnectivity(gen, st) })
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", negotiation.ErrNegotiationFailure, err)
	}
	s.engine = eng
	return eng, nil
}

// abortCapture ends a session whose local media could not be started.
func (m *Machine) abortCapture(s *session, err error) {
	s.errMsg = UserMessage(err)
	s.log.Warn("capture failed", "err", err)
	if s.role == RoleReceiver {
		m.send(signaling.TypeReject, s.remote, nil)
		m.finish(s, StatusEnded, OutcomeRejected)
		return
	}
	m.finish(s, StatusEnded, OutcomeCancelled)
}

// Engine results and events. Each carries the generation of the session it
// was started for and is dropped if that session is gone.

func (m *Machine) onCaptureFailed(gen uint64, err error) {
	if s := m.active(gen); s != nil {
		m.abortCapture(s, err)
	}
}

func (m *Machine) onCaptured(gen uint64, h *negotiation.MediaHandle) {
	s := m.active(gen)
	if s == nil || h == nil {
		return
	}
	if h.Downgraded {
		s.downgraded = true
		s.log.Warn("video unavailable, call continues audio-only")
		m.publish()
	}
}

func (m *Machine) onOfferCreated(gen uint64, offer signaling.SessionDescription, err error) {
	s := m.active(gen)
	if s == nil {
		return
	}
	if err != nil {
		m.hangUp(s, err)
		return
	}
	kind := s.kind
	m.send(signaling.TypeOffer, s.remote, func(sig *signaling.Signal) {
		sig.CallType = kind
		sig.Offer = &offer
	})
	m.flushLocalCandidates(s)
}

func (m *Machine) onAnswerCreated(gen uint64, answer signaling.SessionDescription, err error) {
	s := m.active(gen)
	if s == nil {
		return
	}
	if err != nil {
		m.hangUp(s, err)
		return
	}
	m.send(signaling.TypeAnswer, s.remote, func(sig *signaling.Signal) {
		sig.Answer = &answer
	})
	m.flushLocalCandidates(s)
	m.remoteDescriptionApplied(s)
}

func (m *Machine) onAnswerApplied(gen uint64, err error) {
	s := m.active(gen)
	if s == nil {
		return
	}
	s.answerPending = false
	if err != nil {
		m.hangUp(s, err)
		return
	}
	m.remoteDescriptionApplied(s)
}

// remoteDescriptionApplied opens the candidate gate and drains what was
// buffered, in arrival order, exactly once.
func (m *Machine) remoteDescriptionApplied(s *session) {
	s.remoteDescriptionSet = true
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	for _, c := range pending {
		m.applyCandidate(s, c)
	}
}

func (m *Machine) applyCandidate(s *session, c signaling.Candidate) {
	eng, log := s.engine, s.log
	s.worker.push(func(ctx context.Context) {
		if err := eng.AddRemoteCandidate(ctx, c); err != nil {
			log.Warn("remote candidate rejected", "err", err)
		}
	})
}

func (m *Machine) flushLocalCandidates(s *session) {
	s.localSent = true
	for _, c := range s.localCandidates {
		m.sendCandidate(s, c)
	}
	s.localCandidates = nil
}

func (m *Machine) sendCandidate(s *session, c signaling.Candidate) {
	m.send(signaling.TypeCandidate, s.remote, func(sig *signaling.Signal) {
		sig.Candidate = &c
	})
}

func (m *Machine) onLocalCandidate(gen uint64, c signaling.Candidate) {
	s := m.active(gen)
	if s == nil {
		return
	}
	if !s.localSent {
		s.localCandidates = append(s.localCandidates, c)
		return
	}
	m.sendCandidate(s, c)
}

func (m *Machine) onRemoteTrack(gen uint64, t negotiation.RemoteTrack) {
	s := m.active(gen)
	if s == nil {
		return
	}
	s.log.Debug("remote track", "kind", t.Kind, "status", s.status)
	switch s.status {
	case StatusConnected:
		m.publish()
	case StatusRinging, StatusConnecting:
		if s.role == RoleCaller && !s.eligible && !s.minRingElapsed {
			s.trackHeld = true
			return
		}
		if s.role == RoleReceiver && s.status == StatusRinging {
			return
		}
		m.connect(s)
	}
}

func (m *Machine) onConnectivity(gen uint64, st negotiation.ConnectivityState) {
	s := m.active(gen)
	if s == nil {
		return
	}
	s.log.Debug("connectivity", "state", st, "status", s.status)
	if !st.Lost() {
		return
	}
	if s.status == StatusConnecting || s.status == StatusConnected {
		m.hangUp(s, fmt.Errorf("%w: connection %s", negotiation.ErrNegotiationFailure, st))
	}
}

// Timers. Every timer is bound to the session that started it and is
// stopped on every path that leaves its state.

func (m *Machine) after(s *session, d time.Duration, fn func(*session)) *clock.Timer {
	gen := s.gen
	return m.clock.AfterFunc(d, func() {
		m.post(func() {
			if cur := m.active(gen); cur != nil {
				fn(cur)
			}
		})
	})
}

func (m *Machine) startRing(s *session) {
	s.ringDeadline = m.clock.Now().Add(m.cfg.RingTimeout)
	s.ringTimer = m.after(s, m.cfg.RingTimeout, m.onRingTimeout)
}

func (m *Machine) onRingTimeout(s *session) {
	if s.status != StatusRinging {
		return
	}
	s.log.Info("ring timeout")
	if s.role == RoleCaller {
		m.send(signaling.TypeEnd, s.remote, nil)
		m.finish(s, StatusEnded, OutcomeCancelled)
		return
	}
	m.send(signaling.TypeReject, s.remote, nil)
	m.finish(s, StatusRejected, OutcomeMissed)
}

func (m *Machine) onConnectTimeout(s *session) {
	if s.status != StatusConnecting {
		return
	}
	m.hangUp(s, fmt.Errorf("%w: not connected after %s", negotiation.ErrNegotiationFailure, m.cfg.ConnectTimeout))
}

func (m *Machine) onMinRingElapsed(s *session) {
	s.minRingElapsed = true
	s.minRingTimer = nil
	if s.trackHeld {
		m.connect(s)
	}
}
