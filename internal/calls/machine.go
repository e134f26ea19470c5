// Package calls implements the call session state machine.
//
// A Machine owns at most one session for its local user. Everything that can
// change the session (user commands, inbound signals, engine events, engine
// results, timer fires) is posted as an event to a single loop goroutine, so
// session state is never touched concurrently. Engine work runs on a
// per-session serial worker and outbound signals on an ordered outbox; neither
// blocks the loop.
package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"callcore/internal/negotiation"
	"callcore/internal/signaling"
)

const (
	DefaultRingTimeout    = 2 * time.Minute
	DefaultConnectTimeout = 30 * time.Second
	DefaultRecordTimeout  = 5 * time.Second
	DefaultSendTimeout    = 5 * time.Second

	orphanTTL        = 30 * time.Second
	orphanPerSender  = 32
	orphanMaxSenders = 16
)

type Config struct {
	LocalUserID string

	RingTimeout    time.Duration
	MinRing        time.Duration
	ConnectTimeout time.Duration
	RecordTimeout  time.Duration
	SendTimeout    time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if out.RingTimeout <= 0 {
		out.RingTimeout = DefaultRingTimeout
	}
	if out.MinRing < 0 {
		out.MinRing = 0
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.RecordTimeout <= 0 {
		out.RecordTimeout = DefaultRecordTimeout
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = DefaultSendTimeout
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

type Machine struct {
	cfg      Config
	channel  signaling.Channel
	engines  negotiation.Factory
	recorder Recorder
	clock    clock.Clock
	log      *slog.Logger

	events  chan func()
	quit    chan struct{}
	done    chan struct{}
	started atomic.Bool
	stop    sync.Once

	outbox      *serial
	unsubscribe func()
	records     sync.WaitGroup
	disposals   sync.WaitGroup

	// Loop-owned.
	session *session
	gen     uint64
	orphans map[string][]orphan
	// ended remembers peers whose call just finished; their late candidates
	// are stale unless they carry a username fragment.
	ended map[string]time.Time

	mu      sync.Mutex
	current Snapshot
	subs    map[int]chan Snapshot
	nextSub int
}

func New(cfg Config, channel signaling.Channel, engines negotiation.Factory, recorder Recorder) (*Machine, error) {
	if cfg.LocalUserID == "" {
		return nil, fmt.Errorf("%w: local user id is required", ErrInvalidArgument)
	}
	if channel == nil || engines == nil {
		return nil, fmt.Errorf("%w: signal channel and engine factory are required", ErrInvalidArgument)
	}
	cfg = cfg.withDefaults()
	return &Machine{
		cfg:      cfg,
		channel:  channel,
		engines:  engines,
		recorder: recorder,
		clock:    cfg.Clock,
		log:      cfg.Logger.With("component", "calls", "local_user_id", cfg.LocalUserID),
		events:   make(chan func(), 1024),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		outbox:   newSerial(),
		orphans:  map[string][]orphan{},
		ended:    map[string]time.Time{},
		current:  Snapshot{Status: StatusIdle, LocalUserID: cfg.LocalUserID},
		subs:     map[int]chan Snapshot{},
	}, nil
}

// Start subscribes to the local user's signals and starts the loop.
func (m *Machine) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("calls: machine already started")
	}
	go m.loop()
	go m.outbox.run(context.Background())

	unsub, err := m.channel.Subscribe(ctx, m.cfg.LocalUserID, func(sig signaling.Signal) {
		m.post(func() { m.onSignal(sig) })
	})
	if err != nil {
		m.halt()
		return err
	}
	m.unsubscribe = unsub
	return nil
}

// Stop hangs up any active call, stops the loop and waits for pending
// signal sends and history writes.
func (m *Machine) Stop(ctx context.Context) error {
	if !m.started.Load() {
		return nil
	}
	var err error
	m.stop.Do(func() {
		err = m.do(ctx, func() error {
			if m.session != nil {
				m.hangUp(m.session, nil)
			}
			return nil
		})
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		m.halt()
	})
	return err
}

func (m *Machine) halt() {
	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
	<-m.done
	m.outbox.close()
	<-m.outbox.done
	m.disposals.Wait()
	m.records.Wait()
}

func (m *Machine) loop() {
	defer close(m.done)
	for {
		select {
		case ev := <-m.events:
			ev()
		case <-m.quit:
			return
		}
	}
}

// post queues an event for the loop. It reports false once the loop is gone.
func (m *Machine) post(ev func()) bool {
	if !m.started.Load() {
		return false
	}
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (m *Machine) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if !m.post(func() { reply <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initiate starts an outgoing call.
func (m *Machine) Initiate(ctx context.Context, remoteUserID string, kind signaling.CallType) (Snapshot, error) {
	var snap Snapshot
	err := m.do(ctx, func() error {
		if err := m.initiate(remoteUserID, kind); err != nil {
			return err
		}
		snap = m.Current()
		return nil
	})
	return snap, err
}

// Accept answers the ringing incoming call.
func (m *Machine) Accept(ctx context.Context) error {
	return m.do(ctx, m.accept)
}

// Reject declines the ringing incoming call.
func (m *Machine) Reject(ctx context.Context) error {
	return m.do(ctx, m.reject)
}

// HangUp ends the active call from any non-idle state.
func (m *Machine) HangUp(ctx context.Context) error {
	return m.do(ctx, func() error {
		if m.session == nil {
			return ErrNoSession
		}
		m.hangUp(m.session, nil)
		return nil
	})
}

// ToggleAudio mutes or unmutes the microphone and returns the new muted state.
func (m *Machine) ToggleAudio(ctx context.Context) (bool, error) {
	var muted bool
	err := m.do(ctx, func() (err error) {
		muted, err = m.toggle(negotiation.TrackAudio)
		return err
	})
	return muted, err
}

// ToggleVideo turns the camera off or on and returns the new off state.
func (m *Machine) ToggleVideo(ctx context.Context) (bool, error) {
	var off bool
	err := m.do(ctx, func() (err error) {
		off, err = m.toggle(negotiation.TrackVideo)
		return err
	})
	return off, err
}

// Media returns the active session's media handles.
func (m *Machine) Media(ctx context.Context) (Media, error) {
	var out Media
	err := m.do(ctx, func() error {
		s := m.session
		if s == nil {
			return ErrNoSession
		}
		if s.engine != nil {
			out.Local = s.engine.Local()
			out.Remote = s.engine.Remote()
		}
		return nil
	})
	return out, err
}

// Ready reports whether new calls can be placed.
func (m *Machine) Ready() bool {
	return m.channel.Ready()
}

// Current returns the latest snapshot.
func (m *Machine) Current() Snapshot {
	m.mu.Lock()
	snap := m.current
	m.mu.Unlock()
	if snap.Status == StatusConnected && snap.ConnectedAt != nil {
		snap.DurationSeconds = int(m.clock.Now().Sub(*snap.ConnectedAt) / time.Second)
	}
	return snap
}

// Subscribe returns a channel receiving every published snapshot, starting
// with the current one. Slow consumers miss snapshots rather than block the
// machine. cancel closes the channel.
func (m *Machine) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.current
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Machine) publish() {
	snap := m.snapshot()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = snap
	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (m *Machine) snapshot() Snapshot {
	out := Snapshot{Status: StatusIdle, LocalUserID: m.cfg.LocalUserID}
	s := m.session
	if s == nil {
		return out
	}
	out.SessionID = s.id
	out.Status = s.status
	out.Kind = s.kind
	out.Role = s.role
	out.RemoteUserID = s.remote
	started := s.startedAt
	out.StartedAt = &started
	if !s.connectedAt.IsZero() {
		connected := s.connectedAt
		out.ConnectedAt = &connected
		out.DurationSeconds = s.duration(m.clock.Now())
	}
	out.AudioMuted = s.audioMuted
	out.VideoOff = s.videoOff
	out.Downgraded = s.downgraded
	out.Error = s.errMsg
	return out
}

// newSession builds a session and makes it the active one. Caller checks idle.
func (m *Machine) newSession(role Role, remote string, kind signaling.CallType) *session {
	m.gen++
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        id,
		gen:       m.gen,
		status:    StatusRinging,
		kind:      kind,
		role:      role,
		local:     m.cfg.LocalUserID,
		remote:    remote,
		log:       m.log.With("session_id", id, "remote_user_id", remote, "role", string(role)),
		startedAt: m.clock.Now(),
		seen:      map[string]struct{}{},
		worker:    newSerial(),
		ctx:       ctx,
		cancel:    cancel,
	}
	go s.worker.run(ctx)
	m.session = s
	return s
}

// active returns the session for gen, or nil when it is gone.
func (m *Machine) active(gen uint64) *session {
	if m.session == nil || m.session.gen != gen {
		return nil
	}
	return m.session
}

// send queues an outbound signal. Failures are logged, not retried.
func (m *Machine) send(typ signaling.Type, to string, fill func(*signaling.Signal)) {
	sig := signaling.Signal{Type: typ, From: m.cfg.LocalUserID, To: to}
	if fill != nil {
		fill(&sig)
	}
	log := m.log
	timeout := m.cfg.SendTimeout
	m.outbox.push(func(ctx context.Context) {
		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := m.channel.Send(sendCtx, sig); err != nil {
			log.Warn("signal send failed", "type", sig.Type, "to", sig.To, "err", err)
			return
		}
		log.Debug("signal sent", "type", sig.Type, "to", sig.To)
	})
}
