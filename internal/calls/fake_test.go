package calls

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"callcore/internal/history"
	"callcore/internal/negotiation"
	"callcore/internal/signaling"
	"callcore/pkg/logger"
)

type fakeEngine struct {
	id         string
	ev         negotiation.Events
	captureErr  error
	offerErr    error
	toggleErr   error
	downgrade   bool
	disposeGate chan struct{}

	mu        sync.Mutex
	remoteSet bool
	applied   []signaling.Candidate
	early     int
	answers   []signaling.SessionDescription
	toggles   map[negotiation.TrackKind]bool
	disposed  int
	local     *negotiation.MediaHandle
}

func (e *fakeEngine) Capture(ctx context.Context, kind signaling.CallType) (*negotiation.MediaHandle, error) {
	if e.captureErr != nil {
		return nil, e.captureErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.local = &negotiation.MediaHandle{Kind: kind, Downgraded: e.downgrade && kind == signaling.CallTypeVideo}
	return e.local, nil
}

func (e *fakeEngine) CreateOffer(ctx context.Context) (signaling.SessionDescription, error) {
	if e.offerErr != nil {
		return signaling.SessionDescription{}, e.offerErr
	}
	return signaling.SessionDescription{Type: "offer", SDP: "v=0 offer " + e.id}, nil
}

func (e *fakeEngine) AcceptOffer(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteSet = true
	return signaling.SessionDescription{Type: "answer", SDP: "v=0 answer " + e.id}, nil
}

func (e *fakeEngine) AcceptAnswer(ctx context.Context, answer signaling.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteSet = true
	e.answers = append(e.answers, answer)
	return nil
}

func (e *fakeEngine) AddRemoteCandidate(ctx context.Context, c signaling.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.remoteSet {
		e.early++
	}
	e.applied = append(e.applied, c)
	return nil
}

func (e *fakeEngine) SetTrackEnabled(kind negotiation.TrackKind, enabled bool) error {
	if e.toggleErr != nil {
		return e.toggleErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.toggles == nil {
		e.toggles = map[negotiation.TrackKind]bool{}
	}
	e.toggles[kind] = enabled
	return nil
}

func (e *fakeEngine) Local() *negotiation.MediaHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

func (e *fakeEngine) Remote() []negotiation.RemoteTrack { return nil }

func (e *fakeEngine) Dispose() {
	if e.disposeGate != nil {
		<-e.disposeGate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disposed++
}

func (e *fakeEngine) track() {
	e.ev.OnRemoteTrack(negotiation.RemoteTrack{Kind: negotiation.TrackAudio, ID: "remote-audio"})
}

func (e *fakeEngine) appliedCandidates() []signaling.Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]signaling.Candidate(nil), e.applied...)
}

func (e *fakeEngine) answered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.answers) > 0
}

func (e *fakeEngine) earlyCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.early
}

func (e *fakeEngine) disposeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

type fakeFactory struct {
	captureErr  error
	offerErr    error
	toggleErr   error
	downgrade   bool
	disposeGate chan struct{}

	mu      sync.Mutex
	engines []*fakeEngine
}

func (f *fakeFactory) New(sessionID string, ev negotiation.Events) (negotiation.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEngine{id: sessionID, ev: ev, captureErr: f.captureErr, offerErr: f.offerErr,
		toggleErr: f.toggleErr, downgrade: f.downgrade, disposeGate: f.disposeGate}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func (f *fakeFactory) last(t *testing.T) *fakeEngine {
	t.Helper()
	eventually(t, "engine created", func() bool { return f.count() > 0 })
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[len(f.engines)-1]
}

// inbox collects raw signals delivered to one user.
type inbox struct {
	mu  sync.Mutex
	got []signaling.Signal
}

func (i *inbox) add(s signaling.Signal) {
	i.mu.Lock()
	i.got = append(i.got, s)
	i.mu.Unlock()
}

func (i *inbox) count(typ signaling.Type) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, s := range i.got {
		if s.Type == typ {
			n++
		}
	}
	return n
}

// watcher records every status the machine publishes.
type watcher struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func watch(t *testing.T, m *Machine) *watcher {
	t.Helper()
	ch, cancel := m.Subscribe(256)
	t.Cleanup(cancel)
	w := &watcher{}
	go func() {
		for s := range ch {
			w.mu.Lock()
			w.snaps = append(w.snaps, s)
			w.mu.Unlock()
		}
	}()
	return w
}

// transitionsInto counts how many times the status changed into st.
func (w *watcher) transitionsInto(st Status) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	prev := Status("")
	for _, s := range w.snaps {
		if s.Status == st && prev != st {
			n++
		}
		prev = s.Status
	}
	return n
}

func (w *watcher) terminal() []Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Snapshot
	for _, s := range w.snaps {
		if s.Status.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

type harness struct {
	t     *testing.T
	bus   *signaling.MemoryBus
	clock *clock.Mock
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, bus: signaling.NewMemoryBus(), clock: clock.NewMock()}
}

type agent struct {
	*Machine
	engines *fakeFactory
	repo    *history.MemoryRepo
	channel *signaling.MemoryChannel
	watch   *watcher
}

func (h *harness) agent(user string, opts ...func(*Config, *fakeFactory)) *agent {
	h.t.Helper()
	cfg := Config{LocalUserID: user, Clock: h.clock, Logger: logger.Discard()}
	f := &fakeFactory{}
	for _, o := range opts {
		o(&cfg, f)
	}
	repo := history.NewMemoryRepo()
	ch := h.bus.Endpoint()
	m, err := New(cfg, ch, f, HistoryRecorder{History: history.NewService(repo), LocalUserID: user})
	if err != nil {
		h.t.Fatalf("new machine: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		h.t.Fatalf("start: %v", err)
	}
	h.t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return &agent{Machine: m, engines: f, repo: repo, channel: ch, watch: watch(h.t, m)}
}

// raw subscribes a bare endpoint for user, to script one side of a call by hand.
func (h *harness) raw(user string) (*signaling.MemoryChannel, *inbox) {
	h.t.Helper()
	ch := h.bus.Endpoint()
	in := &inbox{}
	cancel, err := ch.Subscribe(context.Background(), user, in.add)
	if err != nil {
		h.t.Fatalf("subscribe: %v", err)
	}
	h.t.Cleanup(cancel)
	return ch, in
}

func send(t *testing.T, ch signaling.Channel, sig signaling.Signal) {
	t.Helper()
	if err := ch.Send(context.Background(), sig); err != nil {
		t.Fatalf("send %s: %v", sig.Type, err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, m *agent, st Status) {
	t.Helper()
	eventually(t, "status "+string(st), func() bool { return m.Current().Status == st })
}

func records(a *agent) []history.Record { return a.repo.Records() }

func offerFrom(from, to string, kind signaling.CallType) signaling.Signal {
	return signaling.Signal{
		Type: signaling.TypeOffer, From: from, To: to, CallType: kind,
		Offer: &signaling.SessionDescription{Type: "offer", SDP: "v=0 offer " + from},
	}
}

func candidate(from, to, line string) signaling.Signal {
	mid := "0"
	return signaling.Signal{
		Type: signaling.TypeCandidate, From: from, To: to,
		Candidate: &signaling.Candidate{Candidate: line, SDPMid: &mid},
	}
}
