package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"callcore/internal/signaling"
)

// PionConfig tunes the peer connections built by PionFactory.
type PionConfig struct {
	ICEServers         []string
	AllowVideoFallback bool

	// ICE timeouts; zero values use 30s/120s/2s.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// PionFactory builds engines on a shared pion API.
type PionFactory struct {
	api    *webrtc.API
	rtc    webrtc.Configuration
	source MediaSource
	cfg    PionConfig
	log    *slog.Logger
}

func NewPionFactory(cfg PionConfig, source MediaSource, log *slog.Logger) (*PionFactory, error) {
	if source == nil {
		return nil, errors.New("negotiation: media source is required")
	}
	if log == nil {
		log = slog.Default()
	}
	api, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}
	rtc := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		rtc.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return &PionFactory{api: api, rtc: rtc, source: source, cfg: cfg, log: log.With("component", "negotiation")}, nil
}

func newAPI(cfg PionConfig) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	disconnected, failed, keepAlive := cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval
	if disconnected <= 0 {
		disconnected = 30 * time.Second
	}
	if failed <= 0 {
		failed = 120 * time.Second
	}
	if keepAlive <= 0 {
		keepAlive = 2 * time.Second
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(disconnected, failed, keepAlive)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

func (f *PionFactory) New(sessionID string, ev Events) (Engine, error) {
	return &PionEngine{
		api:           f.api,
		rtc:           f.rtc,
		source:        f.source,
		allowFallback: f.cfg.AllowVideoFallback,
		sessionID:     sessionID,
		events:        ev,
		log:           f.log.With("session_id", sessionID),
		senders:       map[TrackKind]*webrtc.RTPSender{},
	}, nil
}

// PionEngine is an Engine over one pion PeerConnection. The connection is
// allocated lazily by the first offer or answer.
type PionEngine struct {
	api           *webrtc.API
	rtc           webrtc.Configuration
	source        MediaSource
	allowFallback bool
	sessionID     string
	events        Events
	log           *slog.Logger

	disposed atomic.Bool

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	local    *MediaHandle
	captures []*Capture
	senders  map[TrackKind]*webrtc.RTPSender
	remote   []RemoteTrack
	queue    candidateQueue
}

func (e *PionEngine) Capture(ctx context.Context, kind signaling.CallType) (*MediaHandle, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown call type %q", ErrDeviceUnavailable, kind)
	}
	e.mu.Lock()
	if e.disposed.Load() {
		e.mu.Unlock()
		return nil, ErrDisposed
	}
	if e.local != nil {
		local := e.local
		e.mu.Unlock()
		return local, nil
	}
	e.mu.Unlock()

	// Devices open without mu held so Dispose never waits on a slow device.
	handle, captures, err := e.open(ctx, kind)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed.Load() || e.local != nil {
		for _, c := range captures {
			c.Release()
		}
		if e.local != nil && !e.disposed.Load() {
			return e.local, nil
		}
		return nil, ErrDisposed
	}
	e.local = handle
	e.captures = captures
	return handle, nil
}

func (e *PionEngine) open(ctx context.Context, kind signaling.CallType) (*MediaHandle, []*Capture, error) {
	audio, err := e.source.Open(ctx, TrackAudio, e.sessionID)
	if err != nil {
		return nil, nil, err
	}
	handle := &MediaHandle{Kind: kind, Audio: audio.Track}
	captures := []*Capture{audio}

	if kind == signaling.CallTypeVideo {
		video, err := e.source.Open(ctx, TrackVideo, e.sessionID)
		switch {
		case err == nil:
			handle.Video = video.Track
			captures = append(captures, video)
		case e.allowFallback && (errors.Is(err, ErrDeviceUnavailable) || errors.Is(err, ErrDeviceBusy)):
			e.log.Warn("video capture failed, continuing audio-only", "err", err)
			handle.Downgraded = true
		default:
			audio.Release()
			return nil, nil, err
		}
	}
	return handle, captures, nil
}

func (e *PionEngine) CreateOffer(ctx context.Context) (signaling.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(ctx); err != nil {
		return signaling.SessionDescription{}, err
	}
	pc, err := e.ensurePC()
	if err != nil {
		return signaling.SessionDescription{}, err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("%w: create offer: %v", ErrNegotiationFailure, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("%w: set local offer: %v", ErrNegotiationFailure, err)
	}
	return signaling.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (e *PionEngine) AcceptOffer(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(ctx); err != nil {
		return signaling.SessionDescription{}, err
	}
	pc, err := e.ensurePC()
	if err != nil {
		return signaling.SessionDescription{}, err
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remote); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("%w: set remote offer: %v", ErrNegotiationFailure, err)
	}
	e.flushCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("%w: create answer: %v", ErrNegotiationFailure, err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("%w: set local answer: %v", ErrNegotiationFailure, err)
	}
	return signaling.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (e *PionEngine) AcceptAnswer(ctx context.Context, answer signaling.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(ctx); err != nil {
		return err
	}
	if e.pc == nil {
		return fmt.Errorf("%w: answer before offer", ErrNegotiationFailure)
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}
	if err := e.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("%w: set remote answer: %v", ErrNegotiationFailure, err)
	}
	e.flushCandidates(e.pc)
	return nil
}

func (e *PionEngine) AddRemoteCandidate(ctx context.Context, c signaling.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(ctx); err != nil {
		return err
	}
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if e.pc == nil || e.pc.RemoteDescription() == nil {
		e.queue.push(init)
		return nil
	}
	if err := e.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("%w: add candidate: %v", ErrNegotiationFailure, err)
	}
	return nil
}

func (e *PionEngine) SetTrackEnabled(kind TrackKind, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed.Load() {
		return ErrDisposed
	}
	track := e.localTrack(kind)
	if track == nil {
		return fmt.Errorf("%w: %s", ErrNoTrack, kind)
	}
	sender := e.senders[kind]
	if sender == nil {
		// Not negotiated yet; the flag is applied by the caller's snapshot only.
		return nil
	}
	if !enabled {
		track = nil
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("%w: replace %s track: %v", ErrNegotiationFailure, kind, err)
	}
	return nil
}

func (e *PionEngine) Local() *MediaHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed.Load() {
		return nil
	}
	return e.local
}

func (e *PionEngine) Remote() []RemoteTrack {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed.Load() {
		return nil
	}
	return append([]RemoteTrack(nil), e.remote...)
}

func (e *PionEngine) Dispose() {
	if !e.disposed.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.captures {
		c.Release()
	}
	e.captures = nil
	e.local = nil
	e.remote = nil
	e.queue.drain()
	if e.pc != nil {
		if err := e.pc.Close(); err != nil {
			e.log.Warn("peer connection close failed", "err", err)
		}
		e.pc = nil
	}
	e.log.Debug("engine disposed")
}

func (e *PionEngine) ready(ctx context.Context) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	return ctx.Err()
}

func (e *PionEngine) localTrack(kind TrackKind) webrtc.TrackLocal {
	if e.local == nil {
		return nil
	}
	if kind == TrackVideo {
		return e.local.Video
	}
	return e.local.Audio
}

// ensurePC allocates the peer connection and attaches local media. Caller holds mu.
func (e *PionEngine) ensurePC() (*webrtc.PeerConnection, error) {
	if e.pc != nil {
		return e.pc, nil
	}
	pc, err := e.api.NewPeerConnection(e.rtc)
	if err != nil {
		return nil, fmt.Errorf("%w: new peer connection: %v", ErrNegotiationFailure, err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || e.disposed.Load() || e.events.OnLocalCandidate == nil {
			return
		}
		init := c.ToJSON()
		e.events.OnLocalCandidate(signaling.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if e.disposed.Load() {
			return
		}
		rt := RemoteTrack{Kind: TrackKind(track.Kind().String()), ID: track.ID(), StreamID: track.StreamID(), Track: track}
		e.mu.Lock()
		e.remote = append(e.remote, rt)
		e.mu.Unlock()
		e.log.Info("remote track", "kind", rt.Kind, "codec", track.Codec().MimeType)
		if e.events.OnRemoteTrack != nil {
			e.events.OnRemoteTrack(rt)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if e.disposed.Load() || e.events.OnConnectivityStateChange == nil {
			return
		}
		e.events.OnConnectivityStateChange(ConnectivityState(s.String()))
	})

	if err := e.attachLocal(pc); err != nil {
		_ = pc.Close()
		return nil, err
	}
	e.pc = pc
	return pc, nil
}

// attachLocal adds captured tracks, plus a receive-only video line when a
// video call lost its camera so the remote picture still arrives.
func (e *PionEngine) attachLocal(pc *webrtc.PeerConnection) error {
	if e.local == nil {
		return nil
	}
	for _, kind := range []TrackKind{TrackAudio, TrackVideo} {
		track := e.localTrack(kind)
		if track == nil {
			continue
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("%w: add %s track: %v", ErrNegotiationFailure, kind, err)
		}
		e.senders[kind] = sender
	}
	if e.local.Kind == signaling.CallTypeVideo && e.local.Video == nil {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("%w: add video transceiver: %v", ErrNegotiationFailure, err)
		}
	}
	return nil
}

// flushCandidates applies queued candidates in arrival order. Caller holds mu.
func (e *PionEngine) flushCandidates(pc *webrtc.PeerConnection) {
	for _, c := range e.queue.drain() {
		if err := pc.AddICECandidate(c); err != nil {
			e.log.Warn("queued candidate rejected", "err", err)
		}
	}
}
