package negotiation

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Capture is an opened local device. Release gives the device back.
type Capture struct {
	Kind  TrackKind
	Track webrtc.TrackLocal

	release func()
	once    sync.Once
}

func (c *Capture) Release() {
	if c == nil {
		return
	}
	c.once.Do(func() {
		if c.release != nil {
			c.release()
		}
	})
}

// MediaSource opens local capture devices.
type MediaSource interface {
	Open(ctx context.Context, kind TrackKind, streamID string) (*Capture, error)
}

// DeviceConfig describes which devices a SampleSource exposes.
type DeviceConfig struct {
	Audio bool
	Video bool
	// Denied simulates a capture permission that was refused.
	Denied bool
}

// SampleSource is a MediaSource backed by sample tracks that the embedding
// application writes encoded frames into. Each device can be held by one
// capture at a time.
type SampleSource struct {
	cfg DeviceConfig

	mu   sync.Mutex
	held map[TrackKind]bool
}

func NewSampleSource(cfg DeviceConfig) *SampleSource {
	return &SampleSource{cfg: cfg, held: map[TrackKind]bool{}}
}

func (s *SampleSource) Open(ctx context.Context, kind TrackKind, streamID string) (*Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cfg.Denied {
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, kind)
	}

	var codec webrtc.RTPCodecCapability
	switch kind {
	case TrackAudio:
		if !s.cfg.Audio {
			return nil, fmt.Errorf("%w: no microphone", ErrDeviceUnavailable)
		}
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case TrackVideo:
		if !s.cfg.Video {
			return nil, fmt.Errorf("%w: no camera", ErrDeviceUnavailable)
		}
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrDeviceUnavailable, kind)
	}

	s.mu.Lock()
	if s.held[kind] {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s in use", ErrDeviceBusy, kind)
	}
	s.held[kind] = true
	s.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticSample(codec, string(kind)+"-"+uuid.NewString()[:8], streamID)
	if err != nil {
		s.free(kind)
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return &Capture{Kind: kind, Track: track, release: func() { s.free(kind) }}, nil
}

func (s *SampleSource) free(kind TrackKind) {
	s.mu.Lock()
	delete(s.held, kind)
	s.mu.Unlock()
}
