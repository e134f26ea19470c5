// Package negotiation wraps the peer connection primitive behind the small
// surface a call session needs: capture, offer/answer exchange, candidates
// and teardown, plus three events.
package negotiation

import (
	"context"

	"github.com/pion/webrtc/v4"

	"callcore/internal/signaling"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// ConnectivityState mirrors the peer connection state.
type ConnectivityState string

const (
	StateNew          ConnectivityState = "new"
	StateConnecting   ConnectivityState = "connecting"
	StateConnected    ConnectivityState = "connected"
	StateDisconnected ConnectivityState = "disconnected"
	StateFailed       ConnectivityState = "failed"
	StateClosed       ConnectivityState = "closed"
)

// Lost reports whether the state ends the call.
func (s ConnectivityState) Lost() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

// MediaHandle is the set of locally captured tracks owned by one engine.
type MediaHandle struct {
	Kind       signaling.CallType
	Audio      webrtc.TrackLocal
	Video      webrtc.TrackLocal
	Downgraded bool
}

// RemoteTrack is one incoming media track.
type RemoteTrack struct {
	Kind     TrackKind
	ID       string
	StreamID string
	Track    *webrtc.TrackRemote
}

// Events are the engine's outputs. Callbacks run on the engine's internal
// goroutines and stop once the engine is disposed.
type Events struct {
	OnLocalCandidate          func(signaling.Candidate)
	OnRemoteTrack             func(RemoteTrack)
	OnConnectivityStateChange func(ConnectivityState)
}

// Engine is one call's media and connectivity. All methods are safe for
// concurrent use; every operation after Dispose returns ErrDisposed.
type Engine interface {
	Capture(ctx context.Context, kind signaling.CallType) (*MediaHandle, error)
	CreateOffer(ctx context.Context) (signaling.SessionDescription, error)
	AcceptOffer(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error)
	AcceptAnswer(ctx context.Context, answer signaling.SessionDescription) error
	AddRemoteCandidate(ctx context.Context, c signaling.Candidate) error

	// SetTrackEnabled detaches or reattaches a local track without renegotiating.
	SetTrackEnabled(kind TrackKind, enabled bool) error

	Local() *MediaHandle
	Remote() []RemoteTrack

	// Dispose stops local media and closes the connection. Idempotent.
	Dispose()
}

// Factory builds one engine per call session.
type Factory interface {
	New(sessionID string, ev Events) (Engine, error)
}
