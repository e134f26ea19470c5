package calls

import (
	"errors"

	"callcore/internal/negotiation"
	"callcore/internal/signaling"
)

var (
	// ErrStaleSignal marks a signal for a nonexistent or finished session. Always dropped.
	ErrStaleSignal       = errors.New("calls: stale signal")
	ErrBusy              = errors.New("calls: a call is already active")
	ErrNoSession         = errors.New("calls: no active call")
	ErrInvalidTransition = errors.New("calls: operation not allowed in current state")
	ErrInvalidArgument   = errors.New("calls: invalid argument")
	ErrStopped           = errors.New("calls: machine stopped")
)

// UserMessage maps an error to the text shown to the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, negotiation.ErrDeviceUnavailable):
		return "Camera or microphone not found."
	case errors.Is(err, negotiation.ErrPermissionDenied):
		return "Camera or microphone access was denied."
	case errors.Is(err, negotiation.ErrDeviceBusy):
		return "Camera or microphone is in use by another application."
	case errors.Is(err, signaling.ErrTransportUnavailable):
		return "Not connected. Check your connection and try again."
	case errors.Is(err, negotiation.ErrNegotiationFailure):
		return "Could not establish the call."
	case errors.Is(err, ErrBusy):
		return "Another call is in progress."
	default:
		return "Something went wrong with the call."
	}
}
