package negotiation

import "errors"

var (
	ErrDeviceUnavailable  = errors.New("negotiation: capture device unavailable")
	ErrPermissionDenied   = errors.New("negotiation: capture permission denied")
	ErrDeviceBusy         = errors.New("negotiation: capture device busy")
	ErrNegotiationFailure = errors.New("negotiation: description or candidate exchange failed")
	ErrDisposed           = errors.New("negotiation: engine disposed")
	ErrNoTrack            = errors.New("negotiation: no local track of that kind")
)
