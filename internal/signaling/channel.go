package signaling

import "context"

// Handler receives signals addressed to the subscribed user. It is called
// from the channel's delivery goroutine and must not block for long.
type Handler func(Signal)

// Sender publishes a signal to sig.To. The core logs send failures and never
// retries them itself.
type Sender interface {
	Send(ctx context.Context, sig Signal) error
}

// Channel is the transport seen by the call state machine: send to a user,
// and receive what is addressed to the local user through an explicitly
// injected handler.
type Channel interface {
	Sender

	// Subscribe starts delivering signals addressed to userID to h. The
	// returned cancel stops delivery. Subscribe does not wait for the
	// subscription to become active; use Ready for that.
	Subscribe(ctx context.Context, userID string, h Handler) (cancel func(), err error)

	// Ready reports whether the local subscription is active. Signals sent
	// to a user before their subscription exists are lost.
	Ready() bool
}
