package signaling

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryBusDeliversToAddressee(t *testing.T) {
	bus := NewMemoryBus()
	alice, bob := bus.Endpoint(), bus.Endpoint()

	var got []Signal
	cancel, err := bob.Subscribe(context.Background(), "bob", func(s Signal) { got = append(got, s) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !bob.Ready() || alice.Ready() {
		t.Fatalf("ready flags wrong: bob=%v alice=%v", bob.Ready(), alice.Ready())
	}

	if err := alice.Send(context.Background(), Signal{Type: TypeEnd, From: "alice", To: "bob"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := alice.Send(context.Background(), Signal{Type: TypeEnd, From: "alice", To: "carol"}); err != nil {
		t.Fatalf("send to absent user should be silently lost, got %v", err)
	}
	if len(got) != 1 || got[0].To != "bob" {
		t.Fatalf("unexpected deliveries: %+v", got)
	}

	cancel()
	cancel()
	if bob.Ready() {
		t.Fatalf("expected not ready after cancel")
	}
	_ = alice.Send(context.Background(), Signal{Type: TypeEnd, From: "alice", To: "bob"})
	if len(got) != 1 {
		t.Fatalf("delivered after cancel")
	}
}

func TestMemoryChannelOffline(t *testing.T) {
	bus := NewMemoryBus()
	ch := bus.Endpoint()
	ch.SetOffline(true)
	err := ch.Send(context.Background(), Signal{Type: TypeEnd, From: "a", To: "b"})
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
}

func TestMemoryBusIntercept(t *testing.T) {
	bus := NewMemoryBus()
	a, b := bus.Endpoint(), bus.Endpoint()
	n := 0
	_, _ = b.Subscribe(context.Background(), "b", func(Signal) { n++ })
	bus.Intercept(func(s Signal) bool { return s.Type != TypeAnswer })

	_ = a.Send(context.Background(), Signal{Type: TypeAnswer, From: "a", To: "b", Answer: &SessionDescription{Type: "answer", SDP: "v=0"}})
	_ = a.Send(context.Background(), Signal{Type: TypeEnd, From: "a", To: "b"})
	if n != 1 {
		t.Fatalf("expected only the end signal, got %d", n)
	}
}
