package client

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meilies-io/meilies/internal/protocol"
	"github.com/meilies-io/meilies/internal/stream"
)

// fakeServer accepts exactly the connections the test drives it through,
// letting the test script exactly what request it expects and what
// responses to reply with, to exercise SubClient's reconnect behavior
// without a real store or session.
type fakeServer struct {
	ln net.Listener
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeServer{ln: ln}
}

func (f *fakeServer) addr() string { return f.ln.Addr().String() }

func (f *fakeServer) accept(t *testing.T) (net.Conn, *protocol.ServerCodec) {
	t.Helper()
	conn, err := f.ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return conn, protocol.NewServerCodec(conn)
}

func TestSubClientDeliversSubscribedOnceThenEvent(t *testing.T) {
	f := newFakeServer(t)
	defer f.ln.Close()

	name, _ := stream.NewName("orders")
	eventName, _ := stream.NewEventName("created")

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, codec := f.accept(t)
		defer conn.Close()

		if _, err := codec.ReadRequest(); err != nil {
			t.Errorf("server: read subscribe: %v", err)
			return
		}
		codec.WriteResponse(protocol.Response{Kind: protocol.KindSubscribed, Stream: name}, "")
		codec.WriteResponse(protocol.Response{
			Kind:      protocol.KindEvent,
			Stream:    name,
			Number:    0,
			EventName: eventName,
			EventData: stream.EventData("payload"),
		}, "")

		// Block so the connection stays open until the test closes the
		// client; reading the next frame (if any) just keeps the
		// goroutine alive until conn.Close() unblocks it.
		codec.ReadRequest()
	}()

	c := NewSubClient(f.addr(), []stream.Spec{{Name: name, Range: stream.ReadRange{Kind: stream.FromEnd}}}, zerolog.Nop())
	defer c.Close()

	select {
	case ev := <-c.Events():
		if ev.Kind != EventKindSubscribed || ev.Stream != name {
			t.Fatalf("expected a Subscribed ack on initial subscribe, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribed ack")
	}

	select {
	case ev := <-c.Events():
		if ev.Kind != EventKindData || ev.Stream != name || ev.EventName != eventName || string(ev.EventData) != "payload" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	<-done
}

func TestSubClientSuppressesSubscribedEchoOnReconnect(t *testing.T) {
	f := newFakeServer(t)
	defer f.ln.Close()

	name, _ := stream.NewName("orders")

	firstClosed := make(chan struct{})
	go func() {
		defer close(firstClosed)
		conn, codec := f.accept(t)
		if _, err := codec.ReadRequest(); err != nil {
			t.Errorf("server: read initial subscribe: %v", err)
			conn.Close()
			return
		}
		codec.WriteResponse(protocol.Response{Kind: protocol.KindSubscribed, Stream: name}, "")
		conn.Close() // force the client to reconnect
	}()

	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		conn, codec := f.accept(t)
		defer conn.Close()
		if _, err := codec.ReadRequest(); err != nil {
			t.Errorf("server: read resubscribe: %v", err)
			return
		}
		codec.WriteResponse(protocol.Response{Kind: protocol.KindSubscribed, Stream: name}, "")
		codec.ReadRequest()
	}()

	c := NewSubClient(f.addr(), []stream.Spec{{Name: name, Range: stream.ReadRange{Kind: stream.FromEnd}}}, zerolog.Nop())
	defer c.Close()

	select {
	case ev := <-c.Events():
		if ev.Kind != EventKindSubscribed || ev.Stream != name {
			t.Fatalf("expected the initial Subscribed ack, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial subscribed ack")
	}

	<-firstClosed

	// The reconnect's Subscribed echo must never reach the caller.
	select {
	case ev := <-c.Events():
		t.Fatalf("expected no further event across reconnect, got %+v", ev)
	case <-time.After(500 * time.Millisecond):
	}

	<-secondDone
}

func TestSubClientAdvancesPositionOnReconnect(t *testing.T) {
	name, _ := stream.NewName("orders")
	eventName, _ := stream.NewEventName("created")

	c := &SubClient{
		addr:      "unused",
		logger:    zerolog.Nop(),
		positions: map[stream.Name]*subPosition{name: {rng: stream.ReadRange{Kind: stream.FromEnd}}},
		events:    make(chan Event, 1),
		errs:      make(chan error, 1),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	c.advance(name, 4)

	specs := c.snapshotSpecs()
	if len(specs) != 1 {
		t.Fatalf("expected 1 tracked stream, got %d", len(specs))
	}
	if specs[0].Range.Kind != stream.From || specs[0].Range.From != 5 {
		t.Fatalf("expected upgraded range From=5, got %+v", specs[0].Range)
	}

	_ = eventName
}

func TestSubClientDropsCompletedBoundedRange(t *testing.T) {
	name, _ := stream.NewName("orders")

	c := &SubClient{
		positions: map[stream.Name]*subPosition{
			name: {rng: stream.ReadRange{Kind: stream.FromUntil, From: 0, Until: 2}},
		},
	}

	c.advance(name, 0)
	if _, ok := c.positions[name]; !ok {
		t.Fatalf("position should still be tracked after partial delivery")
	}

	c.advance(name, 1)
	if _, ok := c.positions[name]; ok {
		t.Fatalf("position should be dropped once From reaches Until")
	}
}
