package server

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meilies-io/meilies/internal/protocol"
	"github.com/meilies-io/meilies/internal/resp"
	"github.com/meilies-io/meilies/internal/store"
	"github.com/meilies-io/meilies/internal/stream"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir()+"/meilies.db", store.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := New(Config{
		Addr:                    "127.0.0.1:0",
		ResponseChannelCapacity: 10,
		Limiter: LimiterConfig{
			IPRate: 1000, IPBurst: 1000, GlobalRate: 1000, GlobalBurst: 1000,
		},
	}, st, zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(time.Second) })
	return srv, st
}

func dialTest(t *testing.T, srv *Server) *protocol.ClientCodec {
	t.Helper()
	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return protocol.NewClientCodec(conn)
}

func TestSubscribeTailReceivesPublishedEvent(t *testing.T) {
	srv, _ := newTestServer(t)
	sub := dialTest(t, srv)

	name, _ := stream.NewName("orders")
	if err := sub.WriteRequest(protocol.Request{
		Kind:    protocol.KindSubscribe,
		Streams: []stream.Spec{{Name: name, Range: stream.ReadRange{Kind: stream.FromEnd}}},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	resp, err := sub.ReadResponse()
	if err != nil || resp.Kind != protocol.KindSubscribed {
		t.Fatalf("expected subscribed ack, got %+v err=%v", resp, err)
	}

	pub := dialTest(t, srv)
	eventName, _ := stream.NewEventName("created")
	if err := pub.WriteRequest(protocol.Request{
		Kind: protocol.KindPublish, Stream: name, EventName: eventName, EventData: stream.EventData("hello"),
	}); err != nil {
		t.Fatalf("publish request: %v", err)
	}
	pubResp, err := pub.ReadResponse()
	if err != nil || pubResp.Kind != protocol.KindOK {
		t.Fatalf("expected OK, got %+v err=%v", pubResp, err)
	}

	evResp, err := sub.ReadResponse()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evResp.Kind != protocol.KindEvent || evResp.Stream != name || string(evResp.EventData) != "hello" {
		t.Fatalf("unexpected event response: %+v", evResp)
	}
}

func TestSubscribeAllFansOutToEveryStream(t *testing.T) {
	srv, _ := newTestServer(t)

	nameA, _ := stream.NewName("a")
	nameB, _ := stream.NewName("b")
	eventName, _ := stream.NewEventName("created")

	pub := dialTest(t, srv)
	for _, name := range []stream.Name{nameA, nameB} {
		if err := pub.WriteRequest(protocol.Request{
			Kind: protocol.KindPublish, Stream: name, EventName: eventName, EventData: stream.EventData("x"),
		}); err != nil {
			t.Fatalf("publish request: %v", err)
		}
		resp, err := pub.ReadResponse()
		if err != nil || resp.Kind != protocol.KindOK {
			t.Fatalf("expected OK, got %+v err=%v", resp, err)
		}
	}

	sub := dialTest(t, srv)
	if err := sub.WriteRequest(protocol.Request{
		Kind:     protocol.KindSubscribeAll,
		AllRange: stream.ReadRange{Kind: stream.From, From: 0},
	}); err != nil {
		t.Fatalf("subscribe all: %v", err)
	}

	gotSubscribed := map[stream.Name]bool{}
	gotEvent := map[stream.Name]bool{}
	for i := 0; i < 4; i++ {
		resp, err := sub.ReadResponse()
		if err != nil {
			t.Fatalf("read response %d: %v", i, err)
		}
		switch resp.Kind {
		case protocol.KindSubscribed:
			gotSubscribed[resp.Stream] = true
		case protocol.KindEvent:
			gotEvent[resp.Stream] = true
		default:
			t.Fatalf("unexpected response kind: %+v", resp)
		}
	}

	for _, name := range []stream.Name{nameA, nameB} {
		if !gotSubscribed[name] {
			t.Fatalf("expected a Subscribed for stream %q", name)
		}
		if !gotEvent[name] {
			t.Fatalf("expected an Event for stream %q", name)
		}
	}
}

// TestMalformedRequestIsRecoverable exercises the session's recoverable
// path from raw bytes rather than through protocol.Request, since a
// typed Request can only ever encode a well-formed command: DecodeRequest's
// error paths (ErrMissingArgument and friends) are reachable only by a
// client that sends a syntactically valid but semantically wrong array,
// which requires writing the RESP frame by hand.
func TestMalformedRequestIsRecoverable(t *testing.T) {
	srv, _ := newTestServer(t)
	netConn, err := net.Dial("tcp", srv.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	raw := resp.NewWriter(netConn)
	conn := protocol.NewClientCodec(netConn)

	// "publish" requires exactly 3 arguments (stream, event_name,
	// event_data); this array supplies only 1 ("onlyonearg"), which
	// decodes fine as RESP but fails Request conversion with
	// ErrMissingArgument.
	malformed := resp.ArrayV(resp.BulkStringS("publish"), resp.BulkStringS("onlyonearg"))
	if err := raw.WriteValue(malformed); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	if _, err := conn.ReadResponse(); err == nil {
		t.Fatalf("expected the malformed request to yield an error response")
	} else if _, ok := err.(*protocol.ServerError); !ok {
		t.Fatalf("expected a server Error frame, got %v (%T)", err, err)
	}

	// Connection must still be usable afterward.
	if err := conn.WriteRequest(protocol.Request{Kind: protocol.KindStreamNames}); err != nil {
		t.Fatalf("write after recoverable path: %v", err)
	}
	namesResp, err := conn.ReadResponse()
	if err != nil {
		t.Fatalf("connection should have survived: %v", err)
	}
	if namesResp.Kind != protocol.KindStreamNamesResp {
		t.Fatalf("expected a stream-names response, got %+v", namesResp)
	}
}
