package subscribe

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meilies-io/meilies/internal/protocol"
	"github.com/meilies-io/meilies/internal/store"
	"github.com/meilies-io/meilies/internal/stream"
)

// recordingSink collects every Response a worker sends, in arrival order,
// and lets the test block until a target count has arrived.
type recordingSink struct {
	mu     sync.Mutex
	got    []protocol.Response
	notify chan struct{}
	closed bool
	done   chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 1024), done: make(chan struct{})}
}

func (s *recordingSink) Send(r protocol.Response) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.got = append(s.got, r)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *recordingSink) Done() <-chan struct{} { return s.done }

func (s *recordingSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

func (s *recordingSink) waitFor(t *testing.T, n int) []protocol.Response {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		if len(s.got) >= n {
			out := append([]protocol.Response(nil), s.got...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages", n)
		}
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meilies.db")
	s, err := store.Open(path, store.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func publish(t *testing.T, s *store.Store, name stream.Name, eventName stream.EventName, data string) stream.Number {
	t.Helper()
	n, err := s.AllocateNext(name)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := s.WriteEvent(name, n, eventName, stream.EventData(data)); err != nil {
		t.Fatalf("write: %v", err)
	}
	return n
}

func TestWorkerReplaysFromZeroInOrder(t *testing.T) {
	s := openTestStore(t)
	name, _ := stream.NewName("hello")
	evName, _ := stream.NewEventName("T")

	for i := 0; i < 3; i++ {
		publish(t, s, name, evName, string(rune('a'+i)))
	}

	sink := newRecordingSink()
	w := New(s, sink, name, stream.ReadRange{Kind: stream.From, From: 0}, zerolog.Nop())
	go w.Run()

	got := sink.waitFor(t, 4) // Subscribed + 3 events
	if got[0].Kind != protocol.KindSubscribed || got[0].Stream != name {
		t.Fatalf("expected Subscribed first, got %+v", got[0])
	}
	for i := 0; i < 3; i++ {
		ev := got[i+1]
		if ev.Kind != protocol.KindEvent || ev.Number != stream.Number(i) {
			t.Fatalf("event %d: got %+v", i, ev)
		}
	}
}

func TestWorkerFromEndSeesOnlyFutureEvents(t *testing.T) {
	s := openTestStore(t)
	name, _ := stream.NewName("hello")
	evName, _ := stream.NewEventName("T")

	publish(t, s, name, evName, "before") // published before the worker starts

	sink := newRecordingSink()
	w := New(s, sink, name, stream.ReadRange{Kind: stream.FromEnd}, zerolog.Nop())
	go w.Run()

	got := sink.waitFor(t, 1)
	if got[0].Kind != protocol.KindSubscribed {
		t.Fatalf("expected Subscribed, got %+v", got[0])
	}

	publish(t, s, name, evName, "after")

	got = sink.waitFor(t, 2)
	if got[1].Kind != protocol.KindEvent || string(got[1].EventData) != "after" {
		t.Fatalf("expected only the post-subscribe event, got %+v", got[1])
	}
}

func TestWorkerBoundedRangeTerminates(t *testing.T) {
	s := openTestStore(t)
	name, _ := stream.NewName("hello")
	evName, _ := stream.NewEventName("T")

	for i := 0; i < 5; i++ {
		publish(t, s, name, evName, string(rune('a'+i)))
	}

	sink := newRecordingSink()
	w := New(s, sink, name, stream.ReadRange{Kind: stream.FromUntil, From: 1, Until: 4}, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	got := sink.waitFor(t, 4) // Subscribed + events 1,2,3
	for i, want := range []stream.Number{1, 2, 3} {
		if got[i+1].Number != want {
			t.Fatalf("event %d: got number %d, want %d", i, got[i+1].Number, want)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not terminate after delivering its bounded range")
	}
}

func TestWorkerNoLossAcrossScanWatchBoundary(t *testing.T) {
	// Simulate the race spec.md §4.5/§8 property 4 describes: an event is
	// published concurrently with the worker's catch-up scan. Because the
	// worker re-arms its watcher before scanning, the event must be
	// delivered exactly once regardless of which side observes it first.
	s := openTestStore(t)
	name, _ := stream.NewName("hello")
	evName, _ := stream.NewEventName("T")

	publish(t, s, name, evName, "seed")

	sink := newRecordingSink()
	w := New(s, sink, name, stream.ReadRange{Kind: stream.From, From: 0}, zerolog.Nop())
	go w.Run()

	// Publish a second event racing the worker's own startup.
	go publish(t, s, name, evName, "race")

	got := sink.waitFor(t, 3) // Subscribed + 2 events, each exactly once
	seen := make(map[stream.Number]int)
	for _, r := range got {
		if r.Kind == protocol.KindEvent {
			seen[r.Number]++
		}
	}
	if len(seen) != 2 {
		t.Fatalf("expected exactly 2 distinct event numbers, got %v", seen)
	}
	for num, count := range seen {
		if count != 1 {
			t.Fatalf("event %d delivered %d times, want exactly 1", num, count)
		}
	}
}

func TestWorkerExitsWhenSinkCloses(t *testing.T) {
	s := openTestStore(t)
	name, _ := stream.NewName("hello")

	sink := newRecordingSink()
	w := New(s, sink, name, stream.ReadRange{Kind: stream.FromEnd}, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	sink.waitFor(t, 1) // Subscribed delivered
	sink.close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after its sink closed")
	}
}
