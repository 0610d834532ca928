// Package subscribe implements the per-subscription replay-then-tail
// worker (spec component C5): catch up over historical events, then
// follow live inserts, never missing or duplicating an event across the
// scan/watch boundary.
package subscribe

import (
	"github.com/rs/zerolog"

	"github.com/meilies-io/meilies/internal/protocol"
	"github.com/meilies-io/meilies/internal/store"
	"github.com/meilies-io/meilies/internal/stream"
)

// Outbound is the sink a worker delivers responses to. Send may block —
// that is the backpressure mechanism: a slow consumer slows its own
// worker, never causes a dropped event. Send returns false once the sink
// is permanently closed (the owning connection went away), which is the
// worker's normal termination signal. Done reports the same closure as a
// channel so a worker parked inside a blocking store.Watcher.Next() call
// (no event, no Send happening) can still notice the connection is gone
// instead of leaking forever.
type Outbound interface {
	Send(protocol.Response) (ok bool)
	Done() <-chan struct{}
}

// Worker delivers every event of one (connection, stream) subscription in
// order, exactly once, tolerating concurrent publishes during catch-up.
type Worker struct {
	store  *store.Store
	out    Outbound
	name   stream.Name
	rng    stream.ReadRange
	logger zerolog.Logger
}

// New builds a worker for one subscription. Run must be called to start it.
func New(st *store.Store, out Outbound, name stream.Name, rng stream.ReadRange, logger zerolog.Logger) *Worker {
	return &Worker{
		store:  st,
		out:    out,
		name:   name,
		rng:    rng,
		logger: logger.With().Str("component", "subscribe_worker").Str("stream", string(name)).Logger(),
	}
}

// Run executes the worker's full lifecycle on the calling goroutine; the
// caller is expected to `go worker.Run()`. It emits exactly one Subscribed
// message, then replays history (if the range requests any), then tails
// live inserts until the outbound sink closes or a bounded range completes.
// For a FromEnd range the watcher is armed before Subscribed is sent, so
// every event published after the ack is delivered.
func (w *Worker) Run() {
	if w.rng.Kind == stream.FromEnd {
		w.tailOnly()
		return
	}

	if !w.out.Send(protocol.Response{Kind: protocol.KindSubscribed, Stream: w.name}) {
		return
	}

	w.replayThenTail()
}

// watchUntilDone arms a watcher for name and returns it alongside a
// cleanup function. It also spawns a small goroutine that closes the
// watcher as soon as the outbound sink reports Done, which is what lets
// a worker blocked inside watcher.Next() (no events pending) unblock
// promptly when its connection goes away rather than leaking forever.
func (w *Worker) watchUntilDone() (*store.Watcher, func()) {
	watcher := w.store.Watch(w.name)
	stop := make(chan struct{})
	go func() {
		select {
		case <-w.out.Done():
			watcher.Close()
		case <-stop:
		}
	}()
	return watcher, func() {
		close(stop)
		watcher.Close()
	}
}

// tailOnly handles StartReadFrom::End: skip catch-up entirely, accept every
// insert from here on. The watcher is armed before the Subscribed ack.
func (w *Worker) tailOnly() {
	watcher, cleanup := w.watchUntilDone()
	defer cleanup()

	if !w.out.Send(protocol.Response{Kind: protocol.KindSubscribed, Stream: w.name}) {
		return
	}

	for {
		ev, ok := watcher.Next()
		if !ok {
			return
		}
		if !w.emit(ev.Number, ev.Name, ev.Data) {
			return
		}
	}
}

// replayThenTail implements the hybrid algorithm from spec.md §4.5: the
// watcher for the next outer-loop iteration is armed BEFORE each scan, not
// after. Any event published after the arm is guaranteed to land in the
// watcher's queue even though the scan run concurrently with it might also
// observe it — duplicates are filtered by the next-expected-number cursor.
func (w *Worker) replayThenTail() {
	next := w.rng.From
	bounded := w.rng.Kind == stream.FromUntil

	var finalWatcher *store.Watcher
	var finalCleanup func()
	defer func() {
		if finalCleanup != nil {
			finalCleanup()
		}
	}()

	for {
		watcher, cleanup := w.watchUntilDone()
		if finalCleanup != nil {
			finalCleanup()
		}
		finalWatcher, finalCleanup = watcher, cleanup

		var records []store.EventRecord
		var err error
		if bounded {
			records, err = w.store.RangeEvents(w.name, next, w.rng.Until)
		} else {
			records, err = w.store.ScanFrom(w.name, next)
		}
		if err != nil {
			w.logger.Error().Err(err).Msg("scan failed, ending subscription")
			return
		}

		hasMore := len(records) > 0
		for _, rec := range records {
			if !w.emit(rec.Number, rec.Name, rec.Data) {
				return
			}
			next = rec.Number.Next()
			if bounded && next >= w.rng.Until {
				return
			}
		}

		if !hasMore {
			break
		}
	}

	// Tail phase: finalWatcher was armed before the last (empty) scan, so
	// it already holds — or will hold — every insert from next onward.
	for {
		ev, ok := finalWatcher.Next()
		if !ok {
			return
		}
		if ev.Number < next {
			continue // already delivered by the scan; filter the duplicate
		}
		if bounded && ev.Number >= w.rng.Until {
			return
		}
		if !w.emit(ev.Number, ev.Name, ev.Data) {
			return
		}
		next = ev.Number.Next()
		if bounded && next >= w.rng.Until {
			return
		}
	}
}

func (w *Worker) emit(number stream.Number, name stream.EventName, data stream.EventData) bool {
	return w.out.Send(protocol.Response{
		Kind:      protocol.KindEvent,
		Stream:    w.name,
		Number:    number,
		HasNumber: true,
		EventName: name,
		EventData: data,
	})
}
