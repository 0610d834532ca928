package store

import (
	"sync"

	"github.com/meilies-io/meilies/internal/stream"
)

// WatchEvent is one live insert notification delivered by a Watcher.
type WatchEvent struct {
	Number stream.Number
	Name   stream.EventName
	Data   stream.EventData
}

// watcher is a single-consumer, unbounded blocking queue of WatchEvents
// for one stream. It is the Go analogue of the store's stipulated
// watch_prefix(prefix) -> blocking iterator: Next blocks until an event is
// queued or the watcher is closed, and never drops a queued event —
// dropping here would violate the "server never loses events" invariant.
type watcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []WatchEvent
	closed bool
}

func newWatcher() *watcher {
	w := &watcher{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *watcher) push(ev WatchEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.queue = append(w.queue, ev)
	w.cond.Signal()
}

// Next blocks until an event is available, returning ok=false once the
// watcher has been closed and drained.
func (w *watcher) Next() (WatchEvent, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.queue) == 0 && !w.closed {
		w.cond.Wait()
	}
	if len(w.queue) == 0 {
		return WatchEvent{}, false
	}
	ev := w.queue[0]
	w.queue = w.queue[1:]
	return ev, true
}

func (w *watcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.cond.Broadcast()
}

// Watcher is the live-tail handle returned by Store.Watch.
type Watcher struct {
	store *Store
	name  stream.Name
	w     *watcher
}

// Next blocks for the next event written to this watcher's stream.
func (h *Watcher) Next() (WatchEvent, bool) {
	return h.w.Next()
}

// Close detaches this watcher from the store; subsequent Next calls return
// ok=false once any already-queued events are drained.
func (h *Watcher) Close() {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	watchers := h.store.watchers[h.name]
	for i, w := range watchers {
		if w == h.w {
			h.store.watchers[h.name] = append(watchers[:i], watchers[i+1:]...)
			break
		}
	}
	h.w.close()
}

// Watch arms a new watcher for name. Re-arming (calling Watch again) before
// scanning historical events is the linchpin of the catch-up/tail
// algorithm: any event written after this call is guaranteed to be queued
// here even while the caller is still reading history via ScanFrom, so no
// insert can fall into the gap between "last key scanned" and "watcher
// armed."
func (s *Store) Watch(name stream.Name) *Watcher {
	w := newWatcher()
	s.mu.Lock()
	s.watchers[name] = append(s.watchers[name], w)
	s.mu.Unlock()
	return &Watcher{store: s, name: name, w: w}
}

func (s *Store) notify(name stream.Name, ev WatchEvent) {
	s.mu.Lock()
	watchers := append([]*watcher(nil), s.watchers[name]...)
	s.mu.Unlock()
	for _, w := range watchers {
		w.push(ev)
	}
}
