// Package client implements the two flavors of Go client described by
// the wire protocol: a resilient, auto-reconnecting subscription client
// (SubClient) and a one-shot paired request/response client (PairedClient).
package client

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meilies-io/meilies/internal/protocol"
	"github.com/meilies-io/meilies/internal/stream"
)

// pingInterval is how often an idle subscription connection sends a
// benign stream-names request, so a half-open TCP connection is
// detected and reconnected rather than silently stalling forever.
const pingInterval = 20 * time.Second

const dialTimeout = 10 * time.Second

// keepAlivePeriod matches the short probe interval the sub client has
// always used so connection loss is noticed quickly.
const keepAlivePeriod = 50 * time.Millisecond

// EventKind distinguishes the two notifications an Event can carry.
type EventKind int

const (
	// EventKindData is a delivered (stream, event) pair.
	EventKindData EventKind = iota
	// EventKindSubscribed marks a stream's initial subscription ack. It is
	// surfaced exactly once per stream, on the connection that first
	// subscribes it; the same ack on every automatic reconnect is
	// suppressed.
	EventKindSubscribed
)

// Event is a notification surfaced to SubClient callers: either a
// delivered (stream, event) pair or a Subscribed ack.
type Event struct {
	Kind      EventKind
	Stream    stream.Name
	Number    stream.Number
	EventName stream.EventName
	EventData stream.EventData
}

type subPosition struct {
	rng stream.ReadRange
	// resubscribed is true while this stream's next Subscribed ack is
	// expected to be an echo of an automatic resubscribe rather than a
	// caller-visible first subscription, and so must be swallowed.
	resubscribed bool
}

// SubClient maintains one reconnect-loop reactor against one or more
// streams. On every reconnect it resubscribes from the last delivered
// position rather than the original request, so a dropped connection
// does not re-deliver events (a FromEnd stream that has not yet delivered
// an event is resubscribed FromEnd, so events published while it was
// disconnected are not delivered), and it suppresses the
// server's "subscribed" echo on every automatic resubscribe so callers
// see exactly one Subscribed event per stream, delivered on the
// connection that first subscribed it.
type SubClient struct {
	addr   string
	logger zerolog.Logger

	mu        sync.Mutex
	positions map[stream.Name]*subPosition

	events      chan Event
	errs        chan error
	subscribeCh chan stream.Spec
	closed      chan struct{}
	once        sync.Once
	done        chan struct{}

	// hasConnectedOnce is read and written only from the single run()
	// goroutine: false until the first successful dial, so the very first
	// connection's Subscribed acks are forwarded rather than swallowed.
	hasConnectedOnce bool
}

// NewSubClient starts a background reconnect loop against addr, subscribed
// to specs. Call Events to consume delivered events and Close to stop.
func NewSubClient(addr string, specs []stream.Spec, logger zerolog.Logger) *SubClient {
	positions := make(map[stream.Name]*subPosition, len(specs))
	for _, s := range specs {
		positions[s.Name] = &subPosition{rng: s.Range}
	}
	c := &SubClient{
		addr:        addr,
		logger:      logger.With().Str("component", "sub_client").Str("addr", addr).Logger(),
		positions:   positions,
		events:      make(chan Event, 64),
		errs:        make(chan error, 1),
		subscribeCh: make(chan stream.Spec, 16),
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	go c.run()
	return c
}

// Events returns the channel delivered events arrive on.
func (c *SubClient) Events() <-chan Event { return c.events }

// Errors surfaces transient connection errors for observability; the
// client keeps retrying regardless of whether anything reads from it.
func (c *SubClient) Errors() <-chan error { return c.errs }

// SubscribeTo adds a new stream to this session's subscription table,
// mirroring the original SubController::subscribe_to: the stream is
// folded into every future (re)subscribe, and if a connection is
// currently live it is also subscribed to immediately rather than
// waiting for the next reconnect.
func (c *SubClient) SubscribeTo(spec stream.Spec) {
	c.mu.Lock()
	c.positions[spec.Name] = &subPosition{rng: spec.Range}
	c.mu.Unlock()

	select {
	case c.subscribeCh <- spec:
	case <-c.closed:
	}
}

// Close stops the reconnect loop and waits for its goroutine to exit.
func (c *SubClient) Close() {
	c.once.Do(func() { close(c.closed) })
	<-c.done
}

func (c *SubClient) run() {
	defer close(c.done)
	defer close(c.events)
	backoff := newFibonacciBackoff()

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		err := c.connectAndServe(backoff)
		if err == nil {
			return
		}

		select {
		case c.errs <- err:
		default:
		}

		delay, ok := backoff.Next()
		if !ok {
			c.logger.Error().Err(err).Msg("reconnect backoff exhausted, giving up")
			return
		}
		c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("subscription connection lost, reconnecting")

		select {
		case <-time.After(delay):
		case <-c.closed:
			return
		}
	}
}

// connectAndServe owns one physical connection end to end: dial,
// (re)subscribe from the current positions, and pump responses until
// the connection fails or the client is closed. A nil return means the
// client was closed or every stream's range has been fully delivered.
func (c *SubClient) connectAndServe(backoff *fibonacciBackoff) error {
	specs := c.snapshotSpecs()
	if len(specs) == 0 {
		return nil
	}

	conn, err := net.DialTimeout("tcp", c.addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(keepAlivePeriod)
	}

	// Only a genuine reconnect marks its streams resubscribed: the very
	// first connection's Subscribed acks must reach the caller.
	isReconnect := c.hasConnectedOnce
	c.hasConnectedOnce = true
	if isReconnect {
		c.markResubscribed(specs)
	}

	codec := protocol.NewClientCodec(conn)
	if err := codec.WriteRequest(protocol.Request{Kind: protocol.KindSubscribe, Streams: specs}); err != nil {
		return fmt.Errorf("client: send subscribe: %w", err)
	}
	lastSent := time.Now()

	type result struct {
		resp protocol.Response
		err  error
	}
	respCh := make(chan result)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			r, rerr := codec.ReadResponse()
			select {
			case respCh <- result{r, rerr}:
			case <-c.closed:
				return
			case <-stop:
				return
			}
			if rerr != nil {
				return
			}
		}
	}()

	pendingSubscribed := make(map[stream.Name]bool, len(specs))
	sentStreams := make(map[stream.Name]bool, len(specs))
	for _, s := range specs {
		pendingSubscribed[s.Name] = true
		sentStreams[s.Name] = true
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.closed:
			return nil

		case res := <-respCh:
			if res.err != nil {
				return fmt.Errorf("client: read response: %w", res.err)
			}
			switch res.resp.Kind {
			case protocol.KindSubscribed:
				if pendingSubscribed[res.resp.Stream] {
					delete(pendingSubscribed, res.resp.Stream)
					if len(pendingSubscribed) == 0 {
						backoff.Reset()
					}
				}

				// An echo of an automatic resubscribe is swallowed; a
				// stream's first-ever Subscribed ack is forwarded.
				if c.clearResubscribed(res.resp.Stream) {
					continue
				}
				select {
				case c.events <- Event{Kind: EventKindSubscribed, Stream: res.resp.Stream}:
				case <-c.closed:
					return nil
				}

			case protocol.KindEvent:
				c.advance(res.resp.Stream, res.resp.Number)
				select {
				case c.events <- Event{
					Kind:      EventKindData,
					Stream:    res.resp.Stream,
					Number:    res.resp.Number,
					EventName: res.resp.EventName,
					EventData: res.resp.EventData,
				}:
				case <-c.closed:
					return nil
				}

			default:
				// Response to the benign ping; nothing to act on.
			}

		case spec := <-c.subscribeCh:
			// Already covered by this connection's initial subscribe
			// (or a prior iteration of this same loop) — skip to avoid
			// spawning a second server-side worker for the same stream,
			// which would duplicate every event it delivers.
			if sentStreams[spec.Name] {
				continue
			}
			sentStreams[spec.Name] = true
			pendingSubscribed[spec.Name] = true
			if err := codec.WriteRequest(protocol.Request{Kind: protocol.KindSubscribe, Streams: []stream.Spec{spec}}); err != nil {
				return fmt.Errorf("client: send subscribe: %w", err)
			}
			lastSent = time.Now()

		case <-ping.C:
			// Suppressed if some other message already went out within
			// the last interval: the ping exists only to notice a dead
			// peer, not to add wire chatter on top of real traffic.
			if time.Since(lastSent) < pingInterval {
				continue
			}
			if err := codec.WriteRequest(protocol.Request{Kind: protocol.KindStreamNames}); err != nil {
				return fmt.Errorf("client: send ping: %w", err)
			}
			lastSent = time.Now()
		}
	}
}

// markResubscribed flags every named stream's next Subscribed ack as an
// echo to swallow, called only when specs is being resent as part of an
// automatic reconnect rather than the client's first-ever connect.
func (c *SubClient) markResubscribed(specs []stream.Spec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range specs {
		if pos, ok := c.positions[s.Name]; ok {
			pos.resubscribed = true
		}
	}
}

// clearResubscribed reports whether name's Subscribed ack is an echo to
// swallow, clearing the flag so the next one (if any, after a further
// reconnect) is judged independently.
func (c *SubClient) clearResubscribed(name stream.Name) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.positions[name]
	if !ok || !pos.resubscribed {
		return false
	}
	pos.resubscribed = false
	return true
}

// advance moves a stream's tracked position past a delivered number. A
// FromEnd subscription is upgraded to a From position on its
// first delivered event so a later reconnect resumes the catch-up scan
// instead of only tailing new inserts, which would silently drop
// whatever arrived during the reconnect gap. A FromUntil stream whose
// range is now exhausted is dropped from future (re)subscribes.
func (c *SubClient) advance(name stream.Name, num stream.Number) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.positions[name]
	if !ok {
		c.logger.Warn().Str("stream", string(name)).Msg("event for unknown stream, forwarding anyway")
		return
	}
	next := num.Next()
	switch pos.rng.Kind {
	case stream.FromEnd:
		pos.rng = stream.ReadRange{Kind: stream.From, From: next}
	case stream.From:
		pos.rng.From = next
	case stream.FromUntil:
		pos.rng.From = next
		if pos.rng.From >= pos.rng.Until {
			delete(c.positions, name)
		}
	}
}

func (c *SubClient) snapshotSpecs() []stream.Spec {
	c.mu.Lock()
	defer c.mu.Unlock()
	specs := make([]stream.Spec, 0, len(c.positions))
	for name, pos := range c.positions {
		specs = append(specs, stream.Spec{Name: name, Range: pos.rng})
	}
	return specs
}
