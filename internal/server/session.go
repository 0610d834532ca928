package server

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/meilies-io/meilies/internal/metrics"
	"github.com/meilies-io/meilies/internal/protocol"
	"github.com/meilies-io/meilies/internal/store"
	"github.com/meilies-io/meilies/internal/stream"
	"github.com/meilies-io/meilies/internal/subscribe"
)

type outboundMsg struct {
	resp   protocol.Response
	errMsg string
}

// session owns one accepted TCP connection: a reader goroutine decoding
// Requests, a single forwarder goroutine that is the sole FIFO
// serialization point for outbound Responses, and zero or more
// subscription workers each holding an independent clone of the session's
// send capability.
type session struct {
	id     int64
	conn   net.Conn
	codec  *protocol.ServerCodec
	store  *store.Store
	logger zerolog.Logger

	respCh chan outboundMsg
	done   chan struct{}
	once   sync.Once

	wg sync.WaitGroup
}

func newSession(id int64, conn net.Conn, st *store.Store, capacity int, logger zerolog.Logger) *session {
	return &session{
		id:     id,
		conn:   conn,
		codec:  protocol.NewServerCodec(conn),
		store:  st,
		logger: logger.With().Int64("conn_id", id).Str("remote_addr", conn.RemoteAddr().String()).Logger(),
		respCh: make(chan outboundMsg, capacity),
		done:   make(chan struct{}),
	}
}

// Send implements subscribe.Outbound. It blocks when the channel is full —
// the backpressure mechanism spec.md requires — and returns false once the
// session has terminated, which is how workers notice their connection is
// gone and exit.
func (s *session) Send(r protocol.Response) bool {
	select {
	case s.respCh <- outboundMsg{resp: r}:
		return true
	case <-s.done:
		return false
	default:
	}

	metrics.ResponseChannelFullTotal.Inc()
	select {
	case s.respCh <- outboundMsg{resp: r}:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) sendError(msg string) bool {
	select {
	case s.respCh <- outboundMsg{errMsg: msg}:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// run drives the session to completion: starts the forwarder, reads
// requests until the connection closes or a fatal I/O error occurs, then
// tears everything down and waits for spawned workers to notice and exit.
func (s *session) run() {
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()
	defer s.close()

	forwarderDone := make(chan struct{})
	go func() {
		defer close(forwarderDone)
		s.forward()
	}()

	s.readLoop()

	s.close()
	<-forwarderDone
	s.wg.Wait()
}

// forward is the sole writer to the socket: it drains respCh in arrival
// order, which is what gives the wire its FIFO delivery guarantee.
func (s *session) forward() {
	for {
		select {
		case msg := <-s.respCh:
			if err := s.codec.WriteResponse(msg.resp, msg.errMsg); err != nil {
				s.logger.Debug().Err(err).Msg("write failed, closing session")
				return
			}
		case <-s.done:
			// Drain whatever is already queued before giving up, so a
			// graceful close still flushes in-flight responses.
			for {
				select {
				case msg := <-s.respCh:
					s.codec.WriteResponse(msg.resp, msg.errMsg)
				default:
					return
				}
			}
		}
	}
}

// readLoop decodes one request at a time. A malformed-but-well-framed
// request (valid RESP, wrong shape) is recoverable: the byte stream stayed
// in sync, so we send an Error frame and keep reading. A RESP framing
// error or a socket I/O error is not recoverable — the stream may have
// lost byte alignment — and ends the session.
func (s *session) readLoop() {
	for {
		req, err := s.codec.ReadRequest()
		if err != nil {
			var convErr *protocol.ConvertError
			if errors.As(err, &convErr) {
				metrics.DecodeErrorsTotal.Inc()
				s.sendError(err.Error())
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Msg("connection read ended")
			}
			return
		}
		s.handleRequest(req)
	}
}

func (s *session) handleRequest(req protocol.Request) {
	switch req.Kind {
	case protocol.KindSubscribe:
		for _, spec := range req.Streams {
			s.spawnWorker(spec.Name, spec.Range)
		}

	case protocol.KindSubscribeAll:
		names, err := s.store.ListStreams()
		if err != nil {
			s.sendError(err.Error())
			return
		}
		for _, name := range names {
			s.spawnWorker(name, req.AllRange)
		}

	case protocol.KindPublish:
		number, err := s.store.AllocateNext(req.Stream)
		if err != nil {
			metrics.PublishErrorsTotal.Inc()
			s.sendError(err.Error())
			return
		}
		if err := s.store.WriteEvent(req.Stream, number, req.EventName, req.EventData); err != nil {
			metrics.PublishErrorsTotal.Inc()
			s.sendError(err.Error())
			return
		}
		metrics.EventsPublishedTotal.Inc()
		s.Send(protocol.Response{Kind: protocol.KindOK})

	case protocol.KindLastEventNumber:
		number, ok, err := s.store.LastEventNumber(req.Stream)
		if err != nil {
			s.sendError(err.Error())
			return
		}
		s.Send(protocol.Response{Kind: protocol.KindLastEventNumberResp, Stream: req.Stream, Number: number, HasNumber: ok})

	case protocol.KindStreamNames:
		names, err := s.store.ListStreams()
		if err != nil {
			s.sendError(err.Error())
			return
		}
		s.Send(protocol.Response{Kind: protocol.KindStreamNamesResp, StreamNames: names})
	}
}

func (s *session) spawnWorker(name stream.Name, rng stream.ReadRange) {
	metrics.SubscriptionsActive.Inc()
	w := subscribe.New(s.store, workerSink{s}, name, rng, s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer metrics.SubscriptionsActive.Dec()
		w.Run()
	}()
}

// workerSink adapts session.Send to subscribe.Outbound while additionally
// counting delivered events, without subscribe needing to know about
// metrics.
type workerSink struct{ s *session }

func (w workerSink) Send(r protocol.Response) bool {
	ok := w.s.Send(r)
	if ok && r.Kind == protocol.KindEvent {
		metrics.EventsDeliveredTotal.Inc()
	}
	return ok
}

func (w workerSink) Done() <-chan struct{} { return w.s.done }
