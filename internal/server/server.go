// Package server implements the TCP request dispatcher (spec component
// C6): the accept loop, per-connection session management, and graceful
// shutdown, in the style of the ws_poc teacher's server.go.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/meilies-io/meilies/internal/metrics"
	"github.com/meilies-io/meilies/internal/store"
)

// Config controls listener address, response channel sizing, and
// connection admission limits.
type Config struct {
	Addr                    string
	ResponseChannelCapacity int
	Limiter                 LimiterConfig
}

// Server accepts TCP connections and dispatches each to its own session.
type Server struct {
	config Config
	logger zerolog.Logger
	store  *store.Store

	listener net.Listener
	limiter  *ConnectionLimiter

	nextConnID   int64
	shuttingDown int32

	activeMu sync.Mutex
	active   map[int64]*session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Server bound to st; call Start to begin accepting.
func New(cfg Config, st *store.Store, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	cfg.Limiter.Logger = logger
	return &Server{
		config:  cfg,
		logger:  logger.With().Str("component", "server").Logger(),
		store:   st,
		limiter: NewConnectionLimiter(cfg.Limiter),
		active:  make(map[int64]*session),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start opens the listener and begins accepting connections in the
// background; it returns once the listener is bound.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.config.Addr, err)
	}
	s.listener = listener
	s.logger.Info().Str("addr", s.config.Addr).Msg("listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shuttingDown) == 1 {
				return
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return
		}

		if !s.limiter.Allow(conn.RemoteAddr()) {
			metrics.ConnectionsRejected.Inc()
			conn.Close()
			continue
		}

		metrics.ConnectionsTotal.Inc()
		id := atomic.AddInt64(&s.nextConnID, 1)
		sess := newSession(id, conn, s.store, s.config.ResponseChannelCapacity, s.logger)

		s.activeMu.Lock()
		s.active[id] = sess
		s.activeMu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run()
			s.activeMu.Lock()
			delete(s.active, id)
			s.activeMu.Unlock()
		}()
	}
}

// Shutdown stops accepting new connections, force-closes any sessions
// still open after gracePeriod, and waits for all session and worker
// goroutines to exit.
func (s *Server) Shutdown(gracePeriod time.Duration) error {
	s.logger.Info().Msg("initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		s.listener.Close()
	}
	s.limiter.Stop()

	deadline := time.After(gracePeriod)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-deadline:
			break loop
		case <-ticker.C:
			s.activeMu.Lock()
			remaining := len(s.active)
			s.activeMu.Unlock()
			if remaining == 0 {
				break loop
			}
		}
	}

	s.activeMu.Lock()
	for _, sess := range s.active {
		sess.close()
	}
	s.activeMu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("graceful shutdown complete")
	return nil
}
