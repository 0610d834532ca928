package server

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionLimiter is an admission-control gate for new TCP connections:
// a global token bucket plus a per-IP token bucket, adapted from the
// ws_poc teacher's ConnectionRateLimiter. It governs only connection
// *acceptance* — once a subscriber is admitted, spec.md's "never drop
// events" guarantee is never relaxed by this limiter.
type ConnectionLimiter struct {
	mu      sync.Mutex
	perIP   map[string]*ipEntry
	ipRate  rate.Limit
	ipBurst int
	ipTTL   time.Duration

	global *rate.Limiter

	logger zerolog.Logger

	stop chan struct{}
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// LimiterConfig configures a ConnectionLimiter; zero values fall back to
// the defaults noted per field.
type LimiterConfig struct {
	IPRate      float64       // sustained connections/sec per IP (default 5)
	IPBurst     int           // burst connections per IP (default 20)
	IPTTL       time.Duration // stale-IP cleanup horizon (default 5m)
	GlobalRate  float64       // sustained connections/sec system-wide (default 200)
	GlobalBurst int           // burst connections system-wide (default 500)
	Logger      zerolog.Logger
}

// NewConnectionLimiter builds a limiter and starts its stale-entry
// cleanup loop; call Stop when the server shuts down.
func NewConnectionLimiter(cfg LimiterConfig) *ConnectionLimiter {
	if cfg.IPRate == 0 {
		cfg.IPRate = 5
	}
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 20
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 200
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 500
	}

	l := &ConnectionLimiter{
		perIP:   make(map[string]*ipEntry),
		ipRate:  rate.Limit(cfg.IPRate),
		ipBurst: cfg.IPBurst,
		ipTTL:   cfg.IPTTL,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:  cfg.Logger.With().Str("component", "connection_limiter").Logger(),
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a new connection from addr should be admitted.
func (l *ConnectionLimiter) Allow(addr net.Addr) bool {
	if !l.global.Allow() {
		l.logger.Debug().Msg("connection rejected: global rate limit exceeded")
		return false
	}

	ip := hostOf(addr)
	if ip == "" {
		return true
	}

	limiter := l.ipLimiter(ip)
	if !limiter.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("connection rejected: per-IP rate limit exceeded")
		return false
	}
	return true
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (l *ConnectionLimiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.perIP[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(l.ipRate, l.ipBurst)
	l.perIP[ip] = &ipEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (l *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *ConnectionLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for ip, entry := range l.perIP {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.perIP, ip)
		}
	}
}

// Stop terminates the cleanup loop.
func (l *ConnectionLimiter) Stop() {
	close(l.stop)
}
