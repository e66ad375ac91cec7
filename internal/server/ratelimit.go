package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AcceptLimiter gates the TCP accept loop: a global token bucket smooths
// connection storms and per-IP buckets stop a single dialer from eating
// the global budget. Idle per-IP buckets are reaped after a TTL.
type AcceptLimiter struct {
	logger zerolog.Logger
	global *rate.Limiter

	perIPRate  rate.Limit
	perIPBurst int

	mu    sync.Mutex
	perIP map[string]*ipBucket

	stop chan struct{}
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const ipBucketTTL = 10 * time.Minute

func NewAcceptLimiter(logger zerolog.Logger, globalRate float64, globalBurst int,
	perIPRate float64, perIPBurst int) *AcceptLimiter {
	l := &AcceptLimiter{
		logger:     logger.With().Str("component", "accept_limiter").Logger(),
		global:     rate.NewLimiter(rate.Limit(globalRate), globalBurst),
		perIPRate:  rate.Limit(perIPRate),
		perIPBurst: perIPBurst,
		perIP:      make(map[string]*ipBucket),
		stop:       make(chan struct{}),
	}
	go l.reapLoop()
	return l
}

// Allow reports whether a connection from ip may proceed.
func (l *AcceptLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		return false
	}

	l.mu.Lock()
	b, ok := l.perIP[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(l.perIPRate, l.perIPBurst)}
		l.perIP[ip] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.limiter.Allow()
}

func (l *AcceptLimiter) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.reap()
		case <-l.stop:
			return
		}
	}
}

func (l *AcceptLimiter) reap() {
	cutoff := time.Now().Add(-ipBucketTTL)
	l.mu.Lock()
	before := len(l.perIP)
	for ip, b := range l.perIP {
		if b.lastSeen.Before(cutoff) {
			delete(l.perIP, ip)
		}
	}
	after := len(l.perIP)
	l.mu.Unlock()

	if before != after {
		l.logger.Debug().
			Int("reaped", before-after).
			Int("remaining", after).
			Msg("Reaped idle per-IP limiters")
	}
}

// TrackedIPs reports how many per-IP buckets are live.
func (l *AcceptLimiter) TrackedIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perIP)
}

// Close stops the reaper.
func (l *AcceptLimiter) Close() {
	close(l.stop)
}
