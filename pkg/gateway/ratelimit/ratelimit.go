// Package ratelimit holds the in-memory, per-principal limits: an HTTP
// request token bucket and a cap on concurrent live connections.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentConnections int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*principalLimiter
}

type principalLimiter struct {
	requests *rate.Limiter
	connSem  chan struct{}

	mu       sync.Mutex
	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*principalLimiter),
	}
}

func PrincipalKeyFromSubject(sub string) string {
	return "u_" + hashKey(sub)
}

func PrincipalKeyFromIP(ip string) string {
	return "ip_" + hashKey(ip)
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return hex.EncodeToString(sum[:16])
}

type Permit struct {
	once    sync.Once
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AcquireRequest spends one request token for principal. A denied request
// consumes nothing.
func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	if l == nil || l.cfg.RPS <= 0 || l.cfg.Burst <= 0 {
		return Decision{Allowed: true}
	}
	pl := l.getOrCreate(principalOrAnon(principal), now)

	r := pl.requests.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Allowed: false, RetryAfter: 1}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		retryAfter := int(math.Ceil(delay.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}
	return Decision{Allowed: true}
}

// AcquireConnection takes one live connection slot. The permit must be
// released when the connection ends.
func (l *Limiter) AcquireConnection(principal string, now time.Time) Decision {
	if l == nil || l.cfg.MaxConcurrentConnections <= 0 {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	pl := l.getOrCreate(principalOrAnon(principal), now)

	select {
	case pl.connSem <- struct{}{}:
		return Decision{
			Allowed: true,
			Permit:  &Permit{release: func() { <-pl.connSem }},
		}
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

func principalOrAnon(principal string) string {
	if principal == "" {
		return "anonymous"
	}
	return principal
}

func (l *Limiter) getOrCreate(principal string, now time.Time) *principalLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if pl, ok := l.m[principal]; ok {
		pl.touch(now)
		return pl
	}

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one idle entry (bounded memory > perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if len(v.connSem) == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}

	pl := &principalLimiter{
		requests: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst),
		connSem:  make(chan struct{}, max(1, l.cfg.MaxConcurrentConnections)),
		lastSeen: now,
	}
	l.m[principal] = pl
	return pl
}

// gcLocked drops idle entries; a principal holding a connection is kept so
// its permit keeps counting.
func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		if len(v.connSem) == 0 && now.Sub(v.seen()) > ttl {
			delete(l.m, k)
		}
	}
}

func (pl *principalLimiter) touch(now time.Time) {
	pl.mu.Lock()
	pl.lastSeen = now
	pl.mu.Unlock()
}

func (pl *principalLimiter) seen() time.Time {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.lastSeen
}
