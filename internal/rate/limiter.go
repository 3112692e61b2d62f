// Package rate limits requests per client key against the shared store,
// falling back to per-instance accounting when the store is unreachable.
package rate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"ledgerly/gatekeeper/internal/kv"
	"ledgerly/gatekeeper/internal/metrics"

	"github.com/rs/zerolog/log"
	xrate "golang.org/x/time/rate"
)

// KeyPrefix namespaces remote window counters.
const KeyPrefix = "ratelimit:"

type Policy struct {
	Limit  int
	Window time.Duration
}

var (
	General = Policy{Limit: 10, Window: time.Minute}
	Strict  = Policy{Limit: 5, Window: time.Minute}
)

type Result struct {
	Limited   bool
	Limit     int
	Remaining int
	ResetMs   int64
	// Degraded is set when the decision came from the local fallback.
	Degraded bool
}

// RetryAfter rounds ResetMs up to whole seconds, never below one.
func (r Result) RetryAfter() int {
	s := int((r.ResetMs + 999) / 1000)
	if s < 1 {
		s = 1
	}
	return s
}

// Pipeliner is the slice of kv.Client the limiter needs.
type Pipeliner interface {
	Pipeline(ctx context.Context, cmds ...kv.Cmd) ([]kv.Result, error)
}

type Limiter struct {
	store   Pipeliner
	local   *SlidingLog
	nowFunc func() time.Time

	degraded atomic.Bool
	warn     xrate.Sometimes
}

// NewLimiter returns a limiter backed by store. A nil store means local-only.
func NewLimiter(store Pipeliner, fallbackCapacity int) *Limiter {
	return &Limiter{
		store:   store,
		local:   NewSlidingLog(fallbackCapacity),
		nowFunc: time.Now,
		warn:    xrate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// SetClock replaces the time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) { l.nowFunc = now }

// Check counts one request for key under p and never fails.
func (l *Limiter) Check(ctx context.Context, key string, p Policy) Result {
	if p.Limit < 1 {
		p.Limit = 1
	}
	if p.Window < time.Second {
		p.Window = time.Second
	}
	now := l.nowFunc()

	if l.store != nil {
		res, err := l.checkRemote(ctx, key, p, now)
		if err == nil {
			if l.degraded.CompareAndSwap(true, false) {
				log.Info().Msg("rate limiter back on the remote store")
			}
			observe("remote", res)
			return res
		}
		l.degraded.Store(true)
		l.warn.Do(func() {
			log.Warn().Err(err).Msg("rate limiter store unavailable, using local fallback")
		})
	}

	res := l.checkLocal(key, p, now)
	observe("fallback", res)
	return res
}

func (l *Limiter) checkRemote(ctx context.Context, key string, p Policy, now time.Time) (Result, error) {
	window := int64(p.Window / time.Second)
	k := fmt.Sprintf("%s%s:%d", KeyPrefix, key, now.Unix()/window)

	replies, err := l.store.Pipeline(ctx,
		kv.Command("INCR", k),
		kv.Command("EXPIRE", k, window, "NX"),
		kv.Command("PTTL", k),
	)
	if err != nil {
		return Result{}, err
	}
	for _, r := range replies {
		if err := r.Err(); err != nil {
			return Result{}, err
		}
	}
	count, err := replies[0].Int()
	if err != nil {
		return Result{}, err
	}
	pttl, err := replies[2].Int()
	if err != nil {
		return Result{}, err
	}
	if pttl < 0 {
		pttl = window * 1000
	}
	return result(p, int(count), pttl, false), nil
}

func (l *Limiter) checkLocal(key string, p Policy, now time.Time) Result {
	count, oldest := l.local.Add(key, now, p.Window, p.Limit)
	reset := oldest.Add(p.Window).Sub(now).Milliseconds()
	if reset < 0 {
		reset = 0
	}
	return result(p, count, reset, true)
}

func result(p Policy, count int, resetMs int64, degraded bool) Result {
	remaining := p.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Limited:   count > p.Limit,
		Limit:     p.Limit,
		Remaining: remaining,
		ResetMs:   resetMs,
		Degraded:  degraded,
	}
}

func observe(backend string, r Result) {
	outcome := "allowed"
	if r.Limited {
		outcome = "limited"
	}
	metrics.RateLimitChecks.WithLabelValues(backend, outcome).Inc()
}
