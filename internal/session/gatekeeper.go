// Package session enforces one active login per user against the shared
// store. Every mutation is either an NX set or a compare-then-act script, so
// concurrent edge instances never overwrite each other's record.
package session

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"ledgerly/gatekeeper/internal/kv"
	"ledgerly/gatekeeper/internal/metrics"

	"github.com/rs/zerolog/log"
	xrate "golang.org/x/time/rate"
)

type Outcome int

const (
	Claimed Outcome = iota + 1
	Renewed
	Duplicate
	// Degraded means the store could not be consulted; the request is allowed.
	Degraded
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case Renewed:
		return "renewed"
	case Duplicate:
		return "duplicate"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// IsDuplicate is the only outcome that rejects the request.
func (o Outcome) IsDuplicate() bool { return o == Duplicate }

type ReleaseResult int

const (
	Released ReleaseResult = iota + 1
	NotOwner
	// ReleaseDegraded means neither release path reached the store. Callers
	// treat it as success; the record expires on its own.
	ReleaseDegraded
)

func (r ReleaseResult) String() string {
	switch r {
	case Released:
		return "released"
	case NotOwner:
		return "not_owner"
	case ReleaseDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

const (
	renewScript   = `if redis.call('GET', KEYS[1]) == ARGV[1] then return redis.call('EXPIRE', KEYS[1], ARGV[2]) else return 0 end`
	releaseScript = `if redis.call('GET', KEYS[1]) == ARGV[1] then return redis.call('DEL', KEYS[1]) else return 0 end`
	// legacyReleaseScript is the minimal compare-and-delete used when the
	// primary release path fails.
	legacyReleaseScript = `if redis.call("get",KEYS[1]) == ARGV[1] then return redis.call("del",KEYS[1]) end return 0`
)

type Gatekeeper struct {
	kv      *kv.Client
	nowFunc func() time.Time
	warn    xrate.Sometimes
}

func NewGatekeeper(c *kv.Client) *Gatekeeper {
	return &Gatekeeper{
		kv:      c,
		nowFunc: time.Now,
		warn:    xrate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// ClaimOrCheck records sid as subject's active session if none exists,
// refreshes the TTL if sid already owns it, and reports Duplicate if another
// session does. Store failures yield Degraded.
func (g *Gatekeeper) ClaimOrCheck(ctx context.Context, subject, sid string, ttl time.Duration) Outcome {
	if subject == "" || sid == "" {
		return g.count("claim", Degraded)
	}
	key := Key(subject)
	secs := ttlSeconds(ttl)

	// A second pass only happens when the record changed between the read and
	// the guarded refresh.
	for attempt := 0; attempt < 2; attempt++ {
		res, err := g.kv.Pipeline(ctx,
			kv.Command("SET", key, sid, "NX", "EX", secs),
			kv.Command("GET", key),
		)
		if err != nil {
			return g.degraded("claim", subject, err)
		}
		if err := res[0].Err(); err != nil {
			return g.degraded("claim", subject, err)
		}
		if res[0].OK() {
			return g.count("claim", Claimed)
		}

		stored, ok := res[1].Str()
		if !ok {
			continue // expired between SET and GET
		}
		if stored != sid {
			return g.count("claim", Duplicate)
		}

		renewed, err := g.Renew(ctx, subject, sid, ttl)
		if err != nil {
			return g.degraded("claim", subject, err)
		}
		if renewed {
			return g.count("claim", Renewed)
		}
	}
	return g.count("claim", Degraded)
}

// Renew extends the TTL only while sid still owns the record.
func (g *Gatekeeper) Renew(ctx context.Context, subject, sid string, ttl time.Duration) (bool, error) {
	r, err := g.kv.Eval(ctx, renewScript, []string{Key(subject)}, sid, ttlSeconds(ttl))
	if err != nil {
		return false, err
	}
	n, err := r.Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release deletes the record if sid owns it. It never returns an error.
func (g *Gatekeeper) Release(ctx context.Context, subject, sid string) ReleaseResult {
	keys := []string{Key(subject)}
	r, err := g.kv.Eval(ctx, releaseScript, keys, sid)
	if err != nil {
		var ferr error
		r, ferr = g.releaseDirect(ctx, keys, sid)
		if ferr != nil {
			log.Error().Err(err).AnErr("fallback_err", ferr).Str("subject", subject).
				Msg("session release failed on both paths; record left to expire")
			metrics.SessionOutcome.WithLabelValues("release", ReleaseDegraded.String()).Inc()
			return ReleaseDegraded
		}
	}
	out := NotOwner
	if n, _ := r.Int(); n == 1 {
		out = Released
	}
	metrics.SessionOutcome.WithLabelValues("release", out.String()).Inc()
	return out
}

// releaseDirect goes straight to the store, past the breaker.
func (g *Gatekeeper) releaseDirect(ctx context.Context, keys []string, sid string) (kv.Result, error) {
	res, err := g.kv.Store().Pipeline(ctx, []kv.Cmd{kv.EvalCmd(legacyReleaseScript, keys, sid)})
	if err != nil {
		return kv.Result{}, err
	}
	return res[0], res[0].Err()
}

type securityEvent struct {
	Event      string `json:"event"`
	SessionID  string `json:"attemptedSessionId"`
	ClientHash string `json:"client,omitempty"`
	At         int64  `json:"at"`
}

// RecordAnomaly stores a duplicate-session rejection for later review.
// Best effort.
func (g *Gatekeeper) RecordAnomaly(ctx context.Context, subject, attemptedSID, clientHash string) {
	now := g.nowFunc()
	body, _ := json.Marshal(securityEvent{
		Event:      "duplicate_session",
		SessionID:  attemptedSID,
		ClientHash: clientHash,
		At:         now.UnixMilli(),
	})
	anomalyKey := AnomalyPrefix + subject + ":" + strconv.FormatInt(now.UnixMilli(), 10)
	_, err := g.kv.Pipeline(ctx,
		kv.Command("SET", SecurityPrefix+subject, body, "EX", int64(securityTTL/time.Second)),
		kv.Command("SET", anomalyKey, body, "EX", int64(anomalyTTL/time.Second)),
	)
	if err != nil {
		log.Debug().Err(err).Str("subject", subject).Msg("anomaly not recorded")
	}
}

// RecordActivity bumps the per-subject request counter. Best effort.
func (g *Gatekeeper) RecordActivity(ctx context.Context, subject string) {
	key := MetricsPrefix + subject
	_, err := g.kv.Pipeline(ctx,
		kv.Command("INCR", key),
		kv.Command("EXPIRE", key, int64(metricsTTL/time.Second), "NX"),
	)
	if err != nil {
		log.Debug().Err(err).Str("subject", subject).Msg("activity not recorded")
	}
}

func (g *Gatekeeper) degraded(op, subject string, err error) Outcome {
	g.warn.Do(func() {
		log.Warn().Err(err).Str("op", op).Str("subject", subject).
			Msg("session store unavailable, allowing request")
	})
	return g.count(op, Degraded)
}

func (g *Gatekeeper) count(op string, o Outcome) Outcome {
	metrics.SessionOutcome.WithLabelValues(op, o.String()).Inc()
	return o
}

func ttlSeconds(ttl time.Duration) int64 {
	s := int64(ttl / time.Second)
	if s < 1 {
		s = 86400
	}
	return s
}
