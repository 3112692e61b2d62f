package rate

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"ledgerly/gatekeeper/internal/kv"
	"ledgerly/gatekeeper/internal/kv/kvtest"
)

var policy = Policy{Limit: 10, Window: time.Minute}

func fixedClock(t time.Time) (func() time.Time, *time.Time) {
	now := t
	return func() time.Time { return now }, &now
}

func kvClientDown() *kv.Client { return kv.NewClient(&kvtest.Down{}, nil) }

func TestRemoteLimitBoundary(t *testing.T) {
	_, c := kvtest.NewREST(t)
	l := NewLimiter(c, 100)
	clock, _ := fixedClock(time.Unix(1_700_000_040, 0))
	l.SetClock(clock)

	for i := 1; i <= 10; i++ {
		res := l.Check(context.Background(), "1.2.3.4", policy)
		if res.Limited {
			t.Fatalf("request %d limited", i)
		}
		if res.Remaining != 10-i {
			t.Errorf("request %d remaining = %d, want %d", i, res.Remaining, 10-i)
		}
		if res.Degraded {
			t.Fatal("remote path should not be degraded")
		}
	}
	res := l.Check(context.Background(), "1.2.3.4", policy)
	if !res.Limited || res.Remaining != 0 {
		t.Errorf("11th request = %+v, want limited with 0 remaining", res)
	}
	if res.ResetMs <= 0 || res.ResetMs > 60_000 {
		t.Errorf("resetMs = %d, want (0, 60000]", res.ResetMs)
	}
}

func TestRemoteWindowRollsOver(t *testing.T) {
	_, c := kvtest.NewRedis(t)
	l := NewLimiter(c, 100)
	clock, now := fixedClock(time.Unix(1_700_000_040, 0))
	l.SetClock(clock)

	for i := 0; i < 11; i++ {
		l.Check(context.Background(), "ip", policy)
	}
	*now = now.Add(time.Minute)
	if res := l.Check(context.Background(), "ip", policy); res.Limited || res.Remaining != 9 {
		t.Errorf("new window = %+v, want fresh count", res)
	}
}

func TestRemoteKeyCarriesExpiry(t *testing.T) {
	mr, c := kvtest.NewRedis(t)
	l := NewLimiter(c, 100)
	clock, _ := fixedClock(time.Unix(1_700_000_040, 0))
	l.SetClock(clock)

	l.Check(context.Background(), "ip:register", Strict)
	key := KeyPrefix + "ip:register:" + strconv.FormatInt(1_700_000_040/60, 10)
	if !mr.Exists(key) {
		t.Fatalf("expected key %s", key)
	}
	if ttl := mr.TTL(key); ttl != time.Minute {
		t.Errorf("ttl = %v, want 1m", ttl)
	}

	// EXPIRE NX must not push the expiry out on later hits.
	mr.FastForward(20 * time.Second)
	l.Check(context.Background(), "ip:register", Strict)
	if ttl := mr.TTL(key); ttl != 40*time.Second {
		t.Errorf("ttl after second hit = %v, want 40s", ttl)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	_, c := kvtest.NewREST(t)
	l := NewLimiter(c, 100)
	clock, _ := fixedClock(time.Unix(1_700_000_040, 0))
	l.SetClock(clock)

	for i := 0; i < 5; i++ {
		l.Check(context.Background(), "ip:register", Strict)
	}
	if res := l.Check(context.Background(), "ip:register", Strict); !res.Limited {
		t.Error("6th register attempt should be limited")
	}
	if res := l.Check(context.Background(), "ip", General); res.Limited {
		t.Error("login bucket must not share the register count")
	}
}

func TestFallbackWhenStoreDown(t *testing.T) {
	l := NewLimiter(kvClientDown(), 100)
	clock, now := fixedClock(time.Unix(1_700_000_000, 0))
	l.SetClock(clock)

	var res Result
	for i := 0; i < 11; i++ {
		res = l.Check(context.Background(), "ip", policy)
		if !res.Degraded {
			t.Fatal("expected degraded result")
		}
		*now = now.Add(time.Second)
	}
	if !res.Limited {
		t.Error("fallback should still enforce the limit")
	}
	if res.ResetMs != 50_000 {
		t.Errorf("resetMs = %d, want 50000 (oldest stamp leaves in 50s)", res.ResetMs)
	}

	*now = now.Add(time.Minute)
	if res := l.Check(context.Background(), "ip", policy); res.Limited || res.Remaining != 9 {
		t.Errorf("after window = %+v", res)
	}
}

func TestLocalOnlyLimiter(t *testing.T) {
	l := NewLimiter(nil, 10)
	if res := l.Check(context.Background(), "k", Policy{Limit: 1, Window: time.Minute}); res.Limited {
		t.Error("first request limited")
	}
	if res := l.Check(context.Background(), "k", Policy{Limit: 1, Window: time.Minute}); !res.Limited {
		t.Error("second request should be limited")
	}
}

func TestSlidingLogBounded(t *testing.T) {
	s := NewSlidingLog(3)
	now := time.Unix(100, 0)
	for _, k := range []string{"a", "b", "c", "d"} {
		s.Add(k, now, time.Minute, 10)
	}
	if s.Len() != 3 {
		t.Fatalf("len = %d, want 3", s.Len())
	}
	if n, _ := s.Add("a", now, time.Minute, 10); n != 1 {
		t.Errorf("evicted key should restart at 1, got %d", n)
	}
}

func TestSlidingLogPrunes(t *testing.T) {
	s := NewSlidingLog(10)
	start := time.Unix(100, 0)
	s.Add("k", start, 10*time.Second, 10)
	s.Add("k", start.Add(5*time.Second), 10*time.Second, 10)
	n, oldest := s.Add("k", start.Add(10*time.Second), 10*time.Second, 10)
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	if !oldest.Equal(start.Add(5 * time.Second)) {
		t.Errorf("oldest = %v", oldest)
	}
}

func TestSlidingLogCapsStampsPerKey(t *testing.T) {
	s := NewSlidingLog(10)
	start := time.Unix(100, 0)

	var n int
	for i := 0; i < 200_000; i++ {
		n, _ = s.Add("flood", start.Add(time.Duration(i)*time.Microsecond), time.Minute, 10)
	}
	if n != 11 {
		t.Errorf("count = %d, want saturation at 11", n)
	}
	el := s.items["flood"]
	if got := len(el.Value.(*logEntry).stamps); got != 11 {
		t.Errorf("retained stamps = %d, want 11", got)
	}

	// The ten newest stamps still block until they leave the window.
	last := start.Add(199_999 * time.Microsecond)
	if n, _ := s.Add("flood", last.Add(59*time.Second), time.Minute, 10); n <= 10 {
		t.Errorf("still inside the window, count = %d", n)
	}
	if n, _ := s.Add("flood", last.Add(2*time.Minute), time.Minute, 10); n != 1 {
		t.Errorf("after the window count = %d, want 1", n)
	}
}

func TestWriteHeaders(t *testing.T) {
	h := http.Header{}
	now := time.Unix(1_700_000_000, 0)
	WriteHeaders(h, Result{Limited: true, Limit: 10, Remaining: 0, ResetMs: 1500}, now)

	if h.Get("Retry-After") != "2" {
		t.Errorf("Retry-After = %q, want 2", h.Get("Retry-After"))
	}
	if h.Get("X-RateLimit-Limit") != "10" || h.Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("unexpected limit headers %v", h)
	}
	if h.Get("X-RateLimit-Reset") != "1700000002" {
		t.Errorf("X-RateLimit-Reset = %q", h.Get("X-RateLimit-Reset"))
	}

	h = http.Header{}
	WriteHeaders(h, Result{Limit: 10, Remaining: 3, ResetMs: 0}, now)
	if h.Get("Retry-After") != "" {
		t.Error("Retry-After only belongs on limited responses")
	}
}
