package runtimecfg

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ledgerly/gatekeeper/internal/kv"
	"ledgerly/gatekeeper/internal/kv/kvtest"

	"github.com/alicebob/miniredis/v2"
)

// gatedStore holds every pipeline until release is closed once blocking is on.
type gatedStore struct {
	kv.Store
	blocking atomic.Bool
	release  chan struct{}
}

func (g *gatedStore) Pipeline(ctx context.Context, cmds []kv.Cmd) ([]kv.Result, error) {
	if g.blocking.Load() {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Store.Pipeline(ctx, cmds)
}

// eventually polls cond until it holds or a second has passed.
func eventually(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestDefaultsWhenMissing(t *testing.T) {
	_, c := kvtest.NewREST(t)
	got := NewSource(c, time.Minute, time.Second).Current(context.Background())
	if got != Defaults() {
		t.Errorf("got %+v, want defaults", got)
	}
	if !got.SingleSession() {
		t.Error("single session is the default")
	}
}

func TestLoadsStoredDocument(t *testing.T) {
	mr, c := kvtest.NewREST(t)
	mr.Set(Key, `{"sessionMode":"multi","anomalyDetection":true,"maintenanceMode":true}`)

	got := NewSource(c, time.Minute, time.Second).Current(context.Background())
	if got.SingleSession() || !got.AnomalyDetection || !got.MaintenanceMode || got.MetricsEnabled {
		t.Errorf("unexpected config %+v", got)
	}
}

func TestUnknownModeFallsBackToSingle(t *testing.T) {
	mr, c := kvtest.NewRedis(t)
	mr.Set(Key, `{"sessionMode":"sometimes"}`)
	if got := NewSource(c, time.Minute, time.Second).Current(context.Background()); !got.SingleSession() {
		t.Error("unknown mode should enforce single session")
	}
}

func TestCacheAndRefresh(t *testing.T) {
	mr, c := kvtest.NewREST(t)
	src := NewSource(c, 30*time.Second, time.Second)
	now := time.Unix(1_700_000_000, 0)
	src.SetClock(func() time.Time { return now })

	src.Current(context.Background())
	mr.Set(Key, `{"sessionMode":"multi"}`)

	now = now.Add(10 * time.Second)
	if !src.Current(context.Background()).SingleSession() {
		t.Error("cached value should be served inside the TTL")
	}
	now = now.Add(30 * time.Second)
	if !src.Current(context.Background()).SingleSession() {
		t.Error("stale value should be served while the refresh runs")
	}
	if !eventually(t, func() bool { return !src.Current(context.Background()).SingleSession() }) {
		t.Error("stale cache should be refreshed")
	}
}

func TestStaleReadDoesNotWaitForStore(t *testing.T) {
	mr := miniredis.RunT(t)
	srv := kvtest.NewServer(t, mr)
	store, err := kv.NewREST(kv.RESTConfig{URL: srv.URL, Token: kvtest.Token})
	if err != nil {
		t.Fatalf("NewREST: %v", err)
	}
	gate := &gatedStore{Store: store, release: make(chan struct{})}
	src := NewSource(kv.NewClient(gate, nil), time.Second, 5*time.Second)
	now := time.Unix(1_700_000_000, 0)
	src.SetClock(func() time.Time { return now })
	src.Current(context.Background())

	mr.Set(Key, `{"sessionMode":"multi"}`)
	gate.blocking.Store(true)
	now = now.Add(time.Minute)

	start := time.Now()
	for i := 0; i < 5; i++ {
		if !src.Current(context.Background()).SingleSession() {
			t.Fatal("expected the cached value while the store is stalled")
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("stale reads took %v", elapsed)
	}

	close(gate.release)
	if !eventually(t, func() bool { return !src.Current(context.Background()).SingleSession() }) {
		t.Error("background refresh never landed")
	}
}

func TestFailedRefreshKeepsLastGood(t *testing.T) {
	mr, c := kvtest.NewREST(t)
	mr.Set(Key, `{"sessionMode":"multi","metricsEnabled":true}`)
	src := NewSource(c, time.Second, time.Second)
	now := time.Unix(1_700_000_000, 0)
	src.SetClock(func() time.Time { return now })
	src.Current(context.Background())

	src.kv = kv.NewClient(&kvtest.Down{}, nil)
	now = now.Add(time.Minute)
	got := src.Current(context.Background())
	if got.SingleSession() || !got.MetricsEnabled {
		t.Errorf("expected last good value, got %+v", got)
	}
}

func TestMalformedDocumentKeepsLastGood(t *testing.T) {
	mr, c := kvtest.NewREST(t)
	mr.Set(Key, `{not json`)
	if got := NewSource(c, time.Minute, time.Second).Current(context.Background()); got != Defaults() {
		t.Errorf("got %+v, want defaults", got)
	}
}

func TestUpdate(t *testing.T) {
	mr, c := kvtest.NewREST(t)
	src := NewSource(c, time.Hour, time.Second)

	if err := src.Update(context.Background(), Config{SessionMode: "bogus"}); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("expected ErrInvalidMode, got %v", err)
	}
	want := Config{SessionMode: SessionMulti, MetricsEnabled: true}
	if err := src.Update(context.Background(), want); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := src.Current(context.Background()); got != want {
		t.Errorf("Current = %+v", got)
	}
	raw, _ := mr.Get(Key)
	if raw != `{"sessionMode":"multi","anomalyDetection":false,"metricsEnabled":true,"maintenanceMode":false}` {
		t.Errorf("stored %s", raw)
	}
}

func TestStatic(t *testing.T) {
	var p Provider = Static(Config{SessionMode: SessionMulti})
	if p.Current(context.Background()).SingleSession() {
		t.Error("static provider should return its value")
	}
}
