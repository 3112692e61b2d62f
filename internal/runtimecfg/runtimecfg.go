// Package runtimecfg serves the operator-tunable middleware settings stored
// under a single key in the shared store.
package runtimecfg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ledgerly/gatekeeper/internal/kv"

	"github.com/rs/zerolog/log"
	xrate "golang.org/x/time/rate"
)

// Key holds the JSON document.
const Key = "middleware:config"

type SessionMode string

const (
	SessionSingle SessionMode = "single"
	SessionMulti  SessionMode = "multi"
)

var ErrInvalidMode = errors.New("sessionMode must be 'single' or 'multi'")

type Config struct {
	SessionMode      SessionMode `json:"sessionMode"`
	AnomalyDetection bool        `json:"anomalyDetection"`
	MetricsEnabled   bool        `json:"metricsEnabled"`
	MaintenanceMode  bool        `json:"maintenanceMode"`
}

func Defaults() Config {
	return Config{SessionMode: SessionSingle}
}

// SingleSession reports whether one-login-per-user is enforced.
func (c Config) SingleSession() bool { return c.SessionMode != SessionMulti }

func (c Config) Validate() error {
	switch c.SessionMode {
	case SessionSingle, SessionMulti:
		return nil
	default:
		return ErrInvalidMode
	}
}

// Provider is what the request path depends on.
type Provider interface {
	Current(ctx context.Context) Config
}

// Static always returns the same configuration.
type Static Config

func (s Static) Current(context.Context) Config { return Config(s) }

// Source caches the stored document. Only the very first read waits for the
// store, bounded by the refresh timeout. After that a stale cache is served
// as is while one background refresh runs. Failed refreshes keep the last
// good value.
type Source struct {
	kv      *kv.Client
	ttl     time.Duration
	timeout time.Duration
	nowFunc func() time.Time

	mu         sync.RWMutex
	cur        Config
	fetchedAt  time.Time
	refreshing atomic.Bool
	warn       xrate.Sometimes
}

func NewSource(c *kv.Client, ttl, timeout time.Duration) *Source {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	return &Source{
		kv:      c,
		ttl:     ttl,
		timeout: timeout,
		nowFunc: time.Now,
		cur:     Defaults(),
		warn:    xrate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// SetClock replaces the time source. Tests only.
func (s *Source) SetClock(now func() time.Time) { s.nowFunc = now }

func (s *Source) Current(ctx context.Context) Config {
	now := s.nowFunc()
	s.mu.RLock()
	cur, at := s.cur, s.fetchedAt
	s.mu.RUnlock()

	if !at.IsZero() && now.Sub(at) < s.ttl {
		return cur
	}
	if !s.refreshing.CompareAndSwap(false, true) {
		return cur
	}
	if at.IsZero() {
		return s.refresh(ctx, now)
	}
	go s.refresh(context.WithoutCancel(ctx), now)
	return cur
}

func (s *Source) refresh(ctx context.Context, now time.Time) Config {
	defer s.refreshing.Store(false)

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	next, err := s.Load(cctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchedAt = now
	if err != nil {
		s.warn.Do(func() {
			log.Warn().Err(err).Msg("middleware config refresh failed, keeping last value")
		})
		return s.cur
	}
	s.cur = next
	return next
}

// Load reads the stored document without touching the cache. A missing key
// yields Defaults.
func (s *Source) Load(ctx context.Context) (Config, error) {
	raw, found, err := s.kv.Get(ctx, Key)
	if err != nil {
		return Config{}, err
	}
	if !found {
		return Defaults(), nil
	}
	cfg := Defaults()
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", Key, err)
	}
	if cfg.Validate() != nil {
		cfg.SessionMode = SessionSingle
	}
	return cfg, nil
}

// Update validates and stores cfg, then installs it locally. Other instances
// pick it up on their next refresh.
func (s *Source) Update(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, Key, string(body), 0); err != nil {
		return err
	}
	s.mu.Lock()
	s.cur = cfg
	s.fetchedAt = s.nowFunc()
	s.mu.Unlock()
	return nil
}
