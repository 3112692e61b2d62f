// Package admin implements the operator endpoints: purging a user's keys from
// the shared store, a store health probe, and the runtime config document.
package admin

import (
	"context"
	"errors"
	"strings"
	"time"

	"ledgerly/gatekeeper/internal/kv"
	"ledgerly/gatekeeper/internal/metrics"
	"ledgerly/gatekeeper/internal/session"

	"github.com/rs/zerolog/log"
)

// ErrInvalidSubject is returned for empty ids and ids that would widen the
// anomaly key pattern.
var ErrInvalidSubject = errors.New("invalid user id")

type CleanupResult struct {
	Success      bool     `json:"success"`
	ClearedKeys  []string `json:"clearedKeys"`
	ClearedCount int      `json:"clearedCount"`
	Error        string   `json:"error,omitempty"`
}

type HealthResult struct {
	Connected bool   `json:"connected"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type Service struct {
	kv *kv.Client
}

func NewService(c *kv.Client) *Service {
	return &Service{kv: c}
}

// Cleanup deletes every key owned by subject and reports the ones that
// existed. Keys created concurrently with the KEYS scan may survive.
func (s *Service) Cleanup(ctx context.Context, subject, reason string) (CleanupResult, error) {
	if subject == "" || strings.ContainsAny(subject, `*?[]\`) {
		return CleanupResult{ClearedKeys: []string{}, Error: ErrInvalidSubject.Error()}, ErrInvalidSubject
	}

	keys := session.SubjectKeys(subject)
	anomalies, err := s.kv.Keys(ctx, session.AnomalyPattern(subject))
	if err != nil {
		return s.failed(subject, err)
	}
	keys = append(keys, anomalies...)

	cmds := make([]kv.Cmd, len(keys))
	for i, k := range keys {
		cmds[i] = kv.Command("DEL", k)
	}
	res, err := s.kv.Pipeline(ctx, cmds...)
	if err != nil {
		return s.failed(subject, err)
	}

	cleared := make([]string, 0, len(keys))
	for i, r := range res {
		if n, err := r.Int(); err == nil && n > 0 {
			cleared = append(cleared, keys[i])
		}
	}
	log.Info().Str("subject", subject).Str("reason", reason).Int("cleared", len(cleared)).
		Msg("admin session cleanup")
	metrics.AdminCleanups.WithLabelValues("ok").Inc()
	return CleanupResult{Success: true, ClearedKeys: cleared, ClearedCount: len(cleared)}, nil
}

func (s *Service) failed(subject string, err error) (CleanupResult, error) {
	log.Error().Err(err).Str("subject", subject).Msg("admin session cleanup failed")
	metrics.AdminCleanups.WithLabelValues("error").Inc()
	return CleanupResult{ClearedKeys: []string{}, Error: err.Error()}, err
}

// Health pings the store and reports the round trip.
func (s *Service) Health(ctx context.Context) HealthResult {
	start := time.Now()
	err := s.kv.Ping(ctx)
	res := HealthResult{Connected: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
