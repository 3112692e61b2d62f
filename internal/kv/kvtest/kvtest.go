// Package kvtest provides in-process stand-ins for the remote store.
package kvtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"ledgerly/gatekeeper/internal/kv"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// Token is the bearer token NewServer expects.
const Token = "test-token"

// NewServer starts an HTTP server that speaks the REST pipeline protocol and
// executes every command against mr.
func NewServer(t testing.TB, mr *miniredis.Miniredis) *httptest.Server {
	t.Helper()
	rdb := newRedisClient(mr)
	t.Cleanup(func() { _ = rdb.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/pipeline" {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+Token {
			http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		var cmds [][]any
		if err := json.NewDecoder(r.Body).Decode(&cmds); err != nil {
			http.Error(w, `{"error":"ERR failed to parse pipeline request"}`, http.StatusBadRequest)
			return
		}
		replies := make([]map[string]any, len(cmds))
		for i, c := range cmds {
			val, err := rdb.Do(r.Context(), c...).Result()
			switch {
			case errors.Is(err, redis.Nil):
				replies[i] = map[string]any{"result": nil}
			case err != nil:
				replies[i] = map[string]any{"error": err.Error()}
			default:
				replies[i] = map[string]any{"result": val}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(replies)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// NewREST returns a client using the REST backend against a fresh miniredis.
func NewREST(t testing.TB) (*miniredis.Miniredis, *kv.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	srv := NewServer(t, mr)
	store, err := kv.NewREST(kv.RESTConfig{URL: srv.URL, Token: Token, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("kv.NewREST: %v", err)
	}
	return mr, kv.NewClient(store, nil)
}

// NewRedis returns a client using the native backend against a fresh miniredis.
func NewRedis(t testing.TB) (*miniredis.Miniredis, *kv.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewRedis(newRedisClient(mr))
	t.Cleanup(func() { _ = store.Close() })
	return mr, kv.NewClient(store, nil)
}

func newRedisClient(mr *miniredis.Miniredis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:            mr.Addr(),
		Protocol:        2,
		DisableIdentity: true,
	})
}

// Down is a store whose every pipeline fails at the transport level.
type Down struct {
	Calls atomic.Int64
}

func (d *Down) Pipeline(ctx context.Context, cmds []kv.Cmd) ([]kv.Result, error) {
	d.Calls.Add(1)
	return nil, &kv.Error{Op: "pipeline", Kind: kv.KindTransport, Err: errors.New("connection refused")}
}

func (d *Down) Close() error { return nil }

// Counting wraps a store and records every command name it forwards.
type Counting struct {
	kv.Store
	Calls atomic.Int64
	// FailMatching makes pipelines whose first command has this name fail.
	FailMatching string
}

func (c *Counting) Pipeline(ctx context.Context, cmds []kv.Cmd) ([]kv.Result, error) {
	c.Calls.Add(1)
	if c.FailMatching != "" && len(cmds) > 0 && len(cmds[0]) > 0 && cmds[0][0] == c.FailMatching {
		return nil, &kv.Error{Op: "pipeline", Kind: kv.KindStatus, Status: http.StatusServiceUnavailable,
			Err: fmt.Errorf("injected failure for %s", c.FailMatching)}
	}
	return c.Store.Pipeline(ctx, cmds)
}
