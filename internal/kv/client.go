package kv

import (
	"context"
	"errors"
	"time"

	"ledgerly/gatekeeper/internal/circuitbreaker"
	"ledgerly/gatekeeper/internal/metrics"
)

// Client is the shared handle every component uses to reach the remote
// store. It adds fail-fast circuit breaking and metrics around a Store and
// offers typed helpers for the handful of commands the gatekeeper needs.
type Client struct {
	store   Store
	breaker *circuitbreaker.CircuitBreaker
}

// NewClient wraps store. breaker may be nil.
func NewClient(store Store, breaker *circuitbreaker.CircuitBreaker) *Client {
	return &Client{store: store, breaker: breaker}
}

// Store exposes the raw store, bypassing the breaker. Only last-resort paths
// (session release fallback) should use it.
func (c *Client) Store() Store { return c.store }

func (c *Client) Close() error { return c.store.Close() }

// Pipeline sends cmds in one round trip. A non-nil error means no command
// result is usable; per-command failures are reported through Result.Err.
func (c *Client) Pipeline(ctx context.Context, cmds ...Cmd) ([]Result, error) {
	if c.breaker != nil {
		release, err := c.breaker.Allow()
		if err != nil {
			metrics.KVErrors.WithLabelValues(string(KindCircuitOpen)).Inc()
			return nil, &Error{Op: "pipeline", Kind: KindCircuitOpen, Err: err}
		}
		if release {
			defer c.breaker.Release()
		}
	}

	start := time.Now()
	res, err := c.store.Pipeline(ctx, cmds)
	metrics.KVDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if kind := KindOf(err); kind != "" {
			metrics.KVErrors.WithLabelValues(string(kind)).Inc()
		} else {
			metrics.KVErrors.WithLabelValues(string(KindTransport)).Inc()
			err = &Error{Op: "pipeline", Kind: KindTransport, Err: err}
		}
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		return nil, err
	}
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, cmd Cmd) (Result, error) {
	res, err := c.Pipeline(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	if err := res[0].Err(); err != nil {
		return res[0], err
	}
	return res[0], nil
}

func seconds(ttl time.Duration) int64 {
	s := int64(ttl / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// SetNX stores value only if key is absent. Reports whether it was set.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	r, err := c.do(ctx, Command("SET", key, value, "NX", "EX", seconds(ttl)))
	if err != nil {
		return false, err
	}
	return r.OK(), nil
}

// Set stores value. ttl <= 0 means no expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	cmd := Command("SET", key, value)
	if ttl > 0 {
		cmd = Command("SET", key, value, "EX", seconds(ttl))
	}
	_, err := c.do(ctx, cmd)
	return err
}

// Get returns the value and whether the key existed.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	r, err := c.do(ctx, Command("GET", key))
	if err != nil {
		return "", false, err
	}
	if r.IsNil() {
		return "", false, nil
	}
	s, ok := r.Str()
	if !ok {
		return "", false, &Error{Op: "get", Kind: KindDecode, Err: errors.New("non-string reply")}
	}
	return s, true, nil
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	r, err := c.do(ctx, Command("EXPIRE", key, seconds(ttl)))
	if err != nil {
		return false, err
	}
	n, err := r.Int()
	return n == 1, err
}

// Del removes keys and returns how many existed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	r, err := c.do(ctx, Command("DEL", args...))
	if err != nil {
		return 0, err
	}
	return r.Int()
}

func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	r, err := c.do(ctx, Command("KEYS", pattern))
	if err != nil {
		return nil, err
	}
	return r.Strings()
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	r, err := c.do(ctx, Command("INCR", key))
	if err != nil {
		return 0, err
	}
	return r.Int()
}

// PTTL returns the remaining lifetime in milliseconds, -1 for no expiry and
// -2 for a missing key.
func (c *Client) PTTL(ctx context.Context, key string) (int64, error) {
	r, err := c.do(ctx, Command("PTTL", key))
	if err != nil {
		return 0, err
	}
	return r.Int()
}

// Eval runs a Lua script atomically on the store.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...any) (Result, error) {
	return c.do(ctx, EvalCmd(script, keys, args...))
}

func EvalCmd(script string, keys []string, args ...any) Cmd {
	parts := make([]any, 0, len(keys)+len(args)+2)
	parts = append(parts, script, len(keys))
	for _, k := range keys {
		parts = append(parts, k)
	}
	parts = append(parts, args...)
	return Command("EVAL", parts...)
}

func (c *Client) Ping(ctx context.Context) error {
	r, err := c.do(ctx, Command("PING"))
	if err != nil {
		return err
	}
	if s, _ := r.Str(); s != "PONG" {
		return &Error{Op: "ping", Kind: KindDecode, Err: errors.New("unexpected reply " + s)}
	}
	return nil
}
