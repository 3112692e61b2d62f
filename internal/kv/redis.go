package kv

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStore runs pipelines over the native protocol. Used for self-hosted
// deployments and for tests against miniredis.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Pipeline(ctx context.Context, cmds []Cmd) ([]Result, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	pending := make([]*redis.Cmd, len(cmds))
	for i, c := range cmds {
		args := make([]any, len(c))
		for j, a := range c {
			args[j] = a
		}
		pending[i] = pipe.Do(ctx, args...)
	}

	// Exec reports the first failing command. Reply errors and nil replies are
	// per-command; anything else means the round trip itself failed.
	if _, err := pipe.Exec(ctx); err != nil && !isReplyError(err) {
		return nil, &Error{Op: "pipeline", Kind: KindTransport, Err: err}
	}

	out := make([]Result, len(pending))
	for i, cmd := range pending {
		val, err := cmd.Result()
		switch {
		case errors.Is(err, redis.Nil):
			out[i] = Result{}
		case err != nil:
			if !isReplyError(err) {
				return nil, &Error{Op: "pipeline", Kind: KindTransport, Err: err}
			}
			out[i] = Result{Error: err.Error()}
		default:
			out[i] = Result{Value: val}
		}
	}
	return out, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func isReplyError(err error) bool {
	if errors.Is(err, redis.Nil) {
		return true
	}
	var re redis.Error
	return errors.As(err, &re)
}
