package kv

import (
	"fmt"
	"time"

	"ledgerly/gatekeeper/internal/circuitbreaker"
	"ledgerly/gatekeeper/internal/config"

	"github.com/redis/go-redis/v9"
)

// Open builds the configured backend behind a circuit breaker.
func Open(cfg config.StoreCfg) (*Client, error) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond

	var store Store
	switch cfg.Backend {
	case "rest":
		s, err := NewREST(RESTConfig{URL: cfg.RESTURL, Token: cfg.RESTToken, Timeout: timeout})
		if err != nil {
			return nil, err
		}
		store = s
	case "redis":
		store = NewRedis(redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		}))
	default:
		return nil, fmt.Errorf("kv: unknown backend %q", cfg.Backend)
	}

	breaker := circuitbreaker.New(cfg.Backend, circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          time.Duration(cfg.Breaker.TimeoutMs) * time.Millisecond,
	})
	return NewClient(store, breaker), nil
}
