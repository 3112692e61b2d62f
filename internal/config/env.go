package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/joeshaw/envdecode"
)

// envOverrides are the deployment variables recognised on top of the YAML
// file. Zero values mean "not set".
type envOverrides struct {
	DisableSingleSession string `env:"DISABLE_SINGLE_SESSION"`
	SessionTTLSeconds    int    `env:"SESSION_TTL_SECONDS"`
	RateLimitMax         int    `env:"RATE_LIMIT_MAX"`
	RateLimitStrictMax   int    `env:"RATE_LIMIT_STRICT_MAX"`
	RateLimitWindowSec   int    `env:"RATE_LIMIT_WINDOW_SECONDS"`
	RESTURL              string `env:"UPSTASH_REDIS_REST_URL"`
	RESTToken            string `env:"UPSTASH_REDIS_REST_TOKEN"`
	RedisAddr            string `env:"REDIS_ADDR"`
	AppOrigin            string `env:"APP_ORIGIN"`
	AppEnv               string `env:"APP_ENV"`
	SessionTokenSecret   string `env:"SESSION_TOKEN_SECRET"`
	LogLevel             string `env:"LOG_LEVEL"`
}

// envKID names the signing key installed from SESSION_TOKEN_SECRET.
const envKID = "env"

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("env overrides: %w", err)
	}

	if env.DisableSingleSession != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(env.DisableSingleSession))
		if err != nil {
			return fmt.Errorf("DISABLE_SINGLE_SESSION: %w", err)
		}
		cfg.Session.DisableSingleSession = v
	}
	if env.SessionTTLSeconds > 0 {
		cfg.Session.TTLSec = env.SessionTTLSeconds
	}
	if env.RateLimitMax > 0 {
		cfg.RateLimit.Max = env.RateLimitMax
	}
	if env.RateLimitStrictMax > 0 {
		cfg.RateLimit.StrictMax = env.RateLimitStrictMax
	}
	if env.RateLimitWindowSec > 0 {
		cfg.RateLimit.WindowSec = env.RateLimitWindowSec
	}
	if env.RESTURL != "" {
		cfg.Store.RESTURL = env.RESTURL
	}
	if env.RESTToken != "" {
		cfg.Store.RESTToken = env.RESTToken
	}
	if env.RedisAddr != "" {
		cfg.Store.RedisAddr = env.RedisAddr
		if env.RESTURL == "" {
			cfg.Store.Backend = "redis"
		}
	}
	if env.AppOrigin != "" {
		cfg.App.Origin = env.AppOrigin
	}
	if env.AppEnv != "" {
		cfg.App.Env = env.AppEnv
	}
	if env.SessionTokenSecret != "" {
		cfg.Token.Keys = map[string]string{
			envKID: base64.RawURLEncoding.EncodeToString([]byte(env.SessionTokenSecret)),
		}
		cfg.Token.CurrentKID = envKID
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
	return nil
}
