package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerCfg struct {
	Listen         string   `yaml:"listen"`
	ReadTimeoutMs  int      `yaml:"read_timeout_ms"`
	WriteTimeoutMs int      `yaml:"write_timeout_ms"`
	TrustedProxies []string `yaml:"trusted_proxies"` // CIDRs allowed to set X-Forwarded-For
	// TrustForwardedHeaders trusts every hop when no CIDRs are listed. Only
	// safe behind an edge that overwrites X-Forwarded-For.
	TrustForwardedHeaders bool `yaml:"trust_forwarded_headers"`

	TrustedProxyCIDRs []*net.IPNet `yaml:"-"`
}

// AppCfg describes the upstream web application the gatekeeper fronts.
type AppCfg struct {
	Origin            string   `yaml:"origin"` // canonical https://host[:port] for CSRF checks
	Env               string   `yaml:"env"`    // production | development
	HomePath          string   `yaml:"home_path"`
	LoginPath         string   `yaml:"login_path"`
	RegisterPath      string   `yaml:"register_path"`
	ProtectedPrefixes []string `yaml:"protected_prefixes"`
	AdminPrefixes     []string `yaml:"admin_prefixes"`
}

func (a AppCfg) IsDev() bool { return strings.EqualFold(a.Env, "development") }

type CookieCfg struct {
	Name     string `yaml:"name"`
	Domain   string `yaml:"domain"`
	Path     string `yaml:"path"`
	SameSite string `yaml:"same_site"` // Lax | Strict | None
	Secure   bool   `yaml:"secure"`
	HTTPOnly bool   `yaml:"http_only"`
}

type TokenCfg struct {
	Alg        string            `yaml:"alg"`
	Keys       map[string]string `yaml:"keys"` // kid -> base64 secret
	CurrentKID string            `yaml:"current_kid"`
	Issuer     string            `yaml:"issuer"`
	SkewSec    int               `yaml:"skew_sec"`
}

type SessionCfg struct {
	DisableSingleSession bool `yaml:"disable_single_session"`
	TTLSec               int  `yaml:"ttl_sec"`
}

type RateLimitCfg struct {
	WindowSec        int `yaml:"window_sec"`
	Max              int `yaml:"max"`
	StrictMax        int `yaml:"strict_max"`
	FallbackCapacity int `yaml:"fallback_capacity"`
}

type BreakerCfg struct {
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	TimeoutMs        int `yaml:"timeout_ms"`
}

type StoreCfg struct {
	Backend       string     `yaml:"backend"` // rest | redis
	RESTURL       string     `yaml:"rest_url"`
	RESTToken     string     `yaml:"rest_token"`
	RedisAddr     string     `yaml:"redis_addr"`
	RedisPassword string     `yaml:"redis_password"`
	RedisDB       int        `yaml:"redis_db"`
	TimeoutMs     int        `yaml:"timeout_ms"`
	Breaker       BreakerCfg `yaml:"breaker"`
}

type CSPCfg struct {
	ScriptHosts  []string `yaml:"script_hosts"`
	ConnectHosts []string `yaml:"connect_hosts"`
}

type RuntimeCfg struct {
	RefreshSec       int `yaml:"refresh_sec"`
	RefreshTimeoutMs int `yaml:"refresh_timeout_ms"`
}

type UpstreamCfg struct {
	URL           string `yaml:"url"`
	TimeoutMs     int    `yaml:"timeout_ms"`
	IdleTimeoutMs int    `yaml:"idle_timeout_ms"`
	MaxIdleConns  int    `yaml:"max_idle_conns"`
}

type LoggingCfg struct {
	Level     string `yaml:"level"`       // info|debug
	IPHashKey string `yaml:"ip_hash_key"` // HMAC key for anonymised IPs in logs
}

type Config struct {
	Server    ServerCfg    `yaml:"server"`
	App       AppCfg       `yaml:"app"`
	Cookie    CookieCfg    `yaml:"cookie"`
	Token     TokenCfg     `yaml:"token"`
	Session   SessionCfg   `yaml:"session"`
	RateLimit RateLimitCfg `yaml:"rate_limit"`
	Store     StoreCfg     `yaml:"store"`
	CSP       CSPCfg       `yaml:"csp"`
	Runtime   RuntimeCfg   `yaml:"runtime"`
	Upstream  UpstreamCfg  `yaml:"upstream"`
	Logging   LoggingCfg   `yaml:"logging"`
}

// Default returns a config with every default filled in. Load starts from it,
// so keys missing from the file keep these values.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ReadTimeoutMs == 0 {
		c.Server.ReadTimeoutMs = 5000
	}
	if c.Server.WriteTimeoutMs == 0 {
		c.Server.WriteTimeoutMs = 30000
	}
	if c.App.Env == "" {
		c.App.Env = "production"
	}
	if c.App.HomePath == "" {
		c.App.HomePath = "/dashboard"
	}
	if c.App.LoginPath == "" {
		c.App.LoginPath = "/login"
	}
	if c.App.RegisterPath == "" {
		c.App.RegisterPath = "/register"
	}
	if c.App.ProtectedPrefixes == nil {
		c.App.ProtectedPrefixes = []string{"/dashboard", "/api/session"}
	}
	if c.App.AdminPrefixes == nil {
		c.App.AdminPrefixes = []string{"/admin", "/api/admin"}
	}
	if c.Cookie.Name == "" {
		c.Cookie.Name = "session-token"
	}
	if c.Cookie.Path == "" {
		c.Cookie.Path = "/"
	}
	if c.Cookie.SameSite == "" {
		c.Cookie.SameSite = "Lax"
	}
	if c.Token.Alg == "" {
		c.Token.Alg = "HS256"
	}
	if c.Token.Issuer == "" {
		c.Token.Issuer = "ledgerly"
	}
	if c.Token.SkewSec == 0 {
		c.Token.SkewSec = 30
	}
	if c.Session.TTLSec == 0 {
		c.Session.TTLSec = 86400
	}
	if c.RateLimit.WindowSec == 0 {
		c.RateLimit.WindowSec = 60
	}
	if c.RateLimit.Max == 0 {
		c.RateLimit.Max = 10
	}
	if c.RateLimit.StrictMax == 0 {
		c.RateLimit.StrictMax = 5
	}
	if c.RateLimit.FallbackCapacity == 0 {
		c.RateLimit.FallbackCapacity = 10_000
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "rest"
	}
	if c.Store.TimeoutMs == 0 {
		c.Store.TimeoutMs = 1500
	}
	if c.Runtime.RefreshSec == 0 {
		c.Runtime.RefreshSec = 30
	}
	if c.Runtime.RefreshTimeoutMs == 0 {
		c.Runtime.RefreshTimeoutMs = 300
	}
	if c.Upstream.TimeoutMs == 0 {
		c.Upstream.TimeoutMs = 30000
	}
	if c.Upstream.IdleTimeoutMs == 0 {
		c.Upstream.IdleTimeoutMs = 90000
	}
	if c.Upstream.MaxIdleConns == 0 {
		c.Upstream.MaxIdleConns = 100
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) compile() error {
	c.Server.TrustedProxyCIDRs = c.Server.TrustedProxyCIDRs[:0]
	for _, cidr := range c.Server.TrustedProxies {
		_, n, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return fmt.Errorf("invalid trusted proxy %q: %w", cidr, err)
		}
		c.Server.TrustedProxyCIDRs = append(c.Server.TrustedProxyCIDRs, n)
	}
	if c.Server.TrustForwardedHeaders && len(c.Server.TrustedProxyCIDRs) == 0 {
		_, all4, _ := net.ParseCIDR("0.0.0.0/0")
		_, all6, _ := net.ParseCIDR("::/0")
		c.Server.TrustedProxyCIDRs = append(c.Server.TrustedProxyCIDRs, all4, all6)
	}
	c.App.Origin = strings.TrimRight(c.App.Origin, "/")
	return nil
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLSec) * time.Second
}

func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSec) * time.Second
}

func (c *Config) Validate() error {
	if c.App.Origin == "" {
		return errors.New("app.origin required")
	}
	u, err := url.Parse(c.App.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" || (u.Path != "" && u.Path != "/") {
		return fmt.Errorf("app.origin must be scheme://host[:port], got %q", c.App.Origin)
	}
	switch strings.ToLower(c.App.Env) {
	case "production", "development":
	default:
		return errors.New("app.env must be 'production' or 'development'")
	}
	for _, p := range []string{c.App.HomePath, c.App.LoginPath, c.App.RegisterPath} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("app paths must be absolute, got %q", p)
		}
	}
	switch strings.ToLower(c.Cookie.SameSite) {
	case "lax", "strict", "none":
	default:
		return errors.New("cookie.same_site must be 'Lax', 'Strict' or 'None'")
	}
	if c.Token.CurrentKID == "" || len(c.Token.Keys) == 0 {
		return errors.New("token.keys and token.current_kid required")
	}
	if _, ok := c.Token.Keys[c.Token.CurrentKID]; !ok {
		return errors.New("token.current_kid not found in token.keys")
	}
	if c.Session.TTLSec < 0 {
		return errors.New("session.ttl_sec must be positive")
	}
	if c.RateLimit.WindowSec < 1 || c.RateLimit.Max < 1 || c.RateLimit.StrictMax < 1 {
		return errors.New("rate_limit window_sec, max and strict_max must be >= 1")
	}
	switch c.Store.Backend {
	case "rest":
		if c.Store.RESTURL == "" || c.Store.RESTToken == "" {
			return errors.New("store.rest_url and store.rest_token required for the rest backend")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr required for the redis backend")
		}
	default:
		return errors.New("store.backend must be 'rest' or 'redis'")
	}
	if c.Upstream.URL == "" {
		return errors.New("upstream.url required")
	}
	return nil
}
