package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledgerly/gatekeeper/internal/admin"
	"ledgerly/gatekeeper/internal/config"
	"ledgerly/gatekeeper/internal/csp"
	"ledgerly/gatekeeper/internal/gatekeeper"
	"ledgerly/gatekeeper/internal/httputil"
	"ledgerly/gatekeeper/internal/kv"
	"ledgerly/gatekeeper/internal/metrics"
	"ledgerly/gatekeeper/internal/nonce"
	"ledgerly/gatekeeper/internal/proxy"
	"ledgerly/gatekeeper/internal/rate"
	"ledgerly/gatekeeper/internal/runtimecfg"
	"ledgerly/gatekeeper/internal/session"
	"ledgerly/gatekeeper/internal/token"
	"ledgerly/gatekeeper/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configFlag := flag.String("config", "", "path to config file (overrides GATEKEEPER_CONFIG env var)")
	flag.Parse()

	// CLI flag > env var > ./config.yaml > ./config.example.yaml
	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = os.Getenv("GATEKEEPER_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "./config.yaml"
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			cfgPath = "./config.example.yaml"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Logging.Level == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("config_path", cfgPath).
		Str("listen", cfg.Server.Listen).
		Str("origin", cfg.App.Origin).
		Str("env", cfg.App.Env).
		Msg("server configuration")
	log.Info().
		Str("backend", cfg.Store.Backend).
		Bool("single_session", !cfg.Session.DisableSingleSession).
		Int("session_ttl_sec", cfg.Session.TTLSec).
		Int("rate_max", cfg.RateLimit.Max).
		Int("rate_strict_max", cfg.RateLimit.StrictMax).
		Int("rate_window_sec", cfg.RateLimit.WindowSec).
		Msg("gatekeeper configuration")

	metrics.MustRegister()
	metrics.BuildInfo.Set(1)

	store, err := kv.Open(cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 2*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		// Every store-backed check degrades on its own, so start anyway.
		log.Warn().Err(err).Msg("store unreachable at startup")
	}
	cancelPing()

	kr, err := token.NewKeyring(cfg.Token.Alg, cfg.Token.Keys, cfg.Token.CurrentKID, cfg.Token.Issuer, cfg.Token.SkewSec)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create keyring")
	}
	decoder := token.NewCookieDecoder(kr, cfg.Cookie.Name)

	nonces := nonce.New()
	if nonces.Weak() {
		log.Error().Msg("no secure random source; CSP nonces are predictable")
	}

	sessions := session.NewGatekeeper(store)
	dynamic := runtimecfg.NewSource(store,
		time.Duration(cfg.Runtime.RefreshSec)*time.Second,
		time.Duration(cfg.Runtime.RefreshTimeoutMs)*time.Millisecond)

	upstream, err := proxy.NewHandler(cfg.Upstream)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create upstream proxy")
	}

	sessionHandler := session.NewHandler(cfg, sessions, decoder)
	adminHandler := admin.NewHandler(admin.NewService(store), decoder, dynamic)

	mux := chi.NewRouter()
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gatekeeper"})
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Post("/api/session/keepalive", sessionHandler.KeepAlive)
	mux.Post("/api/session/logout", sessionHandler.Logout)
	mux.Mount("/api/admin", adminHandler.Routes())
	mux.NotFound(upstream.ServeHTTP)
	mux.MethodNotAllowed(upstream.ServeHTTP)

	gate := gatekeeper.NewHandler(cfg, gatekeeper.Deps{
		Limiter:  rate.NewLimiter(store, cfg.RateLimit.FallbackCapacity),
		Sessions: sessions,
		Decoder:  decoder,
		Keyring:  kr,
		Nonces:   nonces,
		CSP:      csp.NewBuilder(cfg.CSP.ScriptHosts, cfg.CSP.ConnectHosts),
		Runtime:  dynamic,
		IPs:      util.NewIPHasher(cfg.Logging.IPHashKey),
	}, mux)

	handler := httputil.Chain(gate,
		httputil.RequestIDMiddleware(log.Logger, cfg.Server.TrustedProxyCIDRs),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       90 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Str("upstream", cfg.Upstream.URL).Msg("gatekeeper listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
			_ = srv.Close()
		}
		if err := upstream.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("proxy shutdown error")
		}
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("store close error")
		}
		log.Info().Msg("shutdown complete")
	}
}
