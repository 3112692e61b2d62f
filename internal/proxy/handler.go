// Package proxy forwards requests that passed the gatekeeper to the upstream
// app.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"syscall"
	"time"

	"ledgerly/gatekeeper/internal/config"
	internalhttp "ledgerly/gatekeeper/internal/httputil"
	"ledgerly/gatekeeper/internal/metrics"

	"github.com/rs/zerolog/log"
)

const maxProxyBodySize = 100 * 1024 * 1024

// Handler is a reverse proxy to the single configured upstream.
type Handler struct {
	target    *url.URL
	proxy     *httputil.ReverseProxy
	transport *http.Transport
}

func NewHandler(cfg config.UpstreamCfg) (*Handler, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", cfg.URL)
	}

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	transport := &http.Transport{
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConns,
		IdleConnTimeout:       time.Duration(cfg.IdleTimeoutMs) * time.Millisecond,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   timeout / 3,
		ExpectContinueTimeout: 1 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2: true,
	}

	h := &Handler{target: target, transport: transport}
	h.proxy = &httputil.ReverseProxy{
		Rewrite:      h.rewrite,
		Transport:    transport,
		ErrorHandler: h.handleError,
	}
	return h, nil
}

// rewrite points the outbound request at the upstream. Inbound forwarding
// headers never reach it; they are rebuilt from the trusted view of the client.
func (h *Handler) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(h.target)
	pr.Out.Host = pr.In.Host

	if requestID := internalhttp.GetRequestID(pr.In.Context()); requestID != "" {
		pr.Out.Header.Set("X-Request-ID", requestID)
	}
	if ip := internalhttp.ClientIP(pr.In); ip != "unknown" {
		pr.Out.Header.Set("X-Forwarded-For", ip)
	}
	pr.Out.Header.Set("X-Forwarded-Proto", scheme(pr.In))
	pr.Out.Header.Set("X-Forwarded-Host", pr.In.Host)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxProxyBodySize)

	if r.Header.Get("Content-Length") != "" && r.Header.Get("Transfer-Encoding") != "" {
		internalhttp.GetLogger(r.Context()).Warn().Str("remote_addr", r.RemoteAddr).
			Msg("request smuggling attempt detected: both Content-Length and Transfer-Encoding present")
		r.Header.Del("Content-Length")
	}

	start := time.Now()
	h.proxy.ServeHTTP(w, r)
	metrics.ProxyLatency.Observe(time.Since(start).Seconds())
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	logger := internalhttp.GetLogger(r.Context())
	kind, code := classify(err)
	metrics.ProxyErrors.WithLabelValues(kind).Inc()

	switch kind {
	case "context":
		logger.Debug().Str("upstream", h.target.Host).Str("error_type", kind).Msg("proxy request canceled")
		return
	case "timeout":
		logger.Warn().Str("upstream", h.target.Host).Str("error_type", kind).Err(err).Msg("proxy timeout")
	default:
		logger.Error().Str("upstream", h.target.Host).Str("error_type", kind).Err(err).Msg("proxy error")
	}
	http.Error(w, http.StatusText(code), code)
}

func classify(err error) (string, int) {
	if errors.Is(err, context.Canceled) {
		return "context", 0
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return "timeout", http.StatusGatewayTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns", http.StatusServiceUnavailable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(err.Error(), "connection refused") {
		return "connection", http.StatusServiceUnavailable
	}
	return "other", http.StatusBadGateway
}

// Shutdown closes idle upstream connections.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.transport.CloseIdleConnections()
	log.Info().Str("upstream", h.target.Host).Msg("closed idle upstream connections")
	return nil
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if s := strings.ToLower(r.Header.Get("X-Forwarded-Proto")); s == "http" || s == "https" {
		return s
	}
	return "http"
}
