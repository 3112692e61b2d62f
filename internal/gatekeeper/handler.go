// Package gatekeeper is the per-request front door: rate limiting for the
// credential pages, CSP nonces, CSRF origin checks, identity, single-session
// enforcement and route authorization, in that order.
package gatekeeper

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"ledgerly/gatekeeper/internal/config"
	"ledgerly/gatekeeper/internal/csp"
	"ledgerly/gatekeeper/internal/httputil"
	"ledgerly/gatekeeper/internal/metrics"
	"ledgerly/gatekeeper/internal/nonce"
	"ledgerly/gatekeeper/internal/rate"
	"ledgerly/gatekeeper/internal/runtimecfg"
	"ledgerly/gatekeeper/internal/session"
	"ledgerly/gatekeeper/internal/token"
	"ledgerly/gatekeeper/internal/util"

	"github.com/google/uuid"
)

const (
	// NonceHeader carries the CSP nonce to the upstream app.
	NonceHeader   = "X-Nonce"
	TraceIDHeader = "X-Trace-Id"

	maintenanceRetryAfter = 300
)

type Deps struct {
	Limiter  *rate.Limiter
	Sessions *session.Gatekeeper
	Decoder  token.Decoder
	// Keyring re-signs the session cookie when a signed-in user lands on the
	// login page. Optional.
	Keyring *token.Keyring
	Nonces  *nonce.Generator
	CSP     *csp.Builder
	Runtime runtimecfg.Provider
	IPs     *util.IPHasher
}

type Handler struct {
	Cfg *config.Config
	Deps
	Next http.Handler

	origin  string
	general rate.Policy
	strict  rate.Policy
	nowFunc func() time.Time
}

func NewHandler(cfg *config.Config, deps Deps, next http.Handler) *Handler {
	if deps.Nonces == nil {
		deps.Nonces = nonce.New()
	}
	if deps.CSP == nil {
		deps.CSP = csp.NewBuilder(cfg.CSP.ScriptHosts, cfg.CSP.ConnectHosts)
	}
	if deps.Runtime == nil {
		deps.Runtime = runtimecfg.Static(runtimecfg.Defaults())
	}
	if deps.IPs == nil {
		deps.IPs = util.NewIPHasher(cfg.Logging.IPHashKey)
	}
	origin, _ := originOf(cfg.App.Origin)
	return &Handler{
		Cfg:     cfg,
		Deps:    deps,
		Next:    next,
		origin:  origin,
		general: rate.Policy{Limit: cfg.RateLimit.Max, Window: cfg.RateWindow()},
		strict:  rate.Policy{Limit: cfg.RateLimit.StrictMax, Window: cfg.RateWindow()},
		nowFunc: time.Now,
	}
}

type action int

const (
	actPass action = iota
	actRedirect
	actReject
)

type decision struct {
	action     action
	outcome    string
	status     int
	body       string
	location   string
	cookie     *http.Cookie
	retryAfter int
	traceID    string
}

func pass() decision { return decision{action: actPass, outcome: "pass"} }

func redirect(location, outcome string) decision {
	return decision{action: actRedirect, outcome: outcome, location: location}
}

func reject(status int, body, outcome string) decision {
	return decision{action: actReject, outcome: outcome, status: status, body: body}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	logger := httputil.GetLogger(ctx)
	class := h.classify(r.URL.Path)
	ip := httputil.ClientIP(r)

	if policy, key, ok := h.limitFor(class, ip); ok {
		res := h.Limiter.Check(ctx, key, policy)
		if res.Limited {
			rate.WriteHeaders(w.Header(), res, h.nowFunc())
			logger.Warn().Str("client", h.IPs.Hash(ip)).Stringer("route", class).
				Bool("degraded", res.Degraded).Msg("rate limit exceeded")
			h.observe(class, "rate_limited", start)
			httputil.WriteText(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
			return
		}
	}

	n := h.Nonces.Generate()
	policy := h.CSP.Build(n, h.Cfg.App.IsDev())

	d := pass()
	if class != RouteOther && class != RouteRegister {
		d = h.evaluate(r, class, ip)
	}

	policy.Apply(w.Header())
	h.observe(class, d.outcome, start)

	switch d.action {
	case actRedirect:
		if d.cookie != nil {
			http.SetCookie(w, d.cookie)
		}
		if d.traceID != "" {
			w.Header().Set(TraceIDHeader, d.traceID)
		}
		http.Redirect(w, r, d.location, http.StatusTemporaryRedirect)
	case actReject:
		if d.retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(d.retryAfter))
		}
		httputil.WriteText(w, d.status, d.body)
	default:
		r.Header.Set(NonceHeader, n)
		if h.Next == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.Next.ServeHTTP(w, r)
	}
}

func (h *Handler) limitFor(class RouteClass, ip string) (rate.Policy, string, bool) {
	switch class {
	case RouteLogin:
		return h.general, ip, true
	case RouteRegister:
		return h.strict, ip + ":register", true
	default:
		return rate.Policy{}, "", false
	}
}

// evaluate runs the identity-dependent steps. Errors and panics become a
// redirect to the login page tagged with a trace id.
func (h *Handler) evaluate(r *http.Request, class RouteClass, ip string) (d decision) {
	defer func() {
		if rec := recover(); rec != nil {
			d = h.failure(r, class, fmt.Errorf("panic: %v", rec))
		}
	}()
	dec, err := h.decide(r, class, ip)
	if err != nil {
		return h.failure(r, class, err)
	}
	return dec
}

func (h *Handler) decide(r *http.Request, class RouteClass, ip string) (decision, error) {
	ctx := r.Context()
	logger := httputil.GetLogger(ctx)

	if isStateChanging(r.Method) && !h.sameOrigin(r) {
		logger.Warn().Str("client", h.IPs.Hash(ip)).Str("origin", r.Header.Get("Origin")).
			Msg("cross-origin state-changing request rejected")
		return reject(http.StatusForbidden, "Invalid request origin", "csrf"), nil
	}

	id, err := h.Decoder.Decode(r)
	if err != nil {
		if !errors.Is(err, token.ErrNoToken) {
			logger.Debug().Err(err).Msg("session token rejected")
		}
		id = nil
	}

	if class == RouteLogin {
		if id != nil {
			return h.alreadySignedIn(r, id), nil
		}
		return pass(), nil
	}

	rt := h.Runtime.Current(ctx)

	if id != nil && !h.Cfg.Session.DisableSingleSession && rt.SingleSession() {
		out := h.Sessions.ClaimOrCheck(ctx, id.SubjectID, id.SessionID, h.Cfg.SessionTTL())
		if out.IsDuplicate() {
			client := h.IPs.Hash(ip)
			logger.Warn().Str("subject", id.SubjectID).Str("client", client).
				Msg("concurrent session rejected")
			if rt.AnomalyDetection {
				h.Sessions.RecordAnomaly(ctx, id.SubjectID, id.SessionID, client)
			}
			return reject(http.StatusForbidden, "Session invalid, please log in again", "duplicate_session"), nil
		}
	}

	// API callers get a status code, browsers get sent somewhere useful.
	api := isAPI(r.URL.Path)
	if id == nil {
		if api {
			return reject(http.StatusUnauthorized, "Authentication required", "unauthenticated"), nil
		}
		return redirect(h.loginURL(r), "unauthenticated"), nil
	}
	if class == RouteAdmin && !id.IsAdmin() {
		logger.Info().Str("subject", id.SubjectID).Msg("non-admin sent away from admin area")
		if api {
			return reject(http.StatusForbidden, "Admin access required", "forbidden"), nil
		}
		return redirect(h.Cfg.App.HomePath, "forbidden"), nil
	}
	if rt.MaintenanceMode && !id.IsAdmin() {
		d := reject(http.StatusServiceUnavailable, "Service temporarily unavailable for maintenance", "maintenance")
		d.retryAfter = maintenanceRetryAfter
		return d, nil
	}
	if rt.MetricsEnabled {
		h.Sessions.RecordActivity(ctx, id.SubjectID)
	}
	return pass(), nil
}

// alreadySignedIn sends a signed-in user away from the login page, refreshing
// their cookie when a keyring is available.
func (h *Handler) alreadySignedIn(r *http.Request, id *token.Identity) decision {
	d := redirect(h.Cfg.App.HomePath, "signed_in")
	if h.Keyring == nil {
		return d
	}
	ttl := h.Cfg.SessionTTL()
	tok, err := h.Keyring.Sign(*id, ttl)
	if err != nil {
		httputil.GetLogger(r.Context()).Warn().Err(err).Msg("session cookie not refreshed")
		return d
	}
	d.cookie = httputil.BuildCookie(h.Cfg.Cookie, tok, int(ttl/time.Second))
	return d
}

func (h *Handler) loginURL(r *http.Request) string {
	return h.Cfg.App.LoginPath + "?callbackUrl=" + url.QueryEscape(httputil.SanitizeReturnURL(r.URL.RequestURI()))
}

func (h *Handler) failure(r *http.Request, class RouteClass, err error) decision {
	traceID := uuid.NewString()
	httputil.GetLogger(r.Context()).Error().Err(err).Str("trace_id", traceID).
		Stringer("route", class).Msg("gatekeeper failure")
	d := redirect(h.Cfg.App.LoginPath, "error")
	d.traceID = traceID
	return d
}

func (h *Handler) observe(class RouteClass, outcome string, start time.Time) {
	metrics.GateDecision.WithLabelValues(class.String(), outcome).Inc()
	metrics.GateDuration.Observe(time.Since(start).Seconds())
}
