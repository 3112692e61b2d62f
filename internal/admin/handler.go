package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"ledgerly/gatekeeper/internal/httputil"
	"ledgerly/gatekeeper/internal/runtimecfg"
	"ledgerly/gatekeeper/internal/token"

	"github.com/go-chi/chi/v5"
)

const maxBody = 16 << 10

type identityKey struct{}

// Handler exposes Service over HTTP. Every route requires an ADMIN identity.
type Handler struct {
	Service *Service
	Decoder token.Decoder
	// Runtime backs the middleware-config routes. Optional.
	Runtime *runtimecfg.Source
}

func NewHandler(s *Service, dec token.Decoder, rt *runtimecfg.Source) *Handler {
	return &Handler{Service: s, Decoder: dec, Runtime: rt}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireAdmin)
	r.Post("/session-cleanup", h.cleanup)
	r.Get("/redis-health", h.health)
	if h.Runtime != nil {
		r.Get("/middleware-config", h.getConfig)
		r.Put("/middleware-config", h.putConfig)
	}
	return r
}

// requireAdmin answers 401/403 before any handler can touch the store.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.Decoder.Decode(r)
		if err != nil {
			httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		if !id.IsAdmin() {
			httputil.GetLogger(r.Context()).Warn().Str("subject", id.SubjectID).
				Str("path", r.URL.Path).Msg("non-admin on admin api")
			httputil.WriteJSON(w, http.StatusForbidden, map[string]string{"error": "Forbidden"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func adminFrom(ctx context.Context) string {
	if id, ok := ctx.Value(identityKey{}).(*token.Identity); ok {
		return id.SubjectID
	}
	return ""
}

func (h *Handler) cleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	logger := httputil.GetLogger(r.Context())
	logger.Info().Str("admin", adminFrom(r.Context())).Str("subject", req.UserID).
		Str("reason", req.Reason).Msg("session cleanup requested")

	res, err := h.Service.Cleanup(r.Context(), req.UserID, req.Reason)
	switch {
	case errors.Is(err, ErrInvalidSubject):
		httputil.WriteJSON(w, http.StatusBadRequest, res)
	case err != nil:
		httputil.WriteJSON(w, http.StatusServiceUnavailable, res)
	default:
		httputil.WriteJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	res := h.Service.Health(r.Context())
	code := http.StatusOK
	if !res.Connected {
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, res)
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Runtime.Load(r.Context())
	if err != nil {
		httputil.GetLogger(r.Context()).Warn().Err(err).Msg("middleware config read failed")
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cfg)
}

func (h *Handler) putConfig(w http.ResponseWriter, r *http.Request) {
	cfg := runtimecfg.Defaults()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if err := h.Runtime.Update(r.Context(), cfg); err != nil {
		if errors.Is(err, runtimecfg.ErrInvalidMode) {
			httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		httputil.GetLogger(r.Context()).Warn().Err(err).Msg("middleware config write failed")
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	httputil.GetLogger(r.Context()).Info().Str("admin", adminFrom(r.Context())).
		Str("session_mode", string(cfg.SessionMode)).Bool("maintenance", cfg.MaintenanceMode).
		Msg("middleware config updated")
	httputil.WriteJSON(w, http.StatusOK, cfg)
}
