package session

import (
	"net/http"
	"time"

	"ledgerly/gatekeeper/internal/config"
	"ledgerly/gatekeeper/internal/httputil"
	"ledgerly/gatekeeper/internal/token"
)

// Handler serves the client-facing session endpoints.
type Handler struct {
	Sessions *Gatekeeper
	Decoder  token.Decoder
	TTL      time.Duration
	Cookie   config.CookieCfg
}

func NewHandler(cfg *config.Config, g *Gatekeeper, dec token.Decoder) *Handler {
	return &Handler{Sessions: g, Decoder: dec, TTL: cfg.SessionTTL(), Cookie: cfg.Cookie}
}

// KeepAlive extends the active-session record from the client's idle timer.
func (h *Handler) KeepAlive(w http.ResponseWriter, r *http.Request) {
	logger := httputil.GetLogger(r.Context())
	id, err := h.Decoder.Decode(r)
	if err != nil {
		httputil.WriteJSON(w, http.StatusUnauthorized, map[string]any{"renewed": false, "error": "unauthenticated"})
		return
	}

	renewed, err := h.Sessions.Renew(r.Context(), id.SubjectID, id.SessionID, h.TTL)
	if err != nil {
		logger.Warn().Err(err).Str("subject", id.SubjectID).Msg("keepalive degraded")
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"renewed": false, "degraded": true})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"renewed": renewed})
}

// Logout releases the session record and clears the cookie. It always
// reports success so a browser never gets stuck half logged out.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	logger := httputil.GetLogger(r.Context())
	if id, err := h.Decoder.Decode(r); err == nil {
		res := h.Sessions.Release(r.Context(), id.SubjectID, id.SessionID)
		logger.Info().Str("subject", id.SubjectID).Stringer("result", res).Msg("session released")
	}
	http.SetCookie(w, httputil.ClearCookie(h.Cookie))
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}
