package httputil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"ledgerly/gatekeeper/internal/config"

	"github.com/rs/zerolog/log"
)

var bufferPool = sync.Pool{
	New: func() interface{} { return &bytes.Buffer{} },
}

// WriteJSON encodes v into a pooled buffer before touching the response, so an
// encoding failure never leaves a half-written body.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufferPool.Put(buf)
	}()

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("json encode failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

// WriteText writes a plain-text body.
func WriteText(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(msg))
}

// BuildCookie creates the session cookie with the configured attributes.
func BuildCookie(cfg config.CookieCfg, value string, maxAgeSec int) *http.Cookie {
	c := &http.Cookie{
		Name:     cfg.Name,
		Value:    value,
		Path:     cfg.Path,
		MaxAge:   maxAgeSec,
		Secure:   cfg.Secure,
		HttpOnly: cfg.HTTPOnly,
		Domain:   cfg.Domain,
	}
	switch strings.ToLower(cfg.SameSite) {
	case "none":
		c.SameSite = http.SameSiteNoneMode
	case "strict":
		c.SameSite = http.SameSiteStrictMode
	default:
		c.SameSite = http.SameSiteLaxMode
	}
	return c
}

// ClearCookie expires the session cookie in the browser.
func ClearCookie(cfg config.CookieCfg) *http.Cookie {
	return BuildCookie(cfg, "", -1)
}

// SanitizeReturnURL keeps redirect targets on this origin. Anything with a
// scheme, a host or a protocol-relative prefix (including encoded forms)
// collapses to "/".
func SanitizeReturnURL(in string) string {
	if in == "" {
		return "/"
	}
	decoded, err := url.QueryUnescape(in)
	if err != nil {
		return "/"
	}
	if strings.Contains(decoded, "://") || strings.HasPrefix(decoded, "//") || strings.Contains(decoded, "\\") {
		return "/"
	}
	u, err := url.ParseRequestURI(in)
	if err != nil || u.Host != "" || u.Scheme != "" || !strings.HasPrefix(u.Path, "/") {
		return "/"
	}
	out := u.EscapedPath()
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}
