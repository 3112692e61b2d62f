package httputil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"ledgerly/gatekeeper/internal/config"

	"github.com/rs/zerolog"
)

func TestSanitizeReturnURL(t *testing.T) {
	cases := map[string]string{
		"":                       "/",
		"/dashboard":             "/dashboard",
		"/dashboard?tab=budgets": "/dashboard?tab=budgets",
		"//evil.com":             "/",
		"https://evil.com/x":     "/",
		"/%2F%2Fevil.com":        "/",
		"/\\evil.com":            "/",
		"javascript:alert(1)":    "/",
	}
	for in, want := range cases {
		if got := SanitizeReturnURL(in); got != want {
			t.Errorf("SanitizeReturnURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClientIP(t *testing.T) {
	_, trusted, _ := net.ParseCIDR("10.0.0.0/8")
	proxies := []*net.IPNet{trusted}
	_, all4, _ := net.ParseCIDR("0.0.0.0/0")

	cases := []struct {
		name    string
		remote  string
		xff     string
		realIP  string
		proxies []*net.IPNet
		want    string
	}{
		{"trusted proxy", "10.1.2.3:5555", "203.0.113.7, 10.1.2.3", "", proxies, "203.0.113.7"},
		{"spoofed left-most entry", "10.0.0.5:5555", "198.51.100.9, 203.0.113.77", "", proxies, "203.0.113.77"},
		{"chain of trusted hops", "10.0.0.5:5555", "203.0.113.77, 10.9.9.9, 10.0.0.7", "", proxies, "203.0.113.77"},
		{"garbage hop stops the walk", "10.0.0.5:5555", "203.0.113.1, bogus, 203.0.113.77", "", proxies, "203.0.113.77"},
		{"untrusted peer", "198.51.100.1:5555", "203.0.113.7", "", proxies, "198.51.100.1"},
		{"no proxies configured", "198.51.100.1:5555", "203.0.113.7", "192.0.2.9", nil, "198.51.100.1"},
		{"x-real-ip from trusted peer", "10.1.2.3:5555", "", "192.0.2.9", proxies, "192.0.2.9"},
		{"every hop trusted", "10.0.0.5:5555", "203.0.113.7, 198.51.100.1", "", []*net.IPNet{all4}, "203.0.113.7"},
		{"unparseable peer", "garbage", "", "", nil, "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := ClientIPWithTrustedProxies(req, tc.proxies); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(zerolog.Nop(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		if GetLogger(r.Context()) == nil {
			t.Error("logger missing from context")
		}
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rec.Header().Get("X-Request-ID") != seen {
		t.Errorf("generated id %q not echoed (%q)", seen, rec.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "upstream-id" {
		t.Errorf("expected propagated id, got %q", seen)
	}
}

func TestBuildAndClearCookie(t *testing.T) {
	cfg := config.CookieCfg{Name: "session-token", Path: "/", SameSite: "Lax", Secure: true, HTTPOnly: true}
	c := BuildCookie(cfg, "v", 60)
	if c.Name != "session-token" || c.MaxAge != 60 || !c.Secure || !c.HttpOnly || c.SameSite != http.SameSiteLaxMode {
		t.Errorf("unexpected cookie %+v", c)
	}
	if cl := ClearCookie(cfg); cl.MaxAge >= 0 || cl.Value != "" {
		t.Errorf("clear cookie should expire immediately: %+v", cl)
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]bool{"success": true})
	if rec.Code != http.StatusCreated {
		t.Errorf("code = %d", rec.Code)
	}
	if rec.Body.String() != "{\"success\":true}\n" {
		t.Errorf("body = %q", rec.Body.String())
	}
}
