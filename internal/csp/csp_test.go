package csp

import (
	"net/http"
	"strings"
	"testing"
)

func directive(t *testing.T, csp, name string) string {
	t.Helper()
	for _, d := range strings.Split(csp, "; ") {
		if d == name || strings.HasPrefix(d, name+" ") {
			return d
		}
	}
	return ""
}

func TestBuildProduction(t *testing.T) {
	p := NewBuilder(nil, nil).Build("abc123==", false)

	script := directive(t, p.CSP, "script-src")
	if !strings.Contains(script, "'nonce-abc123=='") {
		t.Errorf("script-src missing nonce: %q", script)
	}
	if strings.Contains(script, "'unsafe-eval'") {
		t.Error("production must not allow unsafe-eval")
	}
	if !strings.Contains(script, DefaultScriptHosts[0]) {
		t.Error("analytics host missing from script-src")
	}
	if !strings.Contains(directive(t, p.CSP, "style-src"), "'nonce-abc123=='") {
		t.Error("style-src missing nonce")
	}
	if directive(t, p.CSP, "upgrade-insecure-requests") == "" {
		t.Error("production should upgrade insecure requests")
	}
	if strings.Contains(directive(t, p.CSP, "connect-src"), "ws:") {
		t.Error("production must not allow ws:")
	}
	for _, want := range []string{"default-src 'self'", "frame-ancestors 'none'", "object-src 'none'", "base-uri 'self'", "form-action 'self'"} {
		if !strings.Contains(p.CSP, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestBuildDevelopment(t *testing.T) {
	p := NewBuilder([]string{"https://cdn.example"}, nil).Build("n", true)

	if !strings.Contains(directive(t, p.CSP, "script-src"), "'unsafe-eval'") {
		t.Error("dev should allow unsafe-eval")
	}
	connect := directive(t, p.CSP, "connect-src")
	if !strings.Contains(connect, "ws:") || !strings.Contains(connect, "https://cdn.example") {
		t.Errorf("unexpected connect-src %q", connect)
	}
	if directive(t, p.CSP, "upgrade-insecure-requests") != "" {
		t.Error("dev must not upgrade insecure requests")
	}
}

func TestBuildIsPure(t *testing.T) {
	b := NewBuilder(nil, nil)
	if b.Build("x", false).CSP != b.Build("x", false).CSP {
		t.Error("same input should give same policy")
	}
}

func TestApply(t *testing.T) {
	h := http.Header{}
	NewBuilder(nil, nil).Build("n", false).Apply(h)

	checks := map[string]string{
		"Strict-Transport-Security":    HSTS,
		"X-Content-Type-Options":       "nosniff",
		"Referrer-Policy":              "strict-origin-when-cross-origin",
		"X-Frame-Options":              "DENY",
		"Cross-Origin-Opener-Policy":   "same-origin",
		"Cross-Origin-Resource-Policy": "same-origin",
	}
	for k, v := range checks {
		if got := h.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if h.Get(HeaderCSP) == "" {
		t.Error("CSP header not set")
	}
	pp := h.Get(HeaderPermissionsPolicy)
	for _, feat := range []string{"camera=()", "microphone=()", "geolocation=()", "payment=()"} {
		if !strings.Contains(pp, feat) {
			t.Errorf("Permissions-Policy missing %s", feat)
		}
	}
}
