// Package csp assembles the security headers attached to every response the
// gatekeeper lets through.
package csp

import (
	"net/http"
	"strings"
)

const (
	HeaderCSP               = "Content-Security-Policy"
	HeaderPermissionsPolicy = "Permissions-Policy"
	HSTS                    = "max-age=63072000; includeSubDomains; preload"
)

// DefaultScriptHosts is the analytics allow-list used when none is configured.
var DefaultScriptHosts = []string{
	"https://va.vercel-scripts.com",
	"https://vitals.vercel-insights.com",
}

var permissionsPolicy = strings.Join([]string{
	"accelerometer=()",
	"autoplay=()",
	"camera=()",
	"display-capture=()",
	"geolocation=()",
	"gyroscope=()",
	"interest-cohort=()",
	"magnetometer=()",
	"microphone=()",
	"payment=()",
	"usb=()",
}, ", ")

type Builder struct {
	scriptHosts  []string
	connectHosts []string
}

// NewBuilder takes the third-party origins allowed to serve scripts and to be
// contacted by them. nil scriptHosts selects DefaultScriptHosts; nil
// connectHosts reuses scriptHosts.
func NewBuilder(scriptHosts, connectHosts []string) *Builder {
	if scriptHosts == nil {
		scriptHosts = DefaultScriptHosts
	}
	if connectHosts == nil {
		connectHosts = scriptHosts
	}
	return &Builder{scriptHosts: scriptHosts, connectHosts: connectHosts}
}

type Policy struct {
	CSP               string
	PermissionsPolicy string
	Other             map[string]string
}

// Build is pure: the same nonce and mode always yield the same policy.
func (b *Builder) Build(nonce string, isDev bool) Policy {
	n := "'nonce-" + nonce + "'"

	script := []string{"'self'", "'unsafe-inline'", n}
	script = append(script, b.scriptHosts...)
	if isDev {
		script = append(script, "'unsafe-eval'")
	}
	connect := append([]string{"'self'"}, b.connectHosts...)
	if isDev {
		connect = append(connect, "ws:")
	}

	directives := []string{
		"default-src 'self'",
		"script-src " + strings.Join(script, " "),
		"style-src 'self' 'unsafe-inline' " + n,
		"img-src 'self' data: https:",
		"font-src 'self' data: https:",
		"connect-src " + strings.Join(connect, " "),
		"frame-ancestors 'none'",
		"object-src 'none'",
		"base-uri 'self'",
		"form-action 'self'",
	}
	if !isDev {
		directives = append(directives, "upgrade-insecure-requests")
	}

	return Policy{
		CSP:               strings.Join(directives, "; "),
		PermissionsPolicy: permissionsPolicy,
		Other: map[string]string{
			"Strict-Transport-Security":    HSTS,
			"X-Content-Type-Options":       "nosniff",
			"Referrer-Policy":              "strict-origin-when-cross-origin",
			"X-Frame-Options":              "DENY",
			"Cross-Origin-Opener-Policy":   "same-origin",
			"Cross-Origin-Resource-Policy": "same-origin",
		},
	}
}

func (p Policy) Apply(h http.Header) {
	h.Set(HeaderCSP, p.CSP)
	h.Set(HeaderPermissionsPolicy, p.PermissionsPolicy)
	for k, v := range p.Other {
		h.Set(k, v)
	}
}
