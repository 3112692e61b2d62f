package gatekeeper

import (
	"net/http"
	"net/url"
	"strings"
)

type RouteClass int

const (
	RouteOther RouteClass = iota
	RouteLogin
	RouteRegister
	RouteProtected
	RouteAdmin
)

func (c RouteClass) String() string {
	switch c {
	case RouteLogin:
		return "login"
	case RouteRegister:
		return "register"
	case RouteProtected:
		return "protected"
	case RouteAdmin:
		return "admin"
	default:
		return "other"
	}
}

func (h *Handler) classify(path string) RouteClass {
	app := h.Cfg.App
	switch {
	case underPrefix(path, app.LoginPath):
		return RouteLogin
	case underPrefix(path, app.RegisterPath):
		return RouteRegister
	case anyPrefix(path, app.AdminPrefixes):
		return RouteAdmin
	case anyPrefix(path, app.ProtectedPrefixes):
		return RouteProtected
	default:
		return RouteOther
	}
}

func underPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	return path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/")
}

func anyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if underPrefix(path, p) {
			return true
		}
	}
	return false
}

const apiPrefix = "/api"

func isAPI(path string) bool { return underPrefix(path, apiPrefix) }

func isStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// sameOrigin compares the request's Origin header, or failing that the
// origin of its Referer, with the configured app origin. A request carrying
// neither is not same-origin.
func (h *Handler) sameOrigin(r *http.Request) bool {
	src := r.Header.Get("Origin")
	if src == "" {
		src = r.Header.Get("Referer")
	}
	if src == "" {
		return false
	}
	got, ok := originOf(src)
	return ok && got == h.origin
}

func originOf(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}
