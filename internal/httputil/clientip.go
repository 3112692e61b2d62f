package httputil

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the caller's address using the trusted proxies stored in
// the request context.
func ClientIP(r *http.Request) string {
	return ClientIPWithTrustedProxies(r, GetTrustedProxies(r.Context()))
}

// ClientIPWithTrustedProxies returns the address of the first hop that is not
// a trusted proxy. The peer comes first, then X-Forwarded-For from right to
// left, since each proxy appends the address it saw and only the entries to
// the right of the last untrusted hop can be believed. X-Real-IP is consulted
// only when a trusted peer sent no X-Forwarded-For. An empty trustedProxies
// list trusts nobody.
func ClientIPWithTrustedProxies(r *http.Request, trustedProxies []*net.IPNet) string {
	remoteHost, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteHost = r.RemoteAddr
	}
	remoteIP := net.ParseIP(remoteHost)
	if remoteIP == nil {
		return "unknown"
	}
	if !isTrusted(remoteIP, trustedProxies) {
		return remoteIP.String()
	}

	xff := r.Header.Values("X-Forwarded-For")
	if len(xff) == 0 {
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
		return remoteIP.String()
	}

	hops := strings.Split(strings.Join(xff, ","), ",")
	client := remoteIP
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			break
		}
		client = ip
		if !isTrusted(ip, trustedProxies) {
			break
		}
	}
	return client.String()
}

func isTrusted(ip net.IP, trustedProxies []*net.IPNet) bool {
	for _, n := range trustedProxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
