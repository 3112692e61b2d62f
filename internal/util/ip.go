package util

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net"
)

// IPHasher turns client addresses into stable, non-reversible tokens for
// security logs. IPv4 is truncated to /24 and IPv6 to /48 before hashing so
// that one log token covers one network.
type IPHasher struct {
	key []byte
}

// NewIPHasher uses key when set, otherwise a random per-process key (tokens
// then only correlate within one process lifetime).
func NewIPHasher(key string) *IPHasher {
	if key != "" {
		return &IPHasher{key: []byte(key)}
	}
	k := make([]byte, 32)
	_, _ = rand.Read(k)
	return &IPHasher{key: k}
}

func (h *IPHasher) Hash(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "unknown"
	}
	var network string
	if v4 := ip.To4(); v4 != nil {
		network = v4.Mask(net.CIDRMask(24, 32)).String()
	} else {
		network = ip.Mask(net.CIDRMask(48, 128)).String()
	}
	m := hmac.New(sha256.New, h.key)
	m.Write([]byte(network))
	return hex.EncodeToString(m.Sum(nil))[:16]
}
