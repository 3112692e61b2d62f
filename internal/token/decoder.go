package token

import (
	"errors"
	"net/http"
	"strings"
)

// ErrNoToken means the request carried no session token at all.
var ErrNoToken = errors.New("no session token")

// ErrInvalidToken wraps every verification failure.
var ErrInvalidToken = errors.New("invalid session token")

// Decoder extracts a verified identity from a request.
type Decoder interface {
	Decode(r *http.Request) (*Identity, error)
}

// CookieDecoder reads the session cookie, falling back to a bearer token.
type CookieDecoder struct {
	Keyring    *Keyring
	CookieName string
}

func NewCookieDecoder(kr *Keyring, cookieName string) *CookieDecoder {
	return &CookieDecoder{Keyring: kr, CookieName: cookieName}
}

func (d *CookieDecoder) Decode(r *http.Request) (*Identity, error) {
	raw := ""
	if c, err := r.Cookie(d.CookieName); err == nil {
		raw = c.Value
	}
	if raw == "" {
		if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			raw = strings.TrimSpace(h[7:])
		}
	}
	if raw == "" {
		return nil, ErrNoToken
	}
	claims, ok, err := d.Keyring.Verify(raw, 0)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims.Identity(), nil
}
