package token

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Identity is the verified caller behind a request. Immutable once decoded.
type Identity struct {
	SubjectID string
	SessionID string
	Role      Role
}

func (id *Identity) IsAdmin() bool { return id != nil && id.Role == RoleAdmin }

// SessionClaims is the payload of the session cookie issued by the app's
// login flow: sub is the user id, sid identifies the login on one device.
type SessionClaims struct {
	SessionID string `json:"sid"`
	Role      Role   `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type Keyring struct {
	Alg        string
	Keys       map[string][]byte // kid -> secret
	CurrentKID string
	Issuer     string
	SkewSec    int
	// MaxTTL bounds both Sign and the accepted lifetime of verified tokens.
	MaxTTL time.Duration
}

var (
	ErrEmptyToken     = errors.New("empty token")
	ErrMissingKID     = errors.New("missing kid")
	ErrUnknownKID     = errors.New("unknown kid")
	ErrIssuerMismatch = errors.New("issuer mismatch")
	ErrTTLTooLarge    = errors.New("token lifetime exceeds max")
	ErrExpMissing     = errors.New("exp missing")
	ErrNbfInFuture    = errors.New("nbf in the future")
	ErrClaimsMissing  = errors.New("sub and sid claims required")
)

// NewKeyring loads base64url secrets. Only HMAC algorithms are accepted.
func NewKeyring(alg string, keys map[string]string, current, iss string, skew int) (*Keyring, error) {
	switch alg {
	case "HS256", "HS384", "HS512":
	default:
		return nil, errors.New("unsupported alg (expected HS256/384/512)")
	}
	kr := &Keyring{
		Alg:     alg,
		Keys:    make(map[string][]byte, len(keys)),
		Issuer:  iss,
		SkewSec: skew,
		MaxTTL:  30 * 24 * time.Hour,
	}
	for kid, b64 := range keys {
		dec, err := base64.RawURLEncoding.DecodeString(b64)
		if err != nil {
			return nil, err
		}
		if len(dec) < 16 {
			return nil, errors.New("signing key too short; need >=16 bytes")
		}
		kr.Keys[kid] = dec
	}
	if _, ok := kr.Keys[current]; !ok {
		return nil, errors.New("current_kid not found in keys")
	}
	kr.CurrentKID = current
	if kr.Issuer == "" {
		kr.Issuer = "ledgerly"
	}
	return kr, nil
}

// Sign issues a session token for id. ttl is clamped to MaxTTL.
func (k *Keyring) Sign(id Identity, ttl time.Duration) (string, error) {
	if id.SubjectID == "" || id.SessionID == "" {
		return "", ErrClaimsMissing
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if ttl > k.MaxTTL {
		ttl = k.MaxTTL
	}
	role := id.Role
	if role == "" {
		role = RoleUser
	}
	now := time.Now()
	claims := SessionClaims{
		SessionID: id.SessionID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.SubjectID,
			Issuer:    k.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.GetSigningMethod(k.Alg), claims)
	t.Header["kid"] = k.CurrentKID
	secret := k.Keys[k.CurrentKID]
	if len(secret) == 0 {
		return "", errors.New("missing signing key for current_kid")
	}
	return t.SignedString(secret)
}

// Verify checks signature, issuer and time claims, and that at least minLeft
// remains before expiry. ok=false with a nil error means the token is valid
// but inside the minLeft window.
func (k *Keyring) Verify(tok string, minLeft time.Duration) (*SessionClaims, bool, error) {
	if tok == "" {
		return nil, false, ErrEmptyToken
	}
	if k.Alg == "none" || k.Alg == "" {
		return nil, false, errors.New("algorithm 'none' is not allowed")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{k.Alg}),
		jwt.WithStrictDecoding(),
		jwt.WithLeeway(time.Duration(k.SkewSec)*time.Second),
	)

	var claims SessionClaims
	token, err := parser.ParseWithClaims(tok, &claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrMissingKID
		}
		secret, ok := k.Keys[kid]
		if !ok {
			return nil, ErrUnknownKID
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, false, err
	}

	if subtle.ConstantTimeCompare([]byte(claims.Issuer), []byte(k.Issuer)) != 1 {
		return nil, false, ErrIssuerMismatch
	}

	now := time.Now()
	skew := time.Duration(k.SkewSec) * time.Second
	if claims.NotBefore != nil && now.Add(skew).Before(claims.NotBefore.Time) {
		return &claims, false, ErrNbfInFuture
	}
	if claims.ExpiresAt == nil {
		return &claims, false, ErrExpMissing
	}
	if claims.IssuedAt != nil && claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time) > k.MaxTTL+skew {
		return &claims, false, ErrTTLTooLarge
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return &claims, false, ErrClaimsMissing
	}

	if time.Until(claims.ExpiresAt.Time) < minLeft {
		return &claims, false, nil
	}
	return &claims, true, nil
}

// Identity converts verified claims. Unknown roles are treated as USER.
func (c *SessionClaims) Identity() *Identity {
	role := c.Role
	if role != RoleAdmin {
		role = RoleUser
	}
	return &Identity{SubjectID: c.Subject, SessionID: c.SessionID, Role: role}
}
