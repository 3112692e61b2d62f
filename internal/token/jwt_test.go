package token

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mockKeyring(t *testing.T) *Keyring {
	t.Helper()
	keys := map[string]string{
		"testkid": base64.RawURLEncoding.EncodeToString([]byte("supersecretkeythatisatleast16byteslong")),
	}
	kr, err := NewKeyring("HS256", keys, "testkid", "ledgerly-test", 0)
	if err != nil {
		t.Fatalf("NewKeyring failed: %v", err)
	}
	return kr
}

var alice = Identity{SubjectID: "user-1", SessionID: "sess-a", Role: RoleUser}

func TestKeyring_SignAndVerify(t *testing.T) {
	kr := mockKeyring(t)

	tokenStr, err := kr.Sign(alice, time.Minute)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	claims, ok, err := kr.Verify(tokenStr, 0)
	if !ok || err != nil {
		t.Fatalf("Verify failed for valid token: %v", err)
	}
	id := claims.Identity()
	if id.SubjectID != "user-1" || id.SessionID != "sess-a" || id.Role != RoleUser {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestKeyring_Expiration(t *testing.T) {
	kr := mockKeyring(t)
	tokenStr, _ := kr.Sign(alice, time.Nanosecond)
	time.Sleep(1100 * time.Millisecond)

	if _, ok, _ := kr.Verify(tokenStr, 0); ok {
		t.Error("Verify passed for expired token")
	}
}

func TestKeyring_MinLeft(t *testing.T) {
	kr := mockKeyring(t)
	tokenStr, _ := kr.Sign(alice, time.Minute)

	if _, ok, _ := kr.Verify(tokenStr, 2*time.Minute); ok {
		t.Error("Verify passed despite insufficient time remaining")
	}
	if _, ok, _ := kr.Verify(tokenStr, 30*time.Second); !ok {
		t.Error("Verify failed for valid token with sufficient time")
	}
}

func TestKeyring_RejectsForeignIssuer(t *testing.T) {
	kr := mockKeyring(t)
	other := *kr
	other.Issuer = "someone-else"
	tokenStr, _ := other.Sign(alice, time.Minute)

	if _, _, err := kr.Verify(tokenStr, 0); !errors.Is(err, ErrIssuerMismatch) {
		t.Errorf("expected ErrIssuerMismatch, got %v", err)
	}
}

func TestKeyring_RejectsNoneAlg(t *testing.T) {
	kr := mockKeyring(t)
	claims := SessionClaims{SessionID: "s", RegisteredClaims: jwt.RegisteredClaims{
		Subject: "u", Issuer: kr.Issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	tok.Header["kid"] = "testkid"
	raw, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := kr.Verify(raw, 0); ok {
		t.Error("alg=none token must not verify")
	}
}

func TestKeyring_UnknownRoleIsUser(t *testing.T) {
	kr := mockKeyring(t)
	tokenStr, _ := kr.Sign(Identity{SubjectID: "u", SessionID: "s", Role: "SUPERUSER"}, time.Minute)
	claims, ok, _ := kr.Verify(tokenStr, 0)
	if !ok {
		t.Fatal("expected valid token")
	}
	if claims.Identity().IsAdmin() {
		t.Error("unknown role must not grant admin")
	}
}

func TestSignRequiresSubjectAndSession(t *testing.T) {
	kr := mockKeyring(t)
	if _, err := kr.Sign(Identity{SubjectID: "u"}, time.Minute); !errors.Is(err, ErrClaimsMissing) {
		t.Errorf("expected ErrClaimsMissing, got %v", err)
	}
}

func TestCookieDecoder(t *testing.T) {
	kr := mockKeyring(t)
	dec := NewCookieDecoder(kr, "session-token")
	tokenStr, _ := kr.Sign(Identity{SubjectID: "admin-1", SessionID: "s1", Role: RoleAdmin}, time.Minute)

	t.Run("cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
		req.AddCookie(&http.Cookie{Name: "session-token", Value: tokenStr})
		id, err := dec.Decode(req)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !id.IsAdmin() || id.SubjectID != "admin-1" {
			t.Errorf("unexpected identity %+v", id)
		}
	})

	t.Run("bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
		req.Header.Set("Authorization", "Bearer "+tokenStr)
		if _, err := dec.Decode(req); err != nil {
			t.Errorf("Decode: %v", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if _, err := dec.Decode(req); !errors.Is(err, ErrNoToken) {
			t.Errorf("expected ErrNoToken, got %v", err)
		}
	})

	t.Run("tampered", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: "session-token", Value: strings.TrimSuffix(tokenStr, tokenStr[len(tokenStr)-4:]) + "AAAA"})
		if _, err := dec.Decode(req); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("expected ErrInvalidToken, got %v", err)
		}
	})
}
