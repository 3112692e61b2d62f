package nonce

import (
	"encoding/base64"
	"errors"
	"sync/atomic"
	"testing"
)

type brokenSource struct {
	failAfter int64
	reads     atomic.Int64
}

func (b *brokenSource) Read(p []byte) (int, error) {
	if b.reads.Add(1) > b.failAfter {
		return 0, errors.New("entropy pool gone")
	}
	for i := range p {
		p[i] = 0xAB
	}
	return len(p), nil
}

func (b *brokenSource) Secure() bool { return true }

func decodeNonce(t *testing.T, n string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(n)
	if err != nil {
		t.Fatalf("nonce %q is not std base64: %v", n, err)
	}
	return b
}

func TestGenerateShapeAndUniqueness(t *testing.T) {
	g := New()
	if g.Weak() {
		t.Fatal("crypto source should be selected")
	}
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		n := g.Generate()
		if got := len(decodeNonce(t, n)); got < Size {
			t.Fatalf("nonce decodes to %d bytes, want >= %d", got, Size)
		}
		if seen[n] {
			t.Fatalf("duplicate nonce %q", n)
		}
		seen[n] = true
	}
}

func TestProbeFailureSelectsFallback(t *testing.T) {
	g := NewWithSources(&brokenSource{failAfter: 0}, FallbackSource())
	if !g.Weak() {
		t.Fatal("expected fallback after failed probe")
	}
	a, b := g.Generate(), g.Generate()
	if a == b {
		t.Error("fallback nonces should differ")
	}
	decodeNonce(t, a)
}

func TestRuntimeFailureSwitchesOnce(t *testing.T) {
	src := &brokenSource{failAfter: 2} // probe + one request succeed
	g := NewWithSources(src, FallbackSource())
	if g.Weak() {
		t.Fatal("probe should have succeeded")
	}
	first := g.Generate()
	if got := decodeNonce(t, first); got[0] != 0xAB {
		t.Error("first nonce should come from the primary")
	}
	second := g.Generate()
	if !g.Weak() {
		t.Fatal("expected switch to fallback after primary failure")
	}
	decodeNonce(t, second)

	reads := src.reads.Load()
	g.Generate()
	if src.reads.Load() != reads {
		t.Error("primary should not be consulted after the switch")
	}
}

func TestNilPrimaryIsWeak(t *testing.T) {
	g := NewWithSources(nil, FallbackSource())
	if !g.Weak() {
		t.Error("nil primary must select the fallback")
	}
	decodeNonce(t, g.Generate())
}
