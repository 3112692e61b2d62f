// Package nonce produces per-request CSP nonces.
package nonce

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"io"
	mrand "math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"ledgerly/gatekeeper/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Size is the number of random bytes behind each nonce.
const Size = 16

// SecureRandomSource fills buffers with random bytes.
type SecureRandomSource interface {
	io.Reader
	// Secure is false for sources that are not cryptographically strong.
	Secure() bool
}

type cryptoSource struct{}

func (cryptoSource) Read(p []byte) (int, error) { return rand.Read(p) }
func (cryptoSource) Secure() bool               { return true }

// CryptoSource reads from the operating system CSPRNG.
func CryptoSource() SecureRandomSource { return cryptoSource{} }

type fallbackSource struct {
	mu  sync.Mutex
	rng *mrand.ChaCha8
}

// FallbackSource is a ChaCha8 stream seeded from the clock and pid. It never
// fails but is predictable to anyone who can guess the seed.
func FallbackSource() SecureRandomSource {
	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[0:], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint64(seed[8:], uint64(os.Getpid()))
	binary.LittleEndian.PutUint64(seed[16:], uint64(time.Now().Unix()))
	return &fallbackSource{rng: mrand.NewChaCha8(seed)}
}

func (f *fallbackSource) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rng.Read(p)
}

func (f *fallbackSource) Secure() bool { return false }

// Generator hands out base64 nonces. The primary source is probed once at
// construction; if it fails then, or later, every subsequent nonce comes from
// the fallback.
type Generator struct {
	primary  SecureRandomSource
	fallback SecureRandomSource

	weak     atomic.Bool
	warnOnce sync.Once
}

func New() *Generator {
	return NewWithSources(CryptoSource(), FallbackSource())
}

func NewWithSources(primary, fallback SecureRandomSource) *Generator {
	g := &Generator{primary: primary, fallback: fallback}
	metrics.NonceWeakSource.Set(0)
	if primary == nil || !primary.Secure() {
		g.degrade(nil)
		return g
	}
	probe := make([]byte, Size)
	if _, err := io.ReadFull(primary, probe); err != nil {
		g.degrade(err)
	}
	return g
}

// Generate never fails.
func (g *Generator) Generate() string {
	b := make([]byte, Size)
	if !g.weak.Load() {
		_, err := io.ReadFull(g.primary, b)
		if err == nil {
			return base64.StdEncoding.EncodeToString(b)
		}
		g.degrade(err)
	}
	_, _ = io.ReadFull(g.fallback, b)
	return base64.StdEncoding.EncodeToString(b)
}

// Weak reports whether nonces currently come from the fallback source.
func (g *Generator) Weak() bool { return g.weak.Load() }

func (g *Generator) degrade(err error) {
	g.weak.Store(true)
	g.warnOnce.Do(func() {
		log.Warn().Err(err).Msg("secure random source unavailable; CSP nonces use the weak fallback")
		metrics.NonceWeakSource.Set(1)
	})
}
