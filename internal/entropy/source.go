package entropy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"
	mathrand "math/rand/v2"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sys/cpu"

	"fengni/internal/metrics"
)

// Fresh fills buf from the operating system CSPRNG. Rotation entropy
// always comes from here, never from the fast source.
func Fresh(buf []byte) error {
	_, err := io.ReadFull(rand.Reader, buf)
	return err
}

const reseedThreshold = 1 << 20

// Source is a fast random generator for padding sizes, junk bytes and
// jitter. It is hardware-accelerated where possible and reseeds itself
// from crypto/rand after reseedThreshold bytes. It must not be used for
// key material.
type Source struct {
	mu            sync.Mutex
	gen           generator
	reseedCounter atomic.Uint64
}

type generator interface {
	Read(p []byte) (n int, err error)
	Reseed() error
}

// Padding is the process-wide fast source.
var Padding = NewSource()

// NewSource picks the fastest available generator for this CPU.
func NewSource() *Source {
	var gen generator
	if cpu.X86.HasAES || cpu.ARM64.HasAES {
		gen = newAESStreamGenerator()
	} else {
		gen = newChaCha8Generator()
	}
	return &Source{gen: gen}
}

func (s *Source) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.gen.Read(p)
	if err != nil {
		return n, err
	}
	metrics.AddEntropyBytes(int64(n))

	if s.reseedCounter.Add(uint64(n)) >= reseedThreshold {
		s.reseedCounter.Store(0)
		_ = s.gen.Reseed()
		metrics.IncEntropyReseeds()
	}
	return n, nil
}

// Int64n returns a random number in [0, max).
func (s *Source) Int64n(max int64) int64 {
	if max <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = s.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]) % uint64(max))
}

// Keystream derives a deterministic keystream of the given length from
// key material and a personalization label. Both peers derive identical
// streams from identical inputs; used for header masking.
func Keystream(key []byte, label string, n int) []byte {
	xof, err := blake2b.NewXOF(uint32(n), key)
	if err != nil {
		// Only reachable with a key longer than 64 bytes.
		panic("entropy: keystream: " + err.Error())
	}
	xof.Write([]byte(label))
	out := make([]byte, n)
	if _, err := io.ReadFull(xof, out); err != nil {
		panic("entropy: keystream read: " + err.Error())
	}
	return out
}

// aesStreamGenerator draws its bytes from an AES-CTR keystream under a
// fresh ephemeral key and IV per reseed.
type aesStreamGenerator struct {
	stream cipher.Stream
}

func newAESStreamGenerator() *aesStreamGenerator {
	g := &aesStreamGenerator{}
	_ = g.Reseed()
	return g
}

func (g *aesStreamGenerator) Reseed() error {
	var seed [2 * aes.BlockSize]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return err
	}
	block, err := aes.NewCipher(seed[:aes.BlockSize])
	if err != nil {
		return err
	}
	g.stream = cipher.NewCTR(block, seed[aes.BlockSize:])
	return nil
}

func (g *aesStreamGenerator) Read(p []byte) (int, error) {
	clear(p)
	g.stream.XORKeyStream(p, p)
	return len(p), nil
}

// chacha8Generator wraps math/rand/v2's ChaCha8 for CPUs without AES
// instructions.
type chacha8Generator struct {
	src *mathrand.ChaCha8
}

func newChaCha8Generator() *chacha8Generator {
	g := &chacha8Generator{}
	_ = g.Reseed()
	return g
}

func (g *chacha8Generator) Reseed() error {
	var seed [32]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return err
	}
	g.src = mathrand.NewChaCha8(seed)
	return nil
}

func (g *chacha8Generator) Read(p []byte) (int, error) {
	return g.src.Read(p)
}
