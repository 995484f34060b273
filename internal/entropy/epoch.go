// Package entropy maintains the forward-evolving secret state of a
// fengni session. Key material lives in numbered epochs; every rotation
// mixes the previous epoch key with fresh randomness through HKDF so
// that compromise of the state at one point does not expose traffic
// sent after the next rotation.
package entropy

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// MinSecretLen is the minimum accepted shared-secret length.
	MinSecretLen = 16
	// MinFreshLen is the minimum fresh entropy accepted by Rotate.
	MinFreshLen = 8
	// KeySize is the per-epoch key length.
	KeySize = 32
	// SaltSize is the per-epoch rotating salt length.
	SaltSize = 32
)

var (
	// ErrKeyDerivation is returned when the shared secret is too short
	// to seed the engine.
	ErrKeyDerivation = errors.New("entropy: shared secret below minimum length")
	// ErrEpochExpired is returned when the current epoch outlived the
	// hard lifetime ceiling without a rotation.
	ErrEpochExpired = errors.New("entropy: epoch lifetime ceiling reached")
	// ErrEpochSkew is returned when a peer-driven rotation does not
	// target the immediate successor of the current epoch.
	ErrEpochSkew = errors.New("entropy: rotation target is not the next epoch")
	// ErrFreshEntropy is returned when Rotate is handed too little
	// fresh randomness.
	ErrFreshEntropy = errors.New("entropy: insufficient fresh entropy")
)

// Epoch is an immutable snapshot of one generation of key material.
// Exactly one epoch is current for encoding at any instant; the
// previous epoch stays decodable until its grace period elapses.
type Epoch struct {
	number    uint64
	key       [KeySize]byte
	salt      [SaltSize]byte
	createdAt time.Time
	retiring  bool
	retireAt  time.Time
	erased    bool
}

// Number returns the monotonically increasing epoch number.
func (e *Epoch) Number() uint64 { return e.number }

// CreatedAt returns the epoch creation time.
func (e *Epoch) CreatedAt() time.Time { return e.createdAt }

// Retiring reports whether the epoch has been superseded.
func (e *Epoch) Retiring() bool { return e.retiring }

// Key returns a copy of the epoch key. Returns nil after erasure.
func (e *Epoch) Key() []byte {
	if e.erased {
		return nil
	}
	out := make([]byte, KeySize)
	copy(out, e.key[:])
	return out
}

// Salt returns a copy of the epoch obfuscation salt.
func (e *Epoch) Salt() []byte {
	if e.erased {
		return nil
	}
	out := make([]byte, SaltSize)
	copy(out, e.salt[:])
	return out
}

// DirectionSalt derives a per-direction sub-salt so the two directions
// of a session never share a frame shape.
func (e *Epoch) DirectionSalt(label string) []byte {
	h := sha256.New()
	h.Write(e.salt[:])
	h.Write([]byte(label))
	return h.Sum(nil)
}

// Erase zeroes the epoch key material.
func (e *Epoch) Erase() {
	for i := range e.key {
		e.key[i] = 0
	}
	for i := range e.salt {
		e.salt[i] = 0
	}
	e.erased = true
}

// Erased reports whether the key material has been destroyed.
func (e *Epoch) Erased() bool { return e.erased }

// Engine owns the epoch succession for one session. It is never shared
// across sessions.
type Engine struct {
	mu       sync.Mutex
	seed     [SaltSize]byte
	current  *Epoch
	previous *Epoch

	grace       time.Duration
	maxLifetime time.Duration

	bytesEncoded uint64
}

// Initialize derives epoch zero deterministically from a pre-shared
// secret. Both peers calling Initialize with the same secret obtain
// identical epochs.
func Initialize(sharedSecret []byte, grace, maxLifetime time.Duration) (*Engine, error) {
	if len(sharedSecret) < MinSecretLen {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrKeyDerivation, len(sharedSecret), MinSecretLen)
	}
	if grace <= 0 {
		grace = 10 * time.Second
	}
	if maxLifetime <= 0 {
		maxLifetime = 15 * time.Minute
	}

	eng := &Engine{grace: grace, maxLifetime: maxLifetime}

	kdf := hkdf.New(sha256.New, sharedSecret, []byte("fengni/v1"), []byte("session root"))
	var key0 [KeySize]byte
	if _, err := io.ReadFull(kdf, eng.seed[:]); err != nil {
		return nil, fmt.Errorf("entropy: seed derivation: %w", err)
	}
	if _, err := io.ReadFull(kdf, key0[:]); err != nil {
		return nil, fmt.Errorf("entropy: key derivation: %w", err)
	}

	eng.current = &Epoch{
		number:    0,
		key:       key0,
		salt:      eng.saltFor(0),
		createdAt: time.Now(),
	}
	return eng, nil
}

// saltFor computes the rotating salt for an epoch number:
// SHA-256(seed || number). Deterministic on both peers.
func (eng *Engine) saltFor(number uint64) [SaltSize]byte {
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], number)
	h := sha256.New()
	h.Write(eng.seed[:])
	h.Write(nb[:])
	var salt [SaltSize]byte
	copy(salt[:], h.Sum(nil))
	return salt
}

// Rotate advances to the next epoch, mixing the current key with fresh
// randomness through a one-way function. The superseded epoch is kept
// retiring for the grace period; the epoch before that is erased.
func (eng *Engine) Rotate(fresh []byte) (*Epoch, error) {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.rotateLocked(eng.current.number+1, fresh)
}

// RotateTo performs a peer-driven rotation to an explicit epoch number,
// as carried by a rotation-advance control message. The target must be
// the immediate successor of the current epoch.
func (eng *Engine) RotateTo(number uint64, fresh []byte) (*Epoch, error) {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if number != eng.current.number+1 {
		return nil, fmt.Errorf("%w: current %d, target %d", ErrEpochSkew, eng.current.number, number)
	}
	return eng.rotateLocked(number, fresh)
}

func (eng *Engine) rotateLocked(number uint64, fresh []byte) (*Epoch, error) {
	if len(fresh) < MinFreshLen {
		return nil, fmt.Errorf("%w: got %d bytes", ErrFreshEntropy, len(fresh))
	}

	salt := eng.saltFor(number)
	ikm := make([]byte, 0, KeySize+len(fresh))
	ikm = append(ikm, eng.current.key[:]...)
	ikm = append(ikm, fresh...)

	kdf := hkdf.New(sha256.New, ikm, salt[:], []byte("epoch advance"))
	var key [KeySize]byte
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, fmt.Errorf("entropy: rotate: %w", err)
	}
	for i := range ikm {
		ikm[i] = 0
	}

	now := time.Now()
	if eng.previous != nil {
		eng.previous.Erase()
	}
	eng.current.retiring = true
	eng.current.retireAt = now.Add(eng.grace)
	eng.previous = eng.current

	eng.current = &Epoch{
		number:    number,
		key:       key,
		salt:      salt,
		createdAt: now,
	}
	eng.bytesEncoded = 0
	return eng.current, nil
}

// DirectionSaltAt derives the per-direction salt for an arbitrary
// epoch number without constructing the epoch. Salts depend only on
// the seed chain, so a carrier can unmask length words one epoch ahead
// of its codec.
func (eng *Engine) DirectionSaltAt(number uint64, label string) []byte {
	eng.mu.Lock()
	salt := eng.saltFor(number)
	eng.mu.Unlock()
	h := sha256.New()
	h.Write(salt[:])
	h.Write([]byte(label))
	return h.Sum(nil)
}

// Current returns the epoch used for encoding.
func (eng *Engine) Current() *Epoch {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.current
}

// Previous returns the retiring epoch, or nil once its grace period has
// elapsed and the key material is gone.
func (eng *Engine) Previous() *Epoch {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.previous == nil || eng.previous.erased {
		return nil
	}
	return eng.previous
}

// Tick performs epoch housekeeping: it erases the retiring epoch once
// its grace period has elapsed, and reports ErrEpochExpired if the
// current epoch outlived the hard ceiling without a rotation.
func (eng *Engine) Tick(now time.Time) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if eng.previous != nil && !eng.previous.erased && now.After(eng.previous.retireAt) {
		eng.previous.Erase()
		eng.previous = nil
	}
	if now.Sub(eng.current.createdAt) > eng.maxLifetime {
		return fmt.Errorf("%w: epoch %d age %s", ErrEpochExpired, eng.current.number, now.Sub(eng.current.createdAt))
	}
	return nil
}

// AddBytes accounts encoded bytes toward the rotation threshold and
// returns the running total for the current epoch.
func (eng *Engine) AddBytes(n int) uint64 {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	eng.bytesEncoded += uint64(n)
	return eng.bytesEncoded
}

// BytesEncoded returns bytes encoded under the current epoch.
func (eng *Engine) BytesEncoded() uint64 {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.bytesEncoded
}

// Close erases all live key material. No epoch survives teardown.
func (eng *Engine) Close() {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.current != nil {
		eng.current.Erase()
	}
	if eng.previous != nil {
		eng.previous.Erase()
	}
	for i := range eng.seed {
		eng.seed[i] = 0
	}
}
