package codec

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"fengni/internal/entropy"
	"fengni/internal/metrics"
)

// Params are the negotiated obfuscation parameters. Both peers must
// agree on them at session setup; they are read-only afterwards.
type Params struct {
	// LayoutCount is how many rows of the layout table are in play.
	LayoutCount int
	// PaddingBound caps the random padding appended per frame.
	PaddingBound int
	// PaddingScheme selects the padding draw distribution.
	PaddingScheme string
	// Compress enables LZ4 payload compression before sealing.
	Compress bool
	// WindowSize is the replay window size in sequence numbers.
	WindowSize uint64
}

func (p *Params) sanitize() {
	if p.LayoutCount < 1 || p.LayoutCount > MaxLayouts {
		p.LayoutCount = MaxLayouts
	}
	if p.PaddingBound < 0 {
		p.PaddingBound = 0
	}
	if p.WindowSize == 0 {
		p.WindowSize = 1024
	}
}

// material is the per-(epoch, direction) derived state: AEAD key,
// header layout and masking keystream. Cached so derivation happens
// once per epoch, not per frame.
type material struct {
	epoch   uint64
	aead    cipher.AEAD
	layout  [numFields]int
	hdrMask []byte
	lenMask [4]byte
}

const hdrMaskLen = 64

func deriveMaterial(ep *entropy.Epoch, label string, layoutCount int) (*material, error) {
	key := ep.Key()
	if key == nil {
		return nil, fmt.Errorf("codec: epoch %d already erased", ep.Number())
	}
	dirSalt := ep.DirectionSalt(label)

	var aeadKey [32]byte
	kdf := hkdf.New(sha256.New, key, dirSalt, []byte("frame key"))
	if _, err := io.ReadFull(kdf, aeadKey[:]); err != nil {
		return nil, fmt.Errorf("codec: frame key derivation: %w", err)
	}
	aead, err := chacha20poly1305.New(aeadKey[:])
	if err != nil {
		return nil, fmt.Errorf("codec: aead init: %w", err)
	}

	m := &material{
		epoch:   ep.Number(),
		aead:    aead,
		hdrMask: entropy.Keystream(dirSalt, "header mask", hdrMaskLen),
	}
	sel := entropy.Keystream(dirSalt, "layout", 1)
	m.layout = layouts[int(sel[0])%layoutCount]
	copy(m.lenMask[:], entropy.Keystream(dirSalt, "length mask", 4))
	return m, nil
}

type materialCache struct {
	label       string
	layoutCount int
	mats        map[uint64]*material
}

func newMaterialCache(label string, layoutCount int) *materialCache {
	return &materialCache{label: label, layoutCount: layoutCount, mats: make(map[uint64]*material)}
}

func (c *materialCache) get(ep *entropy.Epoch) (*material, error) {
	if m, ok := c.mats[ep.Number()]; ok {
		return m, nil
	}
	m, err := deriveMaterial(ep, c.label, c.layoutCount)
	if err != nil {
		return nil, err
	}
	c.mats[ep.Number()] = m
	// At most two epochs are ever live.
	if len(c.mats) > 3 {
		for n := range c.mats {
			if n+1 < ep.Number() {
				delete(c.mats, n)
			}
		}
	}
	return m, nil
}

// Encoder produces obfuscated frames for one direction of a session.
// The session coordinator serializes calls per direction; the internal
// lock only guards the material cache against the control path.
type Encoder struct {
	mu      sync.Mutex
	params  Params
	pad     *PaddingGenerator
	cache   *materialCache
	nextSeq uint64
}

// NewEncoder creates an encoder for the direction named by label.
// Both peers must use the same label for the same direction.
func NewEncoder(label string, params Params) *Encoder {
	params.sanitize()
	return &Encoder{
		params: params,
		pad:    NewPaddingGenerator(params.PaddingScheme, 0, params.PaddingBound),
		cache:  newMaterialCache(label, params.LayoutCount),
	}
}

// NextSeq returns the sequence number the next frame will carry.
func (e *Encoder) NextSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextSeq
}

// Encode seals payload into an obfuscated frame under ep. Sequence
// numbers are strictly increasing per encoder.
func (e *Encoder) Encode(ep *entropy.Epoch, typ FrameType, payload []byte) ([]byte, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.cache.get(ep)
	if err != nil {
		return nil, 0, err
	}

	seq := e.nextSeq
	typeByte := byte(typ) & typeMask
	body := payload
	if e.params.Compress {
		if c, ok := compress(payload); ok {
			body = c
			typeByte |= flagCompressed
		}
	}

	padLen := e.pad.Next(len(body))
	if len(body)+padLen+TagSize+hdrMaskLen > MaxFrameSize {
		return nil, 0, fmt.Errorf("%w: payload %d, padding %d", ErrFrameTooLarge, len(body), padLen)
	}

	aad := canonicalHeader(ep.Number(), typeByte, seq, len(body), padLen)

	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint32(nonce[0:4], uint32(ep.Number()))
	binary.BigEndian.PutUint64(nonce[4:12], seq)

	// Wire header: fields in the salt-selected order, masked.
	fields := headerFields(ep.Number(), typeByte, seq, len(body), padLen)
	out := make([]byte, 0, len(aad)+len(body)+TagSize+padLen)
	for _, f := range m.layout {
		out = appendMasked(out, fields[f], m.hdrMask, len(out))
	}

	out = m.aead.Seal(out, nonce[:], body, aad)

	if padLen > 0 {
		junk := make([]byte, padLen)
		_, _ = entropy.Padding.Read(junk)
		out = append(out, junk...)
		metrics.AddPaddingBytes(int64(padLen))
	}

	e.nextSeq++
	metrics.IncFramesEncoded()
	metrics.AddBytesEncoded(int64(len(out)))
	return out, seq, nil
}

// headerFields returns each field's canonical byte encoding, indexed by
// field constant.
func headerFields(epoch uint64, typeByte byte, seq uint64, payloadLen, padLen int) [numFields][]byte {
	var f [numFields][]byte
	f[fieldEpoch] = binary.AppendUvarint(nil, epoch)
	f[fieldType] = []byte{typeByte}
	f[fieldSeq] = binary.AppendUvarint(nil, seq)
	f[fieldLen] = binary.AppendUvarint(nil, uint64(payloadLen))
	f[fieldPad] = binary.AppendUvarint(nil, uint64(padLen))
	return f
}

// Decoder recovers logical frames for one direction of a session and
// enforces sequence monotonicity through its replay window.
type Decoder struct {
	mu     sync.Mutex
	params Params
	cache  *materialCache
	window *Window
}

// NewDecoder creates a decoder for the direction named by label.
func NewDecoder(label string, params Params) *Decoder {
	params.sanitize()
	return &Decoder{
		params: params,
		cache:  newMaterialCache(label, params.LayoutCount),
		window: NewWindow(params.WindowSize),
	}
}

// ResetWindow rebaselines the replay window after a resync exchange.
func (d *Decoder) ResetWindow(baseline uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window.Reset(baseline)
}

// Expected returns the replay window base, the next sequence number the
// decoder considers current.
func (d *Decoder) Expected() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.window.Base()
}

// Decode attempts raw against the current epoch, then the retiring one.
// Authentication failure under both yields ErrDecodeFailure. A decoded
// frame with a stale sequence yields ErrReplayDetected; one too far
// ahead yields the frame together with ErrOutOfWindow so the caller can
// treat it as desync evidence.
func (d *Decoder) Decode(raw []byte, current, previous *entropy.Epoch) (*Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	metrics.AddBytesDecoded(int64(len(raw)))

	for _, ep := range []*entropy.Epoch{current, previous} {
		if ep == nil {
			continue
		}
		frame, ok := d.tryEpoch(raw, ep)
		if !ok {
			continue
		}
		switch d.window.Check(frame.Seq) {
		case WindowAccept:
			d.window.Mark(frame.Seq)
			metrics.IncFramesDecoded()
			return frame, nil
		case WindowReplay:
			metrics.IncReplaysDropped()
			return nil, fmt.Errorf("%w: seq %d below window base %d", ErrReplayDetected, frame.Seq, d.window.Base())
		case WindowFarFuture:
			return frame, fmt.Errorf("%w: seq %d, window base %d", ErrOutOfWindow, frame.Seq, d.window.Base())
		}
	}
	metrics.IncDecodeFailures()
	return nil, ErrDecodeFailure
}

func (d *Decoder) tryEpoch(raw []byte, ep *entropy.Epoch) (*Frame, bool) {
	m, err := d.cache.get(ep)
	if err != nil {
		return nil, false
	}

	r := &maskedReader{buf: raw, mask: m.hdrMask}
	var epoch, seq uint64
	var typeByte byte
	var payloadLen, padLen uint64
	for _, f := range m.layout {
		switch f {
		case fieldEpoch:
			epoch, err = r.uvarint()
		case fieldType:
			typeByte, err = r.byte()
		case fieldSeq:
			seq, err = r.uvarint()
		case fieldLen:
			payloadLen, err = r.uvarint()
		case fieldPad:
			padLen, err = r.uvarint()
		}
		if err != nil {
			return nil, false
		}
	}
	if epoch != ep.Number() {
		return nil, false
	}
	hdrLen := r.pos
	if payloadLen > MaxFrameSize || padLen > MaxFrameSize {
		return nil, false
	}
	total := hdrLen + int(payloadLen) + TagSize + int(padLen)
	if len(raw) != total {
		return nil, false
	}

	aad := canonicalHeader(epoch, typeByte, seq, int(payloadLen), int(padLen))

	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint32(nonce[0:4], uint32(epoch))
	binary.BigEndian.PutUint64(nonce[4:12], seq)

	ct := raw[hdrLen : hdrLen+int(payloadLen)+TagSize]
	body, err := m.aead.Open(nil, nonce[:], ct, aad)
	if err != nil {
		return nil, false
	}
	if typeByte&flagCompressed != 0 {
		body, err = decompress(body)
		if err != nil {
			return nil, false
		}
	}
	return &Frame{
		Epoch:   epoch,
		Type:    FrameType(typeByte & typeMask),
		Seq:     seq,
		Payload: body,
	}, true
}

// LengthMask returns the 4-byte carrier length mask for ep in this
// direction, used by stream carriers to obfuscate the frame length
// word.
func LengthMask(ep *entropy.Epoch, label string) [4]byte {
	return LengthMaskFromSalt(ep.DirectionSalt(label))
}

// LengthMaskFromSalt derives the length mask directly from a direction
// salt, letting carriers compute masks for epochs they have not yet
// rotated into.
func LengthMaskFromSalt(dirSalt []byte) [4]byte {
	var mask [4]byte
	copy(mask[:], entropy.Keystream(dirSalt, "length mask", 4))
	return mask
}
