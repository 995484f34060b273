// Package codec transforms logical frames into obfuscated wire bytes
// and back. The byte-level shape of a frame (field ordering, header
// masking, padding amount) is a function of the rotating salt of the
// epoch it was encoded under, so no fixed signature survives a
// rotation.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxFrameSize bounds one encoded frame on the wire.
const MaxFrameSize = 64 * 1024

// TagSize is the AEAD authentication tag length.
const TagSize = 16

// FrameType tags the logical content of a frame.
type FrameType byte

const (
	// TypeData carries opaque application payload.
	TypeData FrameType = 0
	// TypeControl carries one FEC fragment of a control block.
	TypeControl FrameType = 1
	// TypePadding carries junk; receivers drop it after decode.
	TypePadding FrameType = 2
)

const (
	typeMask       = 0x03
	flagCompressed = 0x04
)

func (t FrameType) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeControl:
		return "control"
	case TypePadding:
		return "padding"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// Frame is the logical unit placed on the wire.
type Frame struct {
	Epoch   uint64
	Type    FrameType
	Seq     uint64
	Payload []byte
}

var (
	// ErrDecodeFailure means the bytes did not authenticate under the
	// current or the retiring epoch. Recoverable per frame; callers
	// absorb it as desync evidence, never as a connection error.
	ErrDecodeFailure = errors.New("codec: frame did not decode under any live epoch")
	// ErrReplayDetected means the sequence number was already accepted.
	ErrReplayDetected = errors.New("codec: sequence number replayed")
	// ErrOutOfWindow means the sequence number is too far ahead of the
	// expected window; evidence of desynchronization.
	ErrOutOfWindow = errors.New("codec: sequence number far outside expected window")
	// ErrFrameTooLarge means the payload plus padding would exceed
	// MaxFrameSize.
	ErrFrameTooLarge = errors.New("codec: frame exceeds maximum size")
)

// Header field indices for layout permutations.
const (
	fieldEpoch = iota
	fieldType
	fieldSeq
	fieldLen
	fieldPad
	numFields
)

// layouts enumerates the negotiable header field orderings. Both peers
// index into the same table; the active row is selected by the epoch
// salt. MaxLayouts bounds the negotiated layout_count.
var layouts = [8][numFields]int{
	{fieldEpoch, fieldType, fieldSeq, fieldLen, fieldPad},
	{fieldSeq, fieldEpoch, fieldType, fieldPad, fieldLen},
	{fieldType, fieldLen, fieldEpoch, fieldSeq, fieldPad},
	{fieldPad, fieldSeq, fieldLen, fieldType, fieldEpoch},
	{fieldLen, fieldPad, fieldType, fieldEpoch, fieldSeq},
	{fieldEpoch, fieldSeq, fieldPad, fieldType, fieldLen},
	{fieldSeq, fieldLen, fieldEpoch, fieldPad, fieldType},
	{fieldType, fieldEpoch, fieldPad, fieldLen, fieldSeq},
}

// MaxLayouts is the size of the layout permutation table.
const MaxLayouts = len(layouts)

// canonicalHeader encodes the header fields in canonical order. It is
// the AEAD associated data for the frame regardless of the wire
// permutation, binding the logical fields to the ciphertext.
func canonicalHeader(epoch uint64, typ byte, seq uint64, payloadLen, padLen int) []byte {
	buf := make([]byte, 0, 32)
	buf = binary.AppendUvarint(buf, epoch)
	buf = append(buf, typ)
	buf = binary.AppendUvarint(buf, seq)
	buf = binary.AppendUvarint(buf, uint64(payloadLen))
	buf = binary.AppendUvarint(buf, uint64(padLen))
	return buf
}

// maskedReader reads varints and bytes from a buffer while XORing a
// positional keystream, so header bytes can be unmasked incrementally
// without knowing the header length up front.
type maskedReader struct {
	buf  []byte
	mask []byte
	pos  int
}

var errShortHeader = errors.New("codec: truncated header")

func (r *maskedReader) byte() (byte, error) {
	if r.pos >= len(r.buf) || r.pos >= len(r.mask) {
		return 0, errShortHeader
	}
	b := r.buf[r.pos] ^ r.mask[r.pos]
	r.pos++
	return b, nil
}

func (r *maskedReader) uvarint() (uint64, error) {
	var x uint64
	var s uint
	for i := 0; ; i++ {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		if i == binary.MaxVarintLen64 {
			return 0, errShortHeader
		}
		if b < 0x80 {
			if i == binary.MaxVarintLen64-1 && b > 1 {
				return 0, errShortHeader
			}
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
}

// appendMasked appends src XORed with mask starting at offset base.
func appendMasked(dst, src, mask []byte, base int) []byte {
	for i, b := range src {
		dst = append(dst, b^mask[base+i])
	}
	return dst
}
