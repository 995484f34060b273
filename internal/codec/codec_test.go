package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"fengni/internal/entropy"
)

var codecSecret = []byte("codec-test-shared-secret-bytes")

func newTestEngine(t testing.TB) *entropy.Engine {
	t.Helper()
	eng, err := entropy.Initialize(codecSecret, 10*time.Second, time.Hour)
	require.NoError(t, err)
	return eng
}

func defaultParams() Params {
	return Params{LayoutCount: 8, PaddingBound: 64, PaddingScheme: PaddingRandom, WindowSize: 1024}
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	eng := newTestEngine(t)
	enc := NewEncoder("c2s", defaultParams())
	dec := NewDecoder("c2s", defaultParams())

	payload := []byte("the payload under test")
	raw, seq, err := enc.Encode(eng.Current(), TypeData, payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	frame, err := dec.Decode(raw, eng.Current(), eng.Previous())
	require.NoError(t, err)
	assert.Equal(t, TypeData, frame.Type)
	assert.Equal(t, uint64(0), frame.Seq)
	assert.Equal(t, uint64(0), frame.Epoch)
	assert.Equal(t, payload, frame.Payload)
}

func TestEncodeEmptyAndLargePayloads(t *testing.T) {
	eng := newTestEngine(t)
	enc := NewEncoder("c2s", defaultParams())
	dec := NewDecoder("c2s", defaultParams())

	for _, payload := range [][]byte{{}, bytes.Repeat([]byte{0xAB}, 32*1024)} {
		raw, _, err := enc.Encode(eng.Current(), TypeData, payload)
		require.NoError(t, err)
		frame, err := dec.Decode(raw, eng.Current(), eng.Previous())
		require.NoError(t, err)
		assert.Equal(t, len(payload), len(frame.Payload))
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	eng := newTestEngine(t)
	enc := NewEncoder("c2s", defaultParams())
	_, _, err := enc.Encode(eng.Current(), TypeData, make([]byte, MaxFrameSize))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEncodingsOfSamePayloadDiffer(t *testing.T) {
	eng := newTestEngine(t)
	enc := NewEncoder("c2s", defaultParams())

	payload := []byte("identical payload")
	a, _, err := enc.Encode(eng.Current(), TypeData, payload)
	require.NoError(t, err)
	b, _, err := enc.Encode(eng.Current(), TypeData, payload)
	require.NoError(t, err)

	// Different sequence numbers alone force different ciphertext, and
	// random padding usually changes the length as well.
	assert.NotEqual(t, a, b)
}

func TestTamperedFrameRejected(t *testing.T) {
	eng := newTestEngine(t)
	// No padding: every wire byte is header or sealed ciphertext, so
	// any flip must break authentication.
	params := defaultParams()
	params.PaddingBound = 0
	enc := NewEncoder("c2s", params)

	raw, _, err := enc.Encode(eng.Current(), TypeData, []byte("payload"))
	require.NoError(t, err)

	for _, pos := range []int{0, len(raw) / 2, len(raw) - 1} {
		dec := NewDecoder("c2s", defaultParams())
		mangled := append([]byte(nil), raw...)
		mangled[pos] ^= 0x01
		_, err := dec.Decode(mangled, eng.Current(), eng.Previous())
		assert.ErrorIs(t, err, ErrDecodeFailure, "flip at %d must not authenticate", pos)
	}
}

func TestReplayRejected(t *testing.T) {
	eng := newTestEngine(t)
	enc := NewEncoder("c2s", defaultParams())
	dec := NewDecoder("c2s", defaultParams())

	raw, _, err := enc.Encode(eng.Current(), TypeData, []byte("once"))
	require.NoError(t, err)

	_, err = dec.Decode(raw, eng.Current(), eng.Previous())
	require.NoError(t, err)
	_, err = dec.Decode(raw, eng.Current(), eng.Previous())
	assert.ErrorIs(t, err, ErrReplayDetected)
}

func TestDirectionSeparation(t *testing.T) {
	eng := newTestEngine(t)
	enc := NewEncoder("c2s", defaultParams())
	wrongDec := NewDecoder("s2c", defaultParams())

	raw, _, err := enc.Encode(eng.Current(), TypeData, []byte("payload"))
	require.NoError(t, err)
	_, err = wrongDec.Decode(raw, eng.Current(), eng.Previous())
	assert.ErrorIs(t, err, ErrDecodeFailure, "the opposite direction must not decode")
}

func TestDecodeUnderRetiringEpoch(t *testing.T) {
	// Sender still on epoch 0, receiver already rotated to 1: within
	// the grace period the receiver accepts epoch-0 frames.
	sender := newTestEngine(t)
	receiver := newTestEngine(t)
	enc := NewEncoder("c2s", defaultParams())
	dec := NewDecoder("c2s", defaultParams())

	raw, _, err := enc.Encode(sender.Current(), TypeData, []byte("late frame"))
	require.NoError(t, err)

	_, err = receiver.RotateTo(1, []byte("fresh-entropy-01"))
	require.NoError(t, err)

	frame, err := dec.Decode(raw, receiver.Current(), receiver.Previous())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), frame.Epoch)
}

func TestDecodeFailsAcrossRotationWithoutGrace(t *testing.T) {
	sender := newTestEngine(t)
	receiver := newTestEngine(t)
	enc := NewEncoder("c2s", defaultParams())
	dec := NewDecoder("c2s", defaultParams())

	_, err := sender.Rotate([]byte("fresh-entropy-01"))
	require.NoError(t, err)
	raw, _, err := enc.Encode(sender.Current(), TypeData, []byte("from the future"))
	require.NoError(t, err)

	// Receiver never saw the rotation-advance.
	_, err = dec.Decode(raw, receiver.Current(), receiver.Previous())
	assert.ErrorIs(t, err, ErrDecodeFailure)
}

func TestWireShapeChangesAcrossEpochs(t *testing.T) {
	eng := newTestEngine(t)
	params := defaultParams()
	params.PaddingBound = 0 // keep lengths comparable
	enc := NewEncoder("c2s", params)

	a, _, err := enc.Encode(eng.Current(), TypeData, []byte("shape probe"))
	require.NoError(t, err)
	_, err = eng.Rotate([]byte("fresh-entropy-01"))
	require.NoError(t, err)
	b, _, err := enc.Encode(eng.Current(), TypeData, []byte("shape probe"))
	require.NoError(t, err)

	// Same plaintext: header bytes differ because mask and layout are
	// salt-derived.
	assert.NotEqual(t, a[:8], b[:8], "masked headers must differ across epochs")
}

func TestCompressionRoundtrip(t *testing.T) {
	eng := newTestEngine(t)
	params := defaultParams()
	params.Compress = true
	enc := NewEncoder("c2s", params)
	dec := NewDecoder("c2s", params)

	// Highly repetitive payload compresses; random payload does not.
	compressible := bytes.Repeat([]byte("abcdefgh"), 512)
	raw, _, err := enc.Encode(eng.Current(), TypeData, compressible)
	require.NoError(t, err)
	assert.Less(t, len(raw), len(compressible), "repetitive payload should shrink on the wire")

	frame, err := dec.Decode(raw, eng.Current(), eng.Previous())
	require.NoError(t, err)
	assert.Equal(t, compressible, frame.Payload)

	short := []byte("tiny")
	raw, _, err = enc.Encode(eng.Current(), TypeData, short)
	require.NoError(t, err)
	frame, err = dec.Decode(raw, eng.Current(), eng.Previous())
	require.NoError(t, err)
	assert.Equal(t, short, frame.Payload)
}

func TestLengthMaskStableAndDirectional(t *testing.T) {
	eng := newTestEngine(t)
	ep := eng.Current()
	assert.Equal(t, LengthMask(ep, "c2s"), LengthMask(ep, "c2s"))
	assert.NotEqual(t, LengthMask(ep, "c2s"), LengthMask(ep, "s2c"))
	assert.Equal(t, LengthMask(ep, "c2s"), LengthMaskFromSalt(ep.DirectionSalt("c2s")))
}

func TestRoundtripProperty(t *testing.T) {
	eng := newTestEngine(t)
	params := defaultParams()
	enc := NewEncoder("c2s", params)
	dec := NewDecoder("c2s", params)

	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "payload")
		typ := FrameType(rapid.IntRange(0, 2).Draw(t, "type"))

		raw, seq, err := enc.Encode(eng.Current(), typ, payload)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		frame, err := dec.Decode(raw, eng.Current(), eng.Previous())
		if err != nil {
			t.Fatalf("decode seq %d: %v", seq, err)
		}
		if frame.Type != typ {
			t.Fatalf("type mismatch: sent %v got %v", typ, frame.Type)
		}
		if frame.Seq != seq {
			t.Fatalf("seq mismatch: sent %d got %d", seq, frame.Seq)
		}
		if !bytes.Equal(frame.Payload, payload) {
			t.Fatalf("payload mismatch at seq %d", seq)
		}
	})
}

func TestLayoutTableShape(t *testing.T) {
	assert.Equal(t, 8, MaxLayouts)
	for i, row := range layouts {
		var seen [numFields]bool
		for _, f := range row {
			seen[f] = true
		}
		for f, ok := range seen {
			assert.True(t, ok, "layout %d misses field %d", i, f)
		}
	}
}
