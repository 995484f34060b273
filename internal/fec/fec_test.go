package fec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testMessages() []*Message {
	return []*Message{
		{
			Type:     MsgRotationAdvance,
			Priority: PriorityUrgent,
			Epoch:    7,
			Fresh:    []byte("fresh-rotation-entropy-32-bytes!"),
		},
		{
			Type:         MsgHeartbeat,
			Priority:     PriorityNormal,
			Epoch:        6,
			Timestamp:    time.Now().UnixNano(),
			LossPermille: 42,
		},
	}
}

func TestMessageMarshalRoundtrip(t *testing.T) {
	for _, msg := range []*Message{
		{Type: MsgRotationAdvance, Epoch: 1, Fresh: []byte("fresh-entropy-01")},
		{Type: MsgResyncProbe, Epoch: 3, Seq: 12345, ProbeID: 9},
		{Type: MsgResyncAck, Epoch: 4, Seq: 99, ProbeID: 9, Fresh: []byte("catchup-entropy!")},
		{Type: MsgHeartbeat, Epoch: 2, Timestamp: -5, LossPermille: 1000},
	} {
		got, n, err := UnmarshalMessage(msg.Marshal())
		require.NoError(t, err, "type %v", msg.Type)
		assert.Equal(t, len(msg.Marshal()), n)
		assert.Equal(t, msg.Type, got.Type)
		assert.Equal(t, msg.Epoch, got.Epoch)
		assert.Equal(t, msg.Seq, got.Seq)
		assert.Equal(t, msg.ProbeID, got.ProbeID)
		assert.Equal(t, msg.Timestamp, got.Timestamp)
		assert.Equal(t, msg.LossPermille, got.LossPermille)
		assert.Equal(t, msg.Fresh, got.Fresh)
	}
}

func TestMessageTruncatedRejected(t *testing.T) {
	full := (&Message{Type: MsgResyncProbe, Epoch: 3, Seq: 12345, ProbeID: 9}).Marshal()
	for cut := 0; cut < len(full); cut++ {
		_, _, err := UnmarshalMessage(full[:cut])
		assert.Error(t, err, "cut at %d", cut)
	}
}

func TestFragmentMarshalRoundtrip(t *testing.T) {
	f := &Fragment{BlockSeq: 42, Index: 3, K: 4, R: 2, Shard: []byte{1, 2, 3, 4, 5}}
	got, err := UnmarshalFragment(f.Marshal())
	require.NoError(t, err)
	assert.Equal(t, f.BlockSeq, got.BlockSeq)
	assert.Equal(t, f.Index, got.Index)
	assert.Equal(t, f.Shard, got.Shard)
}

func TestFragmentCorruptionRejected(t *testing.T) {
	f := &Fragment{BlockSeq: 42, Index: 3, K: 4, R: 2, Shard: []byte{1, 2, 3, 4, 5}}
	wire := f.Marshal()
	wire[len(wire)-1] ^= 0xFF
	_, err := UnmarshalFragment(wire)
	assert.ErrorIs(t, err, ErrFragmentCorrupt)
}

func TestEncodeBlockShardBounds(t *testing.T) {
	enc := NewEncoder()
	_, _, err := enc.EncodeBlock(testMessages(), 0, 2)
	assert.ErrorIs(t, err, ErrBadShardCount)
	_, _, err = enc.EncodeBlock(testMessages(), 4, 11)
	assert.ErrorIs(t, err, ErrBadShardCount)

	frags, _, err := enc.EncodeBlock(testMessages(), 4, 2)
	require.NoError(t, err)
	assert.Len(t, frags, 6)
}

func TestBlockSeqMonotonic(t *testing.T) {
	enc := NewEncoder()
	_, s0, err := enc.EncodeBlock(testMessages(), 2, 1)
	require.NoError(t, err)
	_, s1, err := enc.EncodeBlock(testMessages(), 2, 1)
	require.NoError(t, err)
	assert.Equal(t, s0+1, s1)
}

// Reconstruction must succeed for every loss pattern of at most r
// fragments.
func TestReassemblerRecoversAllLossPatterns(t *testing.T) {
	const k, r = 4, 2
	msgs := testMessages()
	now := time.Now()

	enc := NewEncoder()
	frags, _, err := enc.EncodeBlock(msgs, k, r)
	require.NoError(t, err)
	total := len(frags)

	// Every subset of exactly k surviving fragments.
	for pattern := 0; pattern < 1<<total; pattern++ {
		kept := 0
		for i := 0; i < total; i++ {
			if pattern&(1<<i) != 0 {
				kept++
			}
		}
		if kept != k {
			continue
		}

		ra := NewReassembler(time.Second)
		var recovered []*Message
		for i := 0; i < total; i++ {
			if pattern&(1<<i) == 0 {
				continue
			}
			out, err := ra.Ingest(frags[i].Marshal(), now)
			require.NoError(t, err, "pattern %b fragment %d", pattern, i)
			if out != nil {
				recovered = out
			}
		}
		require.Len(t, recovered, len(msgs), "pattern %b", pattern)
		assert.Equal(t, msgs[0].Type, recovered[0].Type)
		assert.Equal(t, msgs[0].Fresh, recovered[0].Fresh)
		assert.Equal(t, msgs[1].LossPermille, recovered[1].LossPermille)
	}
}

func TestReassemblerIgnoresDuplicatesAndStragglers(t *testing.T) {
	enc := NewEncoder()
	frags, _, err := enc.EncodeBlock(testMessages(), 2, 1)
	require.NoError(t, err)
	now := time.Now()

	ra := NewReassembler(time.Second)
	out, err := ra.Ingest(frags[0].Marshal(), now)
	require.NoError(t, err)
	assert.Nil(t, out)

	// Duplicate of a buffered fragment.
	out, err = ra.Ingest(frags[0].Marshal(), now)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = ra.Ingest(frags[1].Marshal(), now)
	require.NoError(t, err)
	require.NotNil(t, out, "k fragments must complete the block")

	// Straggler after completion must not re-deliver the batch.
	out, err = ra.Ingest(frags[2].Marshal(), now)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestReassemblerSweepsTimedOutBlocks(t *testing.T) {
	enc := NewEncoder()
	frags, blockSeq, err := enc.EncodeBlock(testMessages(), 4, 2)
	require.NoError(t, err)

	start := time.Now()
	ra := NewReassembler(100 * time.Millisecond)
	_, err = ra.Ingest(frags[0].Marshal(), start)
	require.NoError(t, err)
	assert.Equal(t, 1, ra.Pending())

	assert.Empty(t, ra.Sweep(start.Add(50*time.Millisecond)))
	timedOut := ra.Sweep(start.Add(200 * time.Millisecond))
	assert.Equal(t, []uint64{blockSeq}, timedOut)
	assert.Equal(t, 0, ra.Pending())
}

func TestReassemblerRejectsStragglersOfTimedOutBlock(t *testing.T) {
	enc := NewEncoder()
	frags, _, err := enc.EncodeBlock(testMessages(), 4, 2)
	require.NoError(t, err)

	start := time.Now()
	ra := NewReassembler(100 * time.Millisecond)
	_, err = ra.Ingest(frags[0].Marshal(), start)
	require.NoError(t, err)
	require.NotEmpty(t, ra.Sweep(start.Add(200*time.Millisecond)))

	// A straggler must not re-open a pending block that can never
	// complete.
	_, err = ra.Ingest(frags[1].Marshal(), start.Add(250*time.Millisecond))
	assert.ErrorIs(t, err, ErrBlockTimeout)
	assert.Equal(t, 0, ra.Pending())
}

func TestReassemblerRejectsInconsistentFragments(t *testing.T) {
	enc := NewEncoder()
	frags, _, err := enc.EncodeBlock(testMessages(), 2, 1)
	require.NoError(t, err)
	now := time.Now()

	ra := NewReassembler(time.Second)
	_, err = ra.Ingest(frags[0].Marshal(), now)
	require.NoError(t, err)

	// Same block, contradictory shard geometry.
	evil := &Fragment{BlockSeq: frags[0].BlockSeq, Index: 1, K: 3, R: 1,
		Shard: make([]byte, len(frags[0].Shard))}
	_, err = ra.Ingest(evil.Marshal(), now)
	assert.ErrorIs(t, err, ErrShardMismatch)
}

func TestRecoveryProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		k := rapid.IntRange(1, 8).Draw(t, "k")
		r := rapid.IntRange(1, 4).Draw(t, "r")
		losses := rapid.IntRange(0, r).Draw(t, "losses")

		msgs := []*Message{{
			Type:  MsgRotationAdvance,
			Epoch: rapid.Uint64().Draw(t, "epoch"),
			Fresh: rapid.SliceOfN(rapid.Byte(), 8, 64).Draw(t, "fresh"),
		}}

		enc := NewEncoder()
		frags, _, err := enc.EncodeBlock(msgs, k, r)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}

		drop := map[int]bool{}
		for len(drop) < losses {
			drop[rapid.IntRange(0, len(frags)-1).Draw(t, "drop")] = true
		}

		ra := NewReassembler(time.Second)
		now := time.Now()
		var recovered []*Message
		for i, f := range frags {
			if drop[i] {
				continue
			}
			out, err := ra.Ingest(f.Marshal(), now)
			if err != nil {
				t.Fatalf("ingest %d: %v", i, err)
			}
			if out != nil {
				recovered = out
			}
		}
		if len(recovered) != 1 {
			t.Fatalf("lost %d of %d fragments, recovered %d messages", losses, len(frags), len(recovered))
		}
		if recovered[0].Epoch != msgs[0].Epoch {
			t.Fatalf("epoch mismatch after recovery")
		}
	})
}
