package fec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/klauspost/reedsolomon"

	"fengni/internal/metrics"
)

// Shard count bounds. One byte each on the wire.
const (
	MinDataShards   = 1
	MaxDataShards   = 20
	MinParityShards = 1
	MaxParityShards = 10
)

var (
	ErrBadShardCount     = errors.New("fec: shard count out of range")
	ErrFragmentCorrupt   = errors.New("fec: fragment failed integrity check")
	ErrFragmentTruncated = errors.New("fec: truncated fragment")
	ErrShardMismatch     = errors.New("fec: fragment inconsistent with block")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Fragment is one shard of a block, carried as the payload of a single
// control frame.
type Fragment struct {
	BlockSeq uint64
	Index    byte
	K        byte
	R        byte
	Shard    []byte
}

// Marshal encodes the fragment:
// [block_seq varint][index 1B][k 1B][r 1B][crc32 4B][shard].
func (f *Fragment) Marshal() []byte {
	buf := binary.AppendUvarint(nil, f.BlockSeq)
	buf = append(buf, f.Index, f.K, f.R)
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], f.checksum())
	buf = append(buf, crc[:]...)
	return append(buf, f.Shard...)
}

// checksum covers the header fields and the shard so a fragment that
// was corrupted-then-delivered, or mis-associated with a block, is
// dropped before it can poison reconstruction.
func (f *Fragment) checksum() uint32 {
	var hdr [11]byte
	binary.BigEndian.PutUint64(hdr[:8], f.BlockSeq)
	hdr[8], hdr[9], hdr[10] = f.Index, f.K, f.R
	crc := crc32.Update(0, crcTable, hdr[:])
	return crc32.Update(crc, crcTable, f.Shard)
}

// UnmarshalFragment decodes and integrity-checks a fragment.
func UnmarshalFragment(buf []byte) (*Fragment, error) {
	blockSeq, n := binary.Uvarint(buf)
	if n <= 0 || len(buf) < n+7 {
		return nil, ErrFragmentTruncated
	}
	f := &Fragment{
		BlockSeq: blockSeq,
		Index:    buf[n],
		K:        buf[n+1],
		R:        buf[n+2],
	}
	want := binary.BigEndian.Uint32(buf[n+3 : n+7])
	f.Shard = append([]byte(nil), buf[n+7:]...)
	if len(f.Shard) == 0 {
		return nil, ErrFragmentTruncated
	}
	if f.checksum() != want {
		return nil, ErrFragmentCorrupt
	}
	if int(f.K) < MinDataShards || int(f.K) > MaxDataShards ||
		int(f.R) < MinParityShards || int(f.R) > MaxParityShards ||
		int(f.Index) >= int(f.K)+int(f.R) {
		return nil, ErrShardMismatch
	}
	return f, nil
}

// Encoder shards control message batches into FEC blocks.
type Encoder struct {
	mu        sync.Mutex
	nextBlock uint64
}

// NewEncoder creates a block encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// EncodeBlock shards msgs into k data and r parity fragments. Any k of
// the returned fragments reconstruct the batch.
func (e *Encoder) EncodeBlock(msgs []*Message, k, r int) ([]*Fragment, uint64, error) {
	if k < MinDataShards || k > MaxDataShards || r < MinParityShards || r > MaxParityShards {
		return nil, 0, fmt.Errorf("%w: k=%d r=%d", ErrBadShardCount, k, r)
	}

	payload := marshalBatch(msgs)
	shardSize := (len(payload) + k - 1) / k
	if shardSize == 0 {
		shardSize = 1
	}

	shards := make([][]byte, k+r)
	for i := range shards {
		shards[i] = make([]byte, shardSize)
	}
	for i := 0; i < k; i++ {
		start := i * shardSize
		if start < len(payload) {
			end := start + shardSize
			if end > len(payload) {
				end = len(payload)
			}
			copy(shards[i], payload[start:end])
		}
	}

	rs, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, 0, fmt.Errorf("fec: codec init: %w", err)
	}
	if err := rs.Encode(shards); err != nil {
		return nil, 0, fmt.Errorf("fec: encode: %w", err)
	}

	e.mu.Lock()
	blockSeq := e.nextBlock
	e.nextBlock++
	e.mu.Unlock()

	frags := make([]*Fragment, k+r)
	for i, shard := range shards {
		frags[i] = &Fragment{
			BlockSeq: blockSeq,
			Index:    byte(i),
			K:        byte(k),
			R:        byte(r),
			Shard:    shard,
		}
	}
	metrics.IncFECBlocksSent()
	return frags, blockSeq, nil
}
