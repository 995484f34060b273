package fec

import (
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/reedsolomon"

	"fengni/internal/metrics"
)

// ErrBlockTimeout marks a fragment arriving for a block already
// discarded as incomplete past the timeout. Recovery of the contained
// control intent is the sender's retry policy, not this layer's.
var ErrBlockTimeout = fmt.Errorf("fec: block incomplete past timeout")

// completedRetention keeps completed and timed-out block numbers
// around so straggler fragments are ignored, not re-assembled into a
// fresh pending block.
const completedRetention = 30 * time.Second

type pendingBlock struct {
	k, r      int
	shardSize int
	shards    [][]byte
	received  int
	firstSeen time.Time
}

// Reassembler buffers fragments per block sequence number and
// reconstructs the control batch once any k distinct fragments have
// arrived.
type Reassembler struct {
	mu        sync.Mutex
	timeout   time.Duration
	blocks    map[uint64]*pendingBlock
	completed map[uint64]time.Time
	expired   map[uint64]time.Time
}

// NewReassembler creates a reassembler that discards blocks incomplete
// past timeout.
func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reassembler{
		timeout:   timeout,
		blocks:    make(map[uint64]*pendingBlock),
		completed: make(map[uint64]time.Time),
		expired:   make(map[uint64]time.Time),
	}
}

// Ingest feeds one fragment. When the fragment completes its block the
// reconstructed control messages are returned; otherwise nil.
func (ra *Reassembler) Ingest(payload []byte, now time.Time) ([]*Message, error) {
	frag, err := UnmarshalFragment(payload)
	if err != nil {
		metrics.IncFECFragmentsDropped()
		return nil, err
	}

	ra.mu.Lock()
	defer ra.mu.Unlock()

	if _, done := ra.completed[frag.BlockSeq]; done {
		return nil, nil
	}
	if _, gone := ra.expired[frag.BlockSeq]; gone {
		metrics.IncFECFragmentsDropped()
		return nil, fmt.Errorf("%w: block %d", ErrBlockTimeout, frag.BlockSeq)
	}

	blk, ok := ra.blocks[frag.BlockSeq]
	if !ok {
		blk = &pendingBlock{
			k:         int(frag.K),
			r:         int(frag.R),
			shardSize: len(frag.Shard),
			shards:    make([][]byte, int(frag.K)+int(frag.R)),
			firstSeen: now,
		}
		ra.blocks[frag.BlockSeq] = blk
	}

	if int(frag.K) != blk.k || int(frag.R) != blk.r || len(frag.Shard) != blk.shardSize {
		metrics.IncFECFragmentsDropped()
		return nil, fmt.Errorf("%w: block %d", ErrShardMismatch, frag.BlockSeq)
	}
	if blk.shards[frag.Index] != nil {
		// Duplicate fragment, already buffered.
		return nil, nil
	}
	blk.shards[frag.Index] = frag.Shard
	blk.received++

	if blk.received < blk.k {
		return nil, nil
	}

	msgs, err := reconstruct(blk)
	delete(ra.blocks, frag.BlockSeq)
	if err != nil {
		return nil, err
	}
	ra.completed[frag.BlockSeq] = now
	metrics.IncFECBlocksRecovered()
	return msgs, nil
}

func reconstruct(blk *pendingBlock) ([]*Message, error) {
	rs, err := reedsolomon.New(blk.k, blk.r)
	if err != nil {
		return nil, fmt.Errorf("fec: codec init: %w", err)
	}
	if err := rs.Reconstruct(blk.shards); err != nil {
		return nil, fmt.Errorf("fec: reconstruct: %w", err)
	}
	payload := make([]byte, 0, blk.k*blk.shardSize)
	for i := 0; i < blk.k; i++ {
		payload = append(payload, blk.shards[i]...)
	}
	return unmarshalBatch(payload)
}

// Sweep discards blocks incomplete past the timeout and prunes the
// completed set. Returns the discarded block sequence numbers.
func (ra *Reassembler) Sweep(now time.Time) []uint64 {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	var timedOut []uint64
	for seq, blk := range ra.blocks {
		if now.Sub(blk.firstSeen) > ra.timeout {
			delete(ra.blocks, seq)
			ra.expired[seq] = now
			timedOut = append(timedOut, seq)
			metrics.IncFECBlocksTimedOut()
		}
	}
	for seq, at := range ra.completed {
		if now.Sub(at) > completedRetention {
			delete(ra.completed, seq)
		}
	}
	for seq, at := range ra.expired {
		if now.Sub(at) > completedRetention {
			delete(ra.expired, seq)
		}
	}
	return timedOut
}

// Pending returns the number of blocks still collecting fragments.
func (ra *Reassembler) Pending() int {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return len(ra.blocks)
}

// Abort drops all in-progress block assembly. Called at session
// teardown; no background work survives it.
func (ra *Reassembler) Abort() {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.blocks = make(map[uint64]*pendingBlock)
	ra.completed = make(map[uint64]time.Time)
	ra.expired = make(map[uint64]time.Time)
}
