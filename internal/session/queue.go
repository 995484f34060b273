package session

import (
	"sync"

	"fengni/internal/fec"
)

// starveAfter bounds how many batches a non-empty lane may be skipped
// before its head is promoted regardless of priority.
const starveAfter = 3

// controlQueue orders outbound control messages by priority while
// guaranteeing low-priority lanes still drain under sustained
// high-priority pressure.
type controlQueue struct {
	mu    sync.Mutex
	lanes [4][]*fec.Message
	skips [4]int
}

func newControlQueue() *controlQueue { return &controlQueue{} }

func (q *controlQueue) Push(msg *fec.Message) {
	p := msg.Priority
	if p > fec.PriorityUrgent {
		p = fec.PriorityUrgent
	}
	q.mu.Lock()
	q.lanes[p] = append(q.lanes[p], msg)
	q.mu.Unlock()
}

// PopBatch removes up to max messages, highest priority first. Lanes
// starved for starveAfter consecutive batches contribute their head
// ahead of higher lanes.
func (q *controlQueue) PopBatch(max int) []*fec.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*fec.Message
	for p := int(fec.PriorityUrgent); p >= 0 && max > 0; p-- {
		if len(q.lanes[p]) == 0 || q.skips[p] < starveAfter {
			continue
		}
		out = append(out, q.lanes[p][0])
		q.lanes[p] = q.lanes[p][1:]
		q.skips[p] = 0
		max--
	}
	for p := int(fec.PriorityUrgent); p >= 0; p-- {
		if len(q.lanes[p]) == 0 {
			continue
		}
		if max == 0 {
			q.skips[p]++
			continue
		}
		n := len(q.lanes[p])
		if n > max {
			n = max
		}
		out = append(out, q.lanes[p][:n]...)
		q.lanes[p] = q.lanes[p][n:]
		q.skips[p] = 0
		max -= n
	}
	return out
}

func (q *controlQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, lane := range q.lanes {
		n += len(lane)
	}
	return n
}

func (q *controlQueue) HasUrgent() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes[fec.PriorityUrgent]) > 0
}
