package codec

// WindowResult classifies a sequence number against the replay window.
type WindowResult int

const (
	// WindowAccept: fresh sequence number, safe to accept.
	WindowAccept WindowResult = iota
	// WindowReplay: already seen or below the window base.
	WindowReplay
	// WindowFarFuture: so far ahead of the window that it is evidence
	// of desynchronization rather than ordinary reordering.
	WindowFarFuture
)

// farFutureFactor scales the window size into the desync horizon.
const farFutureFactor = 4

// Window is a sliding bitmap of recently accepted sequence numbers.
// It rejects replays and flags far-future numbers; it never reorders.
// Callers hold their own lock.
type Window struct {
	size   uint64
	base   uint64
	bitmap []uint64
}

// NewWindow creates a window covering size sequence numbers.
func NewWindow(size uint64) *Window {
	if size == 0 {
		size = 1024
	}
	return &Window{
		size:   size,
		bitmap: make([]uint64, (size+63)/64),
	}
}

// Base returns the lowest acceptable sequence number.
func (w *Window) Base() uint64 { return w.base }

// Check classifies seq without mutating the window.
func (w *Window) Check(seq uint64) WindowResult {
	if seq < w.base {
		return WindowReplay
	}
	offset := seq - w.base
	if offset >= w.size*farFutureFactor {
		return WindowFarFuture
	}
	if offset >= w.size {
		// Ahead of the window but within the horizon: accepting it
		// will shift the window forward.
		return WindowAccept
	}
	if w.bitmap[offset/64]&(1<<(offset%64)) != 0 {
		return WindowReplay
	}
	return WindowAccept
}

// Mark records seq as accepted, shifting the window forward if needed.
func (w *Window) Mark(seq uint64) {
	if seq < w.base {
		return
	}
	if seq >= w.base+w.size {
		w.shift(seq - w.base - w.size + 1)
	}
	offset := seq - w.base
	if offset >= w.size {
		return
	}
	w.bitmap[offset/64] |= 1 << (offset % 64)
}

// Reset rebaselines the window at base with no accepted history. Used
// once a resync exchange agrees a new sequence baseline.
func (w *Window) Reset(base uint64) {
	w.base = base
	for i := range w.bitmap {
		w.bitmap[i] = 0
	}
}

func (w *Window) shift(delta uint64) {
	if delta == 0 {
		return
	}
	words := delta / 64
	bits := delta % 64

	if words >= uint64(len(w.bitmap)) {
		for i := range w.bitmap {
			w.bitmap[i] = 0
		}
	} else {
		copy(w.bitmap, w.bitmap[words:])
		for i := len(w.bitmap) - int(words); i < len(w.bitmap); i++ {
			w.bitmap[i] = 0
		}
		if bits > 0 {
			for i := 0; i < len(w.bitmap)-1; i++ {
				w.bitmap[i] = (w.bitmap[i] >> bits) | (w.bitmap[i+1] << (64 - bits))
			}
			w.bitmap[len(w.bitmap)-1] >>= bits
		}
	}
	w.base += delta
}
