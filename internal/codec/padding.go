package codec

import "fengni/internal/entropy"

// PaddingScheme names for Params.PaddingScheme.
const (
	PaddingRandom = "random"
	PaddingFixed  = "fixed"
	PaddingBurst  = "burst"
)

// PaddingGenerator draws per-frame padding lengths. The draw sequence
// is not derived from the salt: two encodings of the same frame under
// the same epoch differ, which is the point.
type PaddingGenerator struct {
	ranges []paddingRange
	index  int
}

type paddingRange struct {
	min int
	max int
}

// NewPaddingGenerator compiles a padding scheme. An unknown scheme
// falls back to random.
func NewPaddingGenerator(scheme string, min, max int) *PaddingGenerator {
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	g := &PaddingGenerator{}
	switch scheme {
	case PaddingFixed:
		g.ranges = []paddingRange{{min: max, max: max}}
	case PaddingBurst:
		// Mostly bare frames with an occasional large burst.
		g.ranges = []paddingRange{
			{min: 0, max: 0},
			{min: 0, max: 0},
			{min: 0, max: 0},
			{min: min, max: max},
		}
	default:
		g.ranges = []paddingRange{{min: min, max: max}}
	}
	return g
}

// Next returns the padding length for the next frame. dataLen is
// available for size-aware schemes; the stock schemes ignore it.
func (g *PaddingGenerator) Next(dataLen int) int {
	r := g.ranges[g.index%len(g.ranges)]
	g.index++
	if r.max <= r.min {
		return r.min
	}
	return r.min + int(entropy.Padding.Int64n(int64(r.max-r.min+1)))
}
