package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaddingRandomWithinBounds(t *testing.T) {
	g := NewPaddingGenerator(PaddingRandom, 0, 64)
	for i := 0; i < 1000; i++ {
		n := g.Next(100)
		assert.GreaterOrEqual(t, n, 0)
		assert.LessOrEqual(t, n, 64)
	}
}

func TestPaddingFixed(t *testing.T) {
	g := NewPaddingGenerator(PaddingFixed, 0, 32)
	for i := 0; i < 10; i++ {
		assert.Equal(t, 32, g.Next(100))
	}
}

func TestPaddingBurstCycle(t *testing.T) {
	g := NewPaddingGenerator(PaddingBurst, 16, 64)
	// Three bare frames, then one padded burst, repeating.
	for cycle := 0; cycle < 4; cycle++ {
		assert.Equal(t, 0, g.Next(100))
		assert.Equal(t, 0, g.Next(100))
		assert.Equal(t, 0, g.Next(100))
		n := g.Next(100)
		assert.GreaterOrEqual(t, n, 16)
		assert.LessOrEqual(t, n, 64)
	}
}

func TestPaddingNegativeBoundsClamped(t *testing.T) {
	g := NewPaddingGenerator(PaddingRandom, -5, -1)
	assert.Equal(t, 0, g.Next(100))
}
