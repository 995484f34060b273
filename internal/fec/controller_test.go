package fec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// backdate rewinds the hysteresis clocks so an evaluation is due on
// the next sample.
func backdate(c *Controller) {
	c.mu.Lock()
	c.lastAdjustTime = time.Now().Add(-2 * adjustCooldown)
	c.lastEvalTime = time.Now().Add(-2 * evalInterval)
	c.mu.Unlock()
}

func TestControllerStartsAtMinimumParity(t *testing.T) {
	c := NewController(4, 2, 6)
	k, r := c.Shards()
	assert.Equal(t, 4, k)
	assert.Equal(t, 2, r)
}

func TestControllerRaisesParityUnderLoss(t *testing.T) {
	c := NewController(4, 2, 6)

	// 10% loss, enough samples for a verdict.
	for i := 0; i < minSample; i++ {
		c.RecordFrame(i%10 == 0)
	}
	backdate(c)
	c.RecordFrame(true)

	_, r := c.Shards()
	assert.Equal(t, 3, r, "parity should step up once under sustained loss")
}

func TestControllerLowersParityWhenClean(t *testing.T) {
	c := NewController(4, 2, 6)
	c.parityShards.Store(4)

	for i := 0; i < minSample; i++ {
		c.RecordFrame(false)
	}
	backdate(c)
	c.RecordFrame(false)

	_, r := c.Shards()
	assert.Equal(t, 3, r, "parity should step down once when loss clears")
}

func TestControllerRespectsCooldown(t *testing.T) {
	c := NewController(4, 2, 6)
	for i := 0; i < minSample; i++ {
		c.RecordFrame(i%5 == 0) // 20% loss
	}
	backdate(c)
	c.RecordFrame(true)
	_, r := c.Shards()
	assert.Equal(t, 3, r)

	// Still within cooldown: more loss must not raise again.
	c.mu.Lock()
	c.lastEvalTime = time.Now().Add(-2 * evalInterval)
	c.mu.Unlock()
	c.RecordFrame(true)
	_, r = c.Shards()
	assert.Equal(t, 3, r, "one adjustment per cooldown interval")
}

func TestControllerUsesPeerLossWhenWorse(t *testing.T) {
	c := NewController(4, 2, 6)
	for i := 0; i < minSample; i++ {
		c.RecordFrame(false)
	}
	c.ObservePeerLoss(200) // peer sees 20% inbound loss
	assert.InDelta(t, 0.2, c.LossRate(), 0.001, "the worse of the two estimates wins")

	backdate(c)
	c.RecordFrame(false)
	_, r := c.Shards()
	assert.Equal(t, 3, r, "peer-reported loss alone should raise parity")
}

func TestControllerBoundsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		parityMin := rapid.IntRange(1, 5).Draw(t, "min")
		parityMax := rapid.IntRange(parityMin, 10).Draw(t, "max")
		c := NewController(rapid.IntRange(1, 20).Draw(t, "k"), parityMin, parityMax)

		steps := rapid.IntRange(1, 300).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "peer") {
				c.ObservePeerLoss(uint32(rapid.IntRange(0, 1000).Draw(t, "permille")))
			} else {
				c.RecordFrame(rapid.Bool().Draw(t, "lost"))
			}
			backdate(c)

			_, r := c.Shards()
			if r < parityMin || r > parityMax {
				t.Fatalf("parity %d escaped [%d, %d]", r, parityMin, parityMax)
			}
		}
	})
}
