package fec

import (
	"sync"
	"sync/atomic"
	"time"

	"fengni/internal/metrics"
)

// Controller tunes the redundancy count from the observed loss rate:
// higher loss, more parity, bounded by the negotiated minimum and
// maximum to cap bandwidth overhead.
type Controller struct {
	dataShards   atomic.Int32
	parityShards atomic.Int32
	parityMin    int32
	parityMax    int32

	mu             sync.Mutex
	lossEvents     []lossEvent
	peerLoss       float64 // latest heartbeat-reported loss, fraction
	havePeerLoss   bool
	lastAdjustTime time.Time
	lastEvalTime   time.Time
}

type lossEvent struct {
	at   time.Time
	lost bool
}

const (
	lossWindow     = 60 * time.Second
	evalInterval   = 10 * time.Second
	adjustCooldown = 30 * time.Second
	minSample      = 50

	raiseThreshold = 0.05
	lowerThreshold = 0.01
)

// NewController creates a redundancy controller with the negotiated
// data shard count and parity bounds.
func NewController(dataShards, parityMin, parityMax int) *Controller {
	if dataShards < MinDataShards {
		dataShards = MinDataShards
	}
	if dataShards > MaxDataShards {
		dataShards = MaxDataShards
	}
	if parityMin < MinParityShards {
		parityMin = MinParityShards
	}
	if parityMax > MaxParityShards {
		parityMax = MaxParityShards
	}
	if parityMax < parityMin {
		parityMax = parityMin
	}

	c := &Controller{parityMin: int32(parityMin), parityMax: int32(parityMax)}
	c.dataShards.Store(int32(dataShards))
	c.parityShards.Store(int32(parityMin))
	now := time.Now()
	c.lastAdjustTime = now
	c.lastEvalTime = now
	metrics.SetFECShards(int64(dataShards), int64(parityMin))
	return c
}

// Shards returns the current (k, r) configuration.
func (c *Controller) Shards() (dataShards, parityShards int) {
	return int(c.dataShards.Load()), int(c.parityShards.Load())
}

// RecordFrame feeds one locally observed delivery outcome into the
// sliding loss window.
func (c *Controller) RecordFrame(lost bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.lossEvents = append(c.lossEvents, lossEvent{at: now, lost: lost})
	c.pruneLocked(now)

	if now.Sub(c.lastEvalTime) >= evalInterval {
		c.lastEvalTime = now
		c.evaluateLocked(now)
	}
}

// ObservePeerLoss feeds the loss estimate reported by the peer's
// heartbeat, in permille of frames lost.
func (c *Controller) ObservePeerLoss(permille uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerLoss = float64(permille) / 1000
	c.havePeerLoss = true
	now := time.Now()
	if now.Sub(c.lastEvalTime) >= evalInterval {
		c.lastEvalTime = now
		c.evaluateLocked(now)
	}
}

func (c *Controller) pruneLocked(now time.Time) {
	cutoff := now.Add(-lossWindow)
	idx := 0
	for i, ev := range c.lossEvents {
		if ev.at.After(cutoff) {
			idx = i
			break
		}
	}
	if idx > 0 {
		c.lossEvents = c.lossEvents[idx:]
	}
}

// evaluateLocked applies the hysteresis rules. Holds c.mu.
func (c *Controller) evaluateLocked(now time.Time) {
	if now.Sub(c.lastAdjustTime) < adjustCooldown {
		return
	}

	rate, ok := c.lossRateLocked()
	if !ok {
		return
	}

	parity := c.parityShards.Load()
	switch {
	case rate > raiseThreshold && parity < c.parityMax:
		parity++
	case rate < lowerThreshold && parity > c.parityMin:
		parity--
	default:
		return
	}

	c.parityShards.Store(parity)
	c.lastAdjustTime = now
	metrics.IncFECAdjustments()
	metrics.SetFECShards(int64(c.dataShards.Load()), int64(parity))
}

func (c *Controller) lossRateLocked() (float64, bool) {
	if len(c.lossEvents) >= minSample {
		lost := 0
		for _, ev := range c.lossEvents {
			if ev.lost {
				lost++
			}
		}
		local := float64(lost) / float64(len(c.lossEvents))
		if c.havePeerLoss && c.peerLoss > local {
			return c.peerLoss, true
		}
		return local, true
	}
	if c.havePeerLoss {
		return c.peerLoss, true
	}
	return 0, false
}

// LossRate returns the current loss estimate as a fraction.
func (c *Controller) LossRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	rate, _ := c.lossRateLocked()
	return rate
}
