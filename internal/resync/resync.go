// Package resync recovers a session whose sequence or epoch state has
// drifted out of agreement with its peer. Recovery is an explicit
// finite state machine with a hard probe budget, driven by the session
// coordinator's timer ticks; it never loops unbounded and never tears
// the connection down for ordinary per-frame loss.
package resync

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"fengni/internal/metrics"
)

// State of the recovery machine.
type State int

const (
	// StateSynced is normal operation.
	StateSynced State = iota
	// StateSuspected means decode-failure evidence crossed the
	// threshold; a probe is due.
	StateSuspected
	// StateProbing means probes are in flight awaiting an ack.
	StateProbing
)

func (s State) String() string {
	switch s {
	case StateSynced:
		return "synced"
	case StateSuspected:
		return "suspected"
	case StateProbing:
		return "probing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrUnrecoverable means the probe budget was exhausted without an ack.
// The session must be torn down rather than loop indefinitely.
var ErrUnrecoverable = errors.New("resync: probe budget exhausted without ack")

// Config bounds the recovery protocol. Negotiated at session setup.
type Config struct {
	// EvidenceThreshold is how many decode failures or far-future
	// sequences within EvidenceWindow raise suspicion.
	EvidenceThreshold int
	// EvidenceWindow is the sliding interval over which evidence
	// accumulates.
	EvidenceWindow time.Duration
	// ProbeRetries is the total number of probe transmissions allowed.
	ProbeRetries int
	// ProbeTimeout is the wait between probe transmissions.
	ProbeTimeout time.Duration
}

func (c *Config) sanitize() {
	if c.EvidenceThreshold <= 0 {
		c.EvidenceThreshold = 5
	}
	if c.EvidenceWindow <= 0 {
		c.EvidenceWindow = 10 * time.Second
	}
	if c.ProbeRetries <= 0 {
		c.ProbeRetries = 5
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
}

// Machine is the per-session recovery state machine. It is passive:
// the coordinator feeds it evidence and clock ticks and sends the
// probes it requests.
type Machine struct {
	mu  sync.Mutex
	cfg Config

	state       State
	evidence    []time.Time
	probeID     uint64
	probesSent  int
	nextProbeAt time.Time
}

// NewMachine creates a recovery machine in StateSynced.
func NewMachine(cfg Config) *Machine {
	cfg.sanitize()
	return &Machine{cfg: cfg}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RecordEvidence registers one decode failure or far-future sequence
// observation. Returns true at the transition into StateSuspected.
func (m *Machine) RecordEvidence(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateSynced {
		return false
	}

	m.evidence = append(m.evidence, now)
	m.pruneLocked(now)
	if len(m.evidence) < m.cfg.EvidenceThreshold {
		return false
	}
	m.state = StateSuspected
	metrics.IncDesyncSuspected()
	return true
}

func (m *Machine) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.EvidenceWindow)
	idx := 0
	for i, at := range m.evidence {
		if at.After(cutoff) {
			idx = i
			break
		}
	}
	if idx > 0 {
		m.evidence = m.evidence[idx:]
	}
}

// Tick advances probe timing. When a probe is due it returns its
// identifier; when the probe budget is exhausted it returns
// ErrUnrecoverable and the session must be torn down.
func (m *Machine) Tick(now time.Time) (probeID uint64, send bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateSuspected:
		m.state = StateProbing
		return m.issueProbeLocked(now), true, nil

	case StateProbing:
		if now.Before(m.nextProbeAt) {
			return 0, false, nil
		}
		if m.probesSent >= m.cfg.ProbeRetries {
			metrics.IncDesyncFailures()
			return 0, false, ErrUnrecoverable
		}
		return m.issueProbeLocked(now), true, nil
	}
	return 0, false, nil
}

// issueProbeLocked assigns the next monotonically increasing probe
// identifier. Holds m.mu.
func (m *Machine) issueProbeLocked(now time.Time) uint64 {
	m.probeID++
	m.probesSent++
	m.nextProbeAt = now.Add(m.cfg.ProbeTimeout)
	metrics.IncResyncProbesSent()
	return m.probeID
}

// HandleAck processes a resync-ack. Acks for anything but the latest
// probe are stale and ignored. Returns true when the machine returns
// to StateSynced; the caller then resets its sequence window.
func (m *Machine) HandleAck(probeID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateProbing || probeID != m.probeID {
		return false
	}
	m.state = StateSynced
	m.evidence = nil
	m.probesSent = 0
	metrics.IncDesyncRecovered()
	return true
}

// ProbesSent reports probe transmissions for the current recovery.
func (m *Machine) ProbesSent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probesSent
}
