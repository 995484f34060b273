// Package metrics collects protocol counters. Library packages count,
// they do not log; everything here is lock-free on the hot path.
package metrics

import (
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time view of all counters.
type Snapshot struct {
	SessionsTotal  int64 `json:"sessions_total"`
	SessionsActive int64 `json:"sessions_active"`

	FramesEncoded  int64 `json:"frames_encoded"`
	FramesDecoded  int64 `json:"frames_decoded"`
	DecodeFailures int64 `json:"decode_failures"`
	ReplaysDropped int64 `json:"replays_dropped"`
	PaddingBytes   int64 `json:"padding_bytes"`
	BytesEncoded   int64 `json:"bytes_encoded"`
	BytesDecoded   int64 `json:"bytes_decoded"`

	Rotations        int64 `json:"rotations"`
	RotationAdvances int64 `json:"rotation_advances"`

	FECBlocksSent       int64 `json:"fec_blocks_sent"`
	FECBlocksRecovered  int64 `json:"fec_blocks_recovered"`
	FECBlocksTimedOut   int64 `json:"fec_blocks_timed_out"`
	FECFragmentsSent    int64 `json:"fec_fragments_sent"`
	FECFragmentsDropped int64 `json:"fec_fragments_dropped"`
	FECDataShards       int64 `json:"fec_data_shards"`
	FECParityShards     int64 `json:"fec_parity_shards"`
	FECAdjustments      int64 `json:"fec_adjustments"`

	DesyncSuspected  int64 `json:"desync_suspected"`
	DesyncRecovered  int64 `json:"desync_recovered"`
	DesyncFailures   int64 `json:"desync_failures"`
	ResyncProbesSent int64 `json:"resync_probes_sent"`

	Heartbeats     int64 `json:"heartbeats"`
	EntropyBytes   int64 `json:"entropy_bytes"`
	EntropyReseeds int64 `json:"entropy_reseeds"`

	UpdatedUnix int64 `json:"updated_unix"`
}

var (
	sessionsTotal  atomic.Int64
	sessionsActive atomic.Int64

	framesEncoded  atomic.Int64
	framesDecoded  atomic.Int64
	decodeFailures atomic.Int64
	replaysDropped atomic.Int64
	paddingBytes   atomic.Int64
	bytesEncoded   atomic.Int64
	bytesDecoded   atomic.Int64

	rotations        atomic.Int64
	rotationAdvances atomic.Int64

	fecBlocksSent       atomic.Int64
	fecBlocksRecovered  atomic.Int64
	fecBlocksTimedOut   atomic.Int64
	fecFragmentsSent    atomic.Int64
	fecFragmentsDropped atomic.Int64
	fecDataShards       atomic.Int64
	fecParityShards     atomic.Int64
	fecAdjustments      atomic.Int64

	desyncSuspected  atomic.Int64
	desyncRecovered  atomic.Int64
	desyncFailures   atomic.Int64
	resyncProbesSent atomic.Int64

	heartbeats     atomic.Int64
	entropyBytes   atomic.Int64
	entropyReseeds atomic.Int64
)

func IncSessionsOpened() { sessionsTotal.Add(1); sessionsActive.Add(1) }
func DecSessionsActive() { sessionsActive.Add(-1) }

func IncFramesEncoded()       { framesEncoded.Add(1) }
func IncFramesDecoded()       { framesDecoded.Add(1) }
func IncDecodeFailures()      { decodeFailures.Add(1) }
func IncReplaysDropped()      { replaysDropped.Add(1) }
func AddPaddingBytes(n int64) { paddingBytes.Add(n) }
func AddBytesEncoded(n int64) { bytesEncoded.Add(n) }
func AddBytesDecoded(n int64) { bytesDecoded.Add(n) }

func IncRotations()        { rotations.Add(1) }
func IncRotationAdvances() { rotationAdvances.Add(1) }

func IncFECBlocksSent()       { fecBlocksSent.Add(1) }
func IncFECBlocksRecovered()  { fecBlocksRecovered.Add(1) }
func IncFECBlocksTimedOut()   { fecBlocksTimedOut.Add(1) }
func IncFECFragmentsSent()    { fecFragmentsSent.Add(1) }
func IncFECFragmentsDropped() { fecFragmentsDropped.Add(1) }
func IncFECAdjustments()      { fecAdjustments.Add(1) }

func SetFECShards(data, parity int64) {
	fecDataShards.Store(data)
	fecParityShards.Store(parity)
}

func IncDesyncSuspected()  { desyncSuspected.Add(1) }
func IncDesyncRecovered()  { desyncRecovered.Add(1) }
func IncDesyncFailures()   { desyncFailures.Add(1) }
func IncResyncProbesSent() { resyncProbesSent.Add(1) }

func IncHeartbeats()          { heartbeats.Add(1) }
func AddEntropyBytes(n int64) { entropyBytes.Add(n) }
func IncEntropyReseeds()      { entropyReseeds.Add(1) }

// SnapshotData returns a consistent-enough view for export.
func SnapshotData() Snapshot {
	return Snapshot{
		SessionsTotal:  sessionsTotal.Load(),
		SessionsActive: sessionsActive.Load(),

		FramesEncoded:  framesEncoded.Load(),
		FramesDecoded:  framesDecoded.Load(),
		DecodeFailures: decodeFailures.Load(),
		ReplaysDropped: replaysDropped.Load(),
		PaddingBytes:   paddingBytes.Load(),
		BytesEncoded:   bytesEncoded.Load(),
		BytesDecoded:   bytesDecoded.Load(),

		Rotations:        rotations.Load(),
		RotationAdvances: rotationAdvances.Load(),

		FECBlocksSent:       fecBlocksSent.Load(),
		FECBlocksRecovered:  fecBlocksRecovered.Load(),
		FECBlocksTimedOut:   fecBlocksTimedOut.Load(),
		FECFragmentsSent:    fecFragmentsSent.Load(),
		FECFragmentsDropped: fecFragmentsDropped.Load(),
		FECDataShards:       fecDataShards.Load(),
		FECParityShards:     fecParityShards.Load(),
		FECAdjustments:      fecAdjustments.Load(),

		DesyncSuspected:  desyncSuspected.Load(),
		DesyncRecovered:  desyncRecovered.Load(),
		DesyncFailures:   desyncFailures.Load(),
		ResyncProbesSent: resyncProbesSent.Load(),

		Heartbeats:     heartbeats.Load(),
		EntropyBytes:   entropyBytes.Load(),
		EntropyReseeds: entropyReseeds.Load(),

		UpdatedUnix: time.Now().Unix(),
	}
}
