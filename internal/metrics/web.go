package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns an http.Handler exposing /metrics (Prometheus),
// /metrics.json and /healthz.
func Handler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		snapshotCollector{},
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/metrics.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(SnapshotData())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// Serve blocks serving the metrics endpoints on addr.
func Serve(addr string) error {
	return http.ListenAndServe(addr, Handler())
}

// snapshotCollector adapts the atomic counters to the Prometheus
// collect interface without double bookkeeping on the hot path.
type snapshotCollector struct{}

type metricDef struct {
	desc  *prometheus.Desc
	typ   prometheus.ValueType
	value func(Snapshot) int64
}

var metricDefs = []metricDef{
	{newDesc("sessions_total", "Sessions opened"), prometheus.CounterValue, func(s Snapshot) int64 { return s.SessionsTotal }},
	{newDesc("sessions_active", "Sessions currently open"), prometheus.GaugeValue, func(s Snapshot) int64 { return s.SessionsActive }},
	{newDesc("frames_encoded_total", "Frames encoded"), prometheus.CounterValue, func(s Snapshot) int64 { return s.FramesEncoded }},
	{newDesc("frames_decoded_total", "Frames decoded"), prometheus.CounterValue, func(s Snapshot) int64 { return s.FramesDecoded }},
	{newDesc("decode_failures_total", "Per-frame decode failures"), prometheus.CounterValue, func(s Snapshot) int64 { return s.DecodeFailures }},
	{newDesc("replays_dropped_total", "Frames rejected as replays"), prometheus.CounterValue, func(s Snapshot) int64 { return s.ReplaysDropped }},
	{newDesc("padding_bytes_total", "Padding bytes emitted"), prometheus.CounterValue, func(s Snapshot) int64 { return s.PaddingBytes }},
	{newDesc("bytes_encoded_total", "Wire bytes produced"), prometheus.CounterValue, func(s Snapshot) int64 { return s.BytesEncoded }},
	{newDesc("bytes_decoded_total", "Wire bytes consumed"), prometheus.CounterValue, func(s Snapshot) int64 { return s.BytesDecoded }},
	{newDesc("rotations_total", "Epoch rotations"), prometheus.CounterValue, func(s Snapshot) int64 { return s.Rotations }},
	{newDesc("rotation_advances_total", "Rotation-advance messages"), prometheus.CounterValue, func(s Snapshot) int64 { return s.RotationAdvances }},
	{newDesc("fec_blocks_sent_total", "FEC blocks transmitted"), prometheus.CounterValue, func(s Snapshot) int64 { return s.FECBlocksSent }},
	{newDesc("fec_blocks_recovered_total", "FEC blocks reconstructed"), prometheus.CounterValue, func(s Snapshot) int64 { return s.FECBlocksRecovered }},
	{newDesc("fec_blocks_timed_out_total", "FEC blocks discarded on timeout"), prometheus.CounterValue, func(s Snapshot) int64 { return s.FECBlocksTimedOut }},
	{newDesc("fec_fragments_sent_total", "FEC fragments transmitted"), prometheus.CounterValue, func(s Snapshot) int64 { return s.FECFragmentsSent }},
	{newDesc("fec_fragments_dropped_total", "FEC fragments rejected"), prometheus.CounterValue, func(s Snapshot) int64 { return s.FECFragmentsDropped }},
	{newDesc("fec_data_shards", "Current FEC data shard count"), prometheus.GaugeValue, func(s Snapshot) int64 { return s.FECDataShards }},
	{newDesc("fec_parity_shards", "Current FEC parity shard count"), prometheus.GaugeValue, func(s Snapshot) int64 { return s.FECParityShards }},
	{newDesc("fec_adjustments_total", "Adaptive redundancy adjustments"), prometheus.CounterValue, func(s Snapshot) int64 { return s.FECAdjustments }},
	{newDesc("desync_suspected_total", "Desync suspicion events"), prometheus.CounterValue, func(s Snapshot) int64 { return s.DesyncSuspected }},
	{newDesc("desync_recovered_total", "Desync recoveries"), prometheus.CounterValue, func(s Snapshot) int64 { return s.DesyncRecovered }},
	{newDesc("desync_failures_total", "Unrecoverable desyncs"), prometheus.CounterValue, func(s Snapshot) int64 { return s.DesyncFailures }},
	{newDesc("resync_probes_sent_total", "Resync probes sent"), prometheus.CounterValue, func(s Snapshot) int64 { return s.ResyncProbesSent }},
	{newDesc("heartbeats_total", "Heartbeat messages"), prometheus.CounterValue, func(s Snapshot) int64 { return s.Heartbeats }},
	{newDesc("entropy_bytes_total", "Fast entropy bytes drawn"), prometheus.CounterValue, func(s Snapshot) int64 { return s.EntropyBytes }},
	{newDesc("entropy_reseeds_total", "Fast entropy reseeds"), prometheus.CounterValue, func(s Snapshot) int64 { return s.EntropyReseeds }},
}

func newDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc("fengni_"+name, help, nil, nil)
}

func (snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range metricDefs {
		ch <- d.desc
	}
}

func (snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	snap := SnapshotData()
	for _, d := range metricDefs {
		ch <- prometheus.MustNewConstMetric(d.desc, d.typ, float64(d.value(snap)))
	}
}
