// Package metrics exposes operational counters for the defmt reflector in
// Prometheus text exposition format.
//
// # Overview
//
// Metrics tracks frame-decoding and dispatch counters. All fields are
// updated atomically so they can be read concurrently from an HTTP handler
// without holding any additional lock.
//
// # Prometheus text format
//
// Handler returns an [net/http.Handler] that serves the registered metrics
// in the standard Prometheus text exposition format on every GET request:
//
//	m := metrics.New()
//	http.Handle("/metrics", m.Handler())
//
// # Metric catalogue
//
//	defmt_frames_decoded_total       – counter: frames successfully decoded
//	defmt_frames_malformed_total     – counter: frames discarded as malformed
//	defmt_events_sent_total          – counter: events dispatched to the ingest client
//	defmt_synthetic_events_total     – counter: AUXON_CONTEXT_RETURN bridges emitted
//	defmt_warnings_total             – counter: recoverable warnings logged
//	defmt_reconnect_attempts_total   – counter: ingest client reconnect cycles
//	defmt_connected                  – gauge:   1 when the ingest client is connected
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds all Prometheus counters and gauges for the reflector. The
// zero value is ready to use; all counters start at zero.
type Metrics struct {
	FramesDecoded     atomic.Int64
	FramesMalformed   atomic.Int64
	EventsSent        atomic.Int64
	SyntheticEvents   atomic.Int64
	Warnings          atomic.Int64
	ReconnectAttempts atomic.Int64

	Connected atomic.Int64
}

// New allocates a new [Metrics] value with all counters at zero.
func New() *Metrics {
	return &Metrics{}
}

type metricLine struct {
	help  string
	kind  string
	name  string
	value int64
}

func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{
			help:  "Total number of defmt frames successfully decoded.",
			kind:  "counter",
			name:  "defmt_frames_decoded_total",
			value: m.FramesDecoded.Load(),
		},
		{
			help:  "Total number of frames discarded as malformed.",
			kind:  "counter",
			name:  "defmt_frames_malformed_total",
			value: m.FramesMalformed.Load(),
		},
		{
			help:  "Total number of events dispatched to the ingest client.",
			kind:  "counter",
			name:  "defmt_events_sent_total",
			value: m.EventsSent.Load(),
		},
		{
			help:  "Total number of synthetic AUXON_CONTEXT_RETURN bridge events emitted.",
			kind:  "counter",
			name:  "defmt_synthetic_events_total",
			value: m.SyntheticEvents.Load(),
		},
		{
			help:  "Total number of recoverable warnings logged.",
			kind:  "counter",
			name:  "defmt_warnings_total",
			value: m.Warnings.Load(),
		},
		{
			help:  "Total number of ingest client reconnect cycles.",
			kind:  "counter",
			name:  "defmt_reconnect_attempts_total",
			value: m.ReconnectAttempts.Load(),
		},
		{
			help:  "1 when the ingest client is currently connected, 0 otherwise.",
			kind:  "gauge",
			name:  "defmt_connected",
			value: m.Connected.Load(),
		},
	}
}

// Handler returns an [http.Handler] that writes all reflector metrics in the
// Prometheus text exposition format on every GET request.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
