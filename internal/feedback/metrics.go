// Package feedback – Prometheus metrics for the feedback agent.
package feedback

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Metrics tracks operational counters for the feedback agent. All fields are
// updated atomically; a nil *Metrics is treated as a no-op.
//
// Metric catalogue:
//
//	feedback_tuples_total         – counter: tuples parsed off the feedback stream
//	feedback_garbage_reads_total  – counter: streams that ended with trailing partial bytes
//	feedback_connects_total       – counter: feedback service sessions opened
type Metrics struct {
	Tuples       atomic.Int64
	GarbageReads atomic.Int64
	Connects     atomic.Int64
}

// NewMetrics allocates a new Metrics value with all counters at zero.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// WritePrometheus serialises all feedback metrics into the Prometheus text
// exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	lines := []struct {
		help  string
		name  string
		value int64
	}{
		{"Total number of tuples parsed off the feedback stream.", "feedback_tuples_total", m.Tuples.Load()},
		{"Total number of feedback streams that ended with trailing partial bytes.", "feedback_garbage_reads_total", m.GarbageReads.Load()},
		{"Total number of feedback service TLS sessions opened.", "feedback_connects_total", m.Connects.Load()},
	}
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", l.name)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
