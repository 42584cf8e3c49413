// Package push – Prometheus metrics for the push agent pool.
//
// Metrics tracks operational counters and gauges for all push agents
// sharing the queue. All fields are updated atomically so they can be read
// concurrently from an HTTP handler without holding any additional lock.
//
// Metric catalogue:
//
//	push_notifications_sent_total        – counter: frames written to the gateway
//	push_notifications_dropped_lag_total – counter: items discarded for exceeding the lag budget
//	push_notifications_expired_total     – counter: items discarded because their expiry had passed
//	push_send_retries_total              – counter: writes retried after a socket error
//	push_send_aborts_total               – counter: items dropped after exhausting write attempts
//	push_error_frames_total              – counter: error frames received from the gateway
//	push_invalid_token_feedback_total    – counter: invalid-token reports forwarded to the feedback queue
//	push_gateway_connects_total          – counter: gateway sessions opened
//	push_connected_agents                – gauge:   agents currently holding a live gateway session
package push

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Metrics holds all Prometheus counters and gauges for the push agent pool.
// The zero value is ready to use; all counters start at zero. A nil *Metrics
// is treated as a no-op by the agents.
type Metrics struct {
	Sent                 atomic.Int64
	DroppedLag           atomic.Int64
	DroppedExpired       atomic.Int64
	SendRetries          atomic.Int64
	SendAborts           atomic.Int64
	ErrorFrames          atomic.Int64
	InvalidTokenFeedback atomic.Int64
	Connects             atomic.Int64

	// Gauge
	ConnectedAgents atomic.Int64
}

// NewMetrics allocates a new Metrics value with all counters at zero.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// metricLine is a single metric family descriptor plus its current value.
type metricLine struct {
	help  string
	kind  string // "counter" or "gauge"
	name  string
	value int64
}

// snapshot captures the current values of all metrics in a consistent order.
func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{
			help:  "Total number of notification frames written to the push gateway.",
			kind:  "counter",
			name:  "push_notifications_sent_total",
			value: m.Sent.Load(),
		},
		{
			help:  "Total number of notifications discarded for exceeding the lag budget.",
			kind:  "counter",
			name:  "push_notifications_dropped_lag_total",
			value: m.DroppedLag.Load(),
		},
		{
			help:  "Total number of notifications discarded because their expiry had passed at dequeue time.",
			kind:  "counter",
			name:  "push_notifications_expired_total",
			value: m.DroppedExpired.Load(),
		},
		{
			help:  "Total number of gateway writes retried after a socket error.",
			kind:  "counter",
			name:  "push_send_retries_total",
			value: m.SendRetries.Load(),
		},
		{
			help:  "Total number of notifications dropped after exhausting all write attempts.",
			kind:  "counter",
			name:  "push_send_aborts_total",
			value: m.SendAborts.Load(),
		},
		{
			help:  "Total number of error frames received from the push gateway.",
			kind:  "counter",
			name:  "push_error_frames_total",
			value: m.ErrorFrames.Load(),
		},
		{
			help:  "Total number of invalid-token reports forwarded to the feedback queue.",
			kind:  "counter",
			name:  "push_invalid_token_feedback_total",
			value: m.InvalidTokenFeedback.Load(),
		},
		{
			help:  "Total number of gateway TLS sessions opened.",
			kind:  "counter",
			name:  "push_gateway_connects_total",
			value: m.Connects.Load(),
		},
		{
			help:  "Number of push agents currently holding a live gateway session.",
			kind:  "gauge",
			name:  "push_connected_agents",
			value: m.ConnectedAgents.Load(),
		},
	}
}

// WritePrometheus serialises all push metrics into the Prometheus text
// exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	for _, l := range m.snapshot() {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
