// Package listener – Prometheus metrics for the control socket.
package listener

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Metrics tracks operational counters for the control socket. All fields are
// updated atomically; a nil *Metrics is treated as a no-op.
//
// Metric catalogue:
//
//	listener_requests_total               – counter: control requests received
//	listener_rejected_requests_total      – counter: requests answered with ERROR
//	listener_notifications_enqueued_total – counter: notifications drafted onto the push queue
//	listener_feedback_drains_total        – counter: feedback commands served
type Metrics struct {
	Requests              atomic.Int64
	RejectedRequests      atomic.Int64
	NotificationsEnqueued atomic.Int64
	FeedbackDrains        atomic.Int64
}

// NewMetrics allocates a new Metrics value with all counters at zero.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// WritePrometheus serialises all listener metrics into the Prometheus text
// exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	lines := []struct {
		help  string
		name  string
		value int64
	}{
		{"Total number of control requests received.", "listener_requests_total", m.Requests.Load()},
		{"Total number of control requests answered with ERROR.", "listener_rejected_requests_total", m.RejectedRequests.Load()},
		{"Total number of notifications drafted onto the push queue.", "listener_notifications_enqueued_total", m.NotificationsEnqueued.Load()},
		{"Total number of feedback commands served.", "listener_feedback_drains_total", m.FeedbackDrains.Load()},
	}
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", l.name)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
