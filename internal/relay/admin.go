package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// startAdmin serves /healthz and /metrics on the configured admin address.
// The admin surface is best-effort: a bind failure is logged, not fatal.
func (r *Relay) startAdmin() *http.Server {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", r.handleHealthz)
	router.Get("/metrics", r.handleMetrics)

	srv := &http.Server{
		Addr:         r.cfg.AdminAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		r.logger.Info("admin server listening", slog.String("addr", r.cfg.AdminAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("admin server error", slog.Any("error", err))
		}
	}()
	return srv
}

// shutdownAdmin gives in-flight admin requests a moment to finish.
func (r *Relay) shutdownAdmin(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		r.logger.Warn("admin server shutdown error", slog.Any("error", err))
	}
}

// healthzResponse is the JSON body served on /healthz.
type healthzResponse struct {
	Status             string `json:"status"`
	UptimeSeconds      int64  `json:"uptime_s"`
	PushQueueDepth     int    `json:"push_queue_depth"`
	FeedbackQueueDepth int    `json:"feedback_queue_depth"`
	ConnectedAgents    int64  `json:"connected_push_agents"`
}

func (r *Relay) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthzResponse{
		Status:             "ok",
		UptimeSeconds:      int64(time.Since(r.startTime).Seconds()),
		PushQueueDepth:     r.pushq.QSize(),
		FeedbackQueueDepth: r.feedbackq.QSize(),
		ConnectedAgents:    r.pushMetrics.ConnectedAgents.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (r *Relay) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	r.pushMetrics.WritePrometheus(w)
	r.fbMetrics.WritePrometheus(w)
	r.ctlMetrics.WritePrometheus(w)

	// Queue depth gauges come straight from the queues.
	writeGauge(w, "relay_push_queue_depth",
		"Number of notifications waiting in the push queue.", int64(r.pushq.QSize()))
	writeGauge(w, "relay_feedback_queue_depth",
		"Number of records waiting in the feedback queue.", int64(r.feedbackq.QSize()))
}

// writeGauge emits one gauge in the Prometheus text exposition format.
func writeGauge(w http.ResponseWriter, name, help string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	fmt.Fprintf(w, "%s %d\n", name, value)
}
