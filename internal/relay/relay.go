// Package relay contains the daemon orchestrator. It wires together the
// durable queues, the identifier counter, the TLS dialer, the push agent
// pool, the feedback agent, and the control listener, managing their
// lifecycle through a shared context.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pushmob/relay/internal/config"
	"github.com/pushmob/relay/internal/dialer"
	"github.com/pushmob/relay/internal/feedback"
	"github.com/pushmob/relay/internal/journal"
	"github.com/pushmob/relay/internal/listener"
	"github.com/pushmob/relay/internal/push"
	"github.com/pushmob/relay/internal/queue"
	"github.com/pushmob/relay/internal/store"
	"github.com/pushmob/relay/internal/token"
)

// Exit codes for boot failures, mirrored by the daemon's process exit
// status.
const (
	CodeConfig   = 1 // configuration or credential problem
	CodeResource = 2 // boot-time resource failure (bind, store, journal)
)

// ExitError wraps a boot failure with the process exit code it warrants.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// Relay is the assembled daemon. Create one with New and call Run.
type Relay struct {
	cfg    *config.Config
	logger *slog.Logger

	startTime time.Time

	st        *store.Store
	pushq     *queue.Queue
	feedbackq *queue.Queue
	ident     *store.IdentCounter
	jrnl      *journal.Journal
	ctl       *listener.Listener

	pushMetrics *push.Metrics
	fbMetrics   *feedback.Metrics
	ctlMetrics  *listener.Metrics

	agents  []*push.Agent
	fbAgent *feedback.Agent
}

// New creates an unbooted Relay.
func New(cfg *config.Config, logger *slog.Logger) *Relay {
	return &Relay{
		cfg:         cfg,
		logger:      logger,
		pushMetrics: push.NewMetrics(),
		fbMetrics:   feedback.NewMetrics(),
		ctlMetrics:  listener.NewMetrics(),
	}
}

// Run boots the daemon and serves until ctx is cancelled. Boot failures are
// returned as *ExitError; after boot, the only fatal runtime error is a
// failing store.
//
// Boot order: verify connectivity to both gateways in probe mode (keeping
// the feedback probe socket open for the feedback agent, which would
// otherwise lose the batch the vendor sends immediately on connect), open
// the durable state, bind the control socket, then start the workers and
// serve the listener.
func (r *Relay) Run(ctx context.Context) error {
	r.startTime = time.Now()

	fmtr, err := token.NewFormatter(token.Format(r.cfg.DeviceTokenFormat))
	if err != nil {
		return &ExitError{Code: CodeConfig, Err: err}
	}

	dial, err := dialer.New(r.cfg.CACertsFile, r.cfg.CertFile, r.cfg.KeyFile, r.logger)
	if err != nil {
		return &ExitError{Code: CodeConfig, Err: err}
	}

	// Fail fast on misconfiguration: a single probe attempt per gateway.
	r.logger.Info("testing push gateway", slog.String("peer", r.cfg.PushGateway))
	probe, err := dial.Dial(ctx, r.cfg.PushGateway, 0)
	if err != nil {
		return &ExitError{Code: CodeConfig, Err: fmt.Errorf("relay: push gateway unreachable: %w", err)}
	}
	_ = probe.Close()

	r.logger.Info("testing feedback gateway", slog.String("peer", r.cfg.FeedbackGateway))
	fbProbe, err := dial.Dial(ctx, r.cfg.FeedbackGateway, 0)
	if err != nil {
		return &ExitError{Code: CodeConfig, Err: fmt.Errorf("relay: feedback gateway unreachable: %w", err)}
	}
	// Deliberately left open: handed to the feedback agent below.

	if err := r.openState(ctx); err != nil {
		_ = fbProbe.Close()
		return err
	}
	defer r.closeState()

	r.ctl = listener.New(r.cfg.Bind, r.ident, r.pushq, r.feedbackq, fmtr, r.logger,
		listener.WithMetrics(r.ctlMetrics),
		listener.WithJournal(r.jrnl),
	)
	if err := r.ctl.Bind(); err != nil {
		_ = fbProbe.Close()
		return &ExitError{Code: CodeResource, Err: err}
	}

	next, err := r.ident.Next(ctx)
	if err != nil {
		return &ExitError{Code: CodeResource, Err: err}
	}
	r.logger.Info("durable state opened",
		slog.String("path", r.cfg.SQLiteDB),
		slog.Int("pending_notifications", r.pushq.QSize()),
		slog.Int("pending_feedback", r.feedbackq.QSize()),
		slog.Uint64("next_id", uint64(next)),
	)

	agentCfg := push.Config{
		Gateway:      r.cfg.PushGateway,
		MaxLag:       r.cfg.MaxNotificationLag(),
		MaxErrorWait: r.cfg.MaxErrorWait(),
	}
	for i := 0; i < r.cfg.PushConcurrency; i++ {
		r.agents = append(r.agents, push.NewAgent(i, agentCfg, r.pushq, r.feedbackq, dial, fmtr, r.logger,
			push.WithMetrics(r.pushMetrics),
			push.WithJournal(r.jrnl),
		))
	}
	r.fbAgent = feedback.New(r.cfg.FeedbackGateway, r.cfg.FeedbackInterval(), r.feedbackq, dial, fmtr, r.logger,
		feedback.WithMetrics(r.fbMetrics),
		feedback.WithProbeConn(fbProbe),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	fatal := make(chan error, 1)

	runWorker := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				r.logger.Error("worker failed", slog.String("worker", name), slog.Any("error", err))
				select {
				case fatal <- err:
				default:
				}
				cancel()
			}
		}()
	}

	for i, a := range r.agents {
		runWorker(fmt.Sprintf("push-agent-%d", i), a.Run)
	}
	runWorker("feedback-agent", r.fbAgent.Run)

	admin := r.startAdmin()

	r.logger.Info("relay started",
		slog.String("bind", r.cfg.Bind),
		slog.Int("push_concurrency", r.cfg.PushConcurrency),
	)

	serveErr := r.ctl.Serve(ctx)
	cancel()
	wg.Wait()
	r.shutdownAdmin(admin)

	select {
	case err := <-fatal:
		return err
	default:
	}
	return serveErr
}

// openState opens the SQLite store, both queues, the identifier counter, and
// the optional journal.
func (r *Relay) openState(ctx context.Context) error {
	st, err := store.Open(r.cfg.SQLiteDB)
	if err != nil {
		return &ExitError{Code: CodeResource, Err: err}
	}
	r.st = st

	if r.pushq, err = queue.New(ctx, st, "notifications"); err != nil {
		return &ExitError{Code: CodeResource, Err: err}
	}
	if r.feedbackq, err = queue.New(ctx, st, "feedback"); err != nil {
		return &ExitError{Code: CodeResource, Err: err}
	}
	if r.ident, err = store.OpenIdent(ctx, st); err != nil {
		return &ExitError{Code: CodeResource, Err: err}
	}

	if r.cfg.JournalFile != "" {
		if r.jrnl, err = journal.Open(r.cfg.JournalFile); err != nil {
			return &ExitError{Code: CodeResource, Err: err}
		}
	}
	return nil
}

// closeState releases the durable state opened by openState.
func (r *Relay) closeState() {
	if err := r.jrnl.Close(); err != nil {
		r.logger.Warn("journal close failed", slog.Any("error", err))
	}
	if r.st != nil {
		if err := r.st.Close(); err != nil {
			r.logger.Warn("store close failed", slog.Any("error", err))
		}
	}
}
