// Package push implements the worker agents that drain the durable
// notification queue and write extended-notification frames to the vendor
// push gateway over long-lived mutually-authenticated TLS sessions.
//
// # Why the loop is shaped this way
//
// The push protocol is a streaming write channel with an out-of-band,
// asynchronous, rare, connection-terminating error channel. An agent cannot
// afford to block waiting for a response after each send, so it
// speculatively pipelines writes and only drains the error channel on idle
// polls or on write failure. The recent-notification window exists purely
// to resolve an error frame's identifier back to the offending device token
// after arbitrary send-ahead. After reporting an error the gateway silently
// closes the connection, so every handled error tears the session down and
// the next item reopens it lazily.
package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/pushmob/relay/internal/journal"
	"github.com/pushmob/relay/internal/token"
	"github.com/pushmob/relay/internal/window"
	"github.com/pushmob/relay/internal/wire"
)

const (
	// retryTime is the dial retry interval; TLS failures against the
	// gateway are usually auth problems, and the gateway may rate-limit.
	retryTime = 60 * time.Second

	// maxTrial bounds the write attempts per notification.
	maxTrial = 2

	// initialDrain and maxDrain bound the empty-poll timeout used to check
	// the error channel while a session is open. Past maxDrain the agent
	// blocks on the queue again.
	initialDrain = time.Second
	maxDrain     = 10 * time.Second
)

// Dialer produces authenticated connections to a gateway, retrying with the
// given interval until the context is cancelled.
type Dialer interface {
	Dial(ctx context.Context, addr string, retryInterval time.Duration) (net.Conn, error)
}

// WorkQueue is the durable queue an agent drains.
type WorkQueue interface {
	// Get blocks for up to timeout (forever when timeout <= 0) and marks
	// the returned row in-use.
	Get(ctx context.Context, timeout time.Duration) (rowid int64, data []byte, ok bool, err error)
	// Ack removes the row permanently.
	Ack(ctx context.Context, rowid int64) error
}

// FeedbackSink receives invalid-token reports discovered through gateway
// error frames.
type FeedbackSink interface {
	Put(ctx context.Context, data []byte) error
}

// Config carries the per-pool agent settings.
type Config struct {
	// Gateway is the push gateway host:port.
	Gateway string

	// MaxLag is the oldest a notification may be at dequeue time before it
	// is discarded instead of sent.
	MaxLag time.Duration

	// MaxErrorWait is how long to wait for an error frame after each
	// successful write. Zero disables the post-write wait.
	MaxErrorWait time.Duration
}

// Agent owns at most one live gateway session and drains the shared push
// queue. Run the pool by starting one goroutine per Agent.
type Agent struct {
	id       int
	cfg      Config
	queue    WorkQueue
	feedback FeedbackSink
	dialer   Dialer
	fmtr     *token.Formatter
	win      *window.Window
	logger   *slog.Logger
	metrics  *Metrics // nil when no instrumentation is requested
	journal  *journal.Journal

	conn  net.Conn
	drain time.Duration

	now func() time.Time // stubbed in tests
}

// Option is a functional option for NewAgent.
type Option func(*Agent)

// WithMetrics wires a Metrics value into the agent so pipeline events are
// recorded as Prometheus-compatible counters and gauges.
func WithMetrics(m *Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithJournal wires the delivery journal into the agent. A nil journal is a
// no-op.
func WithJournal(j *journal.Journal) Option {
	return func(a *Agent) { a.journal = j }
}

// NewAgent creates a push agent. Each agent builds its own
// recent-notification window; the window is deliberately not shared between
// agents.
func NewAgent(id int, cfg Config, q WorkQueue, fb FeedbackSink, d Dialer, fmtr *token.Formatter, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		id:       id,
		cfg:      cfg,
		queue:    q,
		feedback: fb,
		dialer:   d,
		fmtr:     fmtr,
		win:      window.New(cfg.MaxErrorWait),
		logger:   logger.With(slog.Int("push_agent", id)),
		drain:    initialDrain,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run drains the queue until ctx is cancelled. It returns nil on clean
// shutdown and a non-nil error only when the store fails, which is fatal to
// the worker.
func (a *Agent) Run(ctx context.Context) error {
	defer a.closeConn()

	for {
		if ctx.Err() != nil {
			return nil
		}

		// Block forever while no session is open; otherwise poll so error
		// frames are noticed even when the queue is quiet.
		var timeout time.Duration
		if a.conn != nil {
			timeout = a.drain
		}

		rowid, data, ok, err := a.queue.Get(ctx, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("push: queue get: %w", err)
		}
		if !ok {
			// Empty poll: zero-wait probe of the error channel, then back
			// off the poll interval. Be generous with the gateway and give
			// it enough time to return its error.
			if _, err := a.readErrorFrame(ctx, 0); err != nil {
				return err
			}
			if a.conn != nil && a.drain > 0 {
				a.drain *= 2
				if a.drain > maxDrain {
					a.drain = 0
				}
			}
			continue
		}

		if err := a.process(ctx, rowid, data); err != nil {
			return err
		}
	}
}

// process handles one dequeued row through to a terminal outcome. The row is
// acknowledged on every outcome except shutdown mid-dial, so no drop
// decision is ever retried.
func (a *Agent) process(ctx context.Context, rowid int64, data []byte) error {
	a.drain = initialDrain

	n, err := wire.DecodeQueued(data)
	if err != nil {
		a.logger.Warn("refusing malformed queue row", slog.Any("error", err))
		return a.ack(ctx, rowid)
	}

	now := a.now()

	if int64(n.ExpiryAt) < now.Unix() {
		a.logger.Info("discarding expired notification",
			slog.Uint64("id", uint64(n.ID)),
			slog.String("device", a.fmtr.Encode(n.Token)),
			slog.Uint64("expiry", uint64(n.ExpiryAt)),
		)
		a.metricDroppedExpired()
		_ = a.journal.Append(journal.Event{Kind: "dropped_expired", ID: n.ID, Token: a.fmtr.Encode(n.Token)})
		return a.ack(ctx, rowid)
	}

	lag := now.Unix() - n.CreatedAt
	if maxLag := int64(a.cfg.MaxLag / time.Second); lag > maxLag {
		a.logger.Info("discarding notification delayed beyond lag budget",
			slog.Uint64("id", uint64(n.ID)),
			slog.String("device", a.fmtr.Encode(n.Token)),
			slog.Int64("lag_s", lag),
			slog.Int64("max_s", maxLag),
		)
		a.metricDroppedLag()
		_ = a.journal.Append(journal.Event{
			Kind:   "dropped_lag",
			ID:     n.ID,
			Token:  a.fmtr.Encode(n.Token),
			Detail: fmt.Sprintf("lagged %ds", lag),
		})
		return a.ack(ctx, rowid)
	}

	frame := n.EncodeFrame()

	a.logger.Debug("sending notification",
		slog.Uint64("id", uint64(n.ID)),
		slog.String("device", a.fmtr.Encode(n.Token)),
		slog.Int64("lag_s", lag),
	)

	sent := false
	for trial := 0; trial < maxTrial; trial++ {
		if a.conn == nil {
			if err := a.connect(ctx); err != nil {
				// Shutdown while dialing; the in-use marker is cleared on
				// the next start and the item is redelivered.
				return nil
			}
		}

		if _, err := a.conn.Write(frame); err == nil {
			sent = true
			break
		} else {
			a.metricSendRetry()
			a.logger.Debug("gateway write failed, reconnecting",
				slog.Uint64("id", uint64(n.ID)),
				slog.Int("trial", trial+1),
				slog.Any("error", err),
			)
			// The write may have failed because the gateway reported an
			// error and closed; drain it before tearing the session down.
			if _, err := a.readErrorFrame(ctx, 0); err != nil {
				return err
			}
			a.closeConn()
		}
	}

	if !sent {
		a.logger.Warn("cannot send notification, dropping",
			slog.Uint64("id", uint64(n.ID)),
			slog.String("device", a.fmtr.Encode(n.Token)),
		)
		a.metricSendAbort()
		_ = a.journal.Append(journal.Event{Kind: "send_failed", ID: n.ID, Token: a.fmtr.Encode(n.Token)})
		return a.ack(ctx, rowid)
	}

	a.win.Record(n.ID, n.Token)
	if err := a.ack(ctx, rowid); err != nil {
		return err
	}
	a.metricSent()
	a.logger.Info("notification sent", slog.Uint64("id", uint64(n.ID)))
	_ = a.journal.Append(journal.Event{Kind: "sent", ID: n.ID, Token: a.fmtr.Encode(n.Token)})

	if a.cfg.MaxErrorWait > 0 {
		if _, err := a.readErrorFrame(ctx, a.cfg.MaxErrorWait); err != nil {
			return err
		}
	}
	return nil
}

// connect dials the gateway, retrying until it succeeds or ctx is
// cancelled.
func (a *Agent) connect(ctx context.Context) error {
	conn, err := a.dialer.Dial(ctx, a.cfg.Gateway, retryTime)
	if err != nil {
		return err
	}
	a.conn = conn
	a.metricConnect()
	return nil
}

// readErrorFrame waits up to wait for the gateway's six-byte error frame on
// the open session. A wait of zero is a pure readability probe.
//
// It returns true when socket activity was consumed: either a frame, which
// is logged, correlated through the window, and forwarded to the feedback
// queue on invalid-token status; or a short read or socket error, meaning
// the peer closed. In both cases the session is torn down, because the
// gateway closes after every error and the agent must reopen lazily. A
// non-nil error reports a feedback-queue store failure only.
func (a *Agent) readErrorFrame(ctx context.Context, wait time.Duration) (bool, error) {
	if a.conn == nil {
		return false, nil
	}

	_ = a.conn.SetReadDeadline(a.now().Add(wait))
	var buf [wire.ErrorFrameLen]byte
	nr, err := io.ReadFull(a.conn, buf[:])
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() && nr == 0 {
			// Nothing pending; keep the session.
			_ = a.conn.SetReadDeadline(time.Time{})
			return false, nil
		}
		a.logger.Debug("gateway closed the connection", slog.Any("error", err))
		a.closeConn()
		return true, nil
	}

	frame, err := wire.ParseErrorFrame(buf[:])
	if err != nil {
		a.logger.Warn("unexpected gateway error response", slog.Any("error", err))
		a.closeConn()
		return true, nil
	}

	ferr := a.handleErrorFrame(ctx, frame)
	a.closeConn()
	return true, ferr
}

// handleErrorFrame correlates the frame's identifier through the
// recent-notification window and enqueues an invalid-token report when the
// status calls for one.
func (a *Agent) handleErrorFrame(ctx context.Context, frame wire.ErrorFrame) error {
	tok, known := a.win.Lookup(frame.ID)
	device := "unknown"
	if known {
		device = a.fmtr.Encode(tok)
	}

	a.logger.Warn("gateway rejected notification",
		slog.Uint64("id", uint64(frame.ID)),
		slog.String("device", device),
		slog.Int("status", int(frame.Status)),
		slog.String("reason", wire.StatusText(frame.Status)),
	)
	a.metricErrorFrame()
	_ = a.journal.Append(journal.Event{Kind: "rejected", ID: frame.ID, Token: device, Status: frame.Status})

	if frame.Status == wire.StatusInvalidToken && known {
		tuple := wire.EncodeFeedbackTuple(wire.FeedbackTuple{Timestamp: 0, Token: tok})
		if err := a.feedback.Put(ctx, tuple); err != nil {
			return fmt.Errorf("push: enqueue invalid-token feedback: %w", err)
		}
		a.metricInvalidToken()
	}
	return nil
}

// ack removes the row; a store failure here is fatal to the worker.
func (a *Agent) ack(ctx context.Context, rowid int64) error {
	if err := a.queue.Ack(ctx, rowid); err != nil {
		return fmt.Errorf("push: ack row %d: %w", rowid, err)
	}
	return nil
}

// closeConn tears down the gateway session, if any.
func (a *Agent) closeConn() {
	if a.conn == nil {
		return
	}
	_ = a.conn.Close()
	a.conn = nil
	a.metricDisconnect()
}

// ── metrics helpers ─────────────────────────────────────────────────────────
//
// Each helper is a no-op when a.metrics is nil so the uninstrumented path is
// a single nil pointer check.

func (a *Agent) metricSent() {
	if a.metrics != nil {
		a.metrics.Sent.Add(1)
	}
}

func (a *Agent) metricDroppedLag() {
	if a.metrics != nil {
		a.metrics.DroppedLag.Add(1)
	}
}

func (a *Agent) metricDroppedExpired() {
	if a.metrics != nil {
		a.metrics.DroppedExpired.Add(1)
	}
}

func (a *Agent) metricSendRetry() {
	if a.metrics != nil {
		a.metrics.SendRetries.Add(1)
	}
}

func (a *Agent) metricSendAbort() {
	if a.metrics != nil {
		a.metrics.SendAborts.Add(1)
	}
}

func (a *Agent) metricErrorFrame() {
	if a.metrics != nil {
		a.metrics.ErrorFrames.Add(1)
	}
}

func (a *Agent) metricInvalidToken() {
	if a.metrics != nil {
		a.metrics.InvalidTokenFeedback.Add(1)
	}
}

func (a *Agent) metricConnect() {
	if a.metrics != nil {
		a.metrics.Connects.Add(1)
		a.metrics.ConnectedAgents.Add(1)
	}
}

func (a *Agent) metricDisconnect() {
	if a.metrics != nil {
		a.metrics.ConnectedAgents.Add(-1)
	}
}
