// Package feedback implements the worker that drains the vendor feedback
// service: a TLS stream of fixed-size binary tuples naming device tokens
// that should no longer be targeted. Parsed tuples are persisted on the
// durable feedback queue for later retrieval by a client "feedback" command.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pushmob/relay/internal/token"
	"github.com/pushmob/relay/internal/wire"
)

// Dialer produces authenticated connections to the feedback service.
type Dialer interface {
	Dial(ctx context.Context, addr string, retryInterval time.Duration) (net.Conn, error)
}

// Sink is the durable queue parsed tuples are appended to.
type Sink interface {
	Put(ctx context.Context, data []byte) error
}

// Agent owns one TLS session to the feedback endpoint. The vendor sends its
// backlog of tuples immediately on connect and then closes, so the agent
// drains in bursts separated by the configured frequency.
type Agent struct {
	gateway   string
	frequency time.Duration
	queue     Sink
	dialer    Dialer
	fmtr      *token.Formatter
	logger    *slog.Logger
	metrics   *Metrics // nil when no instrumentation is requested

	// conn is non-nil on the first drain when boot hands over the probe
	// socket it used to verify connectivity: the vendor starts streaming
	// tuples the moment the session is up, and closing the probe would lose
	// that first batch.
	conn net.Conn
}

// Option is a functional option for New.
type Option func(*Agent)

// WithMetrics wires a Metrics value into the agent.
func WithMetrics(m *Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithProbeConn seeds the agent with an already-open session, typically the
// boot-time probe socket.
func WithProbeConn(conn net.Conn) Option {
	return func(a *Agent) { a.conn = conn }
}

// New creates a feedback agent.
func New(gateway string, frequency time.Duration, q Sink, d Dialer, fmtr *token.Formatter, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		gateway:   gateway,
		frequency: frequency,
		queue:     q,
		dialer:    d,
		fmtr:      fmtr,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run drains the feedback service until ctx is cancelled. It returns nil on
// clean shutdown and a non-nil error only when the store fails, which is
// fatal to the worker.
func (a *Agent) Run(ctx context.Context) error {
	defer a.closeConn()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if a.conn == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(a.frequency):
			}
			conn, err := a.dialer.Dial(ctx, a.gateway, a.frequency)
			if err != nil {
				// Only a cancelled context gets here.
				return nil
			}
			a.conn = conn
			if a.metrics != nil {
				a.metrics.Connects.Add(1)
			}
		}

		if err := a.drainSession(ctx); err != nil {
			return err
		}
	}
}

// drainSession reads the open session until the peer closes it, appending
// every complete tuple to the feedback queue.
func (a *Agent) drainSession(ctx context.Context) error {
	defer a.closeConn()

	var (
		buf  []byte
		read [4096]byte
	)
	for {
		if ctx.Err() != nil {
			return nil
		}

		// Bound each read so shutdown is noticed on a silent stream.
		_ = a.conn.SetReadDeadline(time.Now().Add(time.Second))
		nr, err := a.conn.Read(read[:])
		if nr > 0 {
			buf = append(buf, read[:nr]...)
			for len(buf) >= wire.FeedbackTupleLen {
				tuple, perr := wire.ParseFeedbackTuple(buf[:wire.FeedbackTupleLen])
				buf = buf[wire.FeedbackTupleLen:]
				if perr != nil {
					a.logger.Warn("skipping malformed feedback tuple", slog.Any("error", perr))
					continue
				}
				a.logger.Info("new feedback tuple",
					slog.Uint64("timestamp", uint64(tuple.Timestamp)),
					slog.String("device", a.fmtr.Encode(tuple.Token)),
				)
				if err := a.queue.Put(ctx, wire.EncodeFeedbackTuple(tuple)); err != nil {
					return fmt.Errorf("feedback: enqueue tuple: %w", err)
				}
				if a.metrics != nil {
					a.metrics.Tuples.Add(1)
				}
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			// Peer closed (or broke) the stream; whole tuples have already
			// been consumed, anything left is garbage.
			if len(buf) != 0 {
				a.logger.Warn("unexpected trailing garbage from feedback service",
					slog.Int("bytes", len(buf)),
					slog.String("data", fmt.Sprintf("%x", buf)),
				)
				if a.metrics != nil {
					a.metrics.GarbageReads.Add(1)
				}
			}
			return nil
		}
	}
}

// isTimeout reports whether err is a read-deadline expiry.
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// closeConn tears down the feedback session, if any.
func (a *Agent) closeConn() {
	if a.conn == nil {
		return
	}
	_ = a.conn.Close()
	a.conn = nil
}
