// Package listener accepts client commands on the control socket and turns
// them into queued work.
//
// # Protocol
//
// The control socket is a request/reply stream: each request and each reply
// is one frame, length-prefixed with a big-endian uint32. Requests on one
// connection are served strictly in order. Two commands exist:
//
//	send <expiry> <N> <tok1> … <tokN> <payload>
//	feedback
//
// A valid send reserves N identifiers from the durable counter in one
// transaction, enqueues one notification per token, and replies
// "OK <id1> <id2> …". A feedback request drains the feedback queue without
// blocking and replies "OK <ts1>:<tok1> <ts2>:<tok2> …" (bare "OK" when the
// queue is empty). Validation failures are answered with "ERROR <message>"
// and enqueue nothing.
package listener

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pushmob/relay/internal/journal"
	"github.com/pushmob/relay/internal/token"
	"github.com/pushmob/relay/internal/wire"
)

// maxRequestLen bounds a control frame; a full batch of tokens plus payload
// fits comfortably.
const maxRequestLen = 1 << 20

// Ident reserves contiguous ranges of notification identifiers.
type Ident interface {
	Reserve(ctx context.Context, n int) (uint32, error)
}

// PushQueue receives freshly drafted notifications.
type PushQueue interface {
	Put(ctx context.Context, data []byte) error
}

// FeedbackQueue hands out pending feedback records.
type FeedbackQueue interface {
	GetNoWait(ctx context.Context) (rowid int64, data []byte, ok bool, err error)
	Ack(ctx context.Context, rowid int64) error
}

// Listener owns the control socket. Create one with New, call Bind, then
// Serve.
type Listener struct {
	bind     string
	ident    Ident
	pushq    PushQueue
	feedback FeedbackQueue
	fmtr     *token.Formatter
	logger   *slog.Logger
	metrics  *Metrics
	journal  *journal.Journal

	ln net.Listener

	// sendMu serialises send handling across connections so a batch's
	// identifier range and its queue rows are enqueued in arrival order.
	sendMu sync.Mutex

	now func() time.Time // stubbed in tests
}

// Option is a functional option for New.
type Option func(*Listener)

// WithMetrics wires a Metrics value into the listener.
func WithMetrics(m *Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

// WithJournal wires the delivery journal into the listener.
func WithJournal(j *journal.Journal) Option {
	return func(l *Listener) { l.journal = j }
}

// New creates a Listener bound to nothing yet.
func New(bind string, ident Ident, pushq PushQueue, feedback FeedbackQueue, fmtr *token.Formatter, logger *slog.Logger, opts ...Option) *Listener {
	l := &Listener{
		bind:     bind,
		ident:    ident,
		pushq:    pushq,
		feedback: feedback,
		fmtr:     fmtr,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Bind opens the control socket. It is separate from Serve so boot can
// treat a bind failure as a resource error distinct from later I/O.
func (l *Listener) Bind() error {
	ln, err := net.Listen("tcp", l.bind)
	if err != nil {
		return fmt.Errorf("listener: bind %q: %w", l.bind, err)
	}
	l.ln = ln
	l.logger.Info("control socket bound", slog.String("addr", l.bind))
	return nil
}

// Addr returns the bound control socket address. It is only valid after
// Bind, and is mainly useful when binding to port 0.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts connections until ctx is cancelled, answering each frame in
// order. It returns nil when shut down by ctx and a non-nil error when the
// store fails.
func (l *Listener) Serve(ctx context.Context) error {
	if l.ln == nil {
		return errors.New("listener: Serve called before Bind")
	}

	// Unblock Accept when ctx ends.
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	errCh := make(chan error, 1)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			select {
			case serveErr := <-errCh:
				return serveErr
			default:
			}
			return fmt.Errorf("listener: accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.serveConn(ctx, conn); err != nil {
				select {
				case errCh <- err:
				default:
				}
				_ = l.ln.Close()
			}
		}()
	}
}

// serveConn answers requests on one client connection until it closes. A
// returned error is a store failure and stops the whole listener.
func (l *Listener) serveConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}
		req, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				l.logger.Debug("control connection closed", slog.Any("error", err))
			}
			return nil
		}

		reply, err := l.handle(ctx, string(req))
		if err != nil {
			// Store failure: tell the client before propagating.
			_ = writeFrame(conn, []byte("ERROR internal error"))
			return err
		}
		if err := writeFrame(conn, []byte(reply)); err != nil {
			l.logger.Debug("control reply failed", slog.Any("error", err))
			return nil
		}
	}
}

// handle parses one request and executes it. The returned error is a store
// failure; validation problems are reported in the reply.
func (l *Listener) handle(ctx context.Context, msg string) (string, error) {
	msg = strings.TrimSpace(msg)
	lower := strings.ToLower(msg)

	switch {
	case strings.HasPrefix(lower, "send "):
		l.metricRequest()
		req, err := parseSend(msg[len("send "):], l.now())
		if err != nil {
			return l.sendError(err.Error(), msg), nil
		}
		return l.performSend(ctx, req)

	case strings.HasPrefix(lower, "feedback"):
		l.metricRequest()
		return l.performFeedback(ctx)

	default:
		l.metricRequest()
		return l.sendError("invalid input", msg), nil
	}
}

// sendError logs the rejected request and formats the ERROR reply.
func (l *Listener) sendError(reason, request string) string {
	l.logger.Warn("rejecting control request",
		slog.String("reason", reason),
		slog.String("request", request),
	)
	l.metricSendError()
	return "ERROR " + reason
}

// performSend reserves identifiers, drafts one notification per token, and
// enqueues them durably.
func (l *Listener) performSend(ctx context.Context, req *sendRequest) (string, error) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	first, err := l.ident.Reserve(ctx, len(req.tokens))
	if err != nil {
		return "", fmt.Errorf("listener: reserve %d identifiers: %w", len(req.tokens), err)
	}

	now := l.now().Unix()
	ids := make([]uint32, 0, len(req.tokens))
	var b strings.Builder
	b.WriteString("OK")
	for i, tok := range req.tokens {
		id := first + uint32(i)
		n := &wire.Notification{
			ID:        id,
			CreatedAt: now,
			ExpiryAt:  req.expiry,
			Token:     tok,
			Payload:   req.payload,
		}
		if err := l.pushq.Put(ctx, wire.EncodeQueued(n)); err != nil {
			return "", fmt.Errorf("listener: enqueue notification %d: %w", id, err)
		}
		l.logger.Debug("notification queued",
			slog.Uint64("id", uint64(id)),
			slog.String("device", l.fmtr.Encode(tok)),
			slog.Uint64("expiry", uint64(req.expiry)),
		)
		ids = append(ids, id)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatUint(uint64(id), 10))
	}

	l.metricEnqueued(len(ids))
	_ = l.journal.Append(journal.Event{Kind: "accepted", IDs: ids})
	return b.String(), nil
}

// performFeedback drains the feedback queue without blocking. Every drained
// record is acknowledged, so a record reaches at most one client.
func (l *Listener) performFeedback(ctx context.Context) (string, error) {
	var b strings.Builder
	b.WriteString("OK")
	for {
		rowid, data, ok, err := l.feedback.GetNoWait(ctx)
		if err != nil {
			return "", fmt.Errorf("listener: drain feedback queue: %w", err)
		}
		if !ok {
			break
		}
		tuple, perr := wire.ParseFeedbackTuple(data)
		if perr != nil {
			l.logger.Warn("dropping malformed feedback row", slog.Any("error", perr))
		} else {
			b.WriteByte(' ')
			b.WriteString(strconv.FormatUint(uint64(tuple.Timestamp), 10))
			b.WriteByte(':')
			b.WriteString(l.fmtr.Encode(tuple.Token))
		}
		if err := l.feedback.Ack(ctx, rowid); err != nil {
			return "", fmt.Errorf("listener: ack feedback row %d: %w", rowid, err)
		}
	}
	l.metricFeedback()
	return b.String(), nil
}

// readFrame reads one length-prefixed request frame.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxRequestLen {
		return nil, fmt.Errorf("listener: request frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeFrame writes one length-prefixed reply frame.
func writeFrame(w io.Writer, b []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ── metrics helpers ─────────────────────────────────────────────────────────

func (l *Listener) metricRequest() {
	if l.metrics != nil {
		l.metrics.Requests.Add(1)
	}
}

func (l *Listener) metricSendError() {
	if l.metrics != nil {
		l.metrics.RejectedRequests.Add(1)
	}
}

func (l *Listener) metricEnqueued(n int) {
	if l.metrics != nil {
		l.metrics.NotificationsEnqueued.Add(int64(n))
	}
}

func (l *Listener) metricFeedback() {
	if l.metrics != nil {
		l.metrics.FeedbackDrains.Add(1)
	}
}
