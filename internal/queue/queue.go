// Package queue provides the durable FIFO queues at the heart of the push
// pipeline, backed by the WAL-mode SQLite store. Rows are persisted on Put
// and are not removed until the consumer calls Ack, giving at-least-once
// delivery semantics: events handed out by Get carry an in-use marker in the
// store, and all markers are cleared when the queue is opened so that items
// that were in flight when the process crashed are handed out again.
//
// Queue hands out items in insertion (rowid) order. TimedQueue additionally
// associates each item with a ready-at time and refuses to hand out an item
// before that time has (almost) arrived.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pushmob/relay/internal/store"
)

// tableName restricts table names to plain identifiers, since they are
// interpolated into the DDL and queries below.
var tableName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Queue is a durable, in-order, single-consumer-per-item queue. It is safe
// for concurrent use by any number of producers and consumers.
type Queue struct {
	db    *sql.DB
	table string

	// opMu serialises the pick-then-mark step of Get so that two consumers
	// never grab the same row.
	opMu sync.Mutex

	// mu guards wake. Put closes wake to broadcast to blocked consumers,
	// which then race through opMu for the new row.
	mu   sync.Mutex
	wake chan struct{}

	depth atomic.Int64
}

// New opens the queue stored in the named table of st, creating the table on
// first use. All in-use markers left over from a previous run are cleared so
// interrupted items are redelivered.
func New(ctx context.Context, st *store.Store, table string) (*Queue, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("queue: invalid table name %q", table)
	}
	db := st.DB()

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    inuse INTEGER NOT NULL DEFAULT 0,
    data  BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_inuse ON %[1]s (inuse);
`, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("queue: apply schema for %q: %w", table, err)
	}

	// Crash recovery: items grabbed but never acknowledged go back on offer.
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET inuse = 0`, table)); err != nil {
		return nil, fmt.Errorf("queue: reset in-use markers for %q: %w", table, err)
	}

	q := &Queue{
		db:    db,
		table: table,
		wake:  make(chan struct{}),
	}

	var count int64
	if err := db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE inuse = 0`, q.table)).Scan(&count); err != nil {
		return nil, fmt.Errorf("queue: count pending rows in %q: %w", table, err)
	}
	q.depth.Store(count)

	return q, nil
}

// Put appends data to the queue. The row is committed, and therefore
// durable, before Put returns; any consumer blocked in Get is woken.
func (q *Queue) Put(ctx context.Context, data []byte) error {
	if _, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (data) VALUES (?)`, q.table), data); err != nil {
		return fmt.Errorf("queue: put on %q: %w", q.table, err)
	}
	q.depth.Add(1)
	q.wakeAll()
	return nil
}

// Get returns the oldest item not currently handed out, marking it in-use.
// The returned rowid must be passed to Ack once the item has been fully
// processed.
//
// When no item is available Get blocks: forever if timeout <= 0, otherwise
// until timeout elapses, in which case it returns ok == false. A non-nil
// error means the store failed or ctx was cancelled.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (rowid int64, data []byte, ok bool, err error) {
	var timeC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeC = timer.C
	}

	for {
		ch := q.waitCh()

		rowid, data, ok, err = q.grab(ctx)
		if err != nil || ok {
			return rowid, data, ok, err
		}

		select {
		case <-ch:
		case <-timeC:
			return 0, nil, false, nil
		case <-ctx.Done():
			return 0, nil, false, ctx.Err()
		}
	}
}

// GetNoWait is a single non-blocking Get attempt.
func (q *Queue) GetNoWait(ctx context.Context) (rowid int64, data []byte, ok bool, err error) {
	return q.grab(ctx)
}

// grab atomically picks the oldest pending row and marks it in-use.
func (q *Queue) grab(ctx context.Context) (int64, []byte, bool, error) {
	q.opMu.Lock()
	defer q.opMu.Unlock()

	var (
		rowid int64
		data  []byte
	)
	err := q.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT rowid, data FROM %s WHERE inuse = 0 ORDER BY rowid LIMIT 1`, q.table)).
		Scan(&rowid, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, fmt.Errorf("queue: pick from %q: %w", q.table, err)
	}

	if _, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET inuse = 1 WHERE rowid = ?`, q.table), rowid); err != nil {
		return 0, nil, false, fmt.Errorf("queue: mark row %d in %q: %w", rowid, q.table, err)
	}
	q.depth.Add(-1)
	return rowid, data, true, nil
}

// Ack removes the row permanently. Ack is idempotent.
func (q *Queue) Ack(ctx context.Context, rowid int64) error {
	if _, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE rowid = ?`, q.table), rowid); err != nil {
		return fmt.Errorf("queue: ack row %d in %q: %w", rowid, q.table, err)
	}
	return nil
}

// QSize returns the number of rows not currently handed out. It reads an
// atomic counter maintained by Put and Get, so it never touches the store.
func (q *Queue) QSize() int {
	return int(q.depth.Load())
}

// waitCh returns the channel the next wakeAll will close.
func (q *Queue) waitCh() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wake
}

// wakeAll wakes every consumer blocked in Get.
func (q *Queue) wakeAll() {
	q.mu.Lock()
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}
