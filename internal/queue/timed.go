package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pushmob/relay/internal/store"
)

// readyThreshold is how close to its ready-at time an item must be before
// TimedQueue hands it out. Waiting out the last fraction of a second is not
// worth a reschedule.
const readyThreshold = 200 * time.Millisecond

// TimedQueue is a durable queue whose items carry a ready-at time. Get
// returns items in ready-at order and blocks until the head item's ready-at
// is within readyThreshold of now. It shares the crash-recovery semantics of
// Queue: in-use markers are cleared when the queue is opened.
//
// The push pipeline itself does not consume one of these; it exists for
// scheduled-delivery extensions and is exercised by the test suite.
type TimedQueue struct {
	q Queue
}

// NewTimed opens the timed queue stored in the named table of st.
func NewTimed(ctx context.Context, st *store.Store, table string) (*TimedQueue, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("queue: invalid table name %q", table)
	}
	db := st.DB()

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    inuse   INTEGER NOT NULL DEFAULT 0,
    readyat REAL    NOT NULL,
    data    BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_ready ON %[1]s (inuse, readyat);
`, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("queue: apply schema for %q: %w", table, err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET inuse = 0`, table)); err != nil {
		return nil, fmt.Errorf("queue: reset in-use markers for %q: %w", table, err)
	}

	tq := &TimedQueue{q: Queue{
		db:    db,
		table: table,
		wake:  make(chan struct{}),
	}}

	var count int64
	if err := db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE inuse = 0`, table)).Scan(&count); err != nil {
		return nil, fmt.Errorf("queue: count pending rows in %q: %w", table, err)
	}
	tq.q.depth.Store(count)

	return tq, nil
}

// PutAt appends data with the given ready-at time. The row is durable before
// PutAt returns.
func (tq *TimedQueue) PutAt(ctx context.Context, at time.Time, data []byte) error {
	ready := float64(at.UnixNano()) / float64(time.Second)
	if _, err := tq.q.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (readyat, data) VALUES (?, ?)`, tq.q.table), ready, data); err != nil {
		return fmt.Errorf("queue: put on %q: %w", tq.q.table, err)
	}
	tq.q.depth.Add(1)
	tq.q.wakeAll()
	return nil
}

// PutNow appends data ready for immediate consumption.
func (tq *TimedQueue) PutNow(ctx context.Context, data []byte) error {
	return tq.PutAt(ctx, time.Now(), data)
}

// Get blocks until the item with the earliest ready-at time is ready, marks
// it in-use, and returns it. The returned rowid must be passed to Ack.
func (tq *TimedQueue) Get(ctx context.Context) (rowid int64, data []byte, err error) {
	for {
		ch := tq.q.waitCh()

		rowid, ready, data, found, err := tq.pickHead(ctx)
		if err != nil {
			return 0, nil, err
		}

		if !found {
			select {
			case <-ch:
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			}
			continue
		}

		wait := time.Until(ready)
		if wait < readyThreshold {
			ok, err := tq.grabRow(ctx, rowid)
			if err != nil {
				return 0, nil, err
			}
			if !ok {
				// Another consumer took it; re-pick.
				continue
			}
			return rowid, data, nil
		}

		// Head not ready yet: sleep until it is, or until a Put may have
		// installed an earlier head.
		timer := time.NewTimer(wait)
		select {
		case <-ch:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return 0, nil, ctx.Err()
		}
		timer.Stop()
	}
}

// Ack removes the row permanently.
func (tq *TimedQueue) Ack(ctx context.Context, rowid int64) error {
	return tq.q.Ack(ctx, rowid)
}

// QSize returns the number of rows not currently handed out.
func (tq *TimedQueue) QSize() int {
	return tq.q.QSize()
}

// pickHead returns the pending row with the earliest ready-at time without
// marking it.
func (tq *TimedQueue) pickHead(ctx context.Context) (rowid int64, ready time.Time, data []byte, found bool, err error) {
	var readyAt float64
	err = tq.q.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT rowid, readyat, data FROM %s WHERE inuse = 0 ORDER BY readyat LIMIT 1`, tq.q.table)).
		Scan(&rowid, &readyAt, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, nil, false, nil
	}
	if err != nil {
		return 0, time.Time{}, nil, false, fmt.Errorf("queue: pick from %q: %w", tq.q.table, err)
	}
	ready = time.Unix(0, int64(readyAt*float64(time.Second)))
	return rowid, ready, data, true, nil
}

// grabRow marks the given row in-use if it is still pending.
func (tq *TimedQueue) grabRow(ctx context.Context, rowid int64) (bool, error) {
	tq.q.opMu.Lock()
	defer tq.q.opMu.Unlock()

	res, err := tq.q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET inuse = 1 WHERE rowid = ? AND inuse = 0`, tq.q.table), rowid)
	if err != nil {
		return false, fmt.Errorf("queue: mark row %d in %q: %w", rowid, tq.q.table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("queue: rows affected for %q: %w", tq.q.table, err)
	}
	if n == 0 {
		return false, nil
	}
	tq.q.depth.Add(-1)
	return true, nil
}
