// Package window implements the recent-notification window a push agent
// uses to correlate gateway error frames, which carry only a notification
// identifier, back to the device token the notification targeted.
//
// Each push agent owns exactly one Window and is its only caller, so the
// type uses no locks.
package window

import (
	"time"

	"github.com/pushmob/relay/internal/token"
)

// minRotate is the floor on the rotation interval.
const minRotate = 10 * time.Second

// Window is a bounded, time-rotating map from notification identifier to
// device token. Two generations rotate lazily: entries survive at least one
// and at most two rotation intervals, long enough to resolve an error frame
// referring to a notification sent several error round-trips ago, without
// unbounded growth.
type Window struct {
	rotateEvery time.Duration
	rotatedAt   time.Time

	cur  map[uint32][]byte
	prev map[uint32][]byte

	now func() time.Time // stubbed in tests
}

// New returns a Window whose rotation interval is derived from the
// configured post-write error wait: 600 times the wait, floored at
// minRotate.
func New(maxErrorWait time.Duration) *Window {
	rotate := 600 * maxErrorWait
	if rotate < minRotate {
		rotate = minRotate
	}
	w := &Window{
		rotateEvery: rotate,
		cur:         make(map[uint32][]byte),
		prev:        make(map[uint32][]byte),
		now:         time.Now,
	}
	w.rotatedAt = w.now()
	return w
}

// Record remembers that the notification with the given identifier targeted
// tok. The token is copied.
func (w *Window) Record(id uint32, tok []byte) {
	w.rotate()
	w.cur[id] = append(make([]byte, 0, token.Length), tok...)
}

// Lookup resolves a notification identifier to its device token, consulting
// the current generation and then the previous one.
func (w *Window) Lookup(id uint32) ([]byte, bool) {
	w.rotate()
	if tok, ok := w.cur[id]; ok {
		return tok, true
	}
	tok, ok := w.prev[id]
	return tok, ok
}

// rotate discards the previous generation and starts a fresh current one
// when the rotation interval has elapsed. Rotation is driven lazily by
// Record and Lookup; an idle window simply holds its entries longer.
func (w *Window) rotate() {
	elapsed := w.now().Sub(w.rotatedAt)
	if elapsed < w.rotateEvery {
		return
	}
	if elapsed >= 2*w.rotateEvery {
		// Both generations predate the retention horizon.
		w.prev = make(map[uint32][]byte)
		w.rotatedAt = w.now()
	} else {
		w.prev = w.cur
		// Keep generation boundaries on the interval grid so a late swap
		// does not extend the previous generation's lifetime.
		w.rotatedAt = w.rotatedAt.Add(w.rotateEvery)
	}
	w.cur = make(map[uint32][]byte)
}
