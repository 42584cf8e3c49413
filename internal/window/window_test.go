package window

import (
	"bytes"
	"testing"
	"time"
)

// stubClock installs a controllable clock on w and returns the advance
// function.
func stubClock(w *Window) func(time.Duration) {
	now := time.Unix(1_700_000_000, 0)
	w.now = func() time.Time { return now }
	w.rotatedAt = now
	return func(d time.Duration) { now = now.Add(d) }
}

func TestNew_RotationIntervalDerivation(t *testing.T) {
	cases := []struct {
		wait time.Duration
		want time.Duration
	}{
		{200 * time.Millisecond, 2 * time.Minute}, // 600 × wait
		{0, 10 * time.Second},                     // floor when disabled
		{10 * time.Millisecond, 10 * time.Second}, // floor on short waits
	}
	for _, c := range cases {
		w := New(c.wait)
		if w.rotateEvery != c.want {
			t.Errorf("New(%v): rotate interval = %v, want %v", c.wait, w.rotateEvery, c.want)
		}
	}
}

func TestRecordLookup(t *testing.T) {
	w := New(time.Second)
	tok := bytes.Repeat([]byte{0xaa}, 32)

	w.Record(7, tok)

	got, ok := w.Lookup(7)
	if !ok {
		t.Fatal("Lookup(7) missed a freshly recorded id")
	}
	if !bytes.Equal(got, tok) {
		t.Errorf("Lookup(7) = %x, want %x", got, tok)
	}

	if _, ok := w.Lookup(8); ok {
		t.Error("Lookup(8) resolved an id that was never recorded")
	}
}

func TestLookup_ConsultsPreviousGeneration(t *testing.T) {
	w := New(time.Second)
	advance := stubClock(w)
	tok := bytes.Repeat([]byte{0x01}, 32)

	w.Record(1, tok)

	// One rotation: the entry moves to the previous generation but still
	// resolves.
	advance(w.rotateEvery)
	if _, ok := w.Lookup(1); !ok {
		t.Fatal("Lookup failed after a single rotation")
	}
}

func TestLookup_ExpiresAfterTwoIntervals(t *testing.T) {
	w := New(time.Second)
	advance := stubClock(w)
	tok := bytes.Repeat([]byte{0x02}, 32)

	w.Record(1, tok)

	// After two full intervals of inactivity nothing recorded before that
	// point may resolve.
	advance(2 * w.rotateEvery)
	if _, ok := w.Lookup(1); ok {
		t.Error("Lookup resolved an id older than two rotation intervals")
	}
}

func TestRecord_CopiesToken(t *testing.T) {
	w := New(time.Second)
	tok := bytes.Repeat([]byte{0x03}, 32)

	w.Record(1, tok)
	tok[0] = 0xff

	got, _ := w.Lookup(1)
	if got[0] != 0x03 {
		t.Error("Record aliased the caller's token slice")
	}
}
