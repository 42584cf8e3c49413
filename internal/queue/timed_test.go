package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/pushmob/relay/internal/queue"
	"github.com/pushmob/relay/internal/store"
)

func openMemTimed(t *testing.T) *queue.TimedQueue {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	tq, err := queue.NewTimed(context.Background(), st, "schedule")
	if err != nil {
		t.Fatalf("queue.NewTimed: %v", err)
	}
	return tq
}

func TestTimed_ReturnsInReadyAtOrder(t *testing.T) {
	tq := openMemTimed(t)
	ctx := context.Background()
	now := time.Now()

	// Insert out of order; both already ready.
	if err := tq.PutAt(ctx, now.Add(-time.Second), []byte("second")); err != nil {
		t.Fatalf("PutAt: %v", err)
	}
	if err := tq.PutAt(ctx, now.Add(-2*time.Second), []byte("first")); err != nil {
		t.Fatalf("PutAt: %v", err)
	}

	for _, want := range []string{"first", "second"} {
		rowid, data, err := tq.Get(ctx)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(data) != want {
			t.Errorf("Get = %q, want %q", data, want)
		}
		if err := tq.Ack(ctx, rowid); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
}

func TestTimed_BlocksUntilReady(t *testing.T) {
	tq := openMemTimed(t)
	ctx := context.Background()

	ready := time.Now().Add(400 * time.Millisecond)
	if err := tq.PutAt(ctx, ready, []byte("later")); err != nil {
		t.Fatalf("PutAt: %v", err)
	}

	start := time.Now()
	rowid, data, err := tq.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "later" {
		t.Errorf("Get = %q, want %q", data, "later")
	}
	// Items are handed out once within the negligible-wait threshold of
	// their ready-at time.
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Get returned after %v, item was not due for ~400ms", elapsed)
	}
	if err := tq.Ack(ctx, rowid); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestTimed_GetHonoursCancellation(t *testing.T) {
	tq := openMemTimed(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, _, err := tq.Get(ctx); err == nil {
		t.Error("Get on an empty queue returned without error after cancellation")
	}
}

func TestTimed_PutNowIsImmediatelyReady(t *testing.T) {
	tq := openMemTimed(t)
	ctx := context.Background()

	if err := tq.PutNow(ctx, []byte("now")); err != nil {
		t.Fatalf("PutNow: %v", err)
	}
	if d := tq.QSize(); d != 1 {
		t.Fatalf("QSize = %d, want 1", d)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		rowid, data, err := tq.Get(ctx)
		if err != nil {
			t.Errorf("Get: %v", err)
			return
		}
		if string(data) != "now" {
			t.Errorf("Get = %q, want %q", data, "now")
		}
		_ = tq.Ack(ctx, rowid)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not return an immediately ready item")
	}
}
