package request

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegisterCancelUnregister(t *testing.T) {
	tr := NewTracker(0, nil)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	tr.Register("req-1", cancel, map[string]string{"node": "n1"})

	if tr.Count() != 1 {
		t.Fatalf("expected 1 entry, got %d", tr.Count())
	}

	tr.Cancel("req-1")
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel did not abort the context")
	}
	if tr.Count() != 0 {
		t.Errorf("cancelled entry should be removed, count=%d", tr.Count())
	}

	// Cancelling an unknown id never panics or errors.
	tr.Cancel("no-such-request")
}

func TestUnregisterDoesNotCancel(t *testing.T) {
	tr := NewTracker(0, nil)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Register("req-1", cancel, nil)
	tr.Unregister("req-1")

	select {
	case <-ctx.Done():
		t.Fatal("unregister must not cancel the request")
	default:
	}
	if tr.Count() != 0 {
		t.Errorf("expected empty tracker, count=%d", tr.Count())
	}
}

func TestCancelAll(t *testing.T) {
	tr := NewTracker(0, nil)
	defer tr.Close()

	var cancelled atomic.Int32
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		tr.Register(id, func() { cancelled.Add(1) }, nil)
	}

	tr.CancelAll()
	if got := cancelled.Load(); got != 5 {
		t.Errorf("expected 5 cancellations, got %d", got)
	}
	if tr.Count() != 0 {
		t.Errorf("expected empty tracker, count=%d", tr.Count())
	}
}

func TestListWithFilter(t *testing.T) {
	tr := NewTracker(0, nil)
	defer tr.Close()

	tr.Register("a", func() {}, map[string]string{"node": "n1"})
	tr.Register("b", func() {}, map[string]string{"node": "n2"})

	all := tr.List(nil)
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}

	n1 := tr.List(func(e Entry) bool { return e.Meta["node"] == "n1" })
	if len(n1) != 1 || n1[0].RequestID != "a" {
		t.Errorf("unexpected filtered result: %+v", n1)
	}
}

func TestRegisterReplacesExisting(t *testing.T) {
	tr := NewTracker(0, nil)
	defer tr.Close()

	var oldCancelled atomic.Bool
	tr.Register("req-1", func() { oldCancelled.Store(true) }, nil)
	tr.Register("req-1", func() {}, nil)

	if !oldCancelled.Load() {
		t.Error("replacing a registration must cancel the old handle")
	}
	if tr.Count() != 1 {
		t.Errorf("expected 1 entry, got %d", tr.Count())
	}
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	tr := NewTracker(10*time.Millisecond, nil)
	defer tr.Close()

	var cancelled atomic.Bool
	tr.Register("stale", func() { cancelled.Store(true) }, nil)

	time.Sleep(20 * time.Millisecond)
	if done := tr.sweepOnce(); !done {
		t.Error("sweeper should report drained after removing the only entry")
	}
	if !cancelled.Load() {
		t.Error("stale entry must be cancelled")
	}
	if tr.Count() != 0 {
		t.Errorf("expected empty tracker, count=%d", tr.Count())
	}
}

func TestCloseRejectsNewRegistrations(t *testing.T) {
	tr := NewTracker(0, nil)
	tr.Close()

	var cancelled atomic.Bool
	tr.Register("late", func() { cancelled.Store(true) }, nil)

	if tr.Count() != 0 {
		t.Error("closed tracker must not accept registrations")
	}
	if !cancelled.Load() {
		t.Error("late registration should be cancelled immediately")
	}
}
