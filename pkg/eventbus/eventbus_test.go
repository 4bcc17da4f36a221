package eventbus

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(EventTaskAssigned)
	defer sub.Close()

	bus.Publish(EventTaskAssigned, map[string]any{"taskId": "t1"})

	select {
	case ev := <-sub.C:
		if ev.Name != EventTaskAssigned {
			t.Errorf("expected name %q, got %q", EventTaskAssigned, ev.Name)
		}
		if ev.Payload["taskId"] != "t1" {
			t.Errorf("unexpected payload: %v", ev.Payload)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishExactNameOnly(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(EventNodeRegistered)
	defer sub.Close()

	bus.Publish(EventNodeUnregistered, nil)

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event delivered: %s", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := New()
	sub := bus.SubscribeBuffered(EventNodeHeartbeat, 2)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		// Nobody drains the subscription; publishing must still return.
		for i := 0; i < 100; i++ {
			bus.Publish(EventNodeHeartbeat, map[string]any{"i": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	if bus.Dropped() == 0 {
		t.Error("expected dropped events to be counted")
	}

	// Newest events should have survived the drop-oldest policy.
	ev := <-sub.C
	if ev.Payload["i"].(int) == 0 {
		t.Errorf("expected oldest events to be dropped, got i=%v", ev.Payload["i"])
	}
}

func TestSubscriptionClose(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(EventTaskCompleted)
	if bus.SubscriberCount(EventTaskCompleted) != 1 {
		t.Fatal("expected one subscriber")
	}

	sub.Close()
	sub.Close() // idempotent

	if bus.SubscriberCount(EventTaskCompleted) != 0 {
		t.Error("expected subscription to be removed")
	}
}
