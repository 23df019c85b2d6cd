package bus

import (
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(Event{Type: EventCompaction, Data: map[string]interface{}{"removed": 3}})

	select {
	case ev := <-ch:
		if ev.Type != EventCompaction {
			t.Fatalf("type = %q, want compaction", ev.Type)
		}
		if ev.Timestamp.IsZero() {
			t.Fatal("timestamp should be filled in")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBusCancelUnsubscribes(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("subscribers = %d, want 1", b.SubscriberCount())
	}
	cancel()
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscribers = %d, want 0", b.SubscriberCount())
	}
	// 二次取消安全
	cancel()
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: EventBudget})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	// 通道容量 16，至少能读到一些
	if len(ch) == 0 {
		t.Fatal("expected buffered events")
	}
}
