package events

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(8)

	for i := 0; i < 3; i++ {
		bus.Publish(Event{Kind: OperationApplied, Message: string(rune('a' + i))})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, want := range []string{"a", "b", "c"} {
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if ev.Message != want {
			t.Errorf("expected %s, got %s", want, ev.Message)
		}
		if ev.At.IsZero() {
			t.Error("expected Publish to stamp the event time")
		}
	}
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	bus := NewBus(nil)
	slow := bus.Subscribe(2)
	fast := bus.Subscribe(10)

	for _, m := range []string{"1", "2", "3", "4"} {
		bus.Publish(Event{Kind: OperationApplied, Message: m})
	}

	if slow.Dropped() != 2 {
		t.Errorf("expected 2 dropped events, got %d", slow.Dropped())
	}
	for _, want := range []string{"3", "4"} {
		ev, ok := slow.TryNext()
		if !ok || ev.Message != want {
			t.Errorf("expected %s, got %v %v", want, ev.Message, ok)
		}
	}
	if _, ok := slow.TryNext(); ok {
		t.Error("expected empty queue")
	}

	if fast.Dropped() != 0 {
		t.Errorf("a roomy subscriber should not drop, got %d", fast.Dropped())
	}
}

func TestNextWaitsForPublish(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(1)

	done := make(chan Event, 1)
	go func() {
		ev, _ := sub.Next(context.Background())
		done <- ev
	}()

	time.Sleep(10 * time.Millisecond)
	bus.Publish(Event{Kind: HealthChanged, Message: "warning"})

	select {
	case ev := <-done:
		if ev.Kind != HealthChanged {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Publish")
	}
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(4)
	bus.Publish(Event{Kind: NodeQuarantined})
	sub.Close()

	if _, err := sub.Next(context.Background()); err != nil {
		t.Fatalf("queued event should survive close: %v", err)
	}
	if _, err := sub.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}

	bus.Publish(Event{Kind: NodeReleased})
	if _, ok := sub.TryNext(); ok {
		t.Error("closed subscription should not receive events")
	}
}

func TestNextHonorsContext(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestBusClose(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(1)
	bus.Close()

	if _, err := sub.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after bus close, got %v", err)
	}
	late := bus.Subscribe(1)
	if _, err := late.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("subscribing to a closed bus should yield a closed subscription, got %v", err)
	}
}
