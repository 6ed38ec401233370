package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func settledEvent(seq byte, amount uint64) PaymentSettled {
	return PaymentSettled{
		PaymentHash: [32]byte{seq},
		Amount:      amount,
		SettledAt:   time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestBrokerDeliversToSubscriber(t *testing.T) {
	broker := NewBroker()
	updates, cancel, backlog := broker.Subscribe(context.Background(), "")
	defer cancel()
	if len(backlog) != 0 {
		t.Fatalf("expected empty backlog, got %d entries", len(backlog))
	}

	broker.Emit(settledEvent(1, 1000))

	select {
	case receipt := <-updates:
		if receipt.Amount != 1000 || receipt.PaymentHash != ([32]byte{1}) {
			t.Fatalf("unexpected receipt %+v", receipt)
		}
		if receipt.Sequence != 1 || receipt.Cursor != "1" {
			t.Fatalf("unexpected cursor %+v", receipt)
		}
	case <-time.After(time.Second):
		t.Fatalf("receipt not delivered")
	}
}

func TestBrokerReplaysFromCursor(t *testing.T) {
	broker := NewBroker()
	broker.Emit(settledEvent(1, 100))
	broker.Emit(settledEvent(2, 200))
	broker.Emit(settledEvent(3, 300))

	_, cancel, backlog := broker.Subscribe(context.Background(), "1")
	defer cancel()
	if len(backlog) != 2 {
		t.Fatalf("expected 2 replayed receipts, got %d", len(backlog))
	}
	if backlog[0].Sequence != 2 || backlog[1].Sequence != 3 {
		t.Fatalf("unexpected replay order: %+v", backlog)
	}
}

func TestBrokerIgnoresForeignEvents(t *testing.T) {
	broker := NewBroker()
	updates, cancel, _ := broker.Subscribe(context.Background(), "")
	defer cancel()

	broker.Emit(otherEvent{})

	select {
	case receipt := <-updates:
		t.Fatalf("unexpected receipt %+v", receipt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerCancelStopsDelivery(t *testing.T) {
	broker := NewBroker()
	updates, cancel, _ := broker.Subscribe(context.Background(), "")
	cancel()
	cancel() // idempotent

	broker.Emit(settledEvent(9, 900))

	select {
	case receipt := <-updates:
		t.Fatalf("receipt delivered after cancel: %+v", receipt)
	case <-time.After(50 * time.Millisecond):
	}
}

// Subscribers cancelling while the publisher fans out must never race the
// fan-out into a panic.
func TestBrokerConcurrentEmitAndCancel(t *testing.T) {
	broker := NewBroker()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		_, cancel, _ := broker.Subscribe(context.Background(), "")
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancel()
		}()
		go func(n byte) {
			defer wg.Done()
			broker.Emit(settledEvent(n, 100))
		}(byte(i))
	}
	wg.Wait()
}

type otherEvent struct{}

func (otherEvent) EventType() string { return "other" }
