package events

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

const brokerHistoryLimit = 2048

// Receipt is a broadcast envelope around a settled payment, carrying a
// monotonic sequence number so subscribers can resume from a cursor.
type Receipt struct {
	Sequence    uint64
	Cursor      string
	PaymentHash [32]byte
	Amount      uint64
	SettledAt   time.Time
}

// Broker is an Emitter that fans settlement receipts out to subscribers.
// Each subscriber owns a buffered channel; a subscriber that cannot keep up
// misses updates rather than blocking the publisher, and can recover them by
// resubscribing from its last cursor while the entry is still in history.
type Broker struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	subs    map[uint64]chan Receipt
	history []Receipt
}

// NewBroker constructs an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[uint64]chan Receipt)}
}

// Emit implements the Emitter interface. Events other than PaymentSettled are
// ignored.
func (b *Broker) Emit(evt Event) {
	settled, ok := evt.(PaymentSettled)
	if !ok {
		return
	}

	b.mu.Lock()
	b.seq++
	receipt := Receipt{
		Sequence:    b.seq,
		Cursor:      strconv.FormatUint(b.seq, 10),
		PaymentHash: settled.PaymentHash,
		Amount:      settled.Amount,
		SettledAt:   settled.SettledAt,
	}
	b.history = append(b.history, receipt)
	if len(b.history) > brokerHistoryLimit {
		excess := len(b.history) - brokerHistoryLimit
		trimmed := make([]Receipt, brokerHistoryLimit)
		copy(trimmed, b.history[excess:])
		b.history = trimmed
	}
	subscribers := make([]chan Receipt, 0, len(b.subs))
	for _, ch := range b.subs {
		subscribers = append(subscribers, ch)
	}
	b.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- receipt:
		default:
		}
	}
}

// Subscribe registers a subscriber for receipts published after the supplied
// cursor. The returned backlog replays retained history past the cursor; the
// cancel function must be called (or the context cancelled) to release the
// subscription. Cancelling stops delivery but leaves the channel open, so a
// concurrent Emit can never send on a closed channel; readers terminate via
// their own context.
func (b *Broker) Subscribe(ctx context.Context, cursor string) (<-chan Receipt, func(), []Receipt) {
	updates := make(chan Receipt, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = updates
	history := make([]Receipt, len(b.history))
	copy(history, b.history)
	b.mu.Unlock()

	backlog := make([]Receipt, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			backlog = append(backlog, entry)
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog
}
