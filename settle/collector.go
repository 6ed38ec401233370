package settle

import (
	"time"

	"paylink/chanwire"
	"paylink/invoice"
)

type collectorState uint8

const (
	collectorAccumulating collectorState = iota
	collectorCompleted
	collectorTimedOut
)

// heldFragment retains what the collector needs to answer a fragment later:
// its channel-scoped id and the link it arrived on. Fragments of one payment
// may arrive over different links.
type heldFragment struct {
	id   uint64
	link ChannelLink
}

// collector correlates the fragments of one multi-part payment. It holds
// fragments unanswered while accumulating, then settles or fails them all in
// one terminal transition. All methods except the timer callback's entry
// point run under the registry mutex.
type collector struct {
	registry *Registry

	paymentHash   invoice.Hash
	preimage      invoice.Preimage
	declaredTotal invoice.MilliSat

	state          collectorState
	receivedAmount invoice.MilliSat
	held           []heldFragment
	timer          *time.Timer
}

func newCollector(r *Registry, hash invoice.Hash, preimage invoice.Preimage, total invoice.MilliSat) *collector {
	return &collector{
		registry:      r,
		paymentHash:   hash,
		preimage:      preimage,
		declaredTotal: total,
	}
}

// arm starts the deadline timer. Called once, immediately after the collector
// is inserted into the registry map.
func (c *collector) arm(timeout time.Duration) {
	c.timer = time.AfterFunc(timeout, c.deadlineFired)
}

// addFragment accumulates one fragment and reports whether the declared
// total has been reached. The fragment is held, not answered; on completion
// the collector stops its timer and the caller finishes the settlement.
func (c *collector) addFragment(id uint64, amount invoice.MilliSat, link ChannelLink) bool {
	if c.state != collectorAccumulating {
		// Unreachable while the registry purges terminal collectors
		// under the same lock; kept as a guard against late callers.
		c.registry.reject(Fragment{LocalID: id, DeclaredTotal: c.declaredTotal}, link,
			chanwire.IncorrectPaymentDetails(uint64(c.declaredTotal)))
		return false
	}
	c.receivedAmount += amount
	c.held = append(c.held, heldFragment{id: id, link: link})
	if c.receivedAmount < c.declaredTotal {
		return false
	}
	c.state = collectorCompleted
	// Stop exactly once, at the moment the collector leaves Accumulating,
	// so the deadline cannot fire against a settled payment.
	c.timer.Stop()
	return true
}

// fulfillAll releases the preimage to every held fragment, each on its own
// link.
func (c *collector) fulfillAll() {
	for _, held := range c.held {
		c.registry.send(held.link, chanwire.Fulfill{ID: held.id, Preimage: c.preimage})
	}
}

// failAll rejects every held fragment with reason, each on its own link.
func (c *collector) failAll(reason chanwire.FailureReason) {
	for _, held := range c.held {
		c.registry.send(held.link, chanwire.Fail{ID: held.id, Reason: reason})
	}
}

// deadlineFired runs on the timer goroutine. It re-checks state under the
// registry lock: a collector that completed between the timer firing and the
// lock acquisition ignores the stale callback.
func (c *collector) deadlineFired() {
	c.registry.mu.Lock()
	defer c.registry.mu.Unlock()

	if c.state != collectorAccumulating {
		return
	}
	c.state = collectorTimedOut
	c.failAll(chanwire.IncorrectPaymentDetails(uint64(c.declaredTotal)))
	c.registry.collectorTimedOut(c)
}
