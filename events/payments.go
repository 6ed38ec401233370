package events

import "time"

// TypePaymentSettled marks the receipt published when a payment fully
// settles.
const TypePaymentSettled = "payment.settled"

// PaymentSettled is the receipt notification for one fully settled payment,
// whether it arrived as a single fragment or as a multi-part set. It is
// published exactly once per payment hash.
type PaymentSettled struct {
	PaymentHash [32]byte
	Amount      uint64
	SettledAt   time.Time
}

// EventType implements the Event interface.
func (PaymentSettled) EventType() string { return TypePaymentSettled }
