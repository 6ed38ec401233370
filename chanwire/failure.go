package chanwire

import "encoding/binary"

// FlagPerm marks a failure as permanent for the sender; retrying the same
// payment without changes cannot succeed.
const FlagPerm uint16 = 0x4000

// Structured failure codes understood by counterparties. Every rejection this
// node emits is one of these two; no other detail is ever leaked.
const (
	// CodeIncorrectOrUnknownPaymentDetails is the generic rejection. It
	// deliberately covers unknown payment hash, expired invoice, amount
	// mismatch and multi-part violations alike so a prober cannot tell
	// them apart.
	CodeIncorrectOrUnknownPaymentDetails = FlagPerm | 15

	// CodeFinalExpiryTooSoon rejects a fragment whose CLTV expiry leaves
	// the final hop too little time to claim on chain.
	CodeFinalExpiryTooSoon uint16 = 17
)

// IncorrectPaymentDetails builds the generic rejection reason carrying the
// effective amount the fragment presented.
func IncorrectPaymentDetails(amount uint64) FailureReason {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, amount)
	return StructuredReason(CodeIncorrectOrUnknownPaymentDetails, payload)
}

// FinalExpiryTooSoon builds the expiry rejection reason. It carries no
// payload.
func FinalExpiryTooSoon() FailureReason {
	return StructuredReason(CodeFinalExpiryTooSoon, nil)
}
