package invoice

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("invoice: not found")
	ErrInvalidHash    = errors.New("invoice: invalid payment hash")
	ErrHashMismatch   = errors.New("invoice: preimage does not match payment hash")
	ErrAlreadySettled = errors.New("invoice: payment already settled")
)

// MilliSat is the amount unit used throughout the node. An invoice amount of
// zero means the invoice accepts any amount.
type MilliSat uint64

// Hash is a 32-byte payment hash identifying one logical payment.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes a hex-encoded payment hash.
func ParseHash(value string) (Hash, error) {
	var h Hash
	decoded, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil || len(decoded) != len(h) {
		return h, ErrInvalidHash
	}
	copy(h[:], decoded)
	return h, nil
}

// Preimage is the 32-byte secret whose SHA-256 digest is the payment hash.
// Revealing it constitutes payment authorisation.
type Preimage [32]byte

// Hash derives the payment hash of the preimage.
func (p Preimage) Hash() Hash {
	return Hash(sha256.Sum256(p[:]))
}

// NewPreimage draws a fresh random preimage.
func NewPreimage() (Preimage, error) {
	var p Preimage
	if _, err := rand.Read(p[:]); err != nil {
		return p, fmt.Errorf("invoice: generate preimage: %w", err)
	}
	return p, nil
}

// RouteHint describes a private channel a sender may traverse to reach this
// node.
type RouteHint struct {
	NodeID    []byte
	ChannelID uint64
	BaseFee   uint32
	FeeRate   uint32
	CLTVDelta uint16
}

// Invoice is a payment request issued by this node. It is immutable once
// signed; the store never mutates a persisted invoice.
type Invoice struct {
	PaymentHash Hash
	// Amount is the requested amount. Zero means any amount is accepted.
	Amount      MilliSat
	Description string
	CreatedAt   time.Time
	// Expiry is the validity window from CreatedAt. Zero means the invoice
	// never expires and stays matchable forever; see the Store docs for the
	// consequences.
	Expiry time.Time
	// MinFinalExpiryDelta is the minimum number of blocks a fragment's CLTV
	// expiry must leave above the current height. Zero defers to the
	// protocol-wide default.
	MinFinalExpiryDelta uint32
	AllowMultiPart      bool
	RouteHints          []RouteHint
	FallbackAddr        string
	Signature           []byte
}

// Expired reports whether the invoice has lapsed at the given time. Invoices
// without an expiry never lapse.
func (inv *Invoice) Expired(at time.Time) bool {
	if inv == nil || inv.Expiry.IsZero() {
		return false
	}
	return at.After(inv.Expiry)
}

// Clone returns a deep copy.
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	out := *inv
	if len(inv.RouteHints) > 0 {
		out.RouteHints = make([]RouteHint, len(inv.RouteHints))
		for i, hint := range inv.RouteHints {
			out.RouteHints[i] = hint
			if len(hint.NodeID) > 0 {
				out.RouteHints[i].NodeID = append([]byte(nil), hint.NodeID...)
			}
		}
	}
	if len(inv.Signature) > 0 {
		out.Signature = append([]byte(nil), inv.Signature...)
	}
	return &out
}

// SigningDigest produces the canonical digest covered by the invoice
// signature: a length-delimited encoding of every signed field, hashed with
// SHA-256. The signature field itself is excluded.
func (inv *Invoice) SigningDigest() [32]byte {
	buf := bytes.NewBuffer(nil)
	buf.Write(inv.PaymentHash[:])
	writeUint64(buf, uint64(inv.Amount))
	writeDelimited(buf, []byte(inv.Description))
	writeUint64(buf, uint64(inv.CreatedAt.Unix()))
	expiry := int64(0)
	if !inv.Expiry.IsZero() {
		expiry = inv.Expiry.Unix()
	}
	writeUint64(buf, uint64(expiry))
	writeUint32(buf, inv.MinFinalExpiryDelta)
	if inv.AllowMultiPart {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeUint32(buf, uint32(len(inv.RouteHints)))
	for _, hint := range inv.RouteHints {
		writeDelimited(buf, hint.NodeID)
		writeUint64(buf, hint.ChannelID)
		writeUint32(buf, hint.BaseFee)
		writeUint32(buf, hint.FeeRate)
		writeUint32(buf, uint32(hint.CLTVDelta))
	}
	writeDelimited(buf, []byte(inv.FallbackAddr))
	return sha256.Sum256(buf.Bytes())
}

// SettledPayment records one fully settled payment. Exactly one record exists
// per settled payment hash.
type SettledPayment struct {
	PaymentHash Hash
	Amount      MilliSat
	SettledAt   time.Time
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], v)
	buf.Write(scratch[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], v)
	buf.Write(scratch[:])
}

func writeDelimited(buf *bytes.Buffer, data []byte) {
	writeUint32(buf, uint32(len(data)))
	buf.Write(data)
}
