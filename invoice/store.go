package invoice

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"paylink/storage"
)

const (
	invoiceKeyPrefix = "invoice/"
	settledKeyPrefix = "settled/"
)

// Store persists invoices, their preimages and settled-payment records in the
// node database. Records are RLP-encoded.
//
// Invoices issued without an expiry are never swept: they remain matchable
// until settled. Operators who want bounded exposure should issue with an
// explicit expiry (the daemon config applies a default).
type Store struct {
	db storage.Database
}

// NewStore creates an invoice store backed by the provided database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// storedInvoice is the RLP wire form of an invoice plus its preimage. Times
// are Unix seconds; RLP has no native time representation.
type storedInvoice struct {
	Preimage            [32]byte
	Amount              uint64
	Description         string
	CreatedAt           uint64
	Expiry              uint64
	MinFinalExpiryDelta uint32
	AllowMultiPart      bool
	RouteHints          []storedRouteHint
	FallbackAddr        string
	Signature           []byte
}

type storedRouteHint struct {
	NodeID    []byte
	ChannelID uint64
	BaseFee   uint32
	FeeRate   uint32
	CLTVDelta uint16
}

type storedSettled struct {
	Amount    uint64
	SettledAt uint64
}

func invoiceKey(hash Hash) []byte {
	return append([]byte(invoiceKeyPrefix), hash[:]...)
}

func settledKey(hash Hash) []byte {
	return append([]byte(settledKeyPrefix), hash[:]...)
}

// PutInvoice persists an invoice together with its preimage. The preimage
// must hash to the invoice payment hash.
func (s *Store) PutInvoice(inv *Invoice, preimage Preimage) error {
	if s == nil || s.db == nil {
		return errors.New("invoice: store uninitialised")
	}
	if inv == nil {
		return errors.New("invoice: nil invoice")
	}
	if preimage.Hash() != inv.PaymentHash {
		return ErrHashMismatch
	}
	record := storedInvoice{
		Preimage:            preimage,
		Amount:              uint64(inv.Amount),
		Description:         inv.Description,
		CreatedAt:           uint64(inv.CreatedAt.Unix()),
		MinFinalExpiryDelta: inv.MinFinalExpiryDelta,
		AllowMultiPart:      inv.AllowMultiPart,
		FallbackAddr:        inv.FallbackAddr,
		Signature:           inv.Signature,
	}
	if !inv.Expiry.IsZero() {
		record.Expiry = uint64(inv.Expiry.Unix())
	}
	for _, hint := range inv.RouteHints {
		record.RouteHints = append(record.RouteHints, storedRouteHint(hint))
	}
	encoded, err := rlp.EncodeToBytes(&record)
	if err != nil {
		return fmt.Errorf("invoice: encode: %w", err)
	}
	return s.db.Put(invoiceKey(inv.PaymentHash), encoded)
}

// LookupInvoice fetches the invoice and preimage for a payment hash. The
// boolean is false when no invoice is known for the hash.
func (s *Store) LookupInvoice(hash Hash) (*Invoice, Preimage, bool, error) {
	var preimage Preimage
	if s == nil || s.db == nil {
		return nil, preimage, false, errors.New("invoice: store uninitialised")
	}
	encoded, err := s.db.Get(invoiceKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, preimage, false, nil
	}
	if err != nil {
		return nil, preimage, false, err
	}
	var record storedInvoice
	if err := rlp.DecodeBytes(encoded, &record); err != nil {
		return nil, preimage, false, fmt.Errorf("invoice: decode: %w", err)
	}
	inv := &Invoice{
		PaymentHash:         hash,
		Amount:              MilliSat(record.Amount),
		Description:         record.Description,
		CreatedAt:           time.Unix(int64(record.CreatedAt), 0).UTC(),
		MinFinalExpiryDelta: record.MinFinalExpiryDelta,
		AllowMultiPart:      record.AllowMultiPart,
		FallbackAddr:        record.FallbackAddr,
		Signature:           record.Signature,
	}
	if record.Expiry != 0 {
		inv.Expiry = time.Unix(int64(record.Expiry), 0).UTC()
	}
	for _, hint := range record.RouteHints {
		inv.RouteHints = append(inv.RouteHints, RouteHint(hint))
	}
	return inv, record.Preimage, true, nil
}

// RecordSettledPayment writes the settled record for a payment exactly once.
// A second write for the same hash returns ErrAlreadySettled and leaves the
// original record untouched.
func (s *Store) RecordSettledPayment(hash Hash, amount MilliSat, settledAt time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("invoice: store uninitialised")
	}
	key := settledKey(hash)
	exists, err := s.db.Has(key)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadySettled
	}
	encoded, err := rlp.EncodeToBytes(&storedSettled{
		Amount:    uint64(amount),
		SettledAt: uint64(settledAt.Unix()),
	})
	if err != nil {
		return fmt.Errorf("invoice: encode settled record: %w", err)
	}
	return s.db.Put(key, encoded)
}

// LookupSettled returns the settled record for a payment hash, if present.
func (s *Store) LookupSettled(hash Hash) (*SettledPayment, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("invoice: store uninitialised")
	}
	encoded, err := s.db.Get(settledKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var record storedSettled
	if err := rlp.DecodeBytes(encoded, &record); err != nil {
		return nil, false, fmt.Errorf("invoice: decode settled record: %w", err)
	}
	return &SettledPayment{
		PaymentHash: hash,
		Amount:      MilliSat(record.Amount),
		SettledAt:   time.Unix(int64(record.SettledAt), 0).UTC(),
	}, true, nil
}

// ListSettled returns every settled payment whose timestamp falls inside
// [from, to). A zero "to" means no upper bound.
func (s *Store) ListSettled(from, to time.Time) ([]SettledPayment, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("invoice: store uninitialised")
	}
	var out []SettledPayment
	err := s.db.IteratePrefix([]byte(settledKeyPrefix), func(key, value []byte) error {
		if len(key) != len(settledKeyPrefix)+32 {
			return fmt.Errorf("invoice: malformed settled key %x", key)
		}
		var hash Hash
		copy(hash[:], key[len(settledKeyPrefix):])
		var record storedSettled
		if err := rlp.DecodeBytes(value, &record); err != nil {
			return fmt.Errorf("invoice: decode settled record: %w", err)
		}
		settledAt := time.Unix(int64(record.SettledAt), 0).UTC()
		if settledAt.Before(from) {
			return nil
		}
		if !to.IsZero() && !settledAt.Before(to) {
			return nil
		}
		out = append(out, SettledPayment{
			PaymentHash: hash,
			Amount:      MilliSat(record.Amount),
			SettledAt:   settledAt,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
