// Package settle implements the incoming-payment settlement engine: it
// decides, for every fragment arriving over a channel link, whether to
// release the invoice preimage or reject the fragment, and correlates
// multi-part fragments into one atomic settlement decision.
package settle

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"paylink/chanwire"
	"paylink/events"
	"paylink/invoice"
	"paylink/observability"
)

const (
	// DefaultFinalExpiryDelta is the protocol-wide minimum CLTV delta
	// applied when an invoice does not carry its own.
	DefaultFinalExpiryDelta uint32 = 18

	// DefaultMultiPartTimeout bounds how long a multi-part payment may
	// stay incomplete before every held fragment is failed.
	DefaultMultiPartTimeout = 60 * time.Second

	// overpayFactor caps the accepted amount at a multiple of the invoice
	// amount. Fragments above the ceiling are rejected to shed misrouted
	// or probing traffic.
	overpayFactor = 2
)

var (
	errNilStore  = errors.New("settle: invoice store not configured")
	errNilSigner = errors.New("settle: signer not configured")
	errNilLink   = errors.New("settle: nil channel link")
)

// ChannelLink is the command surface the engine needs from a channel. The
// channel layer owns delivery and retry; SendCommand only enqueues.
type ChannelLink interface {
	ShortID() uint64
	SendCommand(chanwire.Command) error
}

// Fragment is one decoded incoming HTLC. LocalID is scoped to the owning
// channel. DeclaredTotal of zero means the fragment is the entire payment; a
// non-zero DeclaredTotal marks it as part of a multi-part set that must sum
// to that total.
type Fragment struct {
	LocalID       uint64
	PaymentHash   invoice.Hash
	Amount        invoice.MilliSat
	CLTVExpiry    uint32
	DeclaredTotal invoice.MilliSat
}

// effectiveAmount is the amount validation compares against the invoice: the
// declared total for multi-part fragments, the fragment amount otherwise.
func (f Fragment) effectiveAmount() invoice.MilliSat {
	if f.DeclaredTotal != 0 {
		return f.DeclaredTotal
	}
	return f.Amount
}

// InvoiceStore is the persistence surface the engine depends on.
type InvoiceStore interface {
	PutInvoice(inv *invoice.Invoice, preimage invoice.Preimage) error
	LookupInvoice(hash invoice.Hash) (*invoice.Invoice, invoice.Preimage, bool, error)
	RecordSettledPayment(hash invoice.Hash, amount invoice.MilliSat, settledAt time.Time) error
}

// Config carries the registry collaborators and tunables.
type Config struct {
	Store   InvoiceStore
	Signer  invoice.Signer
	Emitter events.Emitter
	Logger  *slog.Logger
	Metrics *observability.SettlementMetrics

	// MultiPartTimeout is the deadline applied to each multi-part payment
	// from its first fragment. Zero selects DefaultMultiPartTimeout.
	MultiPartTimeout time.Duration
	// DefaultFinalExpiryDelta overrides the protocol default for invoices
	// without their own delta. Zero selects DefaultFinalExpiryDelta.
	DefaultFinalExpiryDelta uint32
	// Now overrides the clock, primarily for deterministic tests.
	Now func() time.Time
}

// Registry is the incoming payment handler. It issues invoices, validates
// arriving fragments and owns the set of live multi-part collectors keyed by
// payment hash.
//
// All state transitions, including collector transitions and the purge of a
// terminal collector's map entry, run under one mutex, so each payment hash
// sees at most one settlement decision.
type Registry struct {
	store   InvoiceStore
	signer  invoice.Signer
	emitter events.Emitter
	logger  *slog.Logger
	metrics *observability.SettlementMetrics

	multiPartTimeout time.Duration
	finalExpiryDelta uint32
	nowFn            func() time.Time

	mu         sync.Mutex
	collectors map[invoice.Hash]*collector
}

// NewRegistry wires a registry from the supplied config.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errNilStore
	}
	if cfg.Signer == nil {
		return nil, errNilSigner
	}
	r := &Registry{
		store:            cfg.Store,
		signer:           cfg.Signer,
		emitter:          cfg.Emitter,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		multiPartTimeout: cfg.MultiPartTimeout,
		finalExpiryDelta: cfg.DefaultFinalExpiryDelta,
		nowFn:            cfg.Now,
		collectors:       make(map[invoice.Hash]*collector),
	}
	if r.emitter == nil {
		r.emitter = events.NoopEmitter{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.multiPartTimeout <= 0 {
		r.multiPartTimeout = DefaultMultiPartTimeout
	}
	if r.finalExpiryDelta == 0 {
		r.finalExpiryDelta = DefaultFinalExpiryDelta
	}
	if r.nowFn == nil {
		r.nowFn = time.Now
	}
	return r, nil
}

// IssueRequest captures the parameters of an invoice issuance call.
type IssueRequest struct {
	// Amount of zero issues an any-amount invoice.
	Amount      invoice.MilliSat
	Description string
	// ExpirySeconds of zero issues an invoice that never expires.
	ExpirySeconds uint64
	RouteHints    []invoice.RouteHint
	FallbackAddr  string
	// Preimage, when set, is used instead of a freshly generated secret.
	Preimage       *invoice.Preimage
	AllowMultiPart bool
	// MinFinalExpiryDelta of zero defers to the protocol default.
	MinFinalExpiryDelta uint32
}

// IssueInvoice creates, signs and persists a new invoice and returns it.
// Signing and persistence failures propagate to the caller and are not
// retried.
func (r *Registry) IssueInvoice(req IssueRequest) (*invoice.Invoice, error) {
	inv, err := r.issueInvoice(req)
	r.metrics.RecordInvoiceIssued(err)
	return inv, err
}

func (r *Registry) issueInvoice(req IssueRequest) (*invoice.Invoice, error) {
	var preimage invoice.Preimage
	if req.Preimage != nil {
		preimage = *req.Preimage
	} else {
		var err error
		if preimage, err = invoice.NewPreimage(); err != nil {
			return nil, err
		}
	}

	now := r.nowFn().UTC()
	inv := &invoice.Invoice{
		PaymentHash:         preimage.Hash(),
		Amount:              req.Amount,
		Description:         req.Description,
		CreatedAt:           now,
		MinFinalExpiryDelta: req.MinFinalExpiryDelta,
		AllowMultiPart:      req.AllowMultiPart,
		RouteHints:          req.RouteHints,
		FallbackAddr:        req.FallbackAddr,
	}
	if req.ExpirySeconds > 0 {
		inv.Expiry = now.Add(time.Duration(req.ExpirySeconds) * time.Second)
	}

	signature, err := r.signer.SignInvoice(inv.SigningDigest())
	if err != nil {
		return nil, fmt.Errorf("settle: sign invoice: %w", err)
	}
	inv.Signature = signature

	if err := r.store.PutInvoice(inv, preimage); err != nil {
		return nil, fmt.Errorf("settle: persist invoice: %w", err)
	}

	r.logger.Info("invoice issued",
		slog.String("payment_hash", inv.PaymentHash.String()),
		slog.Uint64("amount", uint64(inv.Amount)),
		slog.Bool("multi_part", inv.AllowMultiPart))
	return inv, nil
}

// NotifyFragment processes one arriving fragment. The owning link is carried
// explicitly so the eventual settlement command reaches the correct channel;
// height is the current best block height used for expiry validation.
//
// Every fragment receives exactly one command on its link: immediately on
// rejection or single-part settlement, or deferred through the multi-part
// collector it is handed to.
func (r *Registry) NotifyFragment(frag Fragment, link ChannelLink, height uint32) error {
	if link == nil {
		return errNilLink
	}
	started := r.nowFn()

	inv, preimage, found, err := r.store.LookupInvoice(frag.PaymentHash)
	if err != nil {
		return fmt.Errorf("settle: lookup invoice: %w", err)
	}
	if !found {
		// Unknown hash is rejected with the same generic reason as any
		// validation failure so probes cannot distinguish the cases.
		r.reject(frag, link, chanwire.IncorrectPaymentDetails(uint64(frag.effectiveAmount())))
		r.metrics.ObserveFragment("rejected", r.nowFn().Sub(started))
		return nil
	}

	if reason := r.validate(inv, frag, height); reason != nil {
		r.reject(frag, link, *reason)
		r.metrics.ObserveFragment("rejected", r.nowFn().Sub(started))
		return nil
	}

	if frag.DeclaredTotal == 0 {
		outcome := r.settleSinglePart(frag, link, preimage)
		r.metrics.ObserveFragment(outcome, r.nowFn().Sub(started))
		return nil
	}

	outcome := r.forwardToCollector(frag, link, preimage)
	r.metrics.ObserveFragment(outcome, r.nowFn().Sub(started))
	return nil
}

// validate applies the fragment acceptance rules in order. A nil return means
// the fragment is acceptable; otherwise the returned reason is sent back
// verbatim. Apart from the expiry check, every failure maps to the generic
// rejection.
func (r *Registry) validate(inv *invoice.Invoice, frag Fragment, height uint32) *chanwire.FailureReason {
	effective := frag.effectiveAmount()
	generic := chanwire.IncorrectPaymentDetails(uint64(effective))

	if frag.DeclaredTotal != 0 && !inv.AllowMultiPart {
		return &generic
	}
	if inv.Expired(r.nowFn()) {
		return &generic
	}
	delta := inv.MinFinalExpiryDelta
	if delta == 0 {
		delta = r.finalExpiryDelta
	}
	if frag.CLTVExpiry < height+delta {
		reason := chanwire.FinalExpiryTooSoon()
		return &reason
	}
	if inv.Amount != 0 {
		if effective < inv.Amount || effective > invoice.MilliSat(overpayFactor)*inv.Amount {
			return &generic
		}
	}
	return nil
}

func (r *Registry) settleSinglePart(frag Fragment, link ChannelLink, preimage invoice.Preimage) string {
	settledAt := r.nowFn().UTC()
	if err := r.store.RecordSettledPayment(frag.PaymentHash, frag.Amount, settledAt); err != nil {
		if errors.Is(err, invoice.ErrAlreadySettled) {
			// The invoice was consumed earlier; never release the
			// preimage twice.
			r.reject(frag, link, chanwire.IncorrectPaymentDetails(uint64(frag.Amount)))
			return "rejected"
		}
		r.logger.Error("persist settled payment",
			slog.String("payment_hash", frag.PaymentHash.String()),
			slog.Any("error", err))
		r.reject(frag, link, chanwire.IncorrectPaymentDetails(uint64(frag.Amount)))
		return "rejected"
	}

	r.send(link, chanwire.Fulfill{ID: frag.LocalID, Preimage: preimage})
	r.publishReceipt(frag.PaymentHash, frag.Amount, settledAt)
	r.logger.Info("payment settled",
		slog.String("payment_hash", frag.PaymentHash.String()),
		slog.Uint64("amount", uint64(frag.Amount)))
	return "fulfilled"
}

func (r *Registry) forwardToCollector(frag Fragment, link ChannelLink, preimage invoice.Preimage) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, live := r.collectors[frag.PaymentHash]
	if !live {
		c = newCollector(r, frag.PaymentHash, preimage, frag.DeclaredTotal)
		r.collectors[frag.PaymentHash] = c
		c.arm(r.multiPartTimeout)
		r.metrics.SetActiveCollectors(len(r.collectors))
	} else if c.declaredTotal != frag.DeclaredTotal {
		// A fragment declaring a different total than the one that
		// opened the collector is failed on its own; the collector and
		// its held fragments stay untouched.
		r.reject(frag, link, chanwire.IncorrectPaymentDetails(uint64(frag.DeclaredTotal)))
		return "rejected"
	}

	completed := c.addFragment(frag.LocalID, frag.Amount, link)
	if !completed {
		return "held"
	}

	// Completion and purge happen in the same critical section, so a
	// concurrent fragment for this hash can never observe a terminal
	// collector through the map.
	delete(r.collectors, frag.PaymentHash)
	r.metrics.SetActiveCollectors(len(r.collectors))

	settledAt := r.nowFn().UTC()
	if err := r.store.RecordSettledPayment(frag.PaymentHash, c.receivedAmount, settledAt); err != nil {
		if !errors.Is(err, invoice.ErrAlreadySettled) {
			r.logger.Error("persist settled payment",
				slog.String("payment_hash", frag.PaymentHash.String()),
				slog.Any("error", err))
		}
		// No settled record, no preimage: an invoice consumed earlier
		// must never pay out twice.
		c.failAll(chanwire.IncorrectPaymentDetails(uint64(c.declaredTotal)))
		r.metrics.RecordCollectorResult("rejected")
		return "rejected"
	}
	r.metrics.RecordCollectorResult("completed")
	c.fulfillAll()
	r.publishReceipt(frag.PaymentHash, c.receivedAmount, settledAt)
	r.logger.Info("multi-part payment settled",
		slog.String("payment_hash", frag.PaymentHash.String()),
		slog.Uint64("amount", uint64(c.receivedAmount)),
		slog.Int("fragments", len(c.held)))
	return "fulfilled"
}

// collectorTimedOut is invoked by a collector's deadline timer. The collector
// has already failed its held fragments by the time this runs.
func (r *Registry) collectorTimedOut(c *collector) {
	delete(r.collectors, c.paymentHash)
	r.metrics.SetActiveCollectors(len(r.collectors))
	r.metrics.RecordCollectorResult("timed_out")
	r.logger.Info("multi-part payment timed out",
		slog.String("payment_hash", c.paymentHash.String()),
		slog.Uint64("received", uint64(c.receivedAmount)),
		slog.Uint64("declared", uint64(c.declaredTotal)))
}

func (r *Registry) publishReceipt(hash invoice.Hash, amount invoice.MilliSat, settledAt time.Time) {
	r.emitter.Emit(events.PaymentSettled{
		PaymentHash: hash,
		Amount:      uint64(amount),
		SettledAt:   settledAt,
	})
	r.metrics.RecordReceipt()
}

func (r *Registry) reject(frag Fragment, link ChannelLink, reason chanwire.FailureReason) {
	r.send(link, chanwire.Fail{ID: frag.LocalID, Reason: reason})
}

// send enqueues a command on a link. Queue pressure is logged, not
// propagated; the channel layer owns delivery.
func (r *Registry) send(link ChannelLink, cmd chanwire.Command) {
	if err := link.SendCommand(cmd); err != nil {
		r.logger.Error("send settlement command",
			slog.Uint64("channel", link.ShortID()),
			slog.Any("error", err))
	}
}

// ActiveCollectors reports the number of in-flight multi-part payments.
func (r *Registry) ActiveCollectors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.collectors)
}
