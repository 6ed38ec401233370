package rpc

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"paylink/invoice"
	"paylink/settle"
)

type issueInvoiceRequest struct {
	Amount              uint64             `json:"amount,omitempty"`
	Description         string             `json:"description"`
	ExpirySeconds       *uint64            `json:"expirySeconds,omitempty"`
	RouteHints          []routeHintPayload `json:"routeHints,omitempty"`
	FallbackAddr        string             `json:"fallbackAddr,omitempty"`
	Preimage            string             `json:"preimage,omitempty"`
	AllowMultiPart      bool               `json:"allowMultiPart"`
	MinFinalExpiryDelta uint32             `json:"minFinalExpiryDelta,omitempty"`
}

type routeHintPayload struct {
	NodeID    string `json:"nodeId"`
	ChannelID uint64 `json:"channelId"`
	BaseFee   uint32 `json:"baseFee"`
	FeeRate   uint32 `json:"feeRate"`
	CLTVDelta uint16 `json:"cltvDelta"`
}

type invoicePayload struct {
	PaymentHash         string             `json:"paymentHash"`
	Amount              uint64             `json:"amount"`
	Description         string             `json:"description"`
	CreatedAt           time.Time          `json:"createdAt"`
	Expiry              *time.Time         `json:"expiry,omitempty"`
	MinFinalExpiryDelta uint32             `json:"minFinalExpiryDelta"`
	AllowMultiPart      bool               `json:"allowMultiPart"`
	RouteHints          []routeHintPayload `json:"routeHints,omitempty"`
	FallbackAddr        string             `json:"fallbackAddr,omitempty"`
	Signature           string             `json:"signature"`

	Settled       bool       `json:"settled"`
	SettledAmount uint64     `json:"settledAmount,omitempty"`
	SettledAt     *time.Time `json:"settledAt,omitempty"`
}

func invoiceToPayload(inv *invoice.Invoice) invoicePayload {
	payload := invoicePayload{
		PaymentHash:         inv.PaymentHash.String(),
		Amount:              uint64(inv.Amount),
		Description:         inv.Description,
		CreatedAt:           inv.CreatedAt,
		MinFinalExpiryDelta: inv.MinFinalExpiryDelta,
		AllowMultiPart:      inv.AllowMultiPart,
		FallbackAddr:        inv.FallbackAddr,
		Signature:           hex.EncodeToString(inv.Signature),
	}
	if !inv.Expiry.IsZero() {
		expiry := inv.Expiry
		payload.Expiry = &expiry
	}
	for _, hint := range inv.RouteHints {
		payload.RouteHints = append(payload.RouteHints, routeHintPayload{
			NodeID:    hex.EncodeToString(hint.NodeID),
			ChannelID: hint.ChannelID,
			BaseFee:   hint.BaseFee,
			FeeRate:   hint.FeeRate,
			CLTVDelta: hint.CLTVDelta,
		})
	}
	return payload
}

func (s *Server) handleIssueInvoice(w http.ResponseWriter, r *http.Request) {
	var req issueInvoiceRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	issue := settle.IssueRequest{
		Amount:              invoice.MilliSat(req.Amount),
		Description:         req.Description,
		FallbackAddr:        req.FallbackAddr,
		AllowMultiPart:      req.AllowMultiPart,
		MinFinalExpiryDelta: req.MinFinalExpiryDelta,
	}
	if req.ExpirySeconds != nil {
		issue.ExpirySeconds = *req.ExpirySeconds
	} else {
		issue.ExpirySeconds = s.defaultExpiry
	}
	if req.Preimage != "" {
		decoded, err := hex.DecodeString(req.Preimage)
		if err != nil || len(decoded) != 32 {
			writeError(w, http.StatusBadRequest, "preimage must be 32 hex-encoded bytes")
			return
		}
		var preimage invoice.Preimage
		copy(preimage[:], decoded)
		issue.Preimage = &preimage
	}
	for _, hint := range req.RouteHints {
		nodeID, err := hex.DecodeString(hint.NodeID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "route hint node id must be hex encoded")
			return
		}
		issue.RouteHints = append(issue.RouteHints, invoice.RouteHint{
			NodeID:    nodeID,
			ChannelID: hint.ChannelID,
			BaseFee:   hint.BaseFee,
			FeeRate:   hint.FeeRate,
			CLTVDelta: hint.CLTVDelta,
		})
	}

	inv, err := s.registry.IssueInvoice(issue)
	if err != nil {
		s.logger.Error("issue invoice", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "invoice issuance failed")
		return
	}
	writeJSON(w, http.StatusCreated, invoiceToPayload(inv))
}

// handleGetInvoice returns invoice metadata. The preimage is never included;
// settled lookups carry the settlement amount and timestamp instead.
func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	hash, err := invoice.ParseHash(chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed payment hash")
		return
	}

	inv, _, found, err := s.store.LookupInvoice(hash)
	if err != nil {
		s.logger.Error("lookup invoice", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "invoice not found")
		return
	}

	payload := invoiceToPayload(inv)
	if record, ok, err := s.store.LookupSettled(hash); err == nil && ok {
		payload.Settled = true
		payload.SettledAmount = uint64(record.Amount)
		settledAt := record.SettledAt
		payload.SettledAt = &settledAt
	}
	writeJSON(w, http.StatusOK, payload)
}

type heightPayload struct {
	Height uint32 `json:"height"`
}

func (s *Server) handleGetHeight(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, heightPayload{Height: s.tracker.BestHeight()})
}

func (s *Server) handleSetHeight(w http.ResponseWriter, r *http.Request) {
	var req heightPayload
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	s.tracker.SetHeight(req.Height)
	writeJSON(w, http.StatusOK, heightPayload{Height: s.tracker.BestHeight()})
}
