package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"paylink/events"
)

const wsWriteTimeout = 10 * time.Second

type receiptPayload struct {
	Cursor      string    `json:"cursor"`
	PaymentHash string    `json:"paymentHash"`
	Amount      uint64    `json:"amount"`
	SettledAt   time.Time `json:"settledAt"`
}

// handleReceiptsWS streams settlement receipts over a websocket. The cursor
// query parameter resumes from retained history.
func (s *Server) handleReceiptsWS(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		http.Error(w, "receipt stream unavailable", http.StatusServiceUnavailable)
		return
	}
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamReceipts(r.Context(), conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamReceipts(ctx context.Context, conn *websocket.Conn, cursor string) error {
	updates, cancel, backlog := s.broker.Subscribe(ctx, cursor)
	defer cancel()

	for _, receipt := range backlog {
		if err := writeReceipt(ctx, conn, receipt); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case receipt, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeReceipt(ctx, conn, receipt); err != nil {
				return err
			}
		}
	}
}

func writeReceipt(ctx context.Context, conn *websocket.Conn, receipt events.Receipt) error {
	payload := receiptPayload{
		Cursor:      receipt.Cursor,
		PaymentHash: hex.EncodeToString(receipt.PaymentHash[:]),
		Amount:      receipt.Amount,
		SettledAt:   receipt.SettledAt,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
