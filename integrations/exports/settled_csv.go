package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"time"

	"paylink/invoice"
)

// SettledCSV builds a CSV export for the supplied settled payments and
// returns the serialised data alongside a SHA-256 checksum of the payload.
func SettledCSV(records []invoice.SettledPayment) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"payment_hash", "amount_msat", "settled_at"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, record := range records {
		row := []string{
			record.PaymentHash.String(),
			fmt.Sprintf("%d", record.Amount),
			record.SettledAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(row); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
