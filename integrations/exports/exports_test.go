package exports

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"testing"
	"time"

	"paylink/invoice"
)

func sampleRecords() []invoice.SettledPayment {
	return []invoice.SettledPayment{
		{
			PaymentHash: invoice.Hash{0x01},
			Amount:      1000,
			SettledAt:   time.Unix(1_700_000_000, 0).UTC(),
		},
		{
			PaymentHash: invoice.Hash{0x02},
			Amount:      2500,
			SettledAt:   time.Unix(1_700_003_600, 0).UTC(),
		},
	}
}

func TestSettledCSVGoldenRows(t *testing.T) {
	data, checksum, err := SettledCSV(sampleRecords())
	if err != nil {
		t.Fatalf("build csv: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines", len(lines))
	}
	if lines[0] != "payment_hash,amount_msat,settled_at" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	wantRow := invoice.Hash{0x01}.String() + ",1000,2023-11-14T22:13:20Z"
	if lines[1] != wantRow {
		t.Fatalf("unexpected row %q, want %q", lines[1], wantRow)
	}

	sum := sha256.Sum256(data)
	if checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum does not match payload")
	}
}

func TestSettledCSVEmpty(t *testing.T) {
	data, checksum, err := SettledCSV(nil)
	if err != nil {
		t.Fatalf("build csv: %v", err)
	}
	if strings.TrimSpace(string(data)) != "payment_hash,amount_msat,settled_at" {
		t.Fatalf("expected header only, got %q", string(data))
	}
	if checksum == "" {
		t.Fatalf("checksum missing")
	}
}

type staticSource struct {
	records []invoice.SettledPayment
}

func (s staticSource) ListSettled(from, to time.Time) ([]invoice.SettledPayment, error) {
	return s.records, nil
}

func TestExporterRunWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	exporter := NewExporter(staticSource{records: sampleRecords()}, dir, nil)
	exporter.SetNowFunc(func() time.Time { return time.Unix(1_700_010_000, 0).UTC() })

	result, err := exporter.Run(time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Rows != 2 {
		t.Fatalf("expected 2 rows, got %d", result.Rows)
	}

	for _, path := range []string{result.CSVPath, result.CSVPath + ".sha256", result.ParquetPath, result.ManifestPath} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("artifact missing: %v", err)
		}
		if info.Size() == 0 {
			t.Fatalf("artifact empty: %s", path)
		}
	}

	manifest, err := os.ReadFile(result.ManifestPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	content := string(manifest)
	if !strings.Contains(content, "run_id="+result.RunID) {
		t.Fatalf("manifest missing run id: %q", content)
	}
	if !strings.Contains(content, "settled.csv") || !strings.Contains(content, "settled.parquet") {
		t.Fatalf("manifest missing artifacts: %q", content)
	}
}
