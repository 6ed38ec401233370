package exports

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"paylink/invoice"
)

// SettledSource lists settled payments inside a time window.
type SettledSource interface {
	ListSettled(from, to time.Time) ([]invoice.SettledPayment, error)
}

// Exporter materialises settled-payment ledger exports on disk. Each run
// writes a fresh directory containing the CSV (with checksum sidecar), the
// parquet file, and a manifest with BLAKE3 sums of both artifacts.
type Exporter struct {
	source    SettledSource
	outputDir string
	logger    *slog.Logger
	now       func() time.Time
}

// NewExporter wires an exporter over the settled-payment source.
func NewExporter(source SettledSource, outputDir string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		source:    source,
		outputDir: outputDir,
		logger:    logger,
		now:       time.Now,
	}
}

// SetNowFunc overrides the clock, primarily for deterministic tests.
func (e *Exporter) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.now = time.Now
		return
	}
	e.now = now
}

// Result describes a completed export run.
type Result struct {
	RunID        string
	Dir          string
	CSVPath      string
	ParquetPath  string
	ManifestPath string
	Rows         int
}

// Run exports every settled payment inside [from, to). A zero "to" means no
// upper bound.
func (e *Exporter) Run(from, to time.Time) (*Result, error) {
	records, err := e.source.ListSettled(from, to)
	if err != nil {
		return nil, fmt.Errorf("exports: list settled payments: %w", err)
	}

	runID := uuid.NewString()
	runDir := filepath.Join(e.outputDir, fmt.Sprintf("%s-%s", e.now().UTC().Format("20060102"), runID))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("exports: create run dir: %w", err)
	}

	csvData, checksum, err := SettledCSV(records)
	if err != nil {
		return nil, fmt.Errorf("exports: build csv: %w", err)
	}
	csvPath := filepath.Join(runDir, "settled.csv")
	if err := os.WriteFile(csvPath, csvData, 0o644); err != nil {
		return nil, fmt.Errorf("exports: write csv: %w", err)
	}
	if err := os.WriteFile(csvPath+".sha256", []byte(checksum+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("exports: write csv checksum: %w", err)
	}

	parquetPath := filepath.Join(runDir, "settled.parquet")
	if err := WriteSettledParquet(parquetPath, records); err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(runDir, "MANIFEST")
	if err := writeManifest(manifestPath, runID, []string{csvPath, parquetPath}); err != nil {
		return nil, err
	}

	e.logger.Info("export run complete",
		slog.String("run_id", runID),
		slog.String("dir", runDir),
		slog.Int("rows", len(records)))
	return &Result{
		RunID:        runID,
		Dir:          runDir,
		CSVPath:      csvPath,
		ParquetPath:  parquetPath,
		ManifestPath: manifestPath,
		Rows:         len(records),
	}, nil
}

// writeManifest records a BLAKE3 sum per artifact so downstream consumers can
// verify integrity without re-deriving the exports.
func writeManifest(path, runID string, artifacts []string) error {
	manifest := fmt.Sprintf("run_id=%s\n", runID)
	for _, artifact := range artifacts {
		data, err := os.ReadFile(artifact)
		if err != nil {
			return fmt.Errorf("exports: read artifact: %w", err)
		}
		sum := blake3.Sum256(data)
		manifest += fmt.Sprintf("%s  %s\n", hex.EncodeToString(sum[:]), filepath.Base(artifact))
	}
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		return fmt.Errorf("exports: write manifest: %w", err)
	}
	return nil
}
