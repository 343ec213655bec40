package lifecycle

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"settlenet/models"
	"settlenet/native/ledger"
)

// AlertFunc is invoked when a reconciliation report detects an imbalance.
type AlertFunc func(ctx context.Context, imbalance decimal.Decimal)

// AccountRow summarises one account's journal activity in the window.
type AccountRow struct {
	AccountID   string
	Credits     decimal.Decimal
	Debits      decimal.Decimal
	Corrections decimal.Decimal
	Entries     int
}

// Report is the materialised result of one reconciliation window.
type Report struct {
	Start       time.Time
	End         time.Time
	Rows        []AccountRow
	Balanced    bool
	Imbalance   decimal.Decimal
	CSVPath     string
	ParquetPath string
}

// ReporterConfig configures a Reporter.
type ReporterConfig struct {
	DB        *gorm.DB
	Journal   *ledger.Ledger
	OutputDir string
	Alert     AlertFunc
	Now       func() time.Time
}

// Reporter materialises per-account reconciliation reports as CSV and
// Parquet artefacts.
type Reporter struct {
	db        *gorm.DB
	journal   *ledger.Ledger
	outputDir string
	alert     AlertFunc
	now       func() time.Time
	log       *slog.Logger
}

// NewReporter builds a configured reporter.
func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if cfg.DB == nil {
		return nil, errors.New("lifecycle: reporter requires a db")
	}
	if cfg.Journal == nil {
		return nil, errors.New("lifecycle: reporter requires the journal")
	}
	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join("data", "recon")
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Reporter{
		db:        cfg.DB,
		journal:   cfg.Journal,
		outputDir: outputDir,
		alert:     cfg.Alert,
		now:       nowFn,
		log:       slog.Default().With("component", "recon-report"),
	}, nil
}

// Run reconciles the window, folds entries per account, and writes the
// report files. The window totals come from the journal's own Reconcile so
// the report can never disagree with the freeze path.
func (r *Reporter) Run(ctx context.Context, start, end time.Time) (*Report, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("lifecycle: report window ends before it starts")
	}
	result, err := r.journal.Reconcile(ctx, start, end)
	if err != nil {
		return nil, err
	}

	var entries []models.LedgerEntry
	query := r.db.WithContext(ctx).Order("seq_no ASC")
	if !start.IsZero() {
		query = query.Where("created_at >= ?", start.UTC())
	}
	if !end.IsZero() {
		query = query.Where("created_at < ?", end.UTC())
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("lifecycle: load report entries: %w", err)
	}

	byAccount := make(map[string]*AccountRow)
	for _, entry := range entries {
		row, okRow := byAccount[entry.AccountID]
		if !okRow {
			row = &AccountRow{
				AccountID:   entry.AccountID,
				Credits:     decimal.Zero,
				Debits:      decimal.Zero,
				Corrections: decimal.Zero,
			}
			byAccount[entry.AccountID] = row
		}
		row.Entries++
		switch entry.Type {
		case models.EntryCredit:
			row.Credits = row.Credits.Add(entry.Amount)
		case models.EntryDebit:
			row.Debits = row.Debits.Add(entry.Amount)
		case models.EntryCorrection:
			row.Corrections = row.Corrections.Add(entry.Amount)
		}
	}
	rows := make([]AccountRow, 0, len(byAccount))
	for _, row := range byAccount {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].AccountID < rows[j].AccountID })

	report := &Report{
		Start:     start,
		End:       end,
		Rows:      rows,
		Balanced:  result.Balanced,
		Imbalance: result.Imbalance,
	}
	if !result.Balanced && r.alert != nil {
		r.alert(ctx, result.Imbalance)
	}

	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("lifecycle: ensure report dir: %w", err)
	}
	stamp := fmt.Sprintf("%s_%s", start.UTC().Format("20060102T1504"), end.UTC().Format("20060102T1504"))
	report.CSVPath = filepath.Join(r.outputDir, "recon_"+stamp+".csv")
	if err := writeCSV(report.CSVPath, report); err != nil {
		return nil, err
	}
	report.ParquetPath = filepath.Join(r.outputDir, "recon_"+stamp+".parquet")
	if err := writeParquet(report.ParquetPath, report); err != nil {
		return nil, err
	}
	r.log.Info("report written", "rows", len(rows), "balanced", report.Balanced, "path", report.ParquetPath)
	return report, nil
}

func writeCSV(path string, report *Report) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("lifecycle: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{"account_id", "credits", "debits", "corrections", "entries", "window_start", "window_end", "balanced", "imbalance"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("lifecycle: write csv header: %w", err)
	}
	for _, row := range report.Rows {
		record := []string{
			row.AccountID,
			row.Credits.StringFixed(2),
			row.Debits.StringFixed(2),
			row.Corrections.StringFixed(2),
			fmt.Sprintf("%d", row.Entries),
			formatWindow(report.Start),
			formatWindow(report.End),
			boolString(report.Balanced),
			report.Imbalance.StringFixed(2),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("lifecycle: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("lifecycle: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	AccountID   string  `parquet:"name=account_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Credits     float64 `parquet:"name=credits, type=DOUBLE"`
	Debits      float64 `parquet:"name=debits, type=DOUBLE"`
	Corrections float64 `parquet:"name=corrections, type=DOUBLE"`
	Entries     int32   `parquet:"name=entries, type=INT32"`
	WindowStart string  `parquet:"name=window_start, type=BYTE_ARRAY, convertedtype=UTF8"`
	WindowEnd   string  `parquet:"name=window_end, type=BYTE_ARRAY, convertedtype=UTF8"`
	Balanced    bool    `parquet:"name=balanced, type=BOOLEAN"`
	Imbalance   float64 `parquet:"name=imbalance, type=DOUBLE"`
}

func writeParquet(path string, report *Report) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("lifecycle: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("lifecycle: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range report.Rows {
		pr := &parquetRow{
			AccountID:   row.AccountID,
			Credits:     row.Credits.InexactFloat64(),
			Debits:      row.Debits.InexactFloat64(),
			Corrections: row.Corrections.InexactFloat64(),
			Entries:     int32(row.Entries),
			WindowStart: formatWindow(report.Start),
			WindowEnd:   formatWindow(report.End),
			Balanced:    report.Balanced,
			Imbalance:   report.Imbalance.InexactFloat64(),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("lifecycle: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("lifecycle: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("lifecycle: close parquet: %w", err)
	}
	return nil
}

func formatWindow(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
