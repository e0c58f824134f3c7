// Package export dumps the mirror to CSV and Parquet files for offline
// analysis.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"agrichain/services/mirrord/storage"
)

// Source streams mirrored listings in id order.
type Source interface {
	Each(ctx context.Context, fn func(*storage.Listing) error) error
}

// Files describes one completed export.
type Files struct {
	CSVPath     string
	ParquetPath string
	Rows        int
}

var header = []string{
	"id", "farmer", "name", "quantity", "price_per_unit", "total_price",
	"is_sold", "buyer", "listed_at", "sold_at", "synced_at",
}

type parquetRow struct {
	ID           int64  `parquet:"name=id, type=INT64"`
	Farmer       string `parquet:"name=farmer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Name         string `parquet:"name=name, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity     int64  `parquet:"name=quantity, type=INT64"`
	PricePerUnit string `parquet:"name=price_per_unit, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalPrice   string `parquet:"name=total_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	IsSold       bool   `parquet:"name=is_sold, type=BOOLEAN"`
	Buyer        string `parquet:"name=buyer, type=BYTE_ARRAY, convertedtype=UTF8"`
	ListedAt     string `parquet:"name=listed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SoldAt       string `parquet:"name=sold_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SyncedAt     string `parquet:"name=synced_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Write exports every listing from src into dir as
// listings-<timestamp>.csv and listings-<timestamp>.parquet.
func Write(ctx context.Context, src Source, dir string, now time.Time) (*Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create dir: %w", err)
	}
	base := "listings-" + now.UTC().Format("20060102T150405Z")
	out := &Files{
		CSVPath:     filepath.Join(dir, base+".csv"),
		ParquetPath: filepath.Join(dir, base+".parquet"),
	}

	csvFile, err := os.Create(out.CSVPath)
	if err != nil {
		return nil, fmt.Errorf("export: create csv: %w", err)
	}
	defer csvFile.Close()
	cw := csv.NewWriter(csvFile)
	if err := cw.Write(header); err != nil {
		return nil, fmt.Errorf("export: write csv header: %w", err)
	}

	pqFile, err := os.Create(out.ParquetPath)
	if err != nil {
		return nil, fmt.Errorf("export: create parquet: %w", err)
	}
	defer pqFile.Close()
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(pqFile), new(parquetRow), 1)
	if err != nil {
		return nil, fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	err = src.Each(ctx, func(l *storage.Listing) error {
		row := toRow(l)
		if err := cw.Write(row.record()); err != nil {
			return fmt.Errorf("export: write csv row %d: %w", l.ID, err)
		}
		if err := pw.Write(row); err != nil {
			return fmt.Errorf("export: parquet write %d: %w", l.ID, err)
		}
		out.Rows++
		return nil
	})
	if err != nil {
		pw.WriteStop()
		return nil, err
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("export: parquet flush: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("export: flush csv: %w", err)
	}
	if err := pqFile.Close(); err != nil {
		return nil, fmt.Errorf("export: close parquet file: %w", err)
	}
	if err := csvFile.Close(); err != nil {
		return nil, fmt.Errorf("export: close csv file: %w", err)
	}
	return out, nil
}

func toRow(l *storage.Listing) *parquetRow {
	row := &parquetRow{
		ID:           int64(l.ID),
		Farmer:       l.Farmer,
		Name:         l.Name,
		Quantity:     int64(l.Quantity),
		PricePerUnit: l.PricePerUnit.Dec(),
		TotalPrice:   l.TotalPrice.Dec(),
		IsSold:       l.IsSold,
		ListedAt:     l.ListedAt.UTC().Format(time.RFC3339),
		SyncedAt:     l.SyncedAt.UTC().Format(time.RFC3339),
	}
	if l.Buyer != nil {
		row.Buyer = *l.Buyer
	}
	if l.SoldAt != nil {
		row.SoldAt = l.SoldAt.UTC().Format(time.RFC3339)
	}
	return row
}

func (r *parquetRow) record() []string {
	return []string{
		strconv.FormatInt(r.ID, 10),
		r.Farmer,
		r.Name,
		strconv.FormatInt(r.Quantity, 10),
		r.PricePerUnit,
		r.TotalPrice,
		strconv.FormatBool(r.IsSold),
		r.Buyer,
		r.ListedAt,
		r.SoldAt,
		r.SyncedAt,
	}
}
