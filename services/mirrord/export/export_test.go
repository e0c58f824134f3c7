package export

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"agrichain/services/mirrord/storage"
)

type sliceSource []*storage.Listing

func (s sliceSource) Each(_ context.Context, fn func(*storage.Listing) error) error {
	for _, l := range s {
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}

type failingSource struct{}

func (failingSource) Each(context.Context, func(*storage.Listing) error) error {
	return errors.New("mirror scan: database is locked")
}

func fixtures() sliceSource {
	listed := time.Unix(1_700_000_000, 0)
	soldAt := listed.Add(time.Hour)
	buyer := "0x2222222222222222222222222222222222222222"
	return sliceSource{
		{
			ID: 1, Farmer: "0xabcdef0123456789abcdef0123456789abcdef01", Name: "Tomatoes", Quantity: 10,
			PricePerUnit: uint256.NewInt(5), TotalPrice: uint256.NewInt(50),
			IsSold: true, Buyer: &buyer, ListedAt: listed, SoldAt: &soldAt, SyncedAt: soldAt,
		},
		{
			ID: 2, Farmer: "0xabcdef0123456789abcdef0123456789abcdef01", Name: "Maize, white", Quantity: 3,
			PricePerUnit: uint256.NewInt(7), TotalPrice: uint256.NewInt(21),
			ListedAt: listed.Add(time.Minute), SyncedAt: soldAt,
		},
	}
}

func TestWriteCSVAndParquet(t *testing.T) {
	dir := t.TempDir()
	files, err := Write(context.Background(), fixtures(), dir, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if files.Rows != 2 {
		t.Fatalf("expected 2 rows, got %d", files.Rows)
	}

	f, err := os.Open(files.CSVPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 || records[0][0] != "id" {
		t.Fatalf("unexpected csv %v", records)
	}
	if records[1][7] != "0x2222222222222222222222222222222222222222" || records[1][9] == "" {
		t.Fatalf("expected sold row to carry buyer and sold_at: %v", records[1])
	}
	if records[2][2] != "Maize, white" || records[2][7] != "" || records[2][9] != "" {
		t.Fatalf("unexpected available row %v", records[2])
	}

	fr, err := local.NewLocalFileReader(files.ParquetPath)
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetRow), 1)
	if err != nil {
		t.Fatalf("parquet reader: %v", err)
	}
	defer pr.ReadStop()
	if n := pr.GetNumRows(); n != 2 {
		t.Fatalf("expected 2 parquet rows, got %d", n)
	}
}

func TestWritePropagatesSourceError(t *testing.T) {
	if _, err := Write(context.Background(), failingSource{}, t.TempDir(), time.Now()); err == nil {
		t.Fatalf("expected source failure to surface")
	}
}
