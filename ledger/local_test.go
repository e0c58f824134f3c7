package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"agrichain/native/marketplace"
)

var (
	testFarmer = common.HexToAddress("0xAbCdEf0123456789aBcDeF0123456789AbCdEf01")
	testBuyer  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func TestLocalRecordsUseLedgerSentinels(t *testing.T) {
	ctx := context.Background()
	local := NewMemoryLocal()
	defer local.Close()

	id, err := local.SubmitListing(ctx, "Organic Tomatoes", 100, uint256.MustFromDecimal("1000000000000000"), testFarmer)
	if err != nil {
		t.Fatalf("submit listing: %v", err)
	}
	rec, err := local.GetListing(ctx, id)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if rec.Farmer == strings.ToLower(rec.Farmer) {
		t.Fatalf("expected checksummed farmer from ledger, got %s", rec.Farmer)
	}
	if rec.Buyer != EmptyAddress || rec.SoldAt != 0 || rec.IsSold {
		t.Fatalf("unexpected unsold record: %+v", rec)
	}
	if rec.TotalPrice.Dec() != "100000000000000000" {
		t.Fatalf("unexpected total %s", rec.TotalPrice.Dec())
	}

	receipt, err := local.SubmitPurchase(ctx, id, testBuyer, rec.TotalPrice)
	if err != nil {
		t.Fatalf("submit purchase: %v", err)
	}
	if receipt.ID != id || receipt.Buyer != testBuyer {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	rec, _ = local.GetListing(ctx, id)
	if !rec.IsSold || rec.SoldAt == 0 {
		t.Fatalf("expected sold record, got %+v", rec)
	}
	normalized, err := NormalizeAddress(rec.Buyer)
	if err != nil || normalized != marketplace.CanonicalAddress(testBuyer) {
		t.Fatalf("unexpected buyer %s (%v)", rec.Buyer, err)
	}

	available, err := local.GetAvailableListings(ctx)
	if err != nil || len(available) != 0 {
		t.Fatalf("expected no available listings, got %v (%v)", available, err)
	}
	total, err := local.GetTotalListings(ctx)
	if err != nil || total != 1 {
		t.Fatalf("expected total 1, got %d (%v)", total, err)
	}
}

func TestLocalErrors(t *testing.T) {
	local := NewMemoryLocal()
	if _, err := local.GetListing(context.Background(), 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := local.GetTotalListings(ctx); !IsUnavailable(err) {
		t.Fatalf("expected unavailable for cancelled context, got %v", err)
	}
	if _, err := local.SubmitListing(context.Background(), "", 1, uint256.NewInt(1), testFarmer); !errors.Is(err, marketplace.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOpenLocalPersists(t *testing.T) {
	path := t.TempDir()
	local, err := OpenLocal(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := local.SubmitListing(context.Background(), "Rice", 2, uint256.NewInt(3), testFarmer); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := local.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	local, err = OpenLocal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer local.Close()
	total, err := local.GetTotalListings(context.Background())
	if err != nil || total != 1 {
		t.Fatalf("expected persisted total 1, got %d (%v)", total, err)
	}
}
