package recon

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"agrichain/ledger"
	"agrichain/native/marketplace"
	"agrichain/services/mirrord/storage"
)

// ErrMalformedRecord marks a ledger record that violates the listing
// invariants. Runs abort on it without advancing the cursor.
var ErrMalformedRecord = ledger.ErrMalformedRecord

// Normalize converts a ledger record for id into its mirror form: addresses
// lower-cased, the empty-address buyer sentinel and zero sale time unset, and
// unix seconds converted to UTC times. Records whose sale fields or total
// price disagree with each other are rejected as malformed.
func Normalize(rec *ledger.Record, id uint64, syncedAt time.Time) (*storage.Listing, error) {
	if rec == nil {
		return nil, malformed(id, "empty record")
	}
	if rec.ID != id {
		return nil, malformed(id, fmt.Sprintf("ledger returned id %d", rec.ID))
	}
	farmer, err := ledger.NormalizeAddress(rec.Farmer)
	if err != nil {
		return nil, malformed(id, fmt.Sprintf("farmer: %v", err))
	}
	if farmer == marketplace.EmptyAddress {
		return nil, malformed(id, "farmer is the zero address")
	}
	listedAt, err := unixSeconds(rec.ListedAt)
	if err != nil || rec.ListedAt == 0 {
		return nil, malformed(id, fmt.Sprintf("listed timestamp %d out of range", rec.ListedAt))
	}

	out := &storage.Listing{
		ID:           rec.ID,
		Farmer:       farmer,
		Name:         strings.TrimSpace(rec.Name),
		Quantity:     rec.Quantity,
		PricePerUnit: amountOrZero(rec.PricePerUnit),
		TotalPrice:   amountOrZero(rec.TotalPrice),
		IsSold:       rec.IsSold,
		ListedAt:     listedAt,
		SyncedAt:     syncedAt.UTC(),
	}

	buyer := ""
	if !ledger.IsEmptyAddress(rec.Buyer) {
		buyer, err = ledger.NormalizeAddress(rec.Buyer)
		if err != nil {
			return nil, malformed(id, fmt.Sprintf("buyer: %v", err))
		}
	}
	switch {
	case rec.IsSold && buyer == "":
		return nil, malformed(id, "sold without a buyer")
	case !rec.IsSold && buyer != "":
		return nil, malformed(id, "unsold listing carries a buyer")
	}
	if buyer != "" {
		out.Buyer = &buyer
	}
	switch {
	case rec.IsSold && rec.SoldAt == 0:
		return nil, malformed(id, "sold without a sale time")
	case !rec.IsSold && rec.SoldAt != 0:
		return nil, malformed(id, fmt.Sprintf("unsold listing carries sale time %d", rec.SoldAt))
	}
	if rec.IsSold {
		soldAt, err := unixSeconds(rec.SoldAt)
		if err != nil {
			return nil, malformed(id, fmt.Sprintf("sold timestamp %d out of range", rec.SoldAt))
		}
		// A listing created and bought in the same block shares one timestamp.
		if rec.SoldAt < rec.ListedAt {
			return nil, malformed(id, fmt.Sprintf("sold at %d, before listed at %d", rec.SoldAt, rec.ListedAt))
		}
		out.SoldAt = &soldAt
	}
	want, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(out.Quantity), out.PricePerUnit)
	if overflow || !want.Eq(out.TotalPrice) {
		return nil, malformed(id, fmt.Sprintf("total price %s is not %d x %s", out.TotalPrice.Dec(), out.Quantity, out.PricePerUnit.Dec()))
	}
	return out, nil
}

func malformed(id uint64, reason string) error {
	return fmt.Errorf("recon: listing %d: %w: %s: %w", id, ErrMalformedRecord, reason, ledger.ErrExternalUnavailable)
}

func unixSeconds(v uint64) (time.Time, error) {
	if v > math.MaxInt64 {
		return time.Time{}, fmt.Errorf("timestamp overflow")
	}
	return time.Unix(int64(v), 0).UTC(), nil
}

func amountOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}
