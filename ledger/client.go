// Package ledger provides typed access to the authoritative AgriChain ledger.
// It carries no business rules; the listing lifecycle is enforced by the ledger
// itself (the deployed contract, or native/marketplace when simulated).
package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"agrichain/native/marketplace"
)

// Client is the operation set the rest of the system needs from the ledger.
type Client interface {
	SubmitListing(ctx context.Context, name string, quantity uint64, pricePerUnit *uint256.Int, farmer common.Address) (uint64, error)
	SubmitPurchase(ctx context.Context, id uint64, buyer common.Address, payment *uint256.Int) (*marketplace.Receipt, error)
	GetListing(ctx context.Context, id uint64) (*Record, error)
	GetTotalListings(ctx context.Context) (uint64, error)
	GetAvailableListings(ctx context.Context) ([]uint64, error)
}

// Record is a listing exactly as the ledger reports it. Addresses are raw
// strings in whatever case the ledger returns, an unset buyer is EmptyAddress
// and unset timestamps are zero unix seconds. Consumers normalize.
type Record struct {
	ID           uint64
	Farmer       string
	Name         string
	Quantity     uint64
	PricePerUnit *uint256.Int
	TotalPrice   *uint256.Int
	IsSold       bool
	Buyer        string
	ListedAt     uint64
	SoldAt       uint64
}

// EmptyAddress is the sentinel the ledger uses for an unset buyer.
const EmptyAddress = marketplace.EmptyAddress

// NormalizeAddress validates raw and returns its lower-case canonical form.
func NormalizeAddress(raw string) (string, error) {
	return marketplace.NormalizeAddress(raw)
}

// RecordFromListing renders a state machine listing in ledger-native form.
func RecordFromListing(l *marketplace.Listing) *Record {
	if l == nil {
		return nil
	}
	rec := &Record{
		ID:           l.ID,
		Farmer:       l.Farmer.Hex(),
		Name:         l.Name,
		Quantity:     l.Quantity,
		PricePerUnit: cloneAmount(l.PricePerUnit),
		TotalPrice:   cloneAmount(l.TotalPrice),
		IsSold:       l.Status == marketplace.StatusSold,
		Buyer:        EmptyAddress,
	}
	if l.ListedAt > 0 {
		rec.ListedAt = uint64(l.ListedAt)
	}
	if rec.IsSold {
		rec.Buyer = l.Buyer.Hex()
		if l.SoldAt > 0 {
			rec.SoldAt = uint64(l.SoldAt)
		}
	}
	return rec
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

// IsEmptyAddress reports whether raw is blank or the zero-address sentinel.
func IsEmptyAddress(raw string) bool {
	return marketplace.IsEmptyAddress(raw)
}
