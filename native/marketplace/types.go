package marketplace

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Status represents the lifecycle state of a listing. The only transition is
// Listed -> Sold.
type Status uint8

const (
	StatusListed Status = iota + 1
	StatusSold
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return s == StatusListed || s == StatusSold
}

func (s Status) String() string {
	switch s {
	case StatusListed:
		return "listed"
	case StatusSold:
		return "sold"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Listing is a single produce-for-sale entry. Addresses and timestamps keep the
// ledger-native representation: an unset buyer is the zero address and an
// unset sale time is zero unix seconds.
type Listing struct {
	ID           uint64
	Farmer       common.Address
	Name         string
	Quantity     uint64
	PricePerUnit *uint256.Int
	TotalPrice   *uint256.Int
	Status       Status
	Buyer        common.Address
	ListedAt     int64
	SoldAt       int64
}

// Receipt is returned to the buyer after a successful purchase.
type Receipt struct {
	ID         uint64
	Buyer      common.Address
	TotalPrice *uint256.Int
	SoldAt     int64
}

// Clone returns a deep copy of the listing so callers can safely mutate the
// copy without affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	clone.PricePerUnit = cloneAmount(l.PricePerUnit)
	clone.TotalPrice = cloneAmount(l.TotalPrice)
	return &clone
}

// Available reports whether the listing can still be purchased.
func (l *Listing) Available() bool {
	return l != nil && l.Status == StatusListed
}

// CheckInvariants verifies the relationships every stored listing must hold.
func (l *Listing) CheckInvariants() error {
	if l == nil {
		return fmt.Errorf("marketplace: nil listing")
	}
	if l.ID == 0 {
		return fmt.Errorf("marketplace: listing id must be positive")
	}
	if l.Farmer == (common.Address{}) {
		return fmt.Errorf("marketplace: listing %d has no farmer", l.ID)
	}
	if strings.TrimSpace(l.Name) == "" || l.Quantity == 0 {
		return fmt.Errorf("marketplace: listing %d has empty name or quantity", l.ID)
	}
	if l.PricePerUnit == nil || l.PricePerUnit.IsZero() || l.TotalPrice == nil {
		return fmt.Errorf("marketplace: listing %d has no price", l.ID)
	}
	total, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(l.Quantity), l.PricePerUnit)
	if overflow || !total.Eq(l.TotalPrice) {
		return fmt.Errorf("marketplace: listing %d total price mismatch", l.ID)
	}
	switch l.Status {
	case StatusListed:
		if l.Buyer != (common.Address{}) || l.SoldAt != 0 {
			return fmt.Errorf("marketplace: listing %d is listed but carries sale data", l.ID)
		}
	case StatusSold:
		if l.Buyer == (common.Address{}) {
			return fmt.Errorf("marketplace: listing %d is sold without a buyer", l.ID)
		}
		if l.Buyer == l.Farmer {
			return fmt.Errorf("marketplace: listing %d sold to its own farmer", l.ID)
		}
		if l.SoldAt <= l.ListedAt {
			return fmt.Errorf("marketplace: listing %d sold before it was listed", l.ID)
		}
	default:
		return fmt.Errorf("marketplace: listing %d has invalid status %d", l.ID, l.Status)
	}
	return nil
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return v.Clone()
}
