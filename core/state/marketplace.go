package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"agrichain/native/marketplace"
)

type storedListing struct {
	ID           uint64
	Farmer       common.Address
	Name         string
	Quantity     uint64
	PricePerUnit *big.Int
	TotalPrice   *big.Int
	Status       uint8
	Buyer        common.Address
	ListedAt     uint64
	SoldAt       uint64
}

func newStoredListing(l *marketplace.Listing) (*storedListing, error) {
	if l == nil {
		return nil, fmt.Errorf("marketplace state: nil listing")
	}
	if l.ListedAt < 0 || l.SoldAt < 0 {
		return nil, fmt.Errorf("marketplace state: listing %d has negative timestamp", l.ID)
	}
	return &storedListing{
		ID:           l.ID,
		Farmer:       l.Farmer,
		Name:         l.Name,
		Quantity:     l.Quantity,
		PricePerUnit: toBig(l.PricePerUnit),
		TotalPrice:   toBig(l.TotalPrice),
		Status:       uint8(l.Status),
		Buyer:        l.Buyer,
		ListedAt:     uint64(l.ListedAt),
		SoldAt:       uint64(l.SoldAt),
	}, nil
}

func (s *storedListing) toListing() (*marketplace.Listing, error) {
	price, err := fromBig(s.PricePerUnit)
	if err != nil {
		return nil, err
	}
	total, err := fromBig(s.TotalPrice)
	if err != nil {
		return nil, err
	}
	return &marketplace.Listing{
		ID:           s.ID,
		Farmer:       s.Farmer,
		Name:         s.Name,
		Quantity:     s.Quantity,
		PricePerUnit: price,
		TotalPrice:   total,
		Status:       marketplace.Status(s.Status),
		Buyer:        s.Buyer,
		ListedAt:     int64(s.ListedAt),
		SoldAt:       int64(s.SoldAt),
	}, nil
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v.ToBig()
}

func fromBig(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("marketplace state: amount %s exceeds 256 bits", v)
	}
	return out, nil
}

// ListingCount returns the number of listings ever created.
func (m *Manager) ListingCount() (uint64, error) {
	var count uint64
	if _, err := m.KVGet(ListingCountKey(), &count); err != nil {
		return 0, err
	}
	return count, nil
}

// ListingGet loads the listing with the given id.
func (m *Manager) ListingGet(id uint64) (*marketplace.Listing, bool, error) {
	if id == 0 {
		return nil, false, nil
	}
	var stored storedListing
	ok, err := m.KVGet(ListingKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	listing, err := stored.toListing()
	if err != nil {
		return nil, false, err
	}
	return listing, true, nil
}

// ListingAppend writes the listing and advances the counter in one batch. The
// listing id must be exactly one past the current count.
func (m *Manager) ListingAppend(l *marketplace.Listing) error {
	stored, err := newStoredListing(l)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	count, err := m.ListingCount()
	if err != nil {
		return err
	}
	if stored.ID != count+1 {
		return fmt.Errorf("marketplace state: listing id %d does not follow count %d", stored.ID, count)
	}
	b := new(kvBatch)
	b.put(ListingKey(stored.ID), stored)
	b.put(ListingCountKey(), stored.ID)
	return m.commit(b)
}

// ListingSettle writes the sold listing and credits amount to payee in one
// batch. Concurrent settlements for the same payee never lose a credit.
func (m *Manager) ListingSettle(l *marketplace.Listing, payee common.Address, amount *uint256.Int) error {
	stored, err := newStoredListing(l)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	balance, err := m.ProceedsGet(payee)
	if err != nil {
		return err
	}
	credit := new(uint256.Int)
	if amount != nil {
		credit.Set(amount)
	}
	next, overflow := new(uint256.Int).AddOverflow(balance, credit)
	if overflow {
		return fmt.Errorf("marketplace state: proceeds overflow for %s", payee.Hex())
	}
	b := new(kvBatch)
	b.put(ListingKey(stored.ID), stored)
	b.put(ProceedsKey(payee.Bytes()), next.ToBig())
	return m.commit(b)
}

// ProceedsGet returns the balance credited to addr from sales.
func (m *Manager) ProceedsGet(addr common.Address) (*uint256.Int, error) {
	balance := new(big.Int)
	if _, err := m.KVGet(ProceedsKey(addr.Bytes()), balance); err != nil {
		return nil, err
	}
	return fromBig(balance)
}

var _ marketplace.State = (*Manager)(nil)
