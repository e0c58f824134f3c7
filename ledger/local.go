package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"agrichain/core/state"
	"agrichain/native/marketplace"
	"agrichain/storage"
)

// Local is an in-process ledger backed by the marketplace state machine. It
// serves the simulation path and tests.
type Local struct {
	engine *marketplace.Engine
	db     storage.Database
}

// NewLocal wraps an already configured engine.
func NewLocal(engine *marketplace.Engine) *Local {
	return &Local{engine: engine}
}

// NewMemoryLocal returns a Local ledger whose state lives only in memory.
func NewMemoryLocal() *Local {
	db := storage.NewMemDB()
	engine := marketplace.NewEngine()
	engine.SetState(state.NewManager(db))
	return &Local{engine: engine, db: db}
}

// OpenLocal opens a persistent Local ledger at path.
func OpenLocal(path string) (*Local, error) {
	db, err := storage.NewLevelDB(path)
	if err != nil {
		return nil, err
	}
	engine := marketplace.NewEngine()
	engine.SetState(state.NewManager(db))
	return &Local{engine: engine, db: db}, nil
}

// Engine exposes the wrapped state machine.
func (l *Local) Engine() *marketplace.Engine { return l.engine }

// Close releases the underlying database when the ledger owns one.
func (l *Local) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Local) SubmitListing(ctx context.Context, name string, quantity uint64, pricePerUnit *uint256.Int, farmer common.Address) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("submit listing", err)
	}
	return l.engine.Create(name, quantity, pricePerUnit, farmer)
}

func (l *Local) SubmitPurchase(ctx context.Context, id uint64, buyer common.Address, payment *uint256.Int) (*marketplace.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("submit purchase", err)
	}
	return l.engine.Purchase(id, buyer, payment)
}

func (l *Local) GetListing(ctx context.Context, id uint64) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("get listing", err)
	}
	listing, err := l.engine.Listing(id)
	if err != nil {
		return nil, fmt.Errorf("get listing %d: %w", id, err)
	}
	return RecordFromListing(listing), nil
}

func (l *Local) GetTotalListings(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("get total listings", err)
	}
	return l.engine.TotalListings()
}

func (l *Local) GetAvailableListings(ctx context.Context) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("get available listings", err)
	}
	return l.engine.Available()
}

var _ Client = (*Local)(nil)
