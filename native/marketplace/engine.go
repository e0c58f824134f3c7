package marketplace

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"agrichain/core/events"
)

// State is the persistence backend of the engine. Implementations must be safe
// for concurrent use and must apply each write method atomically.
type State interface {
	ListingCount() (uint64, error)
	ListingGet(id uint64) (*Listing, bool, error)
	// ListingAppend stores a new listing and advances the counter to its id.
	ListingAppend(l *Listing) error
	// ListingSettle stores the sold listing and credits amount to payee.
	ListingSettle(l *Listing, payee common.Address, amount *uint256.Int) error
	ProceedsGet(addr common.Address) (*uint256.Int, error)
}

// Engine enforces the listing lifecycle. On the real ledger the contract's
// serialized execution provides atomicity; standalone, the engine substitutes
// a creation mutex for id assignment and a per-listing mutex for purchases so
// that unrelated purchases still run in parallel.
type Engine struct {
	state    State
	emitter  events.Emitter
	nowFn    func() int64
	createMu sync.Mutex
	locks    keyedMutex
}

// NewEngine creates an engine with a no-op emitter. Callers must configure a
// state backend via SetState before use.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state State) { e.state = state }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// Create validates and persists a new listing, returning its id. Rejected
// input consumes no id.
func (e *Engine) Create(name string, quantity uint64, pricePerUnit *uint256.Int, farmer common.Address) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return 0, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if quantity == 0 {
		return 0, &ValidationError{Field: "quantity", Reason: "must be greater than zero"}
	}
	if pricePerUnit == nil || pricePerUnit.IsZero() {
		return 0, &ValidationError{Field: "pricePerUnit", Reason: "must be greater than zero"}
	}
	if farmer == (common.Address{}) {
		return 0, &ValidationError{Field: "farmer", Reason: "must not be the zero address"}
	}
	total, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(quantity), pricePerUnit)
	if overflow {
		return 0, &ValidationError{Field: "pricePerUnit", Reason: "total price overflows 256 bits"}
	}

	e.createMu.Lock()
	defer e.createMu.Unlock()
	count, err := e.state.ListingCount()
	if err != nil {
		return 0, err
	}
	listing := &Listing{
		ID:           count + 1,
		Farmer:       farmer,
		Name:         trimmed,
		Quantity:     quantity,
		PricePerUnit: pricePerUnit.Clone(),
		TotalPrice:   total,
		Status:       StatusListed,
		ListedAt:     e.now(),
	}
	if err := e.state.ListingAppend(listing); err != nil {
		return 0, err
	}
	e.emit(NewCreatedEvent(listing))
	return listing.ID, nil
}

// Purchase transitions a listing to sold. Checks run in a fixed order and the
// first failure wins: existence, availability, a non-zero buyer, ownership,
// exact payment.
func (e *Engine) Purchase(id uint64, buyer common.Address, payment *uint256.Int) (*Receipt, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	listing, ok, err := e.state.ListingGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if listing.Status != StatusListed {
		return nil, ErrAlreadySold
	}
	if buyer == (common.Address{}) {
		return nil, &ValidationError{Field: "buyer", Reason: "must not be the zero address"}
	}
	if listing.Farmer == buyer {
		return nil, ErrOwnershipViolation
	}
	if payment == nil || !payment.Eq(listing.TotalPrice) {
		return nil, &PaymentMismatchError{Expected: cloneAmount(listing.TotalPrice), Got: cloneAmount(payment)}
	}

	soldAt := e.now()
	if soldAt <= listing.ListedAt {
		soldAt = listing.ListedAt + 1
	}
	listing.Status = StatusSold
	listing.Buyer = buyer
	listing.SoldAt = soldAt
	if err := e.state.ListingSettle(listing, listing.Farmer, payment); err != nil {
		return nil, err
	}
	e.emit(NewSoldEvent(listing))
	return &Receipt{
		ID:         listing.ID,
		Buyer:      buyer,
		TotalPrice: cloneAmount(listing.TotalPrice),
		SoldAt:     soldAt,
	}, nil
}

// TotalListings returns the number of listings ever created.
func (e *Engine) TotalListings() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.state.ListingCount()
}

// Listing returns a copy of the listing with the supplied id.
func (e *Engine) Listing(id uint64) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	listing, ok, err := e.state.ListingGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return listing.Clone(), nil
}

// IsSold reports whether the listing has been purchased.
func (e *Engine) IsSold(id uint64) (bool, error) {
	listing, err := e.Listing(id)
	if err != nil {
		return false, err
	}
	return listing.Status == StatusSold, nil
}

// Available returns the ids of listings that can still be purchased, in
// ascending order.
func (e *Engine) Available() ([]uint64, error) {
	return e.collect(func(l *Listing) bool { return l.Available() })
}

// ByFarmer returns the ids of every listing created by addr.
func (e *Engine) ByFarmer(addr common.Address) ([]uint64, error) {
	return e.collect(func(l *Listing) bool { return l.Farmer == addr })
}

// ByBuyer returns the ids of every listing purchased by addr.
func (e *Engine) ByBuyer(addr common.Address) ([]uint64, error) {
	if addr == (common.Address{}) {
		return []uint64{}, nil
	}
	return e.collect(func(l *Listing) bool { return l.Status == StatusSold && l.Buyer == addr })
}

// Proceeds returns the total amount credited to addr from sales.
func (e *Engine) Proceeds(addr common.Address) (*uint256.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.ProceedsGet(addr)
}

func (e *Engine) collect(match func(*Listing) bool) ([]uint64, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	count, err := e.state.ListingCount()
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0)
	for id := uint64(1); id <= count; id++ {
		listing, ok, err := e.state.ListingGet(id)
		if err != nil {
			return nil, err
		}
		if ok && match(listing) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
