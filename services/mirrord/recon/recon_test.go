package recon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"agrichain/ledger"
	"agrichain/services/mirrord/storage"
)

var (
	farmerA = common.HexToAddress("0xAbCdEf0123456789aBcDeF0123456789AbCdEf01")
	farmerB = common.HexToAddress("0x1111111111111111111111111111111111111111")
	buyerB  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// flakyLedger fails GetListing for selected ids a fixed number of times.
type flakyLedger struct {
	*ledger.Local

	mu       sync.Mutex
	failures map[uint64]int
	calls    atomic.Int32
	override map[uint64]*ledger.Record
}

func newFlakyLedger() *flakyLedger {
	return &flakyLedger{
		Local:    ledger.NewMemoryLocal(),
		failures: make(map[uint64]int),
		override: make(map[uint64]*ledger.Record),
	}
}

func (f *flakyLedger) failNext(id uint64, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = times
}

func (f *flakyLedger) GetListing(ctx context.Context, id uint64) (*ledger.Record, error) {
	f.calls.Add(1)
	f.mu.Lock()
	if f.failures[id] > 0 {
		f.failures[id]--
		f.mu.Unlock()
		return nil, fmt.Errorf("get listing %d: %w: connection reset", id, ledger.ErrExternalUnavailable)
	}
	rec, ok := f.override[id]
	f.mu.Unlock()
	if ok {
		return rec, nil
	}
	return f.Local.GetListing(ctx, id)
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
	cursor   uint64
	total    uint64
}

func (m *recordingMetrics) ObserveRun(mode, outcome string, _ time.Duration, _, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, mode+":"+outcome)
}

func (m *recordingMetrics) SetProgress(cursor, total uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor, m.total = cursor, total
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedLedger(t *testing.T, l *flakyLedger) {
	t.Helper()
	ctx := context.Background()
	_, err := l.SubmitListing(ctx, "Organic Tomatoes", 100, uint256.MustFromDecimal("1000000000000000"), farmerA)
	require.NoError(t, err)
	id, err := l.SubmitListing(ctx, "Fresh Strawberries", 25, uint256.MustFromDecimal("2000000000000000"), farmerA)
	require.NoError(t, err)
	_, err = l.SubmitListing(ctx, "Sweet Corn", 75, uint256.MustFromDecimal("1200000000000000"), farmerB)
	require.NoError(t, err)
	_, err = l.SubmitPurchase(ctx, id, buyerB, uint256.MustFromDecimal("50000000000000000"))
	require.NoError(t, err)
}

func newTestReconciler(t *testing.T, l Ledger, store Store, mutate func(*Config)) *Reconciler {
	t.Helper()
	cfg := Config{Ledger: l, Store: store, FetchTimeout: time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewReconciler(cfg)
	require.NoError(t, err)
	return r
}

func TestRunMirrorsLedger(t *testing.T) {
	ctx := context.Background()
	l := newFlakyLedger()
	seedLedger(t, l)
	store := openTestStore(t)
	metrics := &recordingMetrics{}
	r := newTestReconciler(t, l, store, func(c *Config) { c.Metrics = metrics })

	res, err := r.Run(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, res.Total)
	require.EqualValues(t, 0, res.StartCursor)
	require.EqualValues(t, 3, res.EndCursor)
	require.Equal(t, 3, res.Inserted)
	require.NotEmpty(t, res.RunID)

	first, err := store.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", first.Farmer)
	require.Equal(t, "100000000000000000", first.TotalPrice.Dec())
	require.Nil(t, first.Buyer)
	require.Nil(t, first.SoldAt)
	require.False(t, first.IsSold)

	second, err := store.Get(ctx, 2)
	require.NoError(t, err)
	require.True(t, second.IsSold)
	require.NotNil(t, second.Buyer)
	require.Equal(t, "0x2222222222222222222222222222222222222222", *second.Buyer)
	require.NotNil(t, second.SoldAt)
	require.True(t, second.SoldAt.After(second.ListedAt))

	cursor, err := store.Cursor(ctx, CursorName)
	require.NoError(t, err)
	require.EqualValues(t, 3, cursor)
	require.Equal(t, []string{"incremental:ok"}, metrics.outcomes)
	require.EqualValues(t, 3, metrics.cursor)
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newFlakyLedger()
	seedLedger(t, l)
	store := openTestStore(t)
	r := newTestReconciler(t, l, store, nil)

	_, err := r.Run(ctx)
	require.NoError(t, err)
	before, err := store.Fingerprint(ctx)
	require.NoError(t, err)

	res, err := r.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Inserted)

	calls := l.calls.Load()
	res, err = r.Resync(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Inserted)
	require.Equal(t, 3, res.Skipped)
	require.Equal(t, calls, l.calls.Load(), "resync of a synced mirror must not refetch listings")

	after, err := store.Fingerprint(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestRunResumesAfterFailure(t *testing.T) {
	ctx := context.Background()
	l := newFlakyLedger()
	seedLedger(t, l)
	store := openTestStore(t)
	r := newTestReconciler(t, l, store, nil)

	l.failNext(3, 1)
	res, err := r.Run(ctx)
	require.Error(t, err)
	require.True(t, IsRetryable(err))
	require.EqualValues(t, 2, res.EndCursor)
	require.Equal(t, 2, res.Inserted)
	cursor, err := store.Cursor(ctx, CursorName)
	require.NoError(t, err)
	require.EqualValues(t, 2, cursor)
	has, err := store.Has(ctx, 3)
	require.NoError(t, err)
	require.False(t, has)

	last, lastErr := r.LastResult()
	require.Error(t, lastErr)
	require.Equal(t, res.RunID, last.RunID)

	res, err = r.Run(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, res.StartCursor)
	require.Equal(t, 1, res.Inserted)
	count, err := store.Count(ctx, storage.Filter{})
	require.NoError(t, err)
	require.EqualValues(t, 3, count)
}

func TestRunPicksUpNewListings(t *testing.T) {
	ctx := context.Background()
	l := newFlakyLedger()
	seedLedger(t, l)
	store := openTestStore(t)
	r := newTestReconciler(t, l, store, nil)

	_, err := r.Run(ctx)
	require.NoError(t, err)
	_, err = l.SubmitListing(ctx, "Kale", 5, uint256.NewInt(10), farmerB)
	require.NoError(t, err)
	res, err := r.Run(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, res.StartCursor)
	require.Equal(t, 1, res.Inserted)
}

func TestRunHaltsOnIntegrityFailure(t *testing.T) {
	ctx := context.Background()
	l := newFlakyLedger()
	seedLedger(t, l)
	store := openTestStore(t)
	_, err := store.Upsert(ctx, &storage.Listing{
		ID:           9,
		Farmer:       "0x1111111111111111111111111111111111111111",
		Name:         "Ghost",
		Quantity:     1,
		PricePerUnit: uint256.NewInt(1),
		TotalPrice:   uint256.NewInt(1),
		ListedAt:     time.Unix(100, 0),
	})
	require.NoError(t, err)

	var alerted atomic.Int32
	r := newTestReconciler(t, l, store, func(c *Config) {
		c.Alert = func(_ context.Context, integrity *SyncIntegrityError) error {
			alerted.Add(1)
			require.Equal(t, []uint64{9}, integrity.Extra)
			return nil
		}
	})

	_, err = r.Run(ctx)
	var integrity *SyncIntegrityError
	require.True(t, errors.As(err, &integrity))
	require.False(t, IsRetryable(err))
	require.EqualValues(t, 1, alerted.Load())
	cursor, err := store.Cursor(ctx, CursorName)
	require.NoError(t, err)
	require.Zero(t, cursor)

	_, err = r.Resync(ctx)
	require.True(t, errors.As(err, &integrity))
	require.Error(t, r.Verify(ctx))
}

func TestRunRejectsMalformedRecord(t *testing.T) {
	ctx := context.Background()
	l := newFlakyLedger()
	seedLedger(t, l)
	l.override[2] = &ledger.Record{
		ID:       2,
		Farmer:   farmerA.Hex(),
		Name:     "Fresh Strawberries",
		Quantity: 25,
		IsSold:   true,
		Buyer:    ledger.EmptyAddress,
		ListedAt: 100,
	}
	store := openTestStore(t)
	r := newTestReconciler(t, l, store, nil)

	res, err := r.Run(ctx)
	require.ErrorIs(t, err, ErrMalformedRecord)
	require.True(t, IsRetryable(err))
	require.EqualValues(t, 1, res.EndCursor)
	has, err := store.Has(ctx, 2)
	require.NoError(t, err)
	require.False(t, has)
}

func TestNormalizeRejectsInconsistentRecords(t *testing.T) {
	valid := func() *ledger.Record {
		return &ledger.Record{
			ID:           7,
			Farmer:       farmerA.Hex(),
			Name:         " Sweet Corn ",
			Quantity:     4,
			PricePerUnit: uint256.NewInt(25),
			TotalPrice:   uint256.NewInt(100),
			IsSold:       true,
			Buyer:        buyerB.Hex(),
			ListedAt:     100,
			SoldAt:       160,
		}
	}
	now := time.Unix(1_700_000_000, 0)

	listing, err := Normalize(valid(), 7, now)
	require.NoError(t, err)
	require.Equal(t, "Sweet Corn", listing.Name)
	require.NotNil(t, listing.SoldAt)
	require.Equal(t, int64(160), listing.SoldAt.Unix())

	sameBlock := valid()
	sameBlock.SoldAt = sameBlock.ListedAt
	_, err = Normalize(sameBlock, 7, now)
	require.NoError(t, err)

	cases := map[string]func(*ledger.Record){
		"sold without sale time": func(r *ledger.Record) { r.SoldAt = 0 },
		"unsold with sale time": func(r *ledger.Record) {
			r.IsSold = false
			r.Buyer = ledger.EmptyAddress
		},
		"sold before listed": func(r *ledger.Record) { r.SoldAt = 99 },
		"total mismatch":     func(r *ledger.Record) { r.TotalPrice = uint256.NewInt(101) },
		"id mismatch":        func(r *ledger.Record) { r.ID = 8 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			rec := valid()
			mutate(rec)
			_, err := Normalize(rec, 7, now)
			require.ErrorIs(t, err, ErrMalformedRecord)
			require.True(t, IsRetryable(err))
		})
	}
}

// blockingLedger parks GetTotalListings until released.
type blockingLedger struct {
	*flakyLedger
	entered chan struct{}
	release chan struct{}
}

func (b *blockingLedger) GetTotalListings(ctx context.Context) (uint64, error) {
	close(b.entered)
	<-b.release
	return b.flakyLedger.GetTotalListings(ctx)
}

func TestRunIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	l := &blockingLedger{flakyLedger: newFlakyLedger(), entered: make(chan struct{}), release: make(chan struct{})}
	store := openTestStore(t)
	r := newTestReconciler(t, l, store, nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx)
		done <- err
	}()
	<-l.entered
	_, err := r.Run(ctx)
	require.ErrorIs(t, err, ErrRunInProgress)
	status, err := r.Status(ctx)
	require.NoError(t, err)
	require.True(t, status.Running)
	close(l.release)
	require.NoError(t, <-done)
}

func TestCancelledRunKeepsCursor(t *testing.T) {
	l := newFlakyLedger()
	seedLedger(t, l)
	store := openTestStore(t)
	r := newTestReconciler(t, l, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	cursor, err := store.Cursor(context.Background(), CursorName)
	require.NoError(t, err)
	require.Zero(t, cursor)
}

func TestNewReconcilerValidation(t *testing.T) {
	_, err := NewReconciler(Config{Store: openTestStore(t)})
	require.Error(t, err)
	_, err = NewReconciler(Config{Ledger: newFlakyLedger()})
	require.Error(t, err)
}
