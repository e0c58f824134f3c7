package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

const (
	farmerA = "0x00000000000000000000000000000000000000a1"
	farmerB = "0x00000000000000000000000000000000000000b2"
	buyerC  = "0x00000000000000000000000000000000000000c3"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testListing(id uint64, farmer string, listedAt int64) *Listing {
	return &Listing{
		ID:           id,
		Farmer:       farmer,
		Name:         fmt.Sprintf("Produce %d", id),
		Quantity:     10,
		PricePerUnit: uint256.NewInt(5),
		TotalPrice:   uint256.NewInt(50),
		ListedAt:     time.Unix(listedAt, 0),
	}
}

func sold(l *Listing, buyer string, at int64) *Listing {
	soldAt := time.Unix(at, 0)
	l.IsSold = true
	l.Buyer = &buyer
	l.SoldAt = &soldAt
	return l
}

func TestUpsertIsInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	inserted, err := store.Upsert(ctx, testListing(1, farmerA, 100))
	require.NoError(t, err)
	require.True(t, inserted)

	changed := testListing(1, farmerB, 999)
	changed.Name = "overwritten"
	inserted, err = store.Upsert(ctx, changed)
	require.NoError(t, err)
	require.False(t, inserted)

	got, err := store.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Produce 1", got.Name)
	require.Equal(t, farmerA, got.Farmer)
	require.Nil(t, got.Buyer)
	require.Nil(t, got.SoldAt)
	require.Equal(t, "50", got.TotalPrice.Dec())

	has, err := store.Has(ctx, 1)
	require.NoError(t, err)
	require.True(t, has)
	has, err = store.Has(ctx, 2)
	require.NoError(t, err)
	require.False(t, has)

	_, err = store.Get(ctx, 2)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestUpsertCanonicalizesAddresses(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	l := sold(testListing(1, "0x00000000000000000000000000000000000000A1", 100), "0x00000000000000000000000000000000000000C3", 200)
	_, err := store.Upsert(ctx, l)
	require.NoError(t, err)

	got, err := store.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, farmerA, got.Farmer)
	require.NotNil(t, got.Buyer)
	require.Equal(t, buyerC, *got.Buyer)
	require.Equal(t, int64(200), got.SoldAt.Unix())
}

func TestQueryFiltersAndOrdering(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	fixtures := []*Listing{
		testListing(1, farmerA, 100),
		sold(testListing(2, farmerA, 200), buyerC, 250),
		testListing(3, farmerB, 300),
		sold(testListing(4, farmerB, 300), buyerC, 400),
	}
	for _, l := range fixtures {
		_, err := store.Upsert(ctx, l)
		require.NoError(t, err)
	}

	ids := func(ls []*Listing) []uint64 {
		out := make([]uint64, 0, len(ls))
		for _, l := range ls {
			out = append(out, l.ID)
		}
		return out
	}

	all, err := store.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Equal(t, []uint64{4, 3, 2, 1}, ids(all))

	byFarmer, err := store.Query(ctx, Filter{Farmer: "0x00000000000000000000000000000000000000A1"})
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 1}, ids(byFarmer))

	available, err := store.Query(ctx, Filter{Availability: AvailabilityAvailable})
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 1}, ids(available))

	soldToC, err := store.Query(ctx, Filter{Buyer: buyerC, Availability: AvailabilitySold, Farmer: farmerB})
	require.NoError(t, err)
	require.Equal(t, []uint64{4}, ids(soldToC))

	paged, err := store.Query(ctx, Filter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 2}, ids(paged))

	count, err := store.Count(ctx, Filter{Availability: AvailabilitySold})
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestCursorAndIDs(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	cursor, err := store.Cursor(ctx, "ledger")
	require.NoError(t, err)
	require.Zero(t, cursor)
	require.NoError(t, store.SetCursor(ctx, "ledger", 3))
	require.NoError(t, store.SetCursor(ctx, "ledger", 5))
	cursor, err = store.Cursor(ctx, "ledger")
	require.NoError(t, err)
	require.EqualValues(t, 5, cursor)

	maxID, err := store.MaxID(ctx)
	require.NoError(t, err)
	require.Zero(t, maxID)
	for _, id := range []uint64{1, 2, 7} {
		_, err := store.Upsert(ctx, testListing(id, farmerA, int64(id)))
		require.NoError(t, err)
	}
	maxID, err = store.MaxID(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 7, maxID)
	above, err := store.IDsAbove(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 7}, above)
}

func TestFingerprintIgnoresSyncTime(t *testing.T) {
	ctx := context.Background()
	first := openTestStore(t)
	second := openTestStore(t)

	empty, err := first.Fingerprint(ctx)
	require.NoError(t, err)

	for _, store := range []*Store{first, second} {
		l := testListing(1, farmerA, 100)
		l.SyncedAt = time.Now().Add(time.Duration(len(empty)) * time.Minute)
		_, err := store.Upsert(ctx, l)
		require.NoError(t, err)
	}
	a, err := first.Fingerprint(ctx)
	require.NoError(t, err)
	b, err := second.Fingerprint(ctx)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.NotEqual(t, empty, a)

	_, err = second.Upsert(ctx, testListing(2, farmerB, 200))
	require.NoError(t, err)
	c, err := second.Fingerprint(ctx)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestOpenFileDSN(t *testing.T) {
	dsn, err := FileDSN(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	store, err := Open(dsn)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(context.Background()))

	_, err = FileDSN("  ")
	require.ErrorIs(t, err, ErrDSNRequired)
	_, err = Open("")
	require.ErrorIs(t, err, ErrDSNRequired)
}

func TestIsPostgresDSN(t *testing.T) {
	require.True(t, IsPostgresDSN("postgres://user:pw@localhost:5432/mirror?sslmode=disable"))
	require.True(t, IsPostgresDSN("host=localhost user=mirror dbname=mirror"))
	require.False(t, IsPostgresDSN("file:/tmp/mirror.db?mode=rwc"))
}

func TestResolveDSN(t *testing.T) {
	pg := "postgres://user:pw@localhost:5432/mirror"
	got, err := ResolveDSN(pg)
	require.NoError(t, err)
	require.Equal(t, pg, got)

	got, err = ResolveDSN("file:mirror?mode=memory")
	require.NoError(t, err)
	require.Equal(t, "file:mirror?mode=memory", got)

	got, err = ResolveDSN("data/mirror.sqlite")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(got, "file:/"))
	require.Contains(t, got, "_journal_mode=WAL")

	_, err = ResolveDSN("")
	require.ErrorIs(t, err, ErrDSNRequired)
}
