package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/holiman/uint256"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a listing is absent from the mirror.
var ErrNotFound = errors.New("mirror: listing not found")

// Listing is a mirrored ledger listing after normalization. Buyer and SoldAt
// are nil while the listing is unsold.
type Listing struct {
	ID           uint64
	Farmer       string
	Name         string
	Quantity     uint64
	PricePerUnit *uint256.Int
	TotalPrice   *uint256.Int
	IsSold       bool
	Buyer        *string
	ListedAt     time.Time
	SoldAt       *time.Time
	SyncedAt     time.Time
}

// Availability narrows a query by sale state.
type Availability int

const (
	AvailabilityAny Availability = iota
	AvailabilityAvailable
	AvailabilitySold
)

// Filter is a conjunction of optional predicates. Empty fields match all.
type Filter struct {
	Farmer       string
	Buyer        string
	Availability Availability
	Limit        int
	Offset       int
}

// Store is the gorm-backed mirror of the ledger.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn, selecting the Postgres driver for postgres URLs and
// SQLite otherwise, and applies migrations.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	dialector := sqlite.Open(trimmed)
	if IsPostgresDSN(trimmed) {
		dialector = postgres.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open mirror database: %w", err)
	}
	if isMemoryDSN(trimmed) {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("mirror sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an existing gorm handle and applies migrations.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("mirror database handle required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate mirror: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying gorm handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Upsert inserts l unless a listing with the same id already exists. Existing
// rows are never modified. inserted reports whether a row was written.
func (s *Store) Upsert(ctx context.Context, l *Listing) (bool, error) {
	if l == nil || l.ID == 0 {
		return false, fmt.Errorf("mirror upsert: listing id required")
	}
	row := toRow(l)
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("mirror upsert %d: %w", l.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Has reports whether id is present in the mirror.
func (s *Store) Has(ctx context.Context, id uint64) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&listingRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("mirror has %d: %w", id, err)
	}
	return count > 0, nil
}

// Get loads one listing by id.
func (s *Store) Get(ctx context.Context, id uint64) (*Listing, error) {
	var row listingRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mirror get %d: %w", id, err)
	}
	return fromRow(&row)
}

func (s *Store) filtered(ctx context.Context, f Filter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&listingRow{})
	if farmer := canonical(f.Farmer); farmer != "" {
		q = q.Where("farmer = ?", farmer)
	}
	if buyer := canonical(f.Buyer); buyer != "" {
		q = q.Where("buyer = ?", buyer)
	}
	switch f.Availability {
	case AvailabilityAvailable:
		q = q.Where("is_sold = ?", false)
	case AvailabilitySold:
		q = q.Where("is_sold = ?", true)
	}
	return q
}

// Query returns listings matching f, most recently created first.
func (s *Store) Query(ctx context.Context, f Filter) ([]*Listing, error) {
	q := s.filtered(ctx, f).Order("listed_at DESC").Order("id DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var rows []listingRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("mirror query: %w", err)
	}
	out := make([]*Listing, 0, len(rows))
	for i := range rows {
		l, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// Count returns the number of listings matching f, ignoring paging.
func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	var count int64
	if err := s.filtered(ctx, f).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("mirror count: %w", err)
	}
	return count, nil
}

// MaxID returns the highest mirrored id, or zero for an empty mirror.
func (s *Store) MaxID(ctx context.Context) (uint64, error) {
	var ids []uint64
	err := s.db.WithContext(ctx).Model(&listingRow{}).Order("id DESC").Limit(1).Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("mirror max id: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[0], nil
}

// IDsAbove returns mirrored ids strictly greater than n in ascending order.
func (s *Store) IDsAbove(ctx context.Context, n uint64) ([]uint64, error) {
	var ids []uint64
	err := s.db.WithContext(ctx).Model(&listingRow{}).Where("id > ?", n).Order("id ASC").Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("mirror ids above %d: %w", n, err)
	}
	return ids, nil
}

// Cursor returns the stored value for name, zero when unset.
func (s *Store) Cursor(ctx context.Context, name string) (uint64, error) {
	var row cursorRow
	err := s.db.WithContext(ctx).First(&row, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("mirror cursor %s: %w", name, err)
	}
	return row.Value, nil
}

// SetCursor stores value for name.
func (s *Store) SetCursor(ctx context.Context, name string, value uint64) error {
	row := cursorRow{Name: name, Value: value, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("mirror set cursor %s: %w", name, err)
	}
	return nil
}

// Each calls fn for every listing in ascending id order, in batches.
func (s *Store) Each(ctx context.Context, fn func(*Listing) error) error {
	var rows []listingRow
	res := s.db.WithContext(ctx).FindInBatches(&rows, 500, func(tx *gorm.DB, _ int) error {
		for i := range rows {
			l, err := fromRow(&rows[i])
			if err != nil {
				return err
			}
			if err := fn(l); err != nil {
				return err
			}
		}
		return nil
	})
	if res.Error != nil {
		return fmt.Errorf("mirror scan: %w", res.Error)
	}
	return nil
}

// Fingerprint digests every mirrored listing in id order. SyncedAt is
// excluded so the value changes only when ledger-derived data changes.
func (s *Store) Fingerprint(ctx context.Context) (string, error) {
	hasher := ethcrypto.NewKeccakState()
	err := s.Each(ctx, func(l *Listing) error {
		buyer := ""
		if l.Buyer != nil {
			buyer = *l.Buyer
		}
		var soldAt int64
		if l.SoldAt != nil {
			soldAt = l.SoldAt.Unix()
		}
		_, err := fmt.Fprintf(hasher, "%d|%s|%s|%d|%s|%s|%t|%s|%d|%d\n",
			l.ID, l.Farmer, l.Name, l.Quantity, l.PricePerUnit.Dec(), l.TotalPrice.Dec(),
			l.IsSold, buyer, l.ListedAt.Unix(), soldAt)
		return err
	})
	if err != nil {
		return "", err
	}
	return hexutil.Encode(hasher.Sum(nil)), nil
}

func canonical(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func toRow(l *Listing) listingRow {
	row := listingRow{
		ID:           l.ID,
		Farmer:       canonical(l.Farmer),
		Name:         l.Name,
		Quantity:     l.Quantity,
		PricePerUnit: amount(l.PricePerUnit),
		TotalPrice:   amount(l.TotalPrice),
		IsSold:       l.IsSold,
		ListedAt:     l.ListedAt.UTC(),
		SyncedAt:     l.SyncedAt.UTC(),
	}
	if l.Buyer != nil {
		buyer := canonical(*l.Buyer)
		row.Buyer = &buyer
	}
	if l.SoldAt != nil {
		soldAt := l.SoldAt.UTC()
		row.SoldAt = &soldAt
	}
	if row.SyncedAt.IsZero() {
		row.SyncedAt = time.Now().UTC()
	}
	return row
}

func fromRow(row *listingRow) (*Listing, error) {
	price, err := uint256.FromDecimal(row.PricePerUnit)
	if err != nil {
		return nil, fmt.Errorf("mirror listing %d price: %w", row.ID, err)
	}
	total, err := uint256.FromDecimal(row.TotalPrice)
	if err != nil {
		return nil, fmt.Errorf("mirror listing %d total: %w", row.ID, err)
	}
	l := &Listing{
		ID:           row.ID,
		Farmer:       row.Farmer,
		Name:         row.Name,
		Quantity:     row.Quantity,
		PricePerUnit: price,
		TotalPrice:   total,
		IsSold:       row.IsSold,
		Buyer:        row.Buyer,
		ListedAt:     row.ListedAt.UTC(),
		SyncedAt:     row.SyncedAt.UTC(),
	}
	if row.SoldAt != nil {
		soldAt := row.SoldAt.UTC()
		l.SoldAt = &soldAt
	}
	return l, nil
}

func amount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
