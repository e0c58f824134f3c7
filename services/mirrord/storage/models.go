package storage

import (
	"time"

	"gorm.io/gorm"
)

// listingRow is the persisted form of a mirrored listing. Amounts are decimal
// strings because neither SQLite nor Postgres integer columns hold 256 bits.
type listingRow struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement:false"`
	Farmer       string    `gorm:"size:42;not null;index"`
	Name         string    `gorm:"size:256;not null"`
	Quantity     uint64    `gorm:"not null"`
	PricePerUnit string    `gorm:"size:78;not null"`
	TotalPrice   string    `gorm:"size:78;not null"`
	IsSold       bool      `gorm:"not null;index"`
	Buyer        *string   `gorm:"size:42;index"`
	ListedAt     time.Time `gorm:"not null;index"`
	SoldAt       *time.Time
	SyncedAt     time.Time `gorm:"not null"`
}

func (listingRow) TableName() string { return "mirror_listings" }

// cursorRow records reconciliation progress by cursor name.
type cursorRow struct {
	Name      string `gorm:"primaryKey;size:64"`
	Value     uint64 `gorm:"not null"`
	UpdatedAt time.Time
}

func (cursorRow) TableName() string { return "sync_cursors" }

// AutoMigrate performs all schema migrations for the mirror.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&listingRow{}, &cursorRow{})
}
