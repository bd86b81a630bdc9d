package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Role enumerations for registered principals.
const (
	RoleHotel = "hotel"
	RoleAgent = "travel-agent"
	RoleGuest = "guest"
	RoleAdmin = "admin"
)

// TradeStatus represents a state in the escrow trade lifecycle.
type TradeStatus string

// Trade states. LOCKED is the only non-terminal state.
const (
	TradeLocked    TradeStatus = "LOCKED"
	TradeReleased  TradeStatus = "RELEASED"
	TradeCancelled TradeStatus = "CANCELLED"
)

// BookingStatus represents a state in the booking lifecycle.
type BookingStatus string

// Booking states. PENDING_CHECKIN is the only non-terminal state.
const (
	BookingPendingCheckIn BookingStatus = "PENDING_CHECKIN"
	BookingCompleted      BookingStatus = "COMPLETED"
	BookingCancelled      BookingStatus = "CANCELLED"
)

// SaleEvent states mirrored from the on-chain escrow contract.
const (
	SaleStateCreated   = "CREATED"
	SaleStateReleased  = "RELEASED"
	SaleStateCancelled = "CANCELLED"
)

// User stores a registered principal together with its custodial ledger
// identity. EncryptedKey holds the principal's signing key as an encrypted
// keystore blob; it is empty only when key material has been lost.
type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email        string    `gorm:"uniqueIndex"`
	PasswordHash string    `gorm:"size:128"`
	Role         string    `gorm:"size:32;index"`
	Address      string    `gorm:"size:42;uniqueIndex"`
	EncryptedKey []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RoomInventory is the off-chain projection of one room-type token.
// MintedCount only increases, and only after a confirmed mint.
type RoomInventory struct {
	TokenID     uint64 `gorm:"primaryKey;autoIncrement:false"`
	HotelID     string `gorm:"size:64;index"`
	Name        string `gorm:"size:128"`
	TotalSupply uint64 `gorm:"not null"`
	PublicCap   uint64 `gorm:"not null"`
	MintedCount uint64 `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Trade describes an escrow trade across its lifecycle. TxHash always carries
// the hash of the confirmed transaction that most recently changed Status.
type Trade struct {
	ID           uuid.UUID   `gorm:"type:uuid;primaryKey"`
	SellerEmail  string      `gorm:"size:255;index"`
	BuyerRef     string      `gorm:"size:255;index"`
	BuyerAddress string      `gorm:"size:42"`
	TokenID      uint64      `gorm:"index"`
	Amount       uint64      `gorm:"not null"`
	Status       TradeStatus `gorm:"size:16;index"`
	TxHash       string      `gorm:"size:66"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Booking describes a reservation backed by tokens held in platform custody.
// Quantity is fixed at creation and is the exact amount burned on completion
// or returned on cancellation.
type Booking struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	GuestEmail   string    `gorm:"size:255;index"`
	GuestName    string    `gorm:"size:255"`
	TokenID      uint64    `gorm:"index"`
	CheckIn      *time.Time
	CheckOut     *time.Time
	RoomCount    uint64        `gorm:"not null"`
	Quantity     uint64        `gorm:"not null"`
	Status       BookingStatus `gorm:"size:24;index"`
	LockTxHash   string        `gorm:"size:66"`
	SettleTxHash string        `gorm:"size:66"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ChainCursor persists the reconciliation watermark so the listener resumes
// from the last fully processed block after a restart.
type ChainCursor struct {
	Name      string `gorm:"primaryKey;size:32"`
	LastBlock uint64
	UpdatedAt time.Time
}

// SaleEvent mirrors a sale observed on the secondary on-chain escrow
// contract, keyed by its on-chain identifier for idempotent upserts.
type SaleEvent struct {
	SaleID        uint64 `gorm:"primaryKey;autoIncrement:false"`
	Seller        string `gorm:"size:42;index"`
	Buyer         string `gorm:"size:42;index"`
	TokenID       uint64
	Quantity      uint64
	Status        string `gorm:"size:16;index"`
	CreatedTxHash string `gorm:"size:66"`
	FinalTxHash   string `gorm:"size:66"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RedemptionEvent mirrors a BookingRedeemed log, keyed by transaction hash
// and log index so a replayed range cannot create duplicate rows.
type RedemptionEvent struct {
	TxHash      string `gorm:"primaryKey;size:66"`
	LogIndex    uint   `gorm:"primaryKey;autoIncrement:false"`
	Redeemer    string `gorm:"size:42;index"`
	TokenID     uint64
	Quantity    uint64
	Details     string `gorm:"type:text"`
	BlockNumber uint64
	CreatedAt   time.Time
}

// ReconFlag records a ledger mutation whose off-chain bookkeeping failed and
// needs operator or listener-driven reconciliation.
type ReconFlag struct {
	ID        uint64 `gorm:"primaryKey"`
	Kind      string `gorm:"size:64;index"`
	Reference string `gorm:"size:128"`
	Detail    string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&RoomInventory{},
		&Trade{},
		&Booking{},
		&ChainCursor{},
		&SaleEvent{},
		&RedemptionEvent{},
		&ReconFlag{},
	)
}
