package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"roomnight/custody"
	"roomnight/ledger"
	"roomnight/models"
)

var (
	// ErrSupplyExhausted is returned when a mint would push the minted count
	// past the configured total supply.
	ErrSupplyExhausted = errors.New("inventory: total supply exhausted")
	// ErrUnknownToken is returned for token ids with no inventory record.
	ErrUnknownToken = errors.New("inventory: unknown token")
	// ErrInvalidSupply is returned for zero supply or a public cap above it.
	ErrInvalidSupply = errors.New("inventory: invalid supply configuration")
)

// Ledger is the contract surface the mirror needs.
type Ledger interface {
	NextTokenID(ctx context.Context) (uint64, error)
	CreateRoomType(ctx context.Context, s ledger.Signer, hotelID, name string) (common.Hash, error)
	AwaitConfirmation(ctx context.Context, txHash common.Hash) error
}

// Mirror keeps the off-chain projection of room-type supply consistent with
// confirmed mints. Reservations are advisory; CommitMint is the authoritative
// guard and only moves the count after the ledger confirmed.
type Mirror struct {
	db     *gorm.DB
	ledger Ledger
	seq    *custody.Sequencer
}

// NewMirror wires the mirror to its stores.
func NewMirror(db *gorm.DB, l Ledger, seq *custody.Sequencer) *Mirror {
	return &Mirror{db: db, ledger: l, seq: seq}
}

// Get loads one inventory record.
func (m *Mirror) Get(ctx context.Context, tokenID uint64) (*models.RoomInventory, error) {
	var inv models.RoomInventory
	if err := m.db.WithContext(ctx).First(&inv, "token_id = ?", tokenID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownToken
		}
		return nil, fmt.Errorf("load inventory %d: %w", tokenID, err)
	}
	return &inv, nil
}

// List returns all inventory records ordered by token id.
func (m *Mirror) List(ctx context.Context) ([]models.RoomInventory, error) {
	var rows []models.RoomInventory
	if err := m.db.WithContext(ctx).Order("token_id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}
	return rows, nil
}

// ReserveMint checks that qty more units can still be minted for the token.
// It is a pre-flight check only; CommitMint re-validates under the database's
// write lock, so callers must treat a passed reservation as advisory.
func (m *Mirror) ReserveMint(ctx context.Context, tokenID, qty uint64) error {
	if qty == 0 {
		return fmt.Errorf("inventory: mint quantity must be positive")
	}
	inv, err := m.Get(ctx, tokenID)
	if err != nil {
		return err
	}
	if inv.MintedCount+qty > inv.TotalSupply {
		return ErrSupplyExhausted
	}
	return nil
}

// CommitMint advances minted_count by qty after a confirmed mint. The guard
// rides in the UPDATE itself so two racing commits cannot overshoot the
// supply: the loser matches zero rows.
func (m *Mirror) CommitMint(ctx context.Context, tokenID, qty uint64) error {
	if qty == 0 {
		return fmt.Errorf("inventory: mint quantity must be positive")
	}
	res := m.db.WithContext(ctx).Model(&models.RoomInventory{}).
		Where("token_id = ? AND minted_count + ? <= total_supply", tokenID, qty).
		Update("minted_count", gorm.Expr("minted_count + ?", qty))
	if res.Error != nil {
		return fmt.Errorf("commit mint for %d: %w", tokenID, res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := m.db.WithContext(ctx).Model(&models.RoomInventory{}).
			Where("token_id = ?", tokenID).Count(&count).Error; err == nil && count == 0 {
			return ErrUnknownToken
		}
		return ErrSupplyExhausted
	}
	return nil
}

// CreateType registers a new room type: allocates the next token id from the
// contract, submits createRoomType through the signer's lane, waits for
// confirmation and persists the mirror record with a zero minted count.
func (m *Mirror) CreateType(ctx context.Context, s ledger.Signer, hotelID, name string, totalSupply, publicCap uint64) (*models.RoomInventory, error) {
	if totalSupply == 0 || publicCap > totalSupply {
		return nil, ErrInvalidSupply
	}
	tokenID, err := m.ledger.NextTokenID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate token id: %w", err)
	}
	hash, err := m.seq.Do(ctx, s.Address(), func(ctx context.Context) (common.Hash, error) {
		h, err := m.ledger.CreateRoomType(ctx, s, hotelID, name)
		if err != nil {
			return common.Hash{}, err
		}
		if err := m.ledger.AwaitConfirmation(ctx, h); err != nil {
			return h, err
		}
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("create room type: %w", err)
	}
	inv := &models.RoomInventory{
		TokenID:     tokenID,
		HotelID:     hotelID,
		Name:        name,
		TotalSupply: totalSupply,
		PublicCap:   publicCap,
		MintedCount: 0,
	}
	if err := m.db.WithContext(ctx).Create(inv).Error; err != nil {
		m.flag("inventory_create_persist", fmt.Sprintf("token=%d tx=%s", tokenID, hash.Hex()), err)
		return nil, fmt.Errorf("room type %d confirmed in %s but mirror persistence failed: %w", tokenID, hash.Hex(), err)
	}
	return inv, nil
}

// flag records a reconciliation row for a ledger mutation whose bookkeeping
// failed. Best effort: the original error is what callers act on.
func (m *Mirror) flag(kind, reference string, cause error) {
	row := models.ReconFlag{Kind: kind, Reference: reference, Detail: cause.Error()}
	_ = m.db.WithContext(context.Background()).Create(&row).Error
}
