package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"roomnight/custody"
	"roomnight/inventory"
	"roomnight/ledger"
	"roomnight/models"
)

var (
	// ErrTradeNotFound is returned for unknown trade identifiers.
	ErrTradeNotFound = errors.New("escrow: trade not found")
	// ErrInvalidTradeState is returned when a transition is requested from a
	// state that does not allow it. Exactly one of two racing settlements
	// wins; the loser observes this error.
	ErrInvalidTradeState = errors.New("escrow: invalid trade state")
	// ErrUnknownBuyer is returned when the buyer reference resolves to no
	// registered principal.
	ErrUnknownBuyer = errors.New("escrow: unknown buyer")
	// ErrUnknownSeller is returned when the seller is not registered.
	ErrUnknownSeller = errors.New("escrow: unknown seller")
)

// Ledger is the contract surface the engine needs.
type Ledger interface {
	MintTokens(ctx context.Context, s ledger.Signer, to common.Address, tokenID, qty uint64) (common.Hash, error)
	Transfer(ctx context.Context, s ledger.Signer, from, to common.Address, tokenID, qty uint64) (common.Hash, error)
	AwaitConfirmation(ctx context.Context, txHash common.Hash) error
}

// Engine drives the trade lifecycle. Tokens enter platform custody when a
// trade locks and leave it exactly once: to the buyer on release, back to the
// seller on cancellation.
type Engine struct {
	db     *gorm.DB
	ledger Ledger
	seq    *custody.Sequencer
	vault  *custody.Vault
	mirror *inventory.Mirror
}

// NewEngine wires the engine to its collaborators.
func NewEngine(db *gorm.DB, l Ledger, seq *custody.Sequencer, vault *custody.Vault, mirror *inventory.Mirror) *Engine {
	return &Engine{db: db, ledger: l, seq: seq, vault: vault, mirror: mirror}
}

// CreateTrade locks amount units of tokenID in platform custody on behalf of
// the seller. Hotel sellers mint fresh supply straight into custody through
// the admin signer; every other seller transfers existing holdings with its
// own custodial key. The trade is persisted LOCKED with the confirming hash.
func (e *Engine) CreateTrade(ctx context.Context, sellerEmail, buyerRef string, tokenID, amount uint64) (*models.Trade, error) {
	if amount == 0 {
		return nil, fmt.Errorf("escrow: trade amount must be positive")
	}
	seller, err := e.userByEmail(ctx, sellerEmail, ErrUnknownSeller)
	if err != nil {
		return nil, err
	}
	buyerRef, buyerAddr, err := e.resolveBuyer(ctx, buyerRef)
	if err != nil {
		return nil, err
	}
	custodyAddr := e.vault.AdminAddress()

	var hash common.Hash
	if seller.Role == models.RoleHotel {
		if err := e.mirror.ReserveMint(ctx, tokenID, amount); err != nil {
			return nil, err
		}
		admin, err := e.vault.AdminSigner()
		if err != nil {
			return nil, err
		}
		hash, err = e.seq.Do(ctx, admin.Address(), func(ctx context.Context) (common.Hash, error) {
			h, err := e.ledger.MintTokens(ctx, admin, custodyAddr, tokenID, amount)
			if err != nil {
				return common.Hash{}, err
			}
			return h, e.await(ctx, h, "escrow_lock_indeterminate", fmt.Sprintf("token=%d tx=%s", tokenID, h.Hex()))
		})
		if err != nil {
			return nil, fmt.Errorf("lock by mint: %w", err)
		}
		if err := e.mirror.CommitMint(ctx, tokenID, amount); err != nil {
			e.flag("escrow_mint_commit", fmt.Sprintf("token=%d tx=%s", tokenID, hash.Hex()), err)
		}
	} else {
		signer, err := e.vault.SignerFor(ctx, seller)
		if err != nil {
			return nil, err
		}
		from := common.HexToAddress(seller.Address)
		hash, err = e.seq.Do(ctx, signer.Address(), func(ctx context.Context) (common.Hash, error) {
			h, err := e.ledger.Transfer(ctx, signer, from, custodyAddr, tokenID, amount)
			if err != nil {
				return common.Hash{}, err
			}
			return h, e.await(ctx, h, "escrow_lock_indeterminate", fmt.Sprintf("token=%d tx=%s", tokenID, h.Hex()))
		})
		if err != nil {
			return nil, fmt.Errorf("lock by transfer: %w", err)
		}
	}

	trade := &models.Trade{
		ID:           uuid.New(),
		SellerEmail:  seller.Email,
		BuyerRef:     buyerRef,
		BuyerAddress: buyerAddr,
		TokenID:      tokenID,
		Amount:       amount,
		Status:       models.TradeLocked,
		TxHash:       hash.Hex(),
	}
	if err := e.db.WithContext(ctx).Create(trade).Error; err != nil {
		e.flag("escrow_lock_persist", fmt.Sprintf("tx=%s", hash.Hex()), err)
		return nil, fmt.Errorf("tokens locked in %s but trade persistence failed: %w", hash.Hex(), err)
	}
	return trade, nil
}

// Release settles a LOCKED trade by moving the escrowed tokens from custody
// to the buyer. The LOCKED check is repeated inside the admin lane right
// before submission, so of two concurrent settlements exactly one reaches
// the ledger.
func (e *Engine) Release(ctx context.Context, tradeID uuid.UUID) (*models.Trade, error) {
	return e.settle(ctx, tradeID, models.TradeReleased, func(trade *models.Trade) (common.Address, error) {
		return common.HexToAddress(trade.BuyerAddress), nil
	})
}

// Cancel unwinds a LOCKED trade by returning the escrowed tokens from custody
// to the seller's custodial address.
func (e *Engine) Cancel(ctx context.Context, tradeID uuid.UUID) (*models.Trade, error) {
	return e.settle(ctx, tradeID, models.TradeCancelled, func(trade *models.Trade) (common.Address, error) {
		seller, err := e.userByEmail(ctx, trade.SellerEmail, ErrUnknownSeller)
		if err != nil {
			return common.Address{}, err
		}
		return common.HexToAddress(seller.Address), nil
	})
}

func (e *Engine) settle(ctx context.Context, tradeID uuid.UUID, target models.TradeStatus, destination func(*models.Trade) (common.Address, error)) (*models.Trade, error) {
	trade, err := e.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status != models.TradeLocked {
		return nil, ErrInvalidTradeState
	}
	dest, err := destination(trade)
	if err != nil {
		return nil, err
	}
	admin, err := e.vault.AdminSigner()
	if err != nil {
		return nil, err
	}
	custodyAddr := e.vault.AdminAddress()

	// The whole settle runs inside the admin lane: the LOCKED re-check, the
	// ledger transfer and the guarded status flip. A queued second settlement
	// therefore reloads the row only after this one persisted its outcome.
	_, err = e.seq.Do(ctx, admin.Address(), func(ctx context.Context) (common.Hash, error) {
		var current models.Trade
		if err := e.db.WithContext(ctx).First(&current, "id = ?", tradeID).Error; err != nil {
			return common.Hash{}, fmt.Errorf("reload trade: %w", err)
		}
		if current.Status != models.TradeLocked {
			return common.Hash{}, ErrInvalidTradeState
		}
		h, err := e.ledger.Transfer(ctx, admin, custodyAddr, dest, current.TokenID, current.Amount)
		if err != nil {
			return common.Hash{}, err
		}
		if err := e.await(ctx, h, "escrow_settle_indeterminate", fmt.Sprintf("trade=%s tx=%s", tradeID, h.Hex())); err != nil {
			return h, err
		}
		res := e.db.WithContext(ctx).Model(&models.Trade{}).
			Where("id = ? AND status = ?", tradeID, models.TradeLocked).
			Updates(map[string]any{"status": target, "tx_hash": h.Hex()})
		if res.Error != nil {
			e.flag("escrow_settle_persist", fmt.Sprintf("trade=%s tx=%s", tradeID, h.Hex()), res.Error)
			return h, fmt.Errorf("settlement confirmed in %s but persistence failed: %w", h.Hex(), res.Error)
		}
		if res.RowsAffected == 0 {
			// Confirmed on chain yet someone else flipped the row; only an
			// out-of-band writer can do that.
			e.flag("escrow_settle_lost_cas", fmt.Sprintf("trade=%s tx=%s", tradeID, h.Hex()), ErrInvalidTradeState)
			return h, ErrInvalidTradeState
		}
		return h, nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTradeState) {
			return nil, ErrInvalidTradeState
		}
		return nil, fmt.Errorf("settle trade: %w", err)
	}
	return e.Get(ctx, tradeID)
}

// Get loads one trade.
func (e *Engine) Get(ctx context.Context, tradeID uuid.UUID) (*models.Trade, error) {
	var trade models.Trade
	if err := e.db.WithContext(ctx).First(&trade, "id = ?", tradeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTradeNotFound
		}
		return nil, fmt.Errorf("load trade: %w", err)
	}
	return &trade, nil
}

// ListForPrincipal returns the trades a principal participates in, newest
// first. Admins see everything.
func (e *Engine) ListForPrincipal(ctx context.Context, user *models.User) ([]models.Trade, error) {
	query := e.db.WithContext(ctx).Order("created_at desc")
	if user.Role != models.RoleAdmin {
		query = query.Where("seller_email = ? OR buyer_ref = ?", user.Email, user.Email)
	}
	var trades []models.Trade
	if err := query.Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return trades, nil
}

// resolveBuyer maps a buyer reference to its ledger address. A raw hex
// address is taken as-is so buyers outside the platform can receive a
// release; anything else must be a registered email.
func (e *Engine) resolveBuyer(ctx context.Context, ref string) (string, string, error) {
	if common.IsHexAddress(ref) {
		addr := common.HexToAddress(ref).Hex()
		return addr, addr, nil
	}
	buyer, err := e.userByEmail(ctx, ref, ErrUnknownBuyer)
	if err != nil {
		return "", "", err
	}
	return buyer.Email, buyer.Address, nil
}

func (e *Engine) userByEmail(ctx context.Context, email string, missing error) (*models.User, error) {
	var user models.User
	if err := e.db.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, missing
		}
		return nil, fmt.Errorf("load user %s: %w", email, err)
	}
	return &user, nil
}

// await waits for confirmation of a submitted hash. A timed-out wait leaves
// the transaction unresolved on chain, so it is flagged for reconciliation
// before the error surfaces to the caller.
func (e *Engine) await(ctx context.Context, h common.Hash, kind, reference string) error {
	err := e.ledger.AwaitConfirmation(ctx, h)
	if errors.Is(err, ledger.ErrIndeterminate) {
		e.flag(kind, reference, err)
	}
	return err
}

func (e *Engine) flag(kind, reference string, cause error) {
	row := models.ReconFlag{Kind: kind, Reference: reference, Detail: cause.Error()}
	_ = e.db.WithContext(context.Background()).Create(&row).Error
}
