package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"roomnight/custody"
	"roomnight/ledger"
	"roomnight/models"
)

var (
	// ErrBookingNotFound is returned for unknown booking identifiers.
	ErrBookingNotFound = errors.New("booking: not found")
	// ErrInvalidBookingState is returned when a transition is requested from
	// a state that does not allow it.
	ErrInvalidBookingState = errors.New("booking: invalid state")
	// ErrInvalidDateRange is returned for a check-out on or before check-in,
	// or when only one side of the range is supplied.
	ErrInvalidDateRange = errors.New("booking: invalid date range")
	// ErrInvalidRoomCount is returned for a zero room count.
	ErrInvalidRoomCount = errors.New("booking: room count must be positive")
	// ErrUnknownGuest is returned when the guest is not registered.
	ErrUnknownGuest = errors.New("booking: unknown guest")
)

// Ledger is the contract surface the engine needs.
type Ledger interface {
	Transfer(ctx context.Context, s ledger.Signer, from, to common.Address, tokenID, qty uint64) (common.Hash, error)
	Burn(ctx context.Context, s ledger.Signer, holder common.Address, tokenID, qty uint64) (common.Hash, error)
	AwaitConfirmation(ctx context.Context, txHash common.Hash) error
}

// Request describes a reservation to open.
type Request struct {
	GuestEmail string
	GuestName  string
	TokenID    uint64
	CheckIn    *time.Time
	CheckOut   *time.Time
	RoomCount  uint64
}

// Engine drives the booking lifecycle. The quantity computed at request time
// is locked in custody and is the exact amount burned on completion or
// returned on cancellation.
type Engine struct {
	db     *gorm.DB
	ledger Ledger
	seq    *custody.Sequencer
	vault  *custody.Vault
}

// NewEngine wires the engine to its collaborators.
func NewEngine(db *gorm.DB, l Ledger, seq *custody.Sequencer, vault *custody.Vault) *Engine {
	return &Engine{db: db, ledger: l, seq: seq, vault: vault}
}

// Nights returns the number of nights covered by [checkIn, checkOut), as the
// ceiling of the elapsed days. A range shorter than a full day still counts
// as one night.
func Nights(checkIn, checkOut time.Time) (uint64, error) {
	d := checkOut.Sub(checkIn)
	if d <= 0 {
		return 0, ErrInvalidDateRange
	}
	nights := uint64((d + 24*time.Hour - 1) / (24 * time.Hour))
	return nights, nil
}

// Quantity computes the token amount a request locks: nights times rooms.
// A request without dates is the legacy single-night path.
func (r Request) Quantity() (uint64, error) {
	if r.RoomCount == 0 {
		return 0, ErrInvalidRoomCount
	}
	if (r.CheckIn == nil) != (r.CheckOut == nil) {
		return 0, ErrInvalidDateRange
	}
	nights := uint64(1)
	if r.CheckIn != nil {
		n, err := Nights(*r.CheckIn, *r.CheckOut)
		if err != nil {
			return 0, err
		}
		nights = n
	}
	return nights * r.RoomCount, nil
}

// Open locks the request's quantity in platform custody with the guest's own
// custodial key and persists the booking as PENDING_CHECKIN.
func (e *Engine) Open(ctx context.Context, req Request) (*models.Booking, error) {
	quantity, err := req.Quantity()
	if err != nil {
		return nil, err
	}
	guest, err := e.guestByEmail(ctx, req.GuestEmail)
	if err != nil {
		return nil, err
	}
	signer, err := e.vault.SignerFor(ctx, guest)
	if err != nil {
		return nil, err
	}
	custodyAddr := e.vault.AdminAddress()
	from := common.HexToAddress(guest.Address)

	hash, err := e.seq.Do(ctx, signer.Address(), func(ctx context.Context) (common.Hash, error) {
		h, err := e.ledger.Transfer(ctx, signer, from, custodyAddr, req.TokenID, quantity)
		if err != nil {
			return common.Hash{}, err
		}
		return h, e.await(ctx, h, "booking_lock_indeterminate", fmt.Sprintf("token=%d tx=%s", req.TokenID, h.Hex()))
	})
	if err != nil {
		return nil, fmt.Errorf("lock booking tokens: %w", err)
	}

	booking := &models.Booking{
		ID:         uuid.New(),
		GuestEmail: guest.Email,
		GuestName:  req.GuestName,
		TokenID:    req.TokenID,
		CheckIn:    req.CheckIn,
		CheckOut:   req.CheckOut,
		RoomCount:  req.RoomCount,
		Quantity:   quantity,
		Status:     models.BookingPendingCheckIn,
		LockTxHash: hash.Hex(),
	}
	if err := e.db.WithContext(ctx).Create(booking).Error; err != nil {
		e.flag("booking_lock_persist", fmt.Sprintf("tx=%s", hash.Hex()), err)
		return nil, fmt.Errorf("tokens locked in %s but booking persistence failed: %w", hash.Hex(), err)
	}
	return booking, nil
}

// Confirm completes a stay: the locked quantity is burned from custody and
// the booking moves to COMPLETED.
func (e *Engine) Confirm(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error) {
	return e.settle(ctx, bookingID, models.BookingCompleted, func(ctx context.Context, admin ledger.Signer, booking *models.Booking) (common.Hash, error) {
		return e.ledger.Burn(ctx, admin, e.vault.AdminAddress(), booking.TokenID, booking.Quantity)
	})
}

// Cancel unwinds a booking: the locked quantity is returned from custody to
// the guest's custodial address and the booking moves to CANCELLED.
func (e *Engine) Cancel(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error) {
	return e.settle(ctx, bookingID, models.BookingCancelled, func(ctx context.Context, admin ledger.Signer, booking *models.Booking) (common.Hash, error) {
		guest, err := e.guestByEmail(ctx, booking.GuestEmail)
		if err != nil {
			return common.Hash{}, err
		}
		return e.ledger.Transfer(ctx, admin, e.vault.AdminAddress(), common.HexToAddress(guest.Address), booking.TokenID, booking.Quantity)
	})
}

func (e *Engine) settle(ctx context.Context, bookingID uuid.UUID, target models.BookingStatus, submit func(context.Context, ledger.Signer, *models.Booking) (common.Hash, error)) (*models.Booking, error) {
	booking, err := e.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.Status != models.BookingPendingCheckIn {
		return nil, ErrInvalidBookingState
	}
	admin, err := e.vault.AdminSigner()
	if err != nil {
		return nil, err
	}

	// Re-check, submit and flip all inside the admin lane so a queued
	// concurrent settlement observes the terminal row before acting.
	_, err = e.seq.Do(ctx, admin.Address(), func(ctx context.Context) (common.Hash, error) {
		var current models.Booking
		if err := e.db.WithContext(ctx).First(&current, "id = ?", bookingID).Error; err != nil {
			return common.Hash{}, fmt.Errorf("reload booking: %w", err)
		}
		if current.Status != models.BookingPendingCheckIn {
			return common.Hash{}, ErrInvalidBookingState
		}
		h, err := submit(ctx, admin, &current)
		if err != nil {
			return common.Hash{}, err
		}
		if err := e.await(ctx, h, "booking_settle_indeterminate", fmt.Sprintf("booking=%s tx=%s", bookingID, h.Hex())); err != nil {
			return h, err
		}
		res := e.db.WithContext(ctx).Model(&models.Booking{}).
			Where("id = ? AND status = ?", bookingID, models.BookingPendingCheckIn).
			Updates(map[string]any{"status": target, "settle_tx_hash": h.Hex()})
		if res.Error != nil {
			e.flag("booking_settle_persist", fmt.Sprintf("booking=%s tx=%s", bookingID, h.Hex()), res.Error)
			return h, fmt.Errorf("settlement confirmed in %s but persistence failed: %w", h.Hex(), res.Error)
		}
		if res.RowsAffected == 0 {
			e.flag("booking_settle_lost_cas", fmt.Sprintf("booking=%s tx=%s", bookingID, h.Hex()), ErrInvalidBookingState)
			return h, ErrInvalidBookingState
		}
		return h, nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidBookingState) {
			return nil, ErrInvalidBookingState
		}
		return nil, fmt.Errorf("settle booking: %w", err)
	}
	return e.Get(ctx, bookingID)
}

// Get loads one booking.
func (e *Engine) Get(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error) {
	var booking models.Booking
	if err := e.db.WithContext(ctx).First(&booking, "id = ?", bookingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookingNotFound
		}
		return nil, fmt.Errorf("load booking: %w", err)
	}
	return &booking, nil
}

// ListForPrincipal returns bookings visible to a principal, newest first.
// Hotels and admins see everything, guests only their own stays.
func (e *Engine) ListForPrincipal(ctx context.Context, user *models.User) ([]models.Booking, error) {
	query := e.db.WithContext(ctx).Order("created_at desc")
	if user.Role != models.RoleAdmin && user.Role != models.RoleHotel {
		query = query.Where("guest_email = ?", user.Email)
	}
	var bookings []models.Booking
	if err := query.Find(&bookings).Error; err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	return bookings, nil
}

func (e *Engine) guestByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := e.db.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownGuest
		}
		return nil, fmt.Errorf("load guest %s: %w", email, err)
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
