package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"roomnight/ledger"
	"roomnight/models"
	"roomnight/observability"
)

const cursorName = "chain-listener"

// Ledger is the read-only contract surface the listener needs.
type Ledger interface {
	HeadBlock(ctx context.Context) (uint64, error)
	FilterBookingRedeemed(ctx context.Context, from, to uint64) ([]ledger.BookingRedeemed, error)
	FilterSaleCreated(ctx context.Context, from, to uint64) ([]ledger.SaleCreated, error)
	FilterSaleReleased(ctx context.Context, from, to uint64) ([]ledger.SaleStatusChange, error)
	FilterSaleCancelled(ctx context.Context, from, to uint64) ([]ledger.SaleStatusChange, error)
}

// Listener mirrors contract events into the database on a fixed cadence. One
// goroutine, inline ticks, so scans never overlap. The persisted watermark
// only advances after every stream in the range landed; a failed tick is
// retried implicitly because the next tick rescans the same range, and every
// write is idempotent.
type Listener struct {
	db          *gorm.DB
	ledger      Ledger
	interval    time.Duration
	tickTimeout time.Duration
	log         *slog.Logger
	metrics     *observability.ListenerMetrics
}

// Option customises the listener.
type Option func(*Listener)

// WithInterval sets the polling cadence.
func WithInterval(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithTickTimeout bounds one scan.
func WithTickTimeout(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.tickTimeout = d
		}
	}
}

// WithLogger sets the logger used for tick failures.
func WithLogger(log *slog.Logger) Option {
	return func(l *Listener) {
		if log != nil {
			l.log = log
		}
	}
}

// New constructs a listener with the 6s default cadence.
func New(db *gorm.DB, l Ledger, opts ...Option) *Listener {
	listener := &Listener{
		db:          db,
		ledger:      l,
		interval:    6 * time.Second,
		tickTimeout: 30 * time.Second,
		log:         slog.Default(),
		metrics:     observability.Listener(),
	}
	for _, opt := range opts {
		opt(listener)
	}
	return listener
}

// Run ticks until the context is cancelled. Errors are logged and counted,
// never fatal.
func (l *Listener) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		if err := l.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.log.Error("reconciliation tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick performs one bounded scan of the range (watermark, head].
func (l *Listener) Tick(ctx context.Context) error {
	tctx, cancel := context.WithTimeout(ctx, l.tickTimeout)
	defer cancel()

	head, err := l.ledger.HeadBlock(tctx)
	if err != nil {
		l.metrics.RecordTick("error")
		return fmt.Errorf("fetch head: %w", err)
	}

	cursor, initialized, err := l.loadCursor(tctx, head)
	if err != nil {
		l.metrics.RecordTick("error")
		return err
	}
	if initialized || head <= cursor {
		l.metrics.RecordTick("idle")
		l.metrics.SetWatermark(cursor)
		return nil
	}

	from, to := cursor+1, head
	if err := l.scanRange(tctx, from, to); err != nil {
		l.metrics.RecordTick("error")
		return fmt.Errorf("scan blocks %d-%d: %w", from, to, err)
	}
	if err := l.saveCursor(tctx, to); err != nil {
		l.metrics.RecordTick("error")
		return fmt.Errorf("advance watermark: %w", err)
	}
	l.metrics.RecordTick("ok")
	l.metrics.SetWatermark(to)
	return nil
}

// loadCursor returns the watermark, creating it at the current head on first
// run so the listener does not replay the whole chain history.
func (l *Listener) loadCursor(ctx context.Context, head uint64) (uint64, bool, error) {
	var cursor models.ChainCursor
	err := l.db.WithContext(ctx).First(&cursor, "name = ?", cursorName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cursor = models.ChainCursor{Name: cursorName, LastBlock: head}
		if err := l.db.WithContext(ctx).Create(&cursor).Error; err != nil {
			return 0, false, fmt.Errorf("initialize watermark: %w", err)
		}
		return head, true, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load watermark: %w", err)
	}
	return cursor.LastBlock, false, nil
}

func (l *Listener) saveCursor(ctx context.Context, height uint64) error {
	return l.db.WithContext(ctx).Model(&models.ChainCursor{}).
		Where("name = ?", cursorName).
		Update("last_block", height).Error
}

func (l *Listener) scanRange(ctx context.Context, from, to uint64) error {
	if err := l.mirrorRedemptions(ctx, from, to); err != nil {
		return err
	}
	if err := l.mirrorSaleCreates(ctx, from, to); err != nil {
		return err
	}
	released, err := l.ledger.FilterSaleReleased(ctx, from, to)
	if err != nil {
		return fmt.Errorf("filter released sales: %w", err)
	}
	if err := l.mirrorSaleStatus(ctx, released, models.SaleStateReleased); err != nil {
		return err
	}
	cancelled, err := l.ledger.FilterSaleCancelled(ctx, from, to)
	if err != nil {
		return fmt.Errorf("filter cancelled sales: %w", err)
	}
	return l.mirrorSaleStatus(ctx, cancelled, models.SaleStateCancelled)
}

func (l *Listener) mirrorRedemptions(ctx context.Context, from, to uint64) error {
	events, err := l.ledger.FilterBookingRedeemed(ctx, from, to)
	if err != nil {
		return fmt.Errorf("filter redemptions: %w", err)
	}
	for _, ev := range events {
		row := models.RedemptionEvent{
			TxHash:      ev.TxHash.Hex(),
			LogIndex:    ev.LogIndex,
			Redeemer:    ev.Redeemer.Hex(),
			TokenID:     ev.TokenID,
			Quantity:    ev.Quantity,
			Details:     ev.Details,
			BlockNumber: ev.BlockNumber,
		}
		if err := l.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&row).Error; err != nil {
			return fmt.Errorf("persist redemption %s/%d: %w", row.TxHash, row.LogIndex, err)
		}
	}
	l.metrics.RecordEvents("booking_redeemed", len(events))
	return nil
}

func (l *Listener) mirrorSaleCreates(ctx context.Context, from, to uint64) error {
	events, err := l.ledger.FilterSaleCreated(ctx, from, to)
	if err != nil {
		return fmt.Errorf("filter created sales: %w", err)
	}
	for _, ev := range events {
		row := models.SaleEvent{
			SaleID:        ev.SaleID,
			Seller:        ev.Seller.Hex(),
			Buyer:         ev.Buyer.Hex(),
			TokenID:       ev.TokenID,
			Quantity:      ev.Quantity,
			Status:        models.SaleStateCreated,
			CreatedTxHash: ev.TxHash.Hex(),
		}
		// A rescan must not reset a sale that already settled.
		if err := l.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&row).Error; err != nil {
			return fmt.Errorf("persist sale %d: %w", row.SaleID, err)
		}
	}
	l.metrics.RecordEvents("sale_created", len(events))
	return nil
}

func (l *Listener) mirrorSaleStatus(ctx context.Context, events []ledger.SaleStatusChange, status string) error {
	for _, ev := range events {
		row := models.SaleEvent{
			SaleID:      ev.SaleID,
			Status:      status,
			FinalTxHash: ev.TxHash.Hex(),
		}
		if err := l.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "sale_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"status", "final_tx_hash", "updated_at"}),
			}).
			Create(&row).Error; err != nil {
			return fmt.Errorf("persist sale status %d: %w", row.SaleID, err)
		}
	}
	stream := "sale_released"
	if status == models.SaleStateCancelled {
		stream = "sale_cancelled"
	}
	l.metrics.RecordEvents(stream, len(events))
	return nil
}
