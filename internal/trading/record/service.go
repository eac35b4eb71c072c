// Package record implements the Record Service (spec §4.12): the state
// machine gluing order fills to TradeRecord lifecycle transitions, grounded
// on position/manager.go's SuperPositionManager. Each filled order is
// dispatched by its purpose to at most one record transition.
package record

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"market_maker/internal/core"
	"market_maker/internal/domain"
	"market_maker/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Service implements core.IRecordService.
type Service struct {
	records  core.IRecordRepository
	orders   core.IOrderRepository
	pending  core.IPendingOrderRepository
	exchange core.IExchange
	log      core.ILogger
}

func NewService(records core.IRecordRepository, orders core.IOrderRepository, pending core.IPendingOrderRepository, exchange core.IExchange, log core.ILogger) *Service {
	return &Service{
		records:  records,
		orders:   orders,
		pending:  pending,
		exchange: exchange,
		log:      log.WithField("component", "record_service"),
	}
}

// OnOrderFilled applies the terminal-fill transition for order, if any,
// chosen by the order's purpose: an entry fill materializes a record for a
// matching pending order; a TP/SL/close fill closes the bound record via
// CloseRecord — idempotent if the record is already terminal.
func (s *Service) OnOrderFilled(ctx context.Context, o *domain.Order) error {
	if o.Status != domain.OrderStatusFilled {
		return nil
	}

	switch o.Purpose {
	case domain.PurposeEntry:
		return s.onEntryFilled(ctx, o)
	case domain.PurposeTakeProfit:
		return s.onExitFilled(ctx, o, domain.RecordStatusTPClosed)
	case domain.PurposeStopLoss:
		return s.onExitFilled(ctx, o, domain.RecordStatusSLClosed)
	case domain.PurposeClose:
		return s.onExitFilled(ctx, o, domain.RecordStatusManualClosed)
	default:
		return nil
	}
}

// onEntryFilled materializes a TradeRecord for a limit/conditional entry
// that has just filled. Market entries already have their record created
// synchronously by the Order Manager, so a RecordID already present here
// means "nothing to do" — this path only fires for pending-order fills.
func (s *Service) onEntryFilled(ctx context.Context, o *domain.Order) error {
	if o.RecordID != "" {
		return nil // already materialized (market entry path)
	}

	p, ok := s.findPendingOrderForEntry(o)
	if !ok {
		s.log.Warn("entry order filled with no matching pending order", "order_id", o.ID, "symbol", o.Symbol)
		return nil
	}

	rec := &domain.TradeRecord{
		ID:           uuid.NewString(),
		Symbol:       o.Symbol,
		Side:         o.Side,
		Qty:          o.FilledQty,
		EntryPrice:   o.AvgFilledPrice,
		TPPrice:      p.TPPrice,
		SLPrice:      p.SLPrice,
		Leverage:     p.Leverage,
		Notional:     o.AvgFilledPrice.Mul(o.FilledQty),
		Status:       domain.RecordStatusOpen,
		Source:       p.Source,
		EntryOrderID: o.ID,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	o.RecordID = rec.ID
	if err := s.orders.Save(ctx, o); err != nil {
		return fmt.Errorf("record service: persist entry order with record id: %w", err)
	}
	if err := s.records.Save(ctx, rec); err != nil {
		return fmt.Errorf("record service: persist materialized record: %w", err)
	}

	return s.pending.Delete(ctx, p.ID)
}

func (s *Service) findPendingOrderForEntry(o *domain.Order) (*domain.PendingOrder, bool) {
	for _, p := range s.pending.All() {
		if p.Symbol == o.Symbol && p.Side == o.Side {
			return p, true
		}
	}
	return nil, false
}

// onExitFilled transitions a record to a terminal status once its
// TP/SL/close order fills, cancelling whichever sibling leg remains.
func (s *Service) onExitFilled(ctx context.Context, o *domain.Order, status domain.RecordStatus) error {
	if o.RecordID == "" {
		return nil
	}
	rec, ok := s.records.Get(o.RecordID)
	if !ok {
		return fmt.Errorf("record service: record %s not found for filled order %s", o.RecordID, o.ID)
	}
	if rec.Status.Terminal() {
		return nil // idempotent: another leg already closed it
	}

	if err := s.CancelRemainingTPSL(ctx, rec); err != nil {
		s.log.Warn("record service: cancel sibling leg after exit fill failed", "record_id", rec.ID, "error", err)
	}

	_, err := s.CloseRecord(ctx, rec.ID, o.AvgFilledPrice, status, string(o.Purpose)+"_filled", o.Commission, nil)
	return err
}

// CancelRemainingTPSL cancels whichever protective legs are still open for
// rec — used on exit fills and by the Sync Manager's reconciliation closes.
func (s *Service) CancelRemainingTPSL(ctx context.Context, rec *domain.TradeRecord) error {
	var lastErr error
	if rec.TPOrderID != "" {
		if o, ok := s.orders.Get(rec.TPOrderID); ok && !o.Status.Terminal() {
			if err := s.exchange.CancelOrder(ctx, rec.Symbol, o.BinanceOrderID); err != nil {
				lastErr = err
			}
		}
	}
	if rec.TPAlgoID != 0 {
		if err := s.exchange.CancelAlgoOrder(ctx, rec.Symbol, rec.TPAlgoID); err != nil {
			lastErr = err
		}
	}
	if rec.SLAlgoID != 0 {
		if err := s.exchange.CancelAlgoOrder(ctx, rec.Symbol, rec.SLAlgoID); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// OnOrderUpdate persists non-terminal progress (partial fills) for o without
// transitioning record status; an update with a terminal status is handed
// to OnOrderFilled instead.
func (s *Service) OnOrderUpdate(ctx context.Context, o *domain.Order) error {
	if o.Status.Terminal() {
		return s.OnOrderFilled(ctx, o)
	}
	if err := s.orders.Save(ctx, o); err != nil {
		return fmt.Errorf("record service: persist order update: %w", err)
	}
	return nil
}

// CloseRecord transitions recordID to a terminal status exactly once (I3):
// a second call with any arguments returns the already-closed record
// unchanged rather than erroring or double-applying PnL. If realizedPnL is
// nil it is computed from the side-correct formula minus total commission
// (spec §4.12).
func (s *Service) CloseRecord(ctx context.Context, recordID string, closePrice decimal.Decimal, status domain.RecordStatus, reason string, exitCommission decimal.Decimal, realizedPnL *decimal.Decimal) (*domain.TradeRecord, error) {
	rec, ok := s.records.Get(recordID)
	if !ok {
		return nil, fmt.Errorf("record service: record %s not found", recordID)
	}
	if rec.Status.Terminal() {
		return rec, nil // idempotent (I3): first call already decided the outcome
	}

	rec.TotalCommission = rec.TotalCommission.Add(exitCommission)

	pnl := realizedPnL
	if pnl == nil {
		computed := sideCorrectPnL(rec, closePrice).Sub(rec.TotalCommission)
		pnl = &computed
	}

	now := time.Now()
	rec.Status = status
	rec.ClosePrice = &closePrice
	rec.CloseTime = &now
	rec.CloseReason = reason
	rec.RealizedPnL = pnl
	rec.UpdatedAt = now

	if err := s.records.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("record service: persist closed record: %w", err)
	}

	metrics := telemetry.GetGlobalMetrics()
	metrics.PnLRealizedTotal.Add(ctx, pnl.InexactFloat64(), metric.WithAttributes(attribute.String("symbol", rec.Symbol), attribute.String("status", string(status))))
	return rec, nil
}

// sideCorrectPnL computes gross (pre-commission) realized PnL for a LONG or
// SHORT record closing at closePrice.
func sideCorrectPnL(rec *domain.TradeRecord, closePrice decimal.Decimal) decimal.Decimal {
	diff := closePrice.Sub(rec.EntryPrice)
	if rec.Side == domain.SideSell {
		diff = rec.EntryPrice.Sub(closePrice)
	}
	return diff.Mul(rec.Qty)
}

// UpdateMarkPrice pushes the latest price into every OPEN record for symbol
// (spec §4.12): an O(open-records) scan, consumed by reverse-engine and UI
// summaries. It never triggers TP/SL itself on the live side — Binance does
// that — so this only updates reporting state and the unrealized-PnL gauge.
func (s *Service) UpdateMarkPrice(ctx context.Context, symbol string, px decimal.Decimal) error {
	metrics := telemetry.GetGlobalMetrics()
	var openCount int64
	var lastErr error
	for _, rec := range s.records.Open() {
		if rec.Symbol != symbol {
			continue
		}
		openCount++
		rec.MarkPrice = px
		rec.UpdatedAt = time.Now()
		if err := s.records.Save(ctx, rec); err != nil {
			lastErr = err
			continue
		}
		unrealized := sideCorrectPnL(rec, px)
		metrics.SetUnrealizedPnL(symbol+":"+rec.ID, unrealized.InexactFloat64())
	}
	metrics.SetPositionsOpen(symbol, openCount)
	return lastErr
}

var _ core.IRecordService = (*Service)(nil)
