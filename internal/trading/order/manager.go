// Package order implements the Order Manager (spec §4.9): the
// decision-level vocabulary (open/close/TP-SL/limit/cancel) mapped onto
// signed exchange primitives, rate-limited the way
// trading/order/executor.go rate-limits raw placements.
package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"market_maker/internal/core"
	"market_maker/internal/domain"
	apperrors "market_maker/pkg/errors"
	"market_maker/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Manager implements core.IOrderManager.
type Manager struct {
	exchange core.IExchange
	orders   core.IOrderRepository
	records  core.IRecordRepository
	pending  core.IPendingOrderRepository
	log      core.ILogger

	rateLimiter *rate.Limiter

	dualMode      bool
	preferLimitTP bool

	leverageMu  sync.Mutex
	leverageSet map[string]bool
}

// NewManager builds an order Manager. preferLimitTP mirrors the original
// risk_service.py behavior: attempt a LIMIT take-profit first (maker fee),
// falling back to a TAKE_PROFIT_MARKET algo order only if the limit
// placement itself is rejected (e.g. immediately marketable).
func NewManager(exchange core.IExchange, orders core.IOrderRepository, records core.IRecordRepository, pending core.IPendingOrderRepository, dualMode, preferLimitTP bool, log core.ILogger) *Manager {
	return &Manager{
		exchange:      exchange,
		orders:        orders,
		records:       records,
		pending:       pending,
		log:           log.WithField("component", "order_manager"),
		rateLimiter:   rate.NewLimiter(rate.Limit(25), 30),
		dualMode:      dualMode,
		preferLimitTP: preferLimitTP,
		leverageSet:   make(map[string]bool),
	}
}

// EnsureDualPositionMode switches the account into hedge mode once at
// startup; Binance rejects a redundant call with a specific error code the
// exchange client already treats as success (see SetDualSidePosition).
func (m *Manager) EnsureDualPositionMode(ctx context.Context) error {
	return m.exchange.SetDualSidePosition(ctx, m.dualMode)
}

// EnsureLeverage sets symbol's leverage on the exchange once per distinct
// (symbol, leverage) pair, grounded on order_manager.py's ensure_leverage:
// a process-lifetime cache keyed "symbol_leverage" so a strategy opening
// many positions at its usual leverage doesn't re-issue the REST call on
// every entry. A cache miss that comes back -4028 ("no need to change
// leverage") is treated the same as a cache hit.
func (m *Manager) EnsureLeverage(ctx context.Context, symbol string, leverage int) error {
	key := fmt.Sprintf("%s_%d", symbol, leverage)

	m.leverageMu.Lock()
	if m.leverageSet[key] {
		m.leverageMu.Unlock()
		return nil
	}
	m.leverageMu.Unlock()

	if err := m.exchange.SetLeverage(ctx, symbol, leverage); err != nil {
		return fmt.Errorf("order manager: set leverage: %w", err)
	}

	m.leverageMu.Lock()
	m.leverageSet[key] = true
	m.leverageMu.Unlock()
	return nil
}

func (m *Manager) wait(ctx context.Context) error {
	return m.rateLimiter.Wait(ctx)
}

// OpenPosition places a market entry, persists the resulting Order and a
// new open TradeRecord, and attempts to attach TP/SL if given. A failed
// SL attach is the one failure mode this system treats as CRITICAL and
// alert-and-continue rather than retry-to-exhaustion (spec Open Question,
// see DESIGN.md): an unprotected position is worse than a delayed one, but
// an operator paged immediately can still intervene.
func (m *Manager) OpenPosition(ctx context.Context, symbol string, side domain.Side, qty decimal.Decimal, leverage int, tp, sl *decimal.Decimal, source domain.Source) (*domain.TradeRecord, error) {
	if err := m.EnsureLeverage(ctx, symbol, leverage); err != nil {
		return nil, fmt.Errorf("order manager: open position: %w", err)
	}

	if err := m.wait(ctx); err != nil {
		return nil, err
	}

	positionSide := domain.DerivePositionSide(side, m.dualMode)
	placed, err := m.exchange.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:       symbol,
		Side:         side,
		PositionSide: positionSide,
		Type:         domain.OrderTypeMarket,
		Quantity:     qty,
	})
	if err != nil {
		telemetry.GetGlobalMetrics().OrdersRejectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("purpose", "entry")))
		return nil, fmt.Errorf("order manager: open position entry: %w", err)
	}
	telemetry.GetGlobalMetrics().OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("purpose", "entry")))

	entry := newLocalOrder(placed, domain.PurposeEntry)
	if err := m.orders.Save(ctx, entry); err != nil {
		m.log.Error("order manager: persist entry order failed", "error", err)
	}

	rec := &domain.TradeRecord{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		Side:         side,
		Qty:          qty,
		EntryPrice:   entry.AvgFilledPrice,
		TPPrice:      tp,
		SLPrice:      sl,
		Leverage:     leverage,
		Notional:     entry.AvgFilledPrice.Mul(qty),
		Status:       domain.RecordStatusOpen,
		Source:       source,
		EntryOrderID: entry.ID,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	entry.RecordID = rec.ID
	if err := m.orders.Save(ctx, entry); err != nil {
		m.log.Error("order manager: re-persist entry order with record id failed", "error", err)
	}
	if err := m.records.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("order manager: persist record: %w", err)
	}

	if tp != nil || sl != nil {
		if err := m.placeTPSLForPosition(ctx, rec, tp, sl); err != nil {
			if kind, ok := apperrors.KindOf(err); ok && kind == apperrors.KindCriticalRisk {
				m.log.Error("CRITICAL: stop-loss attach failed, position is unprotected",
					"severity", "critical", "record_id", rec.ID, "symbol", symbol, "error", err)
				telemetry.GetGlobalMetrics().CriticalRiskTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
			} else {
				m.log.Warn("order manager: tp/sl attach incomplete", "record_id", rec.ID, "symbol", symbol, "error", err)
			}
		}
	}

	return rec, nil
}

// placeTPSLForPosition attaches take-profit and/or stop-loss conditional
// orders to an open position. TP prefers a LIMIT order (preferLimitTP);
// on rejection it falls back to a TAKE_PROFIT_MARKET algo order. SL is
// always a STOP_MARKET algo order — there is no "limit stop-loss"
// equivalent that makes sense for a protective exit.
func (m *Manager) placeTPSLForPosition(ctx context.Context, rec *domain.TradeRecord, tp, sl *decimal.Decimal) error {
	closeSide := domain.SideSell
	if rec.Side == domain.SideSell {
		closeSide = domain.SideBuy
	}
	positionSide := domain.DerivePositionSide(rec.Side, m.dualMode)

	var firstErr error

	if tp != nil {
		if err := m.wait(ctx); err != nil {
			return err
		}
		tpOrder, err := m.placeTakeProfit(ctx, rec.Symbol, closeSide, positionSide, rec.Qty, *tp)
		if err != nil {
			firstErr = fmt.Errorf("take-profit attach: %w", err)
			m.log.Warn("take-profit attach failed", "record_id", rec.ID, "error", err)
		} else {
			tpOrder.RecordID = rec.ID
			tpOrder.Purpose = domain.PurposeTakeProfit
			_ = m.orders.Save(ctx, tpOrder)
			if tpOrder.BinanceOrderID != 0 {
				rec.TPOrderID = tpOrder.ID
			} else {
				rec.TPAlgoID = tpOrder.BinanceAlgoID
			}
		}
	}

	if sl != nil {
		if err := m.wait(ctx); err != nil {
			return err
		}
		slOrder, err := m.exchange.PlaceOrder(ctx, core.PlaceOrderRequest{
			Symbol:       rec.Symbol,
			Side:         closeSide,
			PositionSide: positionSide,
			Type:         domain.OrderTypeStopMarket,
			Quantity:     rec.Qty,
			StopPrice:    *sl,
			ReduceOnly:   true,
		})
		if err != nil {
			// SL failing to attach is the CRITICAL path: surfaced to the
			// caller so OpenPosition logs it at CRITICAL, never swallowed.
			return apperrors.New(apperrors.KindCriticalRisk, err, "record_id", rec.ID, "symbol", rec.Symbol)
		}
		slLocal := newLocalOrder(slOrder, domain.PurposeStopLoss)
		slLocal.RecordID = rec.ID
		_ = m.orders.Save(ctx, slLocal)
		rec.SLAlgoID = slLocal.BinanceAlgoID
	}

	if err := m.records.Save(ctx, rec); err != nil {
		m.log.Error("order manager: persist record after tp/sl attach failed", "error", err)
	}
	return firstErr
}

func (m *Manager) placeTakeProfit(ctx context.Context, symbol string, side domain.Side, positionSide domain.PositionSide, qty, price decimal.Decimal) (*domain.Order, error) {
	if m.preferLimitTP {
		o, err := m.exchange.PlaceOrder(ctx, core.PlaceOrderRequest{
			Symbol:       symbol,
			Side:         side,
			PositionSide: positionSide,
			Type:         domain.OrderTypeLimit,
			Quantity:     qty,
			Price:        price,
			ReduceOnly:   true,
		})
		if err == nil {
			return newLocalOrder(o, domain.PurposeTakeProfit), nil
		}
		if kind, ok := apperrors.KindOf(err); !ok || kind != apperrors.KindInvalidOrderInput {
			return nil, err
		}
		m.log.Debug("limit take-profit rejected, falling back to market algo", "symbol", symbol, "error", err)
	}

	o, err := m.exchange.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:       symbol,
		Side:         side,
		PositionSide: positionSide,
		Type:         domain.OrderTypeTakeProfitMarket,
		Quantity:     qty,
		StopPrice:    price,
		ReduceOnly:   true,
	})
	if err != nil {
		return nil, err
	}
	return newLocalOrder(o, domain.PurposeTakeProfit), nil
}

// ClosePosition cancels any remaining TP/SL and places a reduce-only market
// order to flatten the position, marking the record closed.
func (m *Manager) ClosePosition(ctx context.Context, recordID string, reason string) error {
	rec, ok := m.records.Get(recordID)
	if !ok {
		return fmt.Errorf("order manager: record %s not found", recordID)
	}
	if rec.Status.Terminal() {
		return nil // idempotent: already closed
	}

	if err := m.cancelRemainingTPSL(ctx, rec); err != nil {
		m.log.Warn("order manager: cancel remaining tp/sl before close failed", "record_id", recordID, "error", err)
	}

	closeSide := domain.SideSell
	if rec.Side == domain.SideSell {
		closeSide = domain.SideBuy
	}
	positionSide := domain.DerivePositionSide(rec.Side, m.dualMode)

	if err := m.wait(ctx); err != nil {
		return err
	}
	closed, err := m.exchange.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:       rec.Symbol,
		Side:         closeSide,
		PositionSide: positionSide,
		Type:         domain.OrderTypeMarket,
		Quantity:     rec.Qty,
		ReduceOnly:   true,
	})
	if err != nil {
		return fmt.Errorf("order manager: close position market order: %w", err)
	}

	closeOrder := newLocalOrder(closed, domain.PurposeClose)
	closeOrder.RecordID = rec.ID
	_ = m.orders.Save(ctx, closeOrder)

	now := time.Now()
	price := closeOrder.AvgFilledPrice
	rec.Status = domain.RecordStatusManualClosed
	rec.ClosePrice = &price
	rec.CloseTime = &now
	rec.CloseReason = reason
	rec.UpdatedAt = now

	return m.records.Save(ctx, rec)
}

func (m *Manager) cancelRemainingTPSL(ctx context.Context, rec *domain.TradeRecord) error {
	var lastErr error
	if rec.TPOrderID != "" {
		if o, ok := m.orders.Get(rec.TPOrderID); ok && !o.Status.Terminal() {
			if err := m.exchange.CancelOrder(ctx, rec.Symbol, o.BinanceOrderID); err != nil {
				lastErr = err
			}
		}
	}
	if rec.TPAlgoID != 0 {
		if err := m.exchange.CancelAlgoOrder(ctx, rec.Symbol, rec.TPAlgoID); err != nil {
			lastErr = err
		}
	}
	if rec.SLAlgoID != 0 {
		if err := m.exchange.CancelAlgoOrder(ctx, rec.Symbol, rec.SLAlgoID); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// PlaceLimitEntry submits a resting limit (or conditional) entry and
// persists it as a PendingOrder awaiting a fill notification.
func (m *Manager) PlaceLimitEntry(ctx context.Context, p *domain.PendingOrder) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	positionSide := domain.DerivePositionSide(p.Side, m.dualMode)

	orderType := domain.OrderTypeLimit
	if p.Kind == domain.PendingOrderConditional {
		orderType = domain.OrderTypeStop
	}

	placed, err := m.exchange.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:       p.Symbol,
		Side:         p.Side,
		PositionSide: positionSide,
		Type:         orderType,
		Quantity:     p.Qty,
		Price:        p.TriggerPrice,
		StopPrice:    p.TriggerPrice,
		GoodTillDate: p.GoodTillDate,
	})
	if err != nil {
		return fmt.Errorf("order manager: place limit entry: %w", err)
	}

	local := newLocalOrder(placed, domain.PurposeEntry)
	if err := m.orders.Save(ctx, local); err != nil {
		m.log.Error("order manager: persist pending entry order failed", "error", err)
	}

	return m.pending.Save(ctx, p)
}

// CancelPendingOrder cancels a not-yet-filled limit/conditional entry and
// removes it from the pending set.
func (m *Manager) CancelPendingOrder(ctx context.Context, pendingID string) error {
	p, ok := m.pending.Get(pendingID)
	if !ok {
		return nil // already gone: idempotent
	}

	if order, found := findEntryOrderForPending(m.orders, p); found {
		if err := m.exchange.CancelOrder(ctx, p.Symbol, order.BinanceOrderID); err != nil {
			if kind, ok := apperrors.KindOf(err); !ok || kind != apperrors.KindInvalidOrderInput {
				return err
			}
		}
	}

	return m.pending.Delete(ctx, pendingID)
}

func findEntryOrderForPending(orders core.IOrderRepository, p *domain.PendingOrder) (*domain.Order, bool) {
	for _, o := range orders.All() {
		if o.Symbol == p.Symbol && o.Purpose == domain.PurposeEntry && !o.Status.Terminal() {
			return o, true
		}
	}
	return nil, false
}

// UpdateTPSL cancels any existing TP/SL for the record and re-attaches new
// ones at the given prices; a nil price leaves that leg absent.
func (m *Manager) UpdateTPSL(ctx context.Context, recordID string, tp, sl *decimal.Decimal) error {
	rec, ok := m.records.Get(recordID)
	if !ok {
		return fmt.Errorf("order manager: record %s not found", recordID)
	}
	if err := m.cancelRemainingTPSL(ctx, rec); err != nil {
		m.log.Warn("order manager: cancel existing tp/sl before update failed", "record_id", recordID, "error", err)
	}
	rec.TPOrderID, rec.TPAlgoID, rec.SLAlgoID = "", 0, 0
	rec.TPPrice, rec.SLPrice = tp, sl

	return m.placeTPSLForPosition(ctx, rec, tp, sl)
}

func newLocalOrder(placed *domain.Order, purpose domain.OrderPurpose) *domain.Order {
	now := time.Now()
	placed.ID = uuid.NewString()
	placed.Purpose = purpose
	placed.CreatedAt = now
	placed.UpdatedAt = now
	return placed
}

var _ core.IOrderManager = (*Manager)(nil)
