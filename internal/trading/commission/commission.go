// Package commission implements the Commission Service (spec §4.11):
// idempotent aggregation of user-trade fills onto their owning orders,
// grounded on position/manager.go's processedUpdates idempotency-map
// idiom, keyed here by BinanceTradeID instead of an update sequence number.
package commission

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"market_maker/internal/core"
	"market_maker/internal/domain"
)

// Service reconciles one order's fills against the exchange's user-trade
// history. Each trade is applied at most once (I6), tracked by a
// process-lifetime seen-set keyed by BinanceTradeID — repeated calls for
// the same order are safe no-ops once every known trade has been applied.
type Service struct {
	exchange core.IExchange
	orders   core.IOrderRepository
	log      core.ILogger

	mu   sync.Mutex
	seen map[int64]struct{}
}

func NewService(exchange core.IExchange, orders core.IOrderRepository, log core.ILogger) *Service {
	return &Service{
		exchange: exchange,
		orders:   orders,
		log:      log.WithField("component", "commission_service"),
		seen:     make(map[int64]struct{}),
	}
}

// ReconcileOrder fetches user trades for order.Symbol and applies every
// fill belonging to order.BinanceOrderID that hasn't been applied before,
// updating FilledQty, AvgFilledPrice, Commission, and RealizedPnL.
func (s *Service) ReconcileOrder(ctx context.Context, order *domain.Order) error {
	trades, err := s.exchange.GetUserTrades(ctx, order.Symbol, 0, 0)
	if err != nil {
		// REST failure: return the error untouched rather than silently
		// treating it as "no new fills" — ambiguity is never papered over.
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	for _, t := range trades {
		if t.BinanceOrderID != order.BinanceOrderID {
			continue
		}
		if _, ok := s.seen[t.BinanceTradeID]; ok {
			continue
		}
		s.applyTrade(order, t)
		s.seen[t.BinanceTradeID] = struct{}{}
		applied++
	}

	if applied == 0 {
		return nil
	}

	if err := s.orders.Save(ctx, order); err != nil {
		s.log.Error("commission reconcile: order save failed", "order_id", order.ID, "error", err)
		return err
	}
	s.log.Debug("commission reconciled", "order_id", order.ID, "trades_applied", applied)
	return nil
}

// applyTrade folds one fill into order, recomputing the volume-weighted
// average fill price.
func (s *Service) applyTrade(order *domain.Order, t *domain.Trade) {
	t.OrderID = order.ID
	order.Trades = append(order.Trades, t)

	prevQty := order.FilledQty
	newQty := prevQty.Add(t.Qty)
	if newQty.IsPositive() {
		weighted := order.AvgFilledPrice.Mul(prevQty).Add(t.Price.Mul(t.Qty))
		order.AvgFilledPrice = weighted.Div(newQty)
	}
	order.FilledQty = newQty
	order.Commission = order.Commission.Add(t.Commission)
	order.RealizedPnL = order.RealizedPnL.Add(t.RealizedPnL)
}

// FetchEntryCommission sums the commission portion attributable to an
// order's entry fills — used by the Record Service when computing a
// record's total cost basis.
func FetchEntryCommission(order *domain.Order) decimal.Decimal {
	return order.Commission
}

// ExitInfo is the precise close-side picture the Sync Manager needs when a
// TP leg is confirmed filled: the actual fill price and commission, as
// opposed to the mark-price approximation used for the SL path (spec §4.11,
// §4.13).
type ExitInfo struct {
	ClosePrice  decimal.Decimal
	Commission  decimal.Decimal
	RealizedPnL decimal.Decimal
}

// FetchExitInfo reconciles binanceOrderID's fills (via the same seen-set
// idempotency as ReconcileOrder) and returns the resulting avg fill price,
// commission, and realized PnL for the exit leg.
func (s *Service) FetchExitInfo(ctx context.Context, symbol string, binanceOrderID int64) (ExitInfo, error) {
	trades, err := s.exchange.GetUserTrades(ctx, symbol, 0, 0)
	if err != nil {
		return ExitInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		filledQty, weighted, commission, realizedPnL decimal.Decimal
	)
	for _, t := range trades {
		if t.BinanceOrderID != binanceOrderID {
			continue
		}
		if _, ok := s.seen[t.BinanceTradeID]; ok {
			continue
		}
		weighted = weighted.Add(t.Price.Mul(t.Qty))
		filledQty = filledQty.Add(t.Qty)
		commission = commission.Add(t.Commission)
		realizedPnL = realizedPnL.Add(t.RealizedPnL)
		s.seen[t.BinanceTradeID] = struct{}{}
	}
	if filledQty.IsZero() {
		return ExitInfo{}, fmt.Errorf("commission: no exit fills found for order %d", binanceOrderID)
	}
	return ExitInfo{
		ClosePrice:  weighted.Div(filledQty),
		Commission:  commission,
		RealizedPnL: realizedPnL,
	}, nil
}

var _ core.ICommissionService = (*Service)(nil)
