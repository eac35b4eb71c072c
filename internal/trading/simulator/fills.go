// Package simulator implements the deterministic bar-driven Simulator /
// Backtest Engine (spec §4.14): the same Order/Record repository contract as
// the live engine, driven by per-bar OHLC instead of exchange events.
package simulator

import (
	"github.com/shopspring/decimal"

	"market_maker/internal/domain"
)

// LimitFillPrice implements fill semantics A for a resting LIMIT order at
// limitPrice against one bar's OHLC. The aggressive (gap-through) side is
// tested before the touch side, so a bar that opens past the limit fills at
// the open rather than at the nominally-better limit price — the simulator
// never invents price improvement the exchange wouldn't have given.
func LimitFillPrice(side domain.Side, limitPrice decimal.Decimal, bar domain.Kline) (decimal.Decimal, bool) {
	switch side {
	case domain.SideBuy:
		if bar.Open.LessThanOrEqual(limitPrice) {
			return bar.Open, true
		}
		if bar.Low.LessThanOrEqual(limitPrice) {
			return limitPrice, true
		}
	case domain.SideSell:
		if bar.Open.GreaterThanOrEqual(limitPrice) {
			return bar.Open, true
		}
		if bar.High.GreaterThanOrEqual(limitPrice) {
			return limitPrice, true
		}
	}
	return decimal.Zero, false
}

// TPSLFill implements fill semantics B for an open position's TP/SL pair
// against one bar's OHLC. A same-bar overlap (both legs touched) always
// resolves to the stop-loss — the pessimistic tie-break the spec requires to
// keep backtests from looking better than a live fill ever could.
func TPSLFill(side domain.Side, tp, sl *decimal.Decimal, bar domain.Kline) (price decimal.Decimal, purpose domain.OrderPurpose, fired bool) {
	switch side {
	case domain.SideBuy: // LONG
		if sl != nil && bar.Low.LessThanOrEqual(*sl) {
			return *sl, domain.PurposeStopLoss, true
		}
		if tp != nil && bar.High.GreaterThanOrEqual(*tp) {
			return *tp, domain.PurposeTakeProfit, true
		}
	case domain.SideSell: // SHORT
		if sl != nil && bar.High.GreaterThanOrEqual(*sl) {
			return *sl, domain.PurposeStopLoss, true
		}
		if tp != nil && bar.Low.LessThanOrEqual(*tp) {
			return *tp, domain.PurposeTakeProfit, true
		}
	}
	return decimal.Zero, "", false
}

func oppositeSide(s domain.Side) domain.Side {
	if s == domain.SideBuy {
		return domain.SideSell
	}
	return domain.SideBuy
}
