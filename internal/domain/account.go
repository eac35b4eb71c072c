package domain

import "github.com/shopspring/decimal"

// Account is the exchange-level (live) or simulated (Core C) account
// snapshot. Simulator-only fields (PeakEquity, MaxDrawdownPct, TotalFees)
// are zero-valued for the live REST view.
type Account struct {
	Balance           decimal.Decimal
	Equity            decimal.Decimal
	RealizedPnL       decimal.Decimal
	UnrealizedPnL     decimal.Decimal
	ReservedMarginSum decimal.Decimal
	PositionsCount    int
	TotalFees         decimal.Decimal

	// PeakEquity / MaxDrawdownPct are a SUPPLEMENTED feature (original
	// risk_service.py): a pure derived statistic with no interface impact,
	// updated alongside MarkAccount.
	PeakEquity     decimal.Decimal
	MaxDrawdownPct decimal.Decimal
}

// Position is an exchange-reported (REST v2/positionRisk) open position,
// distinct from a TradeRecord: the exchange aggregates by (symbol,
// positionSide) while a TradeRecord tracks one position's own TP/SL
// lifetime independent of that aggregation.
type Position struct {
	Symbol       string
	PositionSide PositionSide
	Amount       decimal.Decimal // signed: positive long, negative short
	EntryPrice   decimal.Decimal
	MarkPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage     int
}
