// Package domain holds the plain data types shared across the market-data,
// execution, and simulator cores. Money and price fields use decimal.Decimal
// throughout; nothing in this package imports protobuf or any exchange SDK.
package domain

import "github.com/shopspring/decimal"

// Kline is one OHLCV bar at the configured interval, identified by its open
// timestamp. Sourced from REST history (IsClosed is false only for the
// still-open last bar, whose close time has not passed yet) or from the kline
// WebSocket stream (IsClosed toggles true on the final update of a bar).
type Kline struct {
	Symbol    string
	Timestamp int64 // open time, milliseconds since epoch
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	IsClosed  bool
}

// EngulfingType classifies the relationship between the current and
// previous bar under the strict engulfing rule (§4.2).
type EngulfingType string

const (
	EngulfingNone     EngulfingType = "none"
	EngulfingBullish  EngulfingType = "bullish_engulf"
	EngulfingBearish  EngulfingType = "bearish_engulf"
	EngulfingPlain    EngulfingType = "plain_engulf"
)

// OIDivergence classifies price/open-interest directional disagreement.
type OIDivergence string

const (
	OIDivergenceNone    OIDivergence = "none"
	OIDivergenceBullish OIDivergence = "bullish_divergence" // price down, OI up
	OIDivergenceBearish OIDivergence = "bearish_divergence" // price up, OI down
)

// IndicatorValues is an immutable snapshot computed from a rolling window;
// absent (nil) until the window holds at least max(period)+1 closed bars (I5).
type IndicatorValues struct {
	Symbol    string
	Timestamp int64

	ATR        decimal.Decimal
	ATRZScore  decimal.Decimal

	PriceChangeRate   decimal.Decimal
	PriceChangeZScore decimal.Decimal

	VolumeZScore decimal.Decimal

	RSI decimal.Decimal

	EMAFast decimal.Decimal
	EMASlow decimal.Decimal
	EMABullishCross bool
	EMABearishCross bool

	MADeviationZScore decimal.Decimal

	BBUpper         decimal.Decimal
	BBMiddle        decimal.Decimal
	BBLower         decimal.Decimal
	BBWidth         decimal.Decimal
	BBWidthZScore   decimal.Decimal
	BBBreakoutUpper bool
	BBBreakoutLower bool
	BBSqueeze       bool

	Engulfing EngulfingType
	UpperWickRatio decimal.Decimal
	LowerWickRatio decimal.Decimal
	LongWick       bool

	OIValue        decimal.Decimal
	OIChangeRate   decimal.Decimal
	OIZScore       decimal.Decimal
	OIMA           decimal.Decimal
	OIMomentum     decimal.Decimal
	OISurge        bool
	OIDivergence   OIDivergence
}

// AnomalyResult is the outcome of one dual-gate detector evaluation.
type AnomalyResult struct {
	Symbol    string
	Timestamp int64
	Price     decimal.Decimal
	ChangePct decimal.Decimal

	ATRZScore    decimal.Decimal
	PriceZScore  decimal.Decimal
	VolumeZScore decimal.Decimal

	Level     int // 1..5
	Triggered []string
	Engulfing EngulfingType
}
