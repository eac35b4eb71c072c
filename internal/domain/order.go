package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderType string

const (
	OrderTypeMarket            OrderType = "MARKET"
	OrderTypeLimit             OrderType = "LIMIT"
	OrderTypeStop              OrderType = "STOP"
	OrderTypeStopMarket        OrderType = "STOP_MARKET"
	OrderTypeTakeProfit        OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitMarket  OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeTrailingStopMkt   OrderType = "TRAILING_STOP_MARKET"
)

type OrderPurpose string

const (
	PurposeEntry      OrderPurpose = "ENTRY"
	PurposeTakeProfit OrderPurpose = "TAKE_PROFIT"
	PurposeStopLoss   OrderPurpose = "STOP_LOSS"
	PurposeClose      OrderPurpose = "CLOSE"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusTriggered       OrderStatus = "TRIGGERED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusRejected:
		return true
	default:
		return false
	}
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionSide derives the Binance dual-position-mode side from a trade
// direction: BUY => LONG, SELL => SHORT (never BOTH in dual mode).
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
	PositionSideBoth  PositionSide = "BOTH"
)

// DerivePositionSide implements the BUY=>LONG, SELL=>SHORT helper (§4.9).
func DerivePositionSide(side Side, dualMode bool) PositionSide {
	if !dualMode {
		return PositionSideBoth
	}
	if side == SideBuy {
		return PositionSideLong
	}
	return PositionSideShort
}

// Order is a repository entity. Identity is the local ID (UUID). It is
// cross-referenced to the exchange by exactly one of BinanceOrderID (plain
// limit/market orders) or BinanceAlgoID (conditional/algo orders) — never
// both.
type Order struct {
	ID       string
	RecordID string // optional: "" if not yet bound to a TradeRecord

	ClientOrderID  string // correlates REST placement with WS events before BinanceOrderID is known
	BinanceOrderID int64
	BinanceAlgoID  int64

	Symbol       string
	OrderType    OrderType
	Purpose      OrderPurpose
	Status       OrderStatus
	Side         Side
	PositionSide PositionSide

	Price    decimal.Decimal
	StopPrice decimal.Decimal
	Quantity decimal.Decimal

	FilledQty      decimal.Decimal
	AvgFilledPrice decimal.Decimal
	Commission     decimal.Decimal
	RealizedPnL    decimal.Decimal

	ReduceOnly bool

	CreatedAt time.Time
	UpdatedAt time.Time

	Trades []*Trade
}

// Trade is a single fill. Identity is the local ID; uniquely keyed
// externally by BinanceTradeID (I6: inserted at most once).
type Trade struct {
	ID             string
	OrderID        string // local Order.ID, set once matched to its owner
	BinanceOrderID int64  // exchange order id, used to match a fill to its order
	BinanceTradeID int64

	Price         decimal.Decimal
	Qty           decimal.Decimal
	QuoteQty      decimal.Decimal
	Commission    decimal.Decimal
	CommissionAsset string
	RealizedPnL   decimal.Decimal
	Maker         bool
	TimestampMs   int64
}

type RecordStatus string

const (
	RecordStatusOpen                   RecordStatus = "OPEN"
	RecordStatusTPClosed               RecordStatus = "TP_CLOSED"
	RecordStatusSLClosed               RecordStatus = "SL_CLOSED"
	RecordStatusManualClosed           RecordStatus = "MANUAL_CLOSED"
	RecordStatusLiquidated             RecordStatus = "LIQUIDATED"
	RecordStatusClosedExternally       RecordStatus = "POSITION_CLOSED_EXTERNALLY"
)

func (s RecordStatus) Terminal() bool { return s != RecordStatusOpen }

// Source is the provenance tag on records/orders, used by the sync manager
// and UI to filter independently reconciled worlds.
type Source string

const (
	SourceLive     Source = "live"
	SourceReverse  Source = "reverse"
	SourceSimulator Source = "sim"
)

// TradeRecord is a single open exposure (a "position") with its own TP/SL
// lifetime, independent of exchange-level position aggregation.
type TradeRecord struct {
	ID string

	Symbol     string
	Side       Side
	Qty        decimal.Decimal
	EntryPrice decimal.Decimal

	TPPrice *decimal.Decimal
	SLPrice *decimal.Decimal

	Leverage int
	Margin   decimal.Decimal
	Notional decimal.Decimal

	Status RecordStatus
	Source Source

	EntryOrderID string
	EntryAlgoID  int64

	TPOrderID string
	TPAlgoID  int64
	SLAlgoID  int64

	TotalCommission decimal.Decimal

	ClosePrice  *decimal.Decimal
	CloseTime   *time.Time
	CloseReason string
	RealizedPnL *decimal.Decimal

	// MarkPrice is the most recent price pushed by UpdateMarkPrice; it never
	// triggers TP/SL itself on the live side (Binance does that), but feeds
	// unrealized-PnL reporting and the reverse-engine/sim worlds that do
	// evaluate their own TP/SL against it.
	MarkPrice decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PendingOrderKind discriminates a pre-fill intent.
type PendingOrderKind string

const (
	PendingOrderLimit       PendingOrderKind = "LIMIT"
	PendingOrderConditional PendingOrderKind = "CONDITIONAL"
)

// PendingOrder is a desired future entry tracked until filled, cancelled, or
// expired; it carries the target TP/SL used to materialise a TradeRecord.
type PendingOrder struct {
	ID     string
	Symbol string
	Kind   PendingOrderKind
	Side   Side

	TriggerPrice decimal.Decimal
	Qty          decimal.Decimal

	TPPrice *decimal.Decimal
	SLPrice *decimal.Decimal

	Leverage int
	Source   Source

	GoodTillDate time.Time
	CreatedAt    time.Time
}
