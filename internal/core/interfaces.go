// Package core defines the shared interfaces implemented by the market-data,
// execution, and simulator cores. Types flowing across these interfaces live
// in internal/domain; nothing here depends on an exchange SDK or protobuf.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"market_maker/internal/domain"
)

// ILogger is the single logging interface injected throughout the system.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// PlaceOrderRequest is the normalized request shape the Order Manager builds
// before handing off to IExchange; it maps 1:1 onto the Binance REST order
// parameters the client signs and sends.
type PlaceOrderRequest struct {
	Symbol       string
	Side         domain.Side
	PositionSide domain.PositionSide
	Type         domain.OrderType
	Quantity     decimal.Decimal
	Price        decimal.Decimal // zero for market/stop-market
	StopPrice    decimal.Decimal // trigger price for conditional orders
	ReduceOnly   bool
	ClientOrderID string
	GoodTillDate time.Time // zero value => GTC
}

// IExchange is the Exchange REST Client contract (spec §4.7): HMAC-signed
// Binance USDⓈ-M REST calls plus the user-data WebSocket lifecycle.
type IExchange interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*domain.Order, error)
	CancelOrder(ctx context.Context, symbol string, binanceOrderID int64) error
	CancelAlgoOrder(ctx context.Context, symbol string, binanceAlgoID int64) error
	GetOrder(ctx context.Context, symbol string, binanceOrderID int64, clientOrderID string) (*domain.Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error)
	GetOpenAlgoOrders(ctx context.Context, symbol string) ([]*domain.Order, error)

	GetAccount(ctx context.Context) (*domain.Account, error)
	GetPositions(ctx context.Context, symbol string) ([]*domain.Position, error)
	GetUserTrades(ctx context.Context, symbol string, startTime int64, fromID int64) ([]*domain.Trade, error)

	GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error)
	GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetExchangeInfo(ctx context.Context) ([]SymbolInfo, error)
	GetQuoteVolume24h(ctx context.Context, symbol string) (decimal.Decimal, error)

	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error

	SetDualSidePosition(ctx context.Context, dual bool) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// SymbolInfo is the subset of Binance exchange-info needed to validate and
// round order parameters for a symbol, and to filter the tradeable universe.
type SymbolInfo struct {
	Symbol            string
	Status            string // e.g. "TRADING"
	QuoteAsset        string
	ContractType      string // e.g. "PERPETUAL"
	PricePrecision    int
	QuantityPrecision int
	TickSize          decimal.Decimal
	StepSize          decimal.Decimal
	MinNotional       decimal.Decimal
	MaxLeverage       int
}

// IWindowStore is the Rolling Window Store contract (spec §4.1).
type IWindowStore interface {
	PushBar(bar domain.Kline)
	Bars(symbol string) []domain.Kline
	Len(symbol string) int
	RealtimeLow(symbol string) (decimal.Decimal, bool)
	UpdateOpenInterest(symbol string, oi decimal.Decimal, ts int64)
}

// IIndicatorCalculator is the Indicator Calculator contract (spec §4.2).
type IIndicatorCalculator interface {
	Compute(symbol string) (*domain.IndicatorValues, bool)
}

// IAnomalyDetector is the dual-gate Anomaly Detector contract (spec §4.3).
type IAnomalyDetector interface {
	Evaluate(symbol string, bar domain.Kline, ind *domain.IndicatorValues) (*domain.AnomalyResult, bool)
}

// IAlertAggregator is the Alert Aggregator contract (spec §4.6): cooldown,
// debounce, and batch-window semantics over raw anomaly results.
type IAlertAggregator interface {
	Submit(result *domain.AnomalyResult)
	Start(ctx context.Context) error
	Stop() error
}

// ISymbolUniverse is the Symbol Universe Updater contract (spec §4.5).
type ISymbolUniverse interface {
	Symbols() []string
	Start(ctx context.Context) error
	Stop() error
	OnChange(cb func(added, removed []string))
}

// IFleetManager is the multiplexed kline WebSocket Fleet Manager (spec §4.4).
type IFleetManager interface {
	Start(ctx context.Context, symbols []string, interval string) error
	Stop() error
	UpdateSymbols(ctx context.Context, symbols []string, interval string) error
}

// IOrderRepository is the Order Repository contract (spec §4.10).
type IOrderRepository interface {
	Save(ctx context.Context, o *domain.Order) error
	Get(id string) (*domain.Order, bool)
	GetByBinanceOrderID(symbol string, binanceOrderID int64) (*domain.Order, bool)
	GetByBinanceAlgoID(symbol string, binanceAlgoID int64) (*domain.Order, bool)
	GetByClientOrderID(clientOrderID string) (*domain.Order, bool)
	ForRecord(recordID string) []*domain.Order
	All() []*domain.Order
}

// ILinkedOrderRepository answers "what order set currently covers this
// record" (entry + TP + SL) without recomputing secondary indexes on every
// call (SUPPLEMENTED feature, spec §9 / original linked_order_repository.py).
type ILinkedOrderRepository interface {
	OrdersForRecord(recordID string) []*domain.Order
}

// IRecordRepository is the Record Repository contract (spec §4.10).
type IRecordRepository interface {
	Save(ctx context.Context, r *domain.TradeRecord) error
	Get(id string) (*domain.TradeRecord, bool)
	Open() []*domain.TradeRecord
	All() []*domain.TradeRecord
}

// IPendingOrderRepository tracks not-yet-filled limit/conditional entries.
type IPendingOrderRepository interface {
	Save(ctx context.Context, p *domain.PendingOrder) error
	Get(id string) (*domain.PendingOrder, bool)
	Delete(ctx context.Context, id string) error
	All() []*domain.PendingOrder
}

// ICommissionService is the Commission Service contract (spec §4.11):
// idempotent aggregation of user-trade fills onto their owning orders.
type ICommissionService interface {
	ReconcileOrder(ctx context.Context, order *domain.Order) error
}

// IRecordService is the Record Service contract (spec §4.12): the two-phase
// collect-then-apply state machine gluing order fills to TradeRecord
// lifecycle transitions.
type IRecordService interface {
	OnOrderFilled(ctx context.Context, order *domain.Order) error
	OnOrderUpdate(ctx context.Context, order *domain.Order) error
	CloseRecord(ctx context.Context, recordID string, closePrice decimal.Decimal, status domain.RecordStatus, reason string, exitCommission decimal.Decimal, realizedPnL *decimal.Decimal) (*domain.TradeRecord, error)
	UpdateMarkPrice(ctx context.Context, symbol string, px decimal.Decimal) error
	CancelRemainingTPSL(ctx context.Context, rec *domain.TradeRecord) error
}

// IOrderManager is the Order Manager contract (spec §4.9): the decision-level
// vocabulary (open/close/TP-SL/limit/cancel) mapped onto exchange primitives.
type IOrderManager interface {
	OpenPosition(ctx context.Context, symbol string, side domain.Side, qty decimal.Decimal, leverage int, tp, sl *decimal.Decimal, source domain.Source) (*domain.TradeRecord, error)
	ClosePosition(ctx context.Context, recordID string, reason string) error
	PlaceLimitEntry(ctx context.Context, p *domain.PendingOrder) error
	CancelPendingOrder(ctx context.Context, pendingID string) error
	UpdateTPSL(ctx context.Context, recordID string, tp, sl *decimal.Decimal) error
	EnsureLeverage(ctx context.Context, symbol string, leverage int) error
}

// ISyncManager is the Sync Manager contract (spec §4.13): periodic
// reconciliation of local state against REST truth.
type ISyncManager interface {
	Start(ctx context.Context) error
	Stop() error
	RunOnce(ctx context.Context) error
}

// ISimulatorEngine is the deterministic bar-driven Simulator/Backtest Engine
// contract (Core C).
type ISimulatorEngine interface {
	OnBar(ctx context.Context, bar domain.Kline) error
	Account() *domain.Account
}

// IWriteQueue is the Simulator's durable non-blocking persistence queue
// (spec Core C): writers enqueue without blocking on disk I/O; Drain blocks
// until the queue is empty or the timeout elapses.
type IWriteQueue interface {
	Enqueue(item interface{}) error
	Drain(timeout time.Duration) error
}
