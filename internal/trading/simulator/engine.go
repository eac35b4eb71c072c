package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"market_maker/internal/config"
	"market_maker/internal/core"
	"market_maker/internal/domain"
)

// Engine is the deterministic bar-driven Simulator / Backtest Engine (Core
// C). Each closed bar is tested against pending limit entries, then open
// positions' TP/SL, then the account is marked and persisted — the same
// three-step sequence as the original coordinator's on_kline_wrapper, minus
// the market-data subscription bookkeeping (that's the caller's job here;
// see the WS fleet manager feeding bars in simulator mode).
type Engine struct {
	records core.IRecordRepository
	orders  core.IOrderRepository
	pending core.IPendingOrderRepository

	writeQueue core.IWriteQueue
	log        core.ILogger

	cfg         config.SimulatorConfig
	statePath   string
	historyPath string

	mu        sync.Mutex
	account   *domain.Account
	lastPrice map[string]decimal.Decimal
}

func NewEngine(
	records core.IRecordRepository,
	orders core.IOrderRepository,
	pending core.IPendingOrderRepository,
	writeQueue core.IWriteQueue,
	cfg config.SimulatorConfig,
	statePath, historyPath string,
	log core.ILogger,
) *Engine {
	return &Engine{
		records:     records,
		orders:      orders,
		pending:     pending,
		writeQueue:  writeQueue,
		log:         log.WithField("component", "simulator_engine"),
		cfg:         cfg,
		statePath:   statePath,
		historyPath: historyPath,
		account:     &domain.Account{Balance: decimal.NewFromFloat(cfg.InitialBalance)},
		lastPrice:   make(map[string]decimal.Decimal),
	}
}

// OnBar implements core.ISimulatorEngine.
func (e *Engine) OnBar(ctx context.Context, bar domain.Kline) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastPrice[bar.Symbol] = bar.Close

	if err := e.fillPendingOrders(ctx, bar); err != nil {
		return fmt.Errorf("simulator: fill pending orders: %w", err)
	}
	if err := e.fillTPSL(ctx, bar); err != nil {
		return fmt.Errorf("simulator: fill tp/sl: %w", err)
	}

	e.markAccountLocked()
	e.persistState()

	return nil
}

func (e *Engine) Account() *domain.Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := *e.account
	return &snap
}

// fillPendingOrders tests every LIMIT pending order on bar.Symbol against
// fill semantics A, materializing a TradeRecord for each that fills.
func (e *Engine) fillPendingOrders(ctx context.Context, bar domain.Kline) error {
	for _, p := range e.pending.All() {
		if p.Symbol != bar.Symbol || p.Kind != domain.PendingOrderLimit {
			continue
		}
		price, ok := LimitFillPrice(p.Side, p.TriggerPrice, bar)
		if !ok {
			continue
		}
		if err := e.materializeEntry(ctx, p, price); err != nil {
			return err
		}
	}
	return nil
}

// materializeEntry charges the flat taker fee on the entry notional (the
// simulator's fee model charges taker on both legs regardless of order
// type, per spec glossary), reserves margin, and turns the pending order
// into a live TradeRecord — or drops it with a warning if the account can't
// cover the required margin, mirroring can_open's reject-silently behavior.
func (e *Engine) materializeEntry(ctx context.Context, p *domain.PendingOrder, fillPrice decimal.Decimal) error {
	leverage := p.Leverage
	if leverage < 1 {
		leverage = 1
	}
	notional := fillPrice.Mul(p.Qty)
	requiredMargin := notional.Div(decimal.NewFromInt(int64(leverage)))

	freeBalance := e.account.Balance.Sub(e.account.ReservedMarginSum)
	if freeBalance.LessThan(requiredMargin) {
		e.log.Warn("simulator: insufficient free margin, dropping pending order",
			"pending_id", p.ID, "symbol", p.Symbol, "required_margin", requiredMargin, "free_balance", freeBalance)
		return e.pending.Delete(ctx, p.ID)
	}

	fee := notional.Mul(decimal.NewFromFloat(e.cfg.TakerFeeRate))
	e.account.Balance = e.account.Balance.Sub(fee)
	e.account.TotalFees = e.account.TotalFees.Add(fee)
	e.account.ReservedMarginSum = e.account.ReservedMarginSum.Add(requiredMargin)

	now := time.Now()
	order := &domain.Order{
		ID:             uuid.NewString(),
		Symbol:         p.Symbol,
		OrderType:      domain.OrderTypeLimit,
		Purpose:        domain.PurposeEntry,
		Status:         domain.OrderStatusFilled,
		Side:           p.Side,
		PositionSide:   domain.DerivePositionSide(p.Side, true),
		Price:          p.TriggerPrice,
		Quantity:       p.Qty,
		FilledQty:      p.Qty,
		AvgFilledPrice: fillPrice,
		Commission:     fee,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	rec := &domain.TradeRecord{
		ID:           uuid.NewString(),
		Symbol:       p.Symbol,
		Side:         p.Side,
		Qty:          p.Qty,
		EntryPrice:   fillPrice,
		TPPrice:      p.TPPrice,
		SLPrice:      p.SLPrice,
		Leverage:     leverage,
		Margin:       requiredMargin,
		Notional:     notional,
		Status:       domain.RecordStatusOpen,
		Source:       domain.SourceSimulator,
		EntryOrderID: order.ID,
		TotalCommission: fee,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	order.RecordID = rec.ID

	if err := e.orders.Save(ctx, order); err != nil {
		return fmt.Errorf("save entry order: %w", err)
	}
	if err := e.records.Save(ctx, rec); err != nil {
		return fmt.Errorf("save materialized record: %w", err)
	}
	if err := e.pending.Delete(ctx, p.ID); err != nil {
		return fmt.Errorf("delete filled pending order: %w", err)
	}

	e.log.Info("simulator: limit entry filled", "record_id", rec.ID, "symbol", rec.Symbol, "price", fillPrice)
	return nil
}

// fillTPSL tests every open record on bar.Symbol against fill semantics B.
func (e *Engine) fillTPSL(ctx context.Context, bar domain.Kline) error {
	for _, rec := range e.records.Open() {
		if rec.Symbol != bar.Symbol {
			continue
		}
		price, purpose, fired := TPSLFill(rec.Side, rec.TPPrice, rec.SLPrice, bar)
		if !fired {
			continue
		}
		if err := e.closeRecord(ctx, rec, price, purpose); err != nil {
			return err
		}
	}
	return nil
}

// closeRecord realizes PnL at exitPrice, charges the flat taker fee on the
// exit leg, releases reserved margin, and transitions the record to its
// terminal TP/SL status.
func (e *Engine) closeRecord(ctx context.Context, rec *domain.TradeRecord, exitPrice decimal.Decimal, purpose domain.OrderPurpose) error {
	notional := exitPrice.Mul(rec.Qty)
	fee := notional.Mul(decimal.NewFromFloat(e.cfg.TakerFeeRate))

	var pnl decimal.Decimal
	if rec.Side == domain.SideBuy {
		pnl = exitPrice.Sub(rec.EntryPrice).Mul(rec.Qty)
	} else {
		pnl = rec.EntryPrice.Sub(exitPrice).Mul(rec.Qty)
	}

	e.account.Balance = e.account.Balance.Add(pnl).Sub(fee)
	e.account.TotalFees = e.account.TotalFees.Add(fee)
	e.account.RealizedPnL = e.account.RealizedPnL.Add(pnl)
	e.account.ReservedMarginSum = e.account.ReservedMarginSum.Sub(rec.Margin)

	status := domain.RecordStatusTPClosed
	reason := "take_profit"
	exitOrderType := domain.OrderTypeTakeProfitMarket
	if purpose == domain.PurposeStopLoss {
		status = domain.RecordStatusSLClosed
		reason = "stop_loss"
		exitOrderType = domain.OrderTypeStopMarket
	}

	now := time.Now()
	rec.Status = status
	rec.ClosePrice = &exitPrice
	rec.CloseTime = &now
	rec.CloseReason = reason
	rec.RealizedPnL = &pnl
	rec.TotalCommission = rec.TotalCommission.Add(fee)
	rec.UpdatedAt = now

	exitOrder := &domain.Order{
		ID:             uuid.NewString(),
		RecordID:       rec.ID,
		Symbol:         rec.Symbol,
		OrderType:      exitOrderType,
		Purpose:        purpose,
		Status:         domain.OrderStatusFilled,
		Side:           oppositeSide(rec.Side),
		PositionSide:   domain.DerivePositionSide(rec.Side, true),
		Price:          exitPrice,
		Quantity:       rec.Qty,
		FilledQty:      rec.Qty,
		AvgFilledPrice: exitPrice,
		Commission:     fee,
		RealizedPnL:    pnl,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := e.orders.Save(ctx, exitOrder); err != nil {
		return fmt.Errorf("save exit order: %w", err)
	}
	if err := e.records.Save(ctx, rec); err != nil {
		return fmt.Errorf("save closed record: %w", err)
	}

	e.log.Info("simulator: position closed", "record_id", rec.ID, "reason", reason, "exit_price", exitPrice, "pnl", pnl)
	e.enqueueHistory(rec)
	return nil
}

// markAccountLocked recomputes unrealized PnL/equity from every open record
// against the last seen price for its symbol, plus the peak-equity/drawdown
// statistic supplemented from risk_service.py's mark_account.
func (e *Engine) markAccountLocked() {
	unrealized := decimal.Zero
	count := 0
	for _, rec := range e.records.Open() {
		price, ok := e.lastPrice[rec.Symbol]
		if !ok {
			price = rec.EntryPrice
		}
		var pnl decimal.Decimal
		if rec.Side == domain.SideBuy {
			pnl = price.Sub(rec.EntryPrice).Mul(rec.Qty)
		} else {
			pnl = rec.EntryPrice.Sub(price).Mul(rec.Qty)
		}
		unrealized = unrealized.Add(pnl)
		count++
	}

	e.account.UnrealizedPnL = unrealized
	e.account.Equity = e.account.Balance.Add(unrealized)
	e.account.PositionsCount = count

	if e.account.Equity.GreaterThan(e.account.PeakEquity) {
		e.account.PeakEquity = e.account.Equity
	}
	if e.account.PeakEquity.IsPositive() {
		drawdown := e.account.PeakEquity.Sub(e.account.Equity).Div(e.account.PeakEquity).Mul(decimal.NewFromInt(100))
		if drawdown.GreaterThan(e.account.MaxDrawdownPct) {
			e.account.MaxDrawdownPct = drawdown
		}
	}
}

// stateSnapshot is the on-disk shape of trade_state.json (spec §10).
type stateSnapshot struct {
	Account   *domain.Account       `json:"account"`
	Positions []*domain.TradeRecord `json:"positions"`
	Timestamp int64                 `json:"ts"`
}

func (e *Engine) persistState() {
	if e.writeQueue == nil || e.statePath == "" {
		return
	}
	snap := &stateSnapshot{
		Account:   e.account,
		Positions: e.records.Open(),
		Timestamp: time.Now().UnixMilli(),
	}
	if err := e.writeQueue.Enqueue(&WriteTask{Type: TaskStateSave, Path: e.statePath, Payload: snap}); err != nil {
		e.log.Error("simulator: enqueue state write failed", "error", err)
	}
}

func (e *Engine) enqueueHistory(rec *domain.TradeRecord) {
	if e.writeQueue == nil || e.historyPath == "" {
		return
	}
	if err := e.writeQueue.Enqueue(&WriteTask{Type: TaskHistoryAppend, Path: e.historyPath, Payload: rec}); err != nil {
		e.log.Error("simulator: enqueue history write failed", "error", err)
	}
}

var _ core.ISimulatorEngine = (*Engine)(nil)
