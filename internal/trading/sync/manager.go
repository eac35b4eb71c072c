// Package sync implements the Sync Manager (spec §4.13): periodic
// reconciliation of local state against REST truth, grounded on
// risk/reconciler.go's ghost-order/position-divergence shape, split into
// three differently-paced syncers (TP/SL every tick, position every sixth
// tick, pending orders every tick) plus a durable audit ledger.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"market_maker/internal/core"
	"market_maker/internal/domain"
	"market_maker/internal/trading/commission"
	"market_maker/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Manager implements core.ISyncManager.
type Manager struct {
	exchange   core.IExchange
	orders     core.IOrderRepository
	records    core.IRecordRepository
	pending    core.IPendingOrderRepository
	recordSvc  core.IRecordService
	commission *commission.Service
	audit      *AuditLedger
	symbol     string
	interval   time.Duration
	log        core.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tick int64
}

// NewManager builds a Sync Manager for a single traded symbol. recordSvc
// owns the one idempotent CloseRecord path (I3) that both the user-data
// dispatcher and this reconciliation loop funnel through; commissionSvc
// supplies the precise exit price/commission for the TP-triggered path.
func NewManager(exchange core.IExchange, orders core.IOrderRepository, records core.IRecordRepository, pending core.IPendingOrderRepository, recordSvc core.IRecordService, commissionSvc *commission.Service, audit *AuditLedger, symbol string, interval time.Duration, log core.ILogger) *Manager {
	return &Manager{
		exchange:   exchange,
		orders:     orders,
		records:    records,
		pending:    pending,
		recordSvc:  recordSvc,
		commission: commissionSvc,
		audit:      audit,
		symbol:     symbol,
		interval:   interval,
		log:        log.WithField("component", "sync_manager"),
	}
}

func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.runLoop()
	return nil
}

func (m *Manager) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

func (m *Manager) runLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			passCtx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
			if err := m.RunOnce(passCtx); err != nil {
				m.log.Error("sync pass failed", "error", err)
			}
			cancel()
		}
	}
}

// RunOnce executes one reconciliation pass: TPSLSyncer and
// PendingOrderSyncer every call, PositionSyncer every 6th — a REST failure
// in any stage aborts that stage only (ambiguity-safe: "skip, don't
// assume") and is surfaced as the returned error.
func (m *Manager) RunOnce(ctx context.Context) error {
	m.tick++

	var errs []error
	if err := m.syncTPSL(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tpsl sync: %w", err))
	}
	if err := m.syncPendingOrders(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pending order sync: %w", err))
	}
	if m.tick%6 == 0 {
		if err := m.syncPositions(ctx); err != nil {
			errs = append(errs, fmt.Errorf("position sync: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("sync manager: %v", errs)
	}
	return nil
}

// syncTPSL is the TPSLSyncer (spec §4.13). A REST failure on the
// open-algo-orders call aborts the whole tick (ambiguity is never treated as
// "nothing is wrong"); per-record GetOrder failures only skip that one
// record, since the rest of the set is still safe to evaluate.
func (m *Manager) syncTPSL(ctx context.Context) error {
	openAlgo, err := m.exchange.GetOpenAlgoOrders(ctx, m.symbol)
	if err != nil {
		return err
	}
	liveAlgoIDs := make(map[int64]bool, len(openAlgo))
	for _, o := range openAlgo {
		liveAlgoIDs[o.BinanceAlgoID] = true
	}

	for _, rec := range m.records.Open() {
		if rec.Symbol != m.symbol {
			continue
		}
		m.syncOneTPSL(ctx, rec, liveAlgoIDs)
	}
	return nil
}

func (m *Manager) syncOneTPSL(ctx context.Context, rec *domain.TradeRecord, liveAlgoIDs map[int64]bool) {
	tpTriggered := false
	tpBinanceOrderID := int64(0)

	if rec.TPOrderID != "" {
		if o, ok := m.orders.Get(rec.TPOrderID); ok {
			live, err := m.exchange.GetOrder(ctx, rec.Symbol, o.BinanceOrderID, "")
			if err != nil {
				m.log.Warn("sync manager: get TP order failed, skipping this tick", "record_id", rec.ID, "error", err)
				return
			}
			switch live.Status {
			case domain.OrderStatusFilled:
				tpTriggered = true
				tpBinanceOrderID = o.BinanceOrderID
			case domain.OrderStatusCancelled, domain.OrderStatusExpired:
				rec.TPOrderID = ""
				_ = m.records.Save(ctx, rec)
			}
		}
	}
	if rec.TPAlgoID != 0 && !liveAlgoIDs[rec.TPAlgoID] {
		tpTriggered = true
	}
	slTriggered := rec.SLAlgoID != 0 && !liveAlgoIDs[rec.SLAlgoID]

	switch {
	case tpTriggered:
		m.logDrift(ctx, DriftEvent{Timestamp: time.Now(), Kind: "tpsl_missing", Symbol: rec.Symbol, RecordID: rec.ID,
			DetailsJSON: `{"leg":"TP","action":"close"}`, Corrected: true})
		if err := m.recordSvc.CancelRemainingTPSL(ctx, rec); err != nil {
			m.log.Warn("sync manager: cancel remaining SL after TP trigger failed", "record_id", rec.ID, "error", err)
		}
		closePrice := rec.EntryPrice
		exitCommission := decimal.Zero
		var realizedPnL *decimal.Decimal
		if tpBinanceOrderID != 0 && m.commission != nil {
			if info, err := m.commission.FetchExitInfo(ctx, rec.Symbol, tpBinanceOrderID); err == nil {
				closePrice = info.ClosePrice
				exitCommission = info.Commission
				realizedPnL = &info.RealizedPnL
			} else if px, pxErr := m.exchange.GetLatestPrice(ctx, rec.Symbol); pxErr == nil {
				closePrice = px
			}
		} else if px, err := m.exchange.GetLatestPrice(ctx, rec.Symbol); err == nil {
			closePrice = px
		}
		if _, err := m.recordSvc.CloseRecord(ctx, rec.ID, closePrice, domain.RecordStatusTPClosed, "tp_sync", exitCommission, realizedPnL); err != nil {
			m.log.Error("sync manager: close record on TP trigger failed", "record_id", rec.ID, "error", err)
		}

	case slTriggered:
		// Known approximation (spec §9, preserved verbatim): the
		// materialized market-order id for an SL-triggered algo fill isn't
		// generally recoverable here, so the record closes at mark price
		// with zero exit commission and a locally computed realized_pnl.
		m.logDrift(ctx, DriftEvent{Timestamp: time.Now(), Kind: "tpsl_missing", Symbol: rec.Symbol, RecordID: rec.ID,
			DetailsJSON: `{"leg":"SL","action":"close"}`, Corrected: true})
		if err := m.recordSvc.CancelRemainingTPSL(ctx, rec); err != nil {
			m.log.Warn("sync manager: cancel remaining TP after SL trigger failed", "record_id", rec.ID, "error", err)
		}
		closePrice, err := m.exchange.GetLatestPrice(ctx, rec.Symbol)
		if err != nil {
			m.log.Warn("sync manager: mark price lookup failed for SL close, skipping this tick", "record_id", rec.ID, "error", err)
			return
		}
		if _, err := m.recordSvc.CloseRecord(ctx, rec.ID, closePrice, domain.RecordStatusSLClosed, "sl_sync", decimal.Zero, nil); err != nil {
			m.log.Error("sync manager: close record on SL trigger failed", "record_id", rec.ID, "error", err)
		}
	}
}

// syncPendingOrders detects orphaned pending-order entries whose underlying
// limit/conditional order has vanished from the exchange without a fill or
// cancel notification ever arriving — a SUPPLEMENTED feature (original
// pending_order_syncer.py).
func (m *Manager) syncPendingOrders(ctx context.Context) error {
	openOrders, err := m.exchange.GetOpenOrders(ctx, m.symbol)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(openOrders))
	for _, o := range openOrders {
		live[o.ClientOrderID] = true
	}

	for _, p := range m.pending.All() {
		if p.Symbol != m.symbol {
			continue
		}
		if entry, ok := findEntryOrder(m.orders, p); ok && !live[entry.ClientOrderID] {
			m.logDrift(ctx, DriftEvent{
				Timestamp: time.Now(), Kind: "pending_order_orphan", Symbol: p.Symbol, RecordID: p.ID,
				DetailsJSON: fmt.Sprintf(`{"client_order_id":%q}`, entry.ClientOrderID),
			})
			m.log.Warn("pending order orphaned: entry order no longer open on exchange", "pending_id", p.ID)
		}
	}
	return nil
}

func findEntryOrder(orders core.IOrderRepository, p *domain.PendingOrder) (*domain.Order, bool) {
	for _, o := range orders.All() {
		if o.Symbol == p.Symbol && o.Side == p.Side && o.Purpose == domain.PurposeEntry {
			return o, true
		}
	}
	return nil, false
}

// syncPositions closes every local open record with no matching non-zero
// exchange position on its side, pushes the mark price to matched ones, and
// logs any remaining net-size difference; no percentage threshold applies.
// syncPositions is the PositionSyncer (spec §4.13). A REST failure here
// returns the error untouched rather than an empty slice — "couldn't check"
// must never be confused with "no positions exist" (spec §9's explicit
// callout), since the latter drives an irreversible POSITION_CLOSED_EXTERNALLY
// transition.
func (m *Manager) syncPositions(ctx context.Context) error {
	positions, err := m.exchange.GetPositions(ctx, m.symbol)
	if err != nil {
		return err
	}

	bySide := make(map[domain.PositionSide]*domain.Position, len(positions))
	exchangeSize := decimal.Zero
	for _, p := range positions {
		if p.Symbol != m.symbol {
			continue
		}
		exchangeSize = exchangeSize.Add(p.Amount)
		pos := p
		bySide[p.PositionSide] = pos
	}

	localSize := decimal.Zero
	for _, rec := range m.records.Open() {
		if rec.Symbol != m.symbol {
			continue
		}
		qty := rec.Qty
		if rec.Side == domain.SideSell {
			qty = qty.Neg()
		}
		localSize = localSize.Add(qty)

		positionSide := domain.PositionSideLong
		if rec.Side == domain.SideSell {
			positionSide = domain.PositionSideShort
		}
		matched, ok := bySide[positionSide]
		if ok && !matched.Amount.IsZero() {
			if err := m.recordSvc.UpdateMarkPrice(ctx, rec.Symbol, matched.MarkPrice); err != nil {
				m.log.Warn("sync manager: mark price push failed", "record_id", rec.ID, "error", err)
			}
			continue
		}

		// No matching non-zero exchange position for this record: the
		// position was closed outside this process (manual close, ADL,
		// liquidation) and local state never saw the closing fill.
		m.logDrift(ctx, DriftEvent{
			Timestamp: time.Now(), Kind: "position_divergence", Symbol: rec.Symbol, RecordID: rec.ID,
			Corrected: true, DetailsJSON: `{"reason":"no_matching_exchange_position"}`,
		})
		if err := m.recordSvc.CancelRemainingTPSL(ctx, rec); err != nil {
			m.log.Warn("sync manager: cancel remaining tp/sl before external-close failed", "record_id", rec.ID, "error", err)
		}
		closePrice := rec.EntryPrice
		if px, err := m.exchange.GetLatestPrice(ctx, rec.Symbol); err == nil {
			closePrice = px
		}
		if _, err := m.recordSvc.CloseRecord(ctx, rec.ID, closePrice, domain.RecordStatusClosedExternally, "position_sync", decimal.Zero, nil); err != nil {
			m.log.Error("sync manager: close record on external close failed", "record_id", rec.ID, "error", err)
		}
	}

	if !localSize.Equal(exchangeSize) {
		m.log.Warn("sync manager: residual size divergence after per-record reconciliation",
			"symbol", m.symbol, "local", localSize, "exchange", exchangeSize)
	}

	return nil
}

func (m *Manager) logDrift(ctx context.Context, e DriftEvent) {
	telemetry.GetGlobalMetrics().SyncDriftTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", e.Symbol),
		attribute.String("kind", e.Kind),
	))
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(ctx, e); err != nil {
		m.log.Error("sync manager: audit ledger write failed", "error", err)
	}
}

var _ core.ISyncManager = (*Manager)(nil)
