package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market_maker/internal/core"
	"market_maker/internal/domain"
	"market_maker/internal/trading/commission"
	"market_maker/internal/trading/record"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})              {}
func (m *mockLogger) Info(msg string, f ...interface{})               {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

type memOrders struct {
	mu   sync.Mutex
	byID map[string]*domain.Order
}

func newMemOrders() *memOrders { return &memOrders{byID: make(map[string]*domain.Order)} }

func (r *memOrders) Save(ctx context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[o.ID] = o
	return nil
}
func (r *memOrders) Get(id string) (*domain.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.byID[id]
	return o, ok
}
func (r *memOrders) GetByBinanceOrderID(symbol string, id int64) (*domain.Order, bool) { return nil, false }
func (r *memOrders) GetByBinanceAlgoID(symbol string, id int64) (*domain.Order, bool)   { return nil, false }
func (r *memOrders) GetByClientOrderID(id string) (*domain.Order, bool)                 { return nil, false }
func (r *memOrders) ForRecord(recordID string) []*domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Order
	for _, o := range r.byID {
		if o.RecordID == recordID {
			out = append(out, o)
		}
	}
	return out
}
func (r *memOrders) All() []*domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Order, 0, len(r.byID))
	for _, o := range r.byID {
		out = append(out, o)
	}
	return out
}

type memRecords struct {
	mu   sync.Mutex
	byID map[string]*domain.TradeRecord
}

func newMemRecords() *memRecords { return &memRecords{byID: make(map[string]*domain.TradeRecord)} }

func (r *memRecords) Save(ctx context.Context, rec *domain.TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[rec.ID] = rec
	return nil
}
func (r *memRecords) Get(id string) (*domain.TradeRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	return rec, ok
}
func (r *memRecords) Open() []*domain.TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.TradeRecord
	for _, rec := range r.byID {
		if rec.Status == domain.RecordStatusOpen {
			out = append(out, rec)
		}
	}
	return out
}
func (r *memRecords) All() []*domain.TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.TradeRecord, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec)
	}
	return out
}

type memPending struct {
	mu   sync.Mutex
	byID map[string]*domain.PendingOrder
}

func newMemPending() *memPending { return &memPending{byID: make(map[string]*domain.PendingOrder)} }

func (r *memPending) Save(ctx context.Context, p *domain.PendingOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[p.ID] = p
	return nil
}
func (r *memPending) Get(id string) (*domain.PendingOrder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	return p, ok
}
func (r *memPending) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	return nil
}
func (r *memPending) All() []*domain.PendingOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.PendingOrder, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	return out
}

// fakeExchange implements core.IExchange with scripted responses; only the
// methods the Sync Manager actually calls need real behavior.
type fakeExchange struct {
	core.IExchange

	openAlgo      []*domain.Order
	openAlgoErr   error
	positions     []*domain.Position
	positionsErr  error
	order         *domain.Order
	orderErr      error
	latestPrice   decimal.Decimal
	latestPriceErr error
	userTrades    []*domain.Trade
}

func (f *fakeExchange) GetOpenAlgoOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	return f.openAlgo, f.openAlgoErr
}
func (f *fakeExchange) GetPositions(ctx context.Context, symbol string) ([]*domain.Position, error) {
	return f.positions, f.positionsErr
}
func (f *fakeExchange) GetOrder(ctx context.Context, symbol string, binanceOrderID int64, clientOrderID string) (*domain.Order, error) {
	return f.order, f.orderErr
}
func (f *fakeExchange) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.latestPrice, f.latestPriceErr
}
func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	return nil, nil
}
func (f *fakeExchange) GetUserTrades(ctx context.Context, symbol string, startTime int64, fromID int64) ([]*domain.Trade, error) {
	return f.userTrades, nil
}
func (f *fakeExchange) CancelOrder(ctx context.Context, symbol string, binanceOrderID int64) error {
	return nil
}
func (f *fakeExchange) CancelAlgoOrder(ctx context.Context, symbol string, binanceAlgoID int64) error {
	return nil
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newTestManager(ex *fakeExchange) (*Manager, *memRecords, *memOrders) {
	orders := newMemOrders()
	records := newMemRecords()
	pending := newMemPending()
	log := &mockLogger{}
	commissionSvc := commission.NewService(ex, orders, log)
	recordSvc := record.NewService(records, orders, pending, ex, log)
	mgr := NewManager(ex, orders, records, pending, recordSvc, commissionSvc, nil, "BTCUSDT", time.Second, log)
	return mgr, records, orders
}

func TestSyncTPSL_AlgoVanish_TPTriggersClose(t *testing.T) {
	ex := &fakeExchange{openAlgo: nil, latestPrice: dec(105)}
	mgr, records, _ := newTestManager(ex)

	rec := &domain.TradeRecord{
		ID: "r1", Symbol: "BTCUSDT", Side: domain.SideBuy, Qty: dec(1), EntryPrice: dec(100),
		Status: domain.RecordStatusOpen, TPAlgoID: 777, SLAlgoID: 888,
	}
	require.NoError(t, records.Save(context.Background(), rec))

	require.NoError(t, mgr.syncTPSL(context.Background()))

	got, _ := records.Get("r1")
	assert.Equal(t, domain.RecordStatusTPClosed, got.Status)
	assert.NotNil(t, got.ClosePrice)
	assert.True(t, got.ClosePrice.Equal(dec(105)))
}

func TestSyncTPSL_AlgoVanish_SLTriggersClose_Pessimistic(t *testing.T) {
	// Both legs vanish in the same tick: spec treats TP as checked first in
	// the algo-vanish branch, but here only SL vanishes to isolate the path.
	ex := &fakeExchange{openAlgo: []*domain.Order{{BinanceAlgoID: 999}}, latestPrice: dec(95)}
	mgr, records, _ := newTestManager(ex)

	rec := &domain.TradeRecord{
		ID: "r2", Symbol: "BTCUSDT", Side: domain.SideBuy, Qty: dec(1), EntryPrice: dec(100),
		Status: domain.RecordStatusOpen, TPAlgoID: 999, SLAlgoID: 888,
	}
	require.NoError(t, records.Save(context.Background(), rec))

	require.NoError(t, mgr.syncTPSL(context.Background()))

	got, _ := records.Get("r2")
	assert.Equal(t, domain.RecordStatusSLClosed, got.Status)
	assert.True(t, got.ClosePrice.Equal(dec(95)))
	assert.True(t, got.TotalCommission.IsZero())
}

func TestSyncTPSL_OpenAlgoOrdersFailure_SkipsTick(t *testing.T) {
	ex := &fakeExchange{openAlgoErr: assertErr}
	mgr, records, _ := newTestManager(ex)

	rec := &domain.TradeRecord{
		ID: "r3", Symbol: "BTCUSDT", Side: domain.SideBuy, Qty: dec(1), EntryPrice: dec(100),
		Status: domain.RecordStatusOpen, SLAlgoID: 1,
	}
	require.NoError(t, records.Save(context.Background(), rec))

	err := mgr.syncTPSL(context.Background())
	assert.Error(t, err)

	got, _ := records.Get("r3")
	assert.Equal(t, domain.RecordStatusOpen, got.Status) // untouched: ambiguity is never treated as "fine"
}

func TestSyncPositions_NoMatch_ClosesExternally(t *testing.T) {
	ex := &fakeExchange{positions: nil, latestPrice: dec(103)}
	mgr, records, _ := newTestManager(ex)

	rec := &domain.TradeRecord{
		ID: "r4", Symbol: "BTCUSDT", Side: domain.SideBuy, Qty: dec(1), EntryPrice: dec(100),
		Status: domain.RecordStatusOpen,
	}
	require.NoError(t, records.Save(context.Background(), rec))

	require.NoError(t, mgr.syncPositions(context.Background()))

	got, _ := records.Get("r4")
	assert.Equal(t, domain.RecordStatusClosedExternally, got.Status)
}

func TestSyncPositions_Match_PushesMarkPrice(t *testing.T) {
	ex := &fakeExchange{
		positions: []*domain.Position{{Symbol: "BTCUSDT", PositionSide: domain.PositionSideLong, Amount: dec(1), MarkPrice: dec(101)}},
	}
	mgr, records, _ := newTestManager(ex)

	rec := &domain.TradeRecord{
		ID: "r5", Symbol: "BTCUSDT", Side: domain.SideBuy, Qty: dec(1), EntryPrice: dec(100),
		Status: domain.RecordStatusOpen,
	}
	require.NoError(t, records.Save(context.Background(), rec))

	require.NoError(t, mgr.syncPositions(context.Background()))

	got, _ := records.Get("r5")
	assert.Equal(t, domain.RecordStatusOpen, got.Status)
	assert.True(t, got.MarkPrice.Equal(dec(101)))
}

func TestSyncPositions_RESTFailure_ReturnsError_NeverEmptySlice(t *testing.T) {
	ex := &fakeExchange{positionsErr: assertErr}
	mgr, records, _ := newTestManager(ex)

	rec := &domain.TradeRecord{
		ID: "r6", Symbol: "BTCUSDT", Side: domain.SideBuy, Qty: dec(1), EntryPrice: dec(100),
		Status: domain.RecordStatusOpen,
	}
	require.NoError(t, records.Save(context.Background(), rec))

	err := mgr.syncPositions(context.Background())
	assert.Error(t, err)

	got, _ := records.Get("r6")
	assert.Equal(t, domain.RecordStatusOpen, got.Status) // a REST failure must never look like "position gone"
}

var assertErr = &staticErr{"rest failure"}

type staticErr struct{ s string }

func (e *staticErr) Error() string { return e.s }
